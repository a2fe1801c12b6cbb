package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/Prismer-AI/Prismer/sdk/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	watchConversation  string
	watchMetricsAddr   string
	watchWebhookAddr   string
	watchWebhookSecret string
)

var errSessionExpired = errors.New("session expired; run 'chatsync login <token>' again")

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVarP(&watchConversation, "conversation", "c", "", "Conversation to open and follow")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Also accept signed event pushes over HTTP on this address")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", "", "Secret for --webhook-addr (or CHATSYNC_WEBHOOK_SECRET)")
}

// terminal renders alerts and navigation on stdout.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func (t *terminal) Alert(a chatsync.Alert) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a.Level == chatsync.AlertBlocking {
		fmt.Fprintf(t.out, "\n!! %s: %s\n", a.Title, a.Body)
		return
	}
	fmt.Fprintf(t.out, "* %s: %s\n", a.Title, a.Body)
}

func (t *terminal) Navigate(route string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, "-> %s\n", route)
}

func (t *terminal) printMessage(m *chatsync.Message, me string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, formatMessageView(newMessageView(m, me, time.Now())))
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the live session",
	Long:  "Connect the push channel and print new-message alerts, and the messages of the conversation given with --conversation.\nThe stored token is cleared when the channel gives up after repeated connect errors.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Default.ChannelURL == "" {
			return errors.New("no channel URL; set default.channel_url or CHATSYNC_CHANNEL_URL")
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		log := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)
		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			go serve(ctx, log, watchMetricsAddr, mux)
		}

		term := &terminal{out: os.Stdout}
		var expired atomic.Bool
		session := chatsync.SessionClearerFunc(func() {
			expired.Store(true)
			if err := clearStoredToken(); err != nil {
				log.Warn().Err(err).Msg("could not clear stored token")
			}
			cancel()
		})

		ident := identity(cfg)
		ch := chatsync.NewWSChannel(cfg.Default.ChannelURL, &chatsync.ChannelConfig{AutoReconnect: true, Logger: log})
		s := chatsync.New(ch, client, ident, &chatsync.Options{
			PageSize:  cfg.Default.PageSize,
			Session:   session,
			Navigator: term,
			Alerter:   term,
			Logger:    log,
			Metrics:   metrics,
		})

		if watchWebhookAddr != "" {
			secret := valueOrDefault(watchWebhookSecret, os.Getenv("CHATSYNC_WEBHOOK_SECRET"))
			src, err := chatsync.NewWebhookSource(secret, log)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/hooks/chat", src)
			go serve(ctx, log, watchWebhookAddr, mux)

			// Pushes over HTTP feed the same store through a router of their own.
			r := chatsync.NewEventRouter(s.Store, s.Presence, s.Notifier, ch, ident, &chatsync.RouterOptions{Logger: log, Metrics: metrics})
			r.Mount(src)
			defer r.Unmount()
		}

		off := s.Store.Subscribe(func(c chatsync.StoreChange) {
			if c.Kind != chatsync.ChangeMessage || c.ConversationID != s.Store.ActiveConversationID() {
				return
			}
			if conv, ok := s.Store.Conversation(c.ConversationID); ok && conv.LastMessage != nil {
				term.printMessage(conv.LastMessage, ident.User.ID)
			}
		})
		defer off()

		if err := s.Start(ctx); err != nil {
			return err
		}
		defer s.Stop()

		if watchConversation != "" {
			if err := s.ActivateConversation(ctx, watchConversation); err != nil {
				return err
			}
			conv, _ := s.Store.Conversation(watchConversation)
			for i := range conv.Messages {
				term.printMessage(&conv.Messages[i], ident.User.ID)
			}
		}

		log.Info().Int("conversations", len(s.Store.Conversations())).Int("unread", s.Store.TotalUnread()).Msg("watching")
		<-ctx.Done()
		if expired.Load() {
			return errSessionExpired
		}
		return nil
	},
}

func serve(ctx context.Context, log *zerolog.Logger, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("server stopped")
	}
}

// clearStoredToken removes the session token from the config file.
func clearStoredToken() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = ""
	return saveConfig(cfg)
}
