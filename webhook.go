package chatsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Webhook push source
// ============================================================================

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chatsync-Signature"

// VerifySignature checks an HMAC-SHA256 body signature, with or without the
// "sha256=" prefix, in constant time.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseEnvelope parses a pushed event envelope.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Event == "" {
		return nil, errors.New("missing event field in webhook body")
	}
	return &env, nil
}

// WebhookSource receives signed event envelopes over HTTP POST and delivers
// them to its handlers, one at a time. It is an EventSource, so an
// EventRouter can mount it next to or instead of the push channel.
type WebhookSource struct {
	secret string
	log    zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]map[int]EventHandler
	nextID   int

	// dispatch serializes deliveries across concurrent requests.
	dispatch sync.Mutex
}

// NewWebhookSource creates a webhook source verifying against secret.
func NewWebhookSource(secret string, logger *zerolog.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	return &WebhookSource{
		secret:   secret,
		log:      loggerOrNop(logger),
		handlers: make(map[string]map[int]EventHandler),
	}, nil
}

// On registers h for event.
func (w *WebhookSource) On(event string, h EventHandler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextID
	w.nextID++
	if w.handlers[event] == nil {
		w.handlers[event] = make(map[int]EventHandler)
	}
	w.handlers[event][id] = h
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		delete(w.handlers[event], id)
	}
}

// Handle verifies, parses and delivers one request body. It returns the
// status code and response body for the caller to write.
func (w *WebhookSource) Handle(body []byte, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.RLock()
	hs := make([]EventHandler, 0, len(w.handlers[env.Event]))
	for _, h := range w.handlers[env.Event] {
		hs = append(hs, h)
	}
	w.mu.RUnlock()

	if len(hs) == 0 {
		w.log.Debug().Str("event", env.Event).Msg("webhook event has no handlers")
		return http.StatusAccepted, map[string]bool{"ok": true}
	}

	w.dispatch.Lock()
	defer w.dispatch.Unlock()
	for _, h := range hs {
		w.deliver(env.Event, h, env.Data)
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

func (w *WebhookSource) deliver(event string, h EventHandler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Interface("panic", r).Str("event", event).Msg("webhook handler panicked")
		}
	}()
	h(data)
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	src, _ := chatsync.NewWebhookSource(secret, nil)
//	s.Router.Mount(src)
//	http.Handle("/hooks/chat", src)
func (w *WebhookSource) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}
	defer r.Body.Close()

	status, data := w.Handle(body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
