package chatsync

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a logger writing to w at the given level ("debug", "info",
// "warn", "error"). Unknown or empty levels fall back to info. When pretty is
// set, output is human-readable console text instead of JSON lines.
func NewLogger(w io.Writer, level string, pretty bool) zerolog.Logger {
	var lv zerolog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = zerolog.DebugLevel
	case "warn", "warning":
		lv = zerolog.WarnLevel
	case "error":
		lv = zerolog.ErrorLevel
	default:
		lv = zerolog.InfoLevel
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(lv).With().Timestamp().Str("component", "chatsync").Logger()
}

// loggerOrNop returns l, or a disabled logger when l is nil.
func loggerOrNop(l *zerolog.Logger) zerolog.Logger {
	if l == nil {
		return zerolog.Nop()
	}
	return *l
}
