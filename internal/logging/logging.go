package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/HsiangNianian/protoworker/internal/protocol"
)

// New builds the process logger. Unknown levels fall back to info, unknown
// formats to text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type EnvelopeLogger struct {
	logger *slog.Logger
}

func NewEnvelopeLogger(logger *slog.Logger) *EnvelopeLogger {
	return &EnvelopeLogger{logger: logger}
}

func (p *EnvelopeLogger) Log(env protocol.Envelope, direction string) {
	if p == nil {
		return
	}
	p.logger.Debug("envelope",
		"direction", direction,
		"worker_id", env.WorkerID,
		"transaction_id", env.TransactionID,
		"protocol", env.Protocol,
		"kind", env.Kind,
		"status", env.Status,
		"legacy", env.Legacy,
		"payload_size", len(env.Data),
	)
}
