package logx

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"warehouse-choreography/shared/lineagex"
	"warehouse-choreography/shared/tenantx"
)

type Logger struct {
	slog *slog.Logger
	env  string
}

func New(service string, env string, version string, level string) Logger {
	return NewWithWriter(os.Stdout, service, env, version, level)
}

func NewWithWriter(w io.Writer, service string, env string, version string, level string) Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "ts"
			case slog.LevelKey:
				a.Key = "level"
			case slog.MessageKey:
				a.Key = "event"
			}
			return a
		},
	}

	base := slog.New(slog.NewJSONHandler(w, opts)).With(
		slog.String("service", service),
		slog.String("env", env),
	)
	if strings.TrimSpace(version) != "" {
		base = base.With(slog.String("version", strings.TrimSpace(version)))
	}

	return Logger{slog: base, env: env}
}

// Nop discards everything; used by tests and by components built without a logger.
func Nop() Logger {
	return NewWithWriter(io.Discard, "", "", "", "error")
}

func (l Logger) Info(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelInfo, event, msg, attrs)
}

func (l Logger) Warn(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelWarn, event, msg, attrs)
}

func (l Logger) Error(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelError, event, msg, attrs)
}

func (l Logger) Debug(ctx context.Context, event string, msg string, attrs ...slog.Attr) {
	l.log(ctx, slog.LevelDebug, event, msg, attrs)
}

func (l Logger) Env() string { return l.env }

func (l Logger) log(ctx context.Context, level slog.Level, event string, msg string, attrs []slog.Attr) {
	if l.slog == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs = append(attrs, slog.String("msg", msg))
	attrs = append(attrs, contextAttrs(ctx)...)
	l.slog.LogAttrs(ctx, level, event, attrs...)
}

func contextAttrs(ctx context.Context) []slog.Attr {
	var attrs []slog.Attr
	lineage := lineagex.Current(ctx)
	if lineage.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", lineage.CorrelationID))
	}
	if lineage.CausationID != "" {
		attrs = append(attrs, slog.String("causation_id", lineage.CausationID))
	}
	if lineage.ActorID != "" {
		attrs = append(attrs, slog.String("actor_id", lineage.ActorID))
	}
	if tenantID := tenantx.TenantIDFromContext(ctx); tenantID != "" {
		attrs = append(attrs, slog.String("tenant_id", tenantID))
	}
	return attrs
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
