package logging

import (
	"context"
	"fmt"
	"io"
	"os"
)

// Logger is the structured log sink carried on the context for the
// lifetime of one CLI invocation or serve loop.
type Logger interface {
	Debug(component, msg string, fields ...any)
	Info(component, msg string, fields ...any)
	Warn(component, msg string, fields ...any)
	Error(component, msg string, fields ...any)
	Event(ctx context.Context, event string, fields map[string]any)
	Close() error
}

type loggerKey struct{}

func WithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, l)
}

// From returns the context's logger, or a no-op logger so call sites
// never need a nil check.
func From(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return l
	}
	return &noopLogger{}
}

// NewLogger builds a logger from config. Only the jsonl format emits
// records; pretty output goes through the CLI's own printing, so that
// format resolves to a no-op sink here.
func NewLogger(cfg Config) (Logger, error) {
	w, closer, err := openOutput(cfg.Output)
	if err != nil {
		return nil, err
	}

	if cfg.Format == "jsonl" {
		return &jsonlLogger{
			writer:   w,
			closer:   closer,
			minLevel: levelPriority(cfg.Level),
		}, nil
	}

	return &noopLogger{closer: closer}, nil
}

func openOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil, nil
	case "stdout":
		return os.Stdout, nil, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log output: %w", err)
	}
	return f, f, nil
}

type noopLogger struct {
	closer io.Closer
}

func (n *noopLogger) Debug(component, msg string, fields ...any) {}
func (n *noopLogger) Info(component, msg string, fields ...any)  {}
func (n *noopLogger) Warn(component, msg string, fields ...any)  {}
func (n *noopLogger) Error(component, msg string, fields ...any) {}
func (n *noopLogger) Event(ctx context.Context, event string, fields map[string]any) {
}
func (n *noopLogger) Close() error {
	if n.closer != nil {
		return n.closer.Close()
	}
	return nil
}
