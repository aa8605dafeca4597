package token

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Source yields the latest bearer token.
type Source interface {
	Token(ctx context.Context) (string, error)
}

type StaticSource string

func (s StaticSource) Token(context.Context) (string, error) {
	return strings.TrimSpace(string(s)), nil
}

// FileSource reads the token from a file that an external agent rewrites.
type FileSource struct {
	Path string
}

func (s FileSource) Token(context.Context) (string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// Watcher polls a Source and reports every distinct, non-empty token.
type Watcher struct {
	Source   Source
	Interval time.Duration
	OnChange func(ctx context.Context, token string) error
	Logger   *slog.Logger

	last string
}

func (w *Watcher) Run(ctx context.Context) error {
	if w.Source == nil {
		return fmt.Errorf("token source is required")
	}
	if w.OnChange == nil {
		return fmt.Errorf("token change handler is required")
	}
	interval := w.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	w.Poll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Poll(ctx)
		}
	}
}

// Poll reads the source once and calls OnChange if the token changed.
func (w *Watcher) Poll(ctx context.Context) bool {
	next, err := w.Source.Token(ctx)
	if err != nil {
		if w.Logger != nil {
			w.Logger.WarnContext(ctx, "token source read failed", slog.Any("error", err))
		}
		return false
	}
	if next == "" || next == w.last {
		return false
	}
	if err := w.OnChange(ctx, next); err != nil {
		if w.Logger != nil {
			w.Logger.ErrorContext(ctx, "token rotation failed", slog.Any("error", err))
		}
		return false
	}
	w.last = next
	if w.Logger != nil {
		w.Logger.InfoContext(ctx, "token rotated")
	}
	return true
}

// Seed marks token as already applied so the first poll does not rotate to it again.
func (w *Watcher) Seed(token string) {
	w.last = token
}
