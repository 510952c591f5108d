// Package notify delivers operator alerts (halts, loss-limit trips) to chat
// channels. Notifier implements domain.Alerter.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/flashexec/internal/domain"
)

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an alert out to every sender. Repeats of the same title
// inside the cooldown are dropped so a flapping condition cannot flood the
// channel.
type Notifier struct {
	senders  []Sender
	cooldown time.Duration
	logger   *slog.Logger
	nowFn    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewNotifier creates a Notifier. With no senders, alerts are only logged.
func NewNotifier(senders []Sender, cooldown time.Duration, logger *slog.Logger) *Notifier {
	return &Notifier{
		senders:  senders,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "notifier")),
		nowFn:    time.Now,
		last:     make(map[string]time.Time),
	}
}

// Alert logs the alert at error level and delivers it to all senders. A
// failing sender does not stop delivery to the others.
func (n *Notifier) Alert(ctx context.Context, title, message string) error {
	n.logger.ErrorContext(ctx, "alert", slog.String("title", title), slog.String("message", message))
	if n.suppressed(title) {
		n.logger.DebugContext(ctx, "alert suppressed by cooldown", slog.String("title", title))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func (n *Notifier) suppressed(title string) bool {
	if n.cooldown <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.nowFn()
	if at, ok := n.last[title]; ok && now.Sub(at) < n.cooldown {
		return true
	}
	n.last[title] = now
	return false
}

var _ domain.Alerter = (*Notifier)(nil)
