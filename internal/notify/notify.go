// Package notify delivers operator alerts for trading events. Events fan out
// to every configured channel; delivery failures are logged and never block
// the decision path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Event kinds emitted by the bot.
const (
	EventStartup        = "startup"
	EventShutdown       = "shutdown"
	EventFill           = "fill"
	EventDrawdownBreach = "drawdown_breach"
	EventAnomaly        = "anomaly"
	EventForcedExit     = "forced_exit"
	EventExecutionHalt  = "execution_halt"
)

// Event is one operator notification.
type Event struct {
	Kind  string
	Title string
	Body  string
}

// Sender delivers one event over a single channel.
type Sender interface {
	Send(ctx context.Context, ev Event) error
	Name() string
}

// Notifier fans events out to all senders, filtered by kind. An empty filter
// admits everything.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	logger  *slog.Logger
}

func NewNotifier(senders []Sender, kinds []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	return &Notifier{
		senders: senders,
		allowed: allowed,
		logger:  logger.With(slog.String("component", "notify")),
	}
}

// Notify delivers ev to every sender whose filter admits it. Individual
// sender failures are collected; all senders are always attempted.
func (n *Notifier) Notify(ctx context.Context, ev Event) error {
	if n == nil || len(n.senders) == 0 {
		return nil
	}
	if len(n.allowed) > 0 && !n.allowed[ev.Kind] {
		return nil
	}

	var failed []string
	for _, s := range n.senders {
		if err := s.Send(ctx, ev); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v", s.Name(), err))
			n.logger.Warn("notification delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", ev.Kind),
				slog.Any("error", err))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("notify %s: %s", ev.Kind, strings.Join(failed, "; "))
	}
	return nil
}
