// Package notify alerts operators about run lifecycle events over Telegram
// and Discord. Events can be filtered by type so noisy per-attempt updates
// stay off the phone.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/alanyoungcy/basisbot/internal/domain"
)

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans a notification out to every sender. Only events in the
// allowed set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[domain.RunEventType]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier for the given senders and allowed events.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.RunEventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.RunEventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// NotifyRun formats ev and delivers it when its type is allowed.
func (n *Notifier) NotifyRun(ctx context.Context, ev domain.RunEvent) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(ev.Type)))
		return nil
	}
	title, message := formatRunEvent(ev)
	return n.dispatch(ctx, title, message)
}

// NotifyAll sends regardless of the event filter.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch tries every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

func formatRunEvent(ev domain.RunEvent) (string, string) {
	var title string
	switch ev.Type {
	case domain.RunEventStarted:
		title = "Run started"
	case domain.RunEventAttempt:
		title = "Run attempt"
	case domain.RunEventCompleted:
		title = "Run completed"
	case domain.RunEventAborted:
		title = "Run aborted"
	default:
		title = string(ev.Type)
	}
	title += " " + ev.Symbol

	lines := []string{"run: " + ev.RunID}
	if ev.Direction != "" {
		lines = append(lines, "direction: "+string(ev.Direction))
	}
	keys := make([]string, 0, len(ev.Detail))
	for k := range ev.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %v", k, ev.Detail[k]))
	}
	return title, strings.Join(lines, "\n")
}
