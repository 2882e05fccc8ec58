// Package notify delivers operator alerts. Alerts are dispatched to all
// registered senders (Telegram, Discord, etc.) and can be filtered by
// event kind and minimum level so operators receive only the alerts
// they care about.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/quantfold/arbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// levelRank orders alert levels for minimum-level filtering.
var levelRank = map[domain.AlertLevel]int{
	domain.AlertLevelInfo:     0,
	domain.AlertLevelWarning:  1,
	domain.AlertLevelCritical: 2,
}

// Notifier dispatches alert events to one or more Senders. It maintains
// a set of allowed event kinds and a minimum level; Notify forwards only
// events that pass both filters.
type Notifier struct {
	senders  []Sender
	kinds    map[string]bool // allowed event kinds; empty allows all
	minLevel domain.AlertLevel
	logger   *slog.Logger
}

// NewNotifier creates a Notifier that delivers to the given senders.
// Only events whose kind appears in kinds pass the filter; an empty
// kinds slice allows every kind. Events below minLevel are dropped.
func NewNotifier(senders []Sender, kinds []string, minLevel domain.AlertLevel, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		allowed[strings.TrimSpace(k)] = true
	}
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = domain.AlertLevelInfo
	}
	return &Notifier{
		senders:  senders,
		kinds:    allowed,
		minLevel: minLevel,
		logger:   logger.With(slog.String("component", "notifier")),
	}
}

// HasSenders reports whether any delivery channel is configured.
func (n *Notifier) HasSenders() bool {
	return len(n.senders) > 0
}

// Notify formats and delivers one alert event if it passes the kind and
// level filters.
func (n *Notifier) Notify(ctx context.Context, event domain.AlertEvent) error {
	if len(n.kinds) > 0 && !n.kinds[event.Kind] {
		n.logger.DebugContext(ctx, "event kind filtered out",
			slog.String("kind", event.Kind),
		)
		return nil
	}
	if levelRank[event.Level] < levelRank[n.minLevel] {
		return nil
	}

	return n.dispatch(ctx, formatTitle(event), formatBody(event))
}

// dispatch iterates over all senders and sends the notification. Errors
// from individual senders are collected and returned as a combined
// error; a single sender failure does not prevent delivery to the
// remaining senders.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
		} else {
			n.logger.DebugContext(ctx, "notification sent",
				slog.String("sender", s.Name()),
				slog.String("title", title),
			)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

func formatTitle(event domain.AlertEvent) string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(event.Level)), event.Title)
}

func formatBody(event domain.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "kind: %s", event.Kind)
	if event.OperationID != "" {
		fmt.Fprintf(&b, "\noperation: %s", event.OperationID)
	}
	if event.RecoveryID != "" {
		fmt.Fprintf(&b, "\nrecovery: %s", event.RecoveryID)
	}

	// Stable detail ordering keeps messages diffable.
	keys := make([]string, 0, len(event.Detail))
	for k := range event.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, event.Detail[k])
	}
	return b.String()
}
