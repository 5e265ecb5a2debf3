package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/elonfeng/newsledger/internal/health"
)

// Kind classifies a notification.
type Kind string

const (
	KindEscalation Kind = "escalation"
	KindNotice     Kind = "notice"
	KindFatal      Kind = "fatal"
)

// Notification is the data sent to alert destinations.
type Notification struct {
	Kind      Kind              `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	URL       string            `json:"url,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Notifier delivers alerts to a specific destination.
type Notifier interface {
	Name() string
	Send(ctx context.Context, n *Notification) error
}

// Manager broadcasts notifications to all registered notifiers.
type Manager struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewManager creates a new alert manager.
func NewManager(notifiers []Notifier, logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: notifiers,
		logger:    logger.With().Str("component", "alert").Logger(),
	}
}

// HasNotifiers returns true if at least one notifier is configured.
func (m *Manager) HasNotifiers() bool {
	return len(m.notifiers) > 0
}

// Broadcast sends a notification to all registered notifiers.
func (m *Manager) Broadcast(ctx context.Context, n *Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// PostNotice broadcasts a plain text notice.
func (m *Manager) PostNotice(ctx context.Context, text string) error {
	return m.Broadcast(ctx, &Notification{Kind: KindNotice, Title: "newsledger", Body: text})
}

// Fatal broadcasts an error that stopped a run.
func (m *Manager) Fatal(ctx context.Context, task string, err error) error {
	return m.Broadcast(ctx, &Notification{
		Kind:   KindFatal,
		Title:  fmt.Sprintf("%s failed", task),
		Body:   err.Error(),
		Fields: map[string]string{"task": task},
	})
}

// Escalations returns a health tracker callback that broadcasts each
// escalation. Delivery happens off the caller's goroutine.
func (m *Manager) Escalations() func(health.Escalation) {
	return func(e health.Escalation) {
		n := &Notification{
			Kind:  KindEscalation,
			Title: fmt.Sprintf("%s failing repeatedly", e.Component),
			Fields: map[string]string{
				"component": e.Component.String(),
				"action":    string(e.Action),
				"failures":  fmt.Sprintf("%d", e.Failures),
			},
		}
		if e.LastError != nil {
			n.Body = e.LastError.Error()
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.Broadcast(ctx, n); err != nil {
				m.logger.Warn().Err(err).Str("failed", e.Component.String()).Msg("escalation alert failed")
			}
		}()
	}
}

// Poster posts a plain text message.
type Poster interface {
	PostNotice(ctx context.Context, text string) error
}

type tee []Poster

// Tee returns a Poster that posts to every non-nil poster.
func Tee(posters ...Poster) Poster {
	var t tee
	for _, p := range posters {
		if p != nil {
			t = append(t, p)
		}
	}
	return t
}

func (t tee) PostNotice(ctx context.Context, text string) error {
	var errs []error
	for _, p := range t {
		if err := p.PostNotice(ctx, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
