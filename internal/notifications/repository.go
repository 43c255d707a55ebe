// Package notifications implements the notification delivery engine: channel routing,
// quiet hours, batching, SMS budget accounting, dispatch with retries and the deferred worker.
package notifications

import (
	"context"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// PreferenceStore loads and updates recipient preferences.
type PreferenceStore interface {
	// GetPreferences returns ErrPreferencesNotFound when the recipient never saved any.
	GetPreferences(ctx context.Context, recipientID string) (*domain.Preferences, error)
	UpdateSmsUsage(ctx context.Context, recipientID string, usage int, resetDate time.Time) error
	IncrementSmsUsage(ctx context.Context, recipientID string) (int, error)
}

// Content is the resolved, localized text handed to a transport.
type Content struct {
	Title    string
	Body     string
	Language string
}

// SendReceipt is what a transport reports for an accepted message.
type SendReceipt struct {
	MessageID string
	Cost      float64
}

// Transport delivers a notification over one channel.
type Transport interface {
	Channel() domain.Channel
	Send(ctx context.Context, n domain.Notification, to domain.Contact, content Content) (*SendReceipt, error)
}

// AnalyticsSink receives delivery outcomes.
type AnalyticsSink interface {
	TrackSent(ctx context.Context, n domain.Notification, result domain.DeliveryResult)
	TrackCost(ctx context.Context, channel domain.Channel, cost float64)
}

// DeferredQueue holds notifications that must be re-evaluated later.
type DeferredQueue interface {
	Enqueue(ctx context.Context, n domain.Notification, reason DeferReason, notBefore time.Time) error
	FetchDue(ctx context.Context, limit int) ([]*DeferredItem, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// BatchQueue collects low-urgency notifications under a group key.
type BatchQueue interface {
	AddToBatch(ctx context.Context, n domain.Notification, groupKey string) error
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }
