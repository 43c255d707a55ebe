package notifications

import (
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// DeferReason explains why a notification was deferred.
type DeferReason string

// Defer reasons.
const (
	DeferReasonQuietHours DeferReason = "quiet_hours"
	DeferReasonScheduled  DeferReason = "scheduled"
)

// QueueStatus represents the status of a deferred item.
type QueueStatus string

// Queue statuses.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusProcessed  QueueStatus = "processed"
	QueueStatusFailed     QueueStatus = "failed"
)

// DeferredItem represents a notification waiting in the deferred queue.
type DeferredItem struct {
	ID           string
	Notification domain.Notification
	Reason       DeferReason
	Status       QueueStatus
	NotBefore    time.Time
	Attempts     int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
