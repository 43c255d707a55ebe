package domain

import "time"

// InboxMessage is a notification stored for display inside the application.
type InboxMessage struct {
	ID             string            `json:"id"`
	RecipientID    string            `json:"recipient_id"`
	NotificationID string            `json:"notification_id"`
	Type           NotificationType  `json:"type"`
	Priority       Priority          `json:"priority"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Language       string            `json:"language"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ReadAt         *time.Time        `json:"read_at,omitempty"`
}
