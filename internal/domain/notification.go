package domain

import (
	"strings"
	"time"
)

// Channel is a delivery medium.
type Channel string

// Delivery channels.
const (
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelInApp    Channel = "in_app"
)

// AllChannels lists every channel in canonical order.
var AllChannels = []Channel{ChannelPush, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelInApp}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelSMS, ChannelWhatsApp, ChannelEmail, ChannelInApp:
		return true
	}
	return false
}

// UnmarshalText accepts channel names in any case, so "SMS" decodes as ChannelSMS.
func (c *Channel) UnmarshalText(text []byte) error {
	*c = Channel(strings.ToLower(string(text)))
	return nil
}

// Priority is the urgency tier of a notification.
type Priority string

// Priorities, from most to least urgent.
const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// UnmarshalText accepts priorities in any case, so "CRITICAL" decodes as PriorityCritical.
func (p *Priority) UnmarshalText(text []byte) error {
	*p = Priority(strings.ToLower(string(text)))
	return nil
}

// NotificationType identifies the business event behind a notification.
type NotificationType string

// Notification types emitted by the booking marketplace.
const (
	TypeNewBooking         NotificationType = "NEW_BOOKING"
	TypeBookingConfirmed   NotificationType = "BOOKING_CONFIRMED"
	TypeBookingCancelled   NotificationType = "BOOKING_CANCELLED"
	TypeBookingRescheduled NotificationType = "BOOKING_RESCHEDULED"
	TypeBookingReminder    NotificationType = "BOOKING_REMINDER"
	TypePaymentReceived    NotificationType = "PAYMENT_RECEIVED"
	TypeReviewReceived     NotificationType = "REVIEW_RECEIVED"
	TypeSystemAnnouncement NotificationType = "SYSTEM_ANNOUNCEMENT"
	TypePromotion          NotificationType = "PROMOTION"
)

// UnmarshalText accepts type names in any case, so "new_booking" decodes as TypeNewBooking.
func (t *NotificationType) UnmarshalText(text []byte) error {
	*t = NotificationType(strings.ToUpper(string(text)))
	return nil
}

// Notification is a delivery request. ID and Priority never change once created.
type Notification struct {
	ID             string            `json:"id" validate:"required"`
	Type           NotificationType  `json:"type" validate:"required"`
	Priority       Priority          `json:"priority" validate:"required,oneof=critical high medium low"`
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	TitleLocalized string            `json:"title_localized,omitempty"`
	BodyLocalized  string            `json:"body_localized,omitempty"`
	Channels       []Channel         `json:"channels" validate:"dive,oneof=push sms whatsapp email in_app"`
	RecipientID    string            `json:"recipient_id" validate:"required"`
	ScheduledFor   *time.Time        `json:"scheduled_for,omitempty"`
	GroupKey       string            `json:"group_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Normalize folds Priority, Type and Channels to their canonical case for
// callers that build notifications without decoding them.
func (n *Notification) Normalize() {
	n.Priority = Priority(strings.ToLower(string(n.Priority)))
	n.Type = NotificationType(strings.ToUpper(string(n.Type)))
	if n.Channels == nil {
		return
	}
	channels := make([]Channel, len(n.Channels))
	for i, c := range n.Channels {
		channels[i] = Channel(strings.ToLower(string(c)))
	}
	n.Channels = channels
}

// DeliveryStatus is the terminal outcome of one channel attempt.
type DeliveryStatus string

// Delivery statuses.
const (
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusFailed  DeliveryStatus = "failed"
	DeliveryStatusQueued  DeliveryStatus = "queued"
	DeliveryStatusSkipped DeliveryStatus = "skipped"
)

// DeliveryResult is the outcome for one (notification, channel) pair.
// Error carries the failure reason, or the explanation for queued and skipped outcomes.
type DeliveryResult struct {
	Channel   Channel        `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
	Cost      float64        `json:"cost,omitempty"`
	MessageID string         `json:"message_id,omitempty"`
	Attempts  int            `json:"attempts,omitempty"`
}
