// Package inapp provides delivery into the recipient's in-application inbox.
package inapp

import (
	"context"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
)

// Inbox stores in-app messages.
type Inbox interface {
	SaveInboxMessage(ctx context.Context, msg *domain.InboxMessage) error
}

// Sender implements the in-app transport.
type Sender struct {
	inbox Inbox
}

// NewSender creates a new in-app sender.
func NewSender(inbox Inbox) *Sender {
	return &Sender{inbox: inbox}
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelInApp
}

// Send stores the message in the recipient's inbox.
func (s *Sender) Send(ctx context.Context, n domain.Notification, _ domain.Contact, content notifications.Content) (*notifications.SendReceipt, error) {
	msg := &domain.InboxMessage{
		RecipientID:    n.RecipientID,
		NotificationID: n.ID,
		Type:           n.Type,
		Priority:       n.Priority,
		Title:          content.Title,
		Body:           content.Body,
		Language:       content.Language,
		Metadata:       n.Metadata,
	}
	if err := s.inbox.SaveInboxMessage(ctx, msg); err != nil {
		return nil, notifications.NewRetryableError(err)
	}
	return &notifications.SendReceipt{MessageID: msg.ID}, nil
}
