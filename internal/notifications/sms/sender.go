// Package sms provides SMS notification sending through an HTTP gateway.
package sms

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	"github.com/bissquit/booking-notifier/internal/notifications/gateway"
)

// Config holds SMS sender configuration.
type Config struct {
	Enabled   bool
	APIURL    string
	APIKey    string
	SenderID  string
	RateLimit float64
	Timeout   time.Duration
}

// Sender implements the SMS transport.
type Sender struct {
	config Config
	client *gateway.Client
}

// NewSender creates a new SMS sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.APIURL == "" {
			return nil, errors.New("sms sender: api url is required when enabled")
		}
		if config.APIKey == "" {
			return nil, errors.New("sms sender: api key is required when enabled")
		}
	}

	slog.Info("sms sender configured",
		"enabled", config.Enabled,
		"sender_id", config.SenderID,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config: config,
		client: gateway.NewClient(gateway.Config{
			Provider:  "sms",
			Token:     config.APIKey,
			RateLimit: config.RateLimit,
			Timeout:   config.Timeout,
		}),
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelSMS
}

type sendRequest struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	Text      string `json:"text"`
	Reference string `json:"reference"`
}

type sendResponse struct {
	MessageID string  `json:"message_id"`
	Cost      float64 `json:"cost"`
}

// Send sends one SMS to the recipient's phone number.
func (s *Sender) Send(ctx context.Context, n domain.Notification, to domain.Contact, content notifications.Content) (*notifications.SendReceipt, error) {
	if to.Phone == "" {
		return nil, &gateway.PermanentError{Provider: "sms", Message: "recipient has no phone number"}
	}

	var resp sendResponse
	err := s.client.PostJSON(ctx, s.config.APIURL, sendRequest{
		To:        to.Phone,
		From:      s.config.SenderID,
		Text:      messageText(content),
		Reference: n.ID,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &notifications.SendReceipt{MessageID: resp.MessageID, Cost: resp.Cost}, nil
}

// messageText puts the title on its own line above the body.
func messageText(content notifications.Content) string {
	if content.Title == "" {
		return content.Body
	}
	if content.Body == "" {
		return content.Title
	}
	return strings.Join([]string{content.Title, content.Body}, "\n")
}
