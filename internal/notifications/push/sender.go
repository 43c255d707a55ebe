// Package push provides mobile push notification sending through an HTTP push gateway.
package push

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	"github.com/bissquit/booking-notifier/internal/notifications/gateway"
)

// Config holds push sender configuration.
type Config struct {
	Enabled   bool
	APIURL    string
	APIKey    string
	RateLimit float64
	Timeout   time.Duration
}

// Sender implements the push transport.
type Sender struct {
	config Config
	client *gateway.Client
}

// NewSender creates a new push sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled && config.APIURL == "" {
		return nil, errors.New("push sender: api url is required when enabled")
	}

	slog.Info("push sender configured",
		"enabled", config.Enabled,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config: config,
		client: gateway.NewClient(gateway.Config{
			Provider:  "push",
			Token:     config.APIKey,
			RateLimit: config.RateLimit,
			Timeout:   config.Timeout,
		}),
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelPush
}

type pushRequest struct {
	Token    string            `json:"token"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

type pushResponse struct {
	MessageID string `json:"message_id"`
}

// Send delivers a push message to the recipient's device token.
func (s *Sender) Send(ctx context.Context, n domain.Notification, to domain.Contact, content notifications.Content) (*notifications.SendReceipt, error) {
	if to.PushToken == "" {
		return nil, &gateway.PermanentError{Provider: "push", Message: "recipient has no push token"}
	}

	data := make(map[string]string, len(n.Metadata)+2)
	for k, v := range n.Metadata {
		data[k] = v
	}
	data["notification_id"] = n.ID
	data["type"] = string(n.Type)

	var resp pushResponse
	err := s.client.PostJSON(ctx, s.config.APIURL, pushRequest{
		Token:    to.PushToken,
		Title:    content.Title,
		Body:     content.Body,
		Priority: devicePriority(n.Priority),
		Data:     data,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &notifications.SendReceipt{MessageID: resp.MessageID}, nil
}

// devicePriority maps urgent notifications to high delivery priority on the device.
func devicePriority(p domain.Priority) string {
	if p == domain.PriorityCritical || p == domain.PriorityHigh {
		return "high"
	}
	return "normal"
}
