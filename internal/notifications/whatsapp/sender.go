// Package whatsapp provides notification sending through the WhatsApp Business Cloud API.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	"github.com/bissquit/booking-notifier/internal/notifications/gateway"
)

const defaultAPIURL = "https://graph.facebook.com/v20.0"

// Config holds WhatsApp sender configuration.
type Config struct {
	Enabled       bool
	APIURL        string
	AccessToken   string
	PhoneNumberID string
	RateLimit     float64
	Timeout       time.Duration
}

// Sender implements the WhatsApp transport.
type Sender struct {
	config  Config
	client  *gateway.Client
	sendURL string
}

// NewSender creates a new WhatsApp sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.AccessToken == "" {
			return nil, errors.New("whatsapp sender: access token is required when enabled")
		}
		if config.PhoneNumberID == "" {
			return nil, errors.New("whatsapp sender: phone number id is required when enabled")
		}
	}
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}

	slog.Info("whatsapp sender configured",
		"enabled", config.Enabled,
		"phone_number_id", config.PhoneNumberID,
		"rate_limit", config.RateLimit,
	)

	return &Sender{
		config: config,
		client: gateway.NewClient(gateway.Config{
			Provider:  "whatsapp",
			Token:     config.AccessToken,
			RateLimit: config.RateLimit,
			Timeout:   config.Timeout,
		}),
		sendURL: fmt.Sprintf("%s/%s/messages", strings.TrimRight(config.APIURL, "/"), config.PhoneNumberID),
	}, nil
}

// Channel returns the delivery channel.
func (s *Sender) Channel() domain.Channel {
	return domain.ChannelWhatsApp
}

type textBody struct {
	Body string `json:"body"`
}

type messageRequest struct {
	MessagingProduct string   `json:"messaging_product"`
	To               string   `json:"to"`
	Type             string   `json:"type"`
	Text             textBody `json:"text"`
}

type messageResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// Send sends a text message to the recipient's WhatsApp number, falling back
// to the phone number when no dedicated WhatsApp number is known.
func (s *Sender) Send(ctx context.Context, _ domain.Notification, to domain.Contact, content notifications.Content) (*notifications.SendReceipt, error) {
	number := to.WhatsApp
	if number == "" {
		number = to.Phone
	}
	if number == "" {
		return nil, &gateway.PermanentError{Provider: "whatsapp", Message: "recipient has no whatsapp number"}
	}

	text := content.Body
	if content.Title != "" {
		text = fmt.Sprintf("*%s*\n\n%s", content.Title, content.Body)
	}

	var resp messageResponse
	err := s.client.PostJSON(ctx, s.sendURL, messageRequest{
		MessagingProduct: "whatsapp",
		To:               number,
		Type:             "text",
		Text:             textBody{Body: text},
	}, &resp)
	if err != nil {
		return nil, err
	}

	receipt := &notifications.SendReceipt{}
	if len(resp.Messages) > 0 {
		receipt.MessageID = resp.Messages[0].ID
	}
	return receipt, nil
}
