package domain

import (
	"fmt"
	"time"
)

// BatchingCadence controls how often batched notifications are flushed.
type BatchingCadence string

// Batching cadences.
const (
	BatchingImmediate BatchingCadence = "immediate"
	BatchingHourly    BatchingCadence = "hourly"
	BatchingDaily     BatchingCadence = "daily"
	BatchingWeekly    BatchingCadence = "weekly"
)

// DefaultSMSMonthlyLimit is the SMS allowance given to recipients without stored preferences.
const DefaultSMSMonthlyLimit = 50

// TimeOfDay is a local wall-clock time without a date.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// ParseTimeOfDay parses "HH:MM" in 24h format.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes returns minutes since midnight.
func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// QuietHours is a local time window that may wrap midnight.
type QuietHours struct {
	Enabled bool      `json:"enabled"`
	Start   TimeOfDay `json:"start"`
	End     TimeOfDay `json:"end"`
}

// TypePreference overrides channel and batching behaviour for one notification type.
// An empty Channels list means no additional restriction.
type TypePreference struct {
	Enabled  bool      `json:"enabled"`
	Channels []Channel `json:"channels,omitempty"`
	Batching *bool     `json:"batching,omitempty"`
}

// SMSBudget is the monthly allowance for the paid SMS channel.
type SMSBudget struct {
	MonthlyLimit     int       `json:"monthly_limit"`
	CurrentUsage     int       `json:"current_usage"`
	ResetDate        time.Time `json:"reset_date"`
	CriticalOnlyMode bool      `json:"critical_only_mode"`
}

// Contact holds the recipient addresses used by transports.
type Contact struct {
	Phone     string `json:"phone,omitempty"`
	WhatsApp  string `json:"whatsapp,omitempty"`
	Email     string `json:"email,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}

// Preferences are the per-recipient delivery settings.
type Preferences struct {
	RecipientID     string                              `json:"recipient_id"`
	Channels        map[Channel]bool                    `json:"channels"`
	TypeOverrides   map[NotificationType]TypePreference `json:"type_overrides,omitempty"`
	QuietHours      QuietHours                          `json:"quiet_hours"`
	WorkingDaysOnly bool                                `json:"working_days_only"`
	Batching        BatchingCadence                     `json:"batching"`
	Language        string                              `json:"language"`
	Timezone        string                              `json:"timezone,omitempty"`
	SMS             SMSBudget                           `json:"sms"`
	Contact         Contact                             `json:"contact"`
}

// ChannelEnabled reports whether the recipient allows the channel.
func (p *Preferences) ChannelEnabled(c Channel) bool {
	return p.Channels[c]
}

// TypeOverride returns the override for a notification type, if any.
func (p *Preferences) TypeOverride(t NotificationType) (TypePreference, bool) {
	o, ok := p.TypeOverrides[t]
	return o, ok
}

// DefaultPreferences returns the settings applied to a recipient who never saved any.
func DefaultPreferences(recipientID string, now time.Time) Preferences {
	channels := make(map[Channel]bool, len(AllChannels))
	for _, c := range AllChannels {
		channels[c] = true
	}
	return Preferences{
		RecipientID: recipientID,
		Channels:    channels,
		Batching:    BatchingHourly,
		Language:    "en",
		SMS: SMSBudget{
			MonthlyLimit: DefaultSMSMonthlyLimit,
			ResetDate:    FirstOfNextMonth(now),
		},
	}
}

// FirstOfNextMonth returns midnight UTC on the first day of the month after t.
func FirstOfNextMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
