package notifications

import (
	"fmt"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// PolicyEntry describes how a priority tier is delivered.
type PolicyEntry struct {
	AllowedChannels     []domain.Channel
	OverridesQuietHours bool
	MaxRetries          int
}

// Allows reports whether the tier permits the channel.
func (p PolicyEntry) Allows(c domain.Channel) bool {
	for _, allowed := range p.AllowedChannels {
		if allowed == c {
			return true
		}
	}
	return false
}

// Every tier may use every channel so the SMS budget fallback to WhatsApp
// holds regardless of priority. Tiers differ in retries and quiet hours.
var priorityPolicy = map[domain.Priority]PolicyEntry{
	domain.PriorityCritical: {
		AllowedChannels:     domain.AllChannels,
		OverridesQuietHours: true,
		MaxRetries:          3,
	},
	domain.PriorityHigh: {
		AllowedChannels: domain.AllChannels,
		MaxRetries:      2,
	},
	domain.PriorityMedium: {
		AllowedChannels: domain.AllChannels,
		MaxRetries:      1,
	},
	domain.PriorityLow: {
		AllowedChannels: domain.AllChannels,
		MaxRetries:      0,
	},
}

// PolicyFor returns the delivery policy of a priority tier.
func PolicyFor(p domain.Priority) (PolicyEntry, error) {
	entry, ok := priorityPolicy[p]
	if !ok {
		return PolicyEntry{}, fmt.Errorf("%w: %q", ErrUnknownPriority, p)
	}
	return entry, nil
}
