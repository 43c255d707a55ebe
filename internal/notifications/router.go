package notifications

import (
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// Fallback records a channel substituted for another.
type Fallback struct {
	From   domain.Channel
	To     domain.Channel
	Reason error
}

// Route is the ordered list of channels a notification will be attempted on.
type Route struct {
	Channels  []domain.Channel
	Fallbacks []Fallback
}

// BudgetChecker answers SMS budget questions without mutating state.
type BudgetChecker interface {
	CanSend(recipientID string, b domain.SMSBudget, priority domain.Priority, now time.Time) bool
}

// Router turns requested channels into the final delivery order.
type Router struct {
	budget BudgetChecker
}

// NewRouter creates a router consulting budget for SMS decisions.
func NewRouter(budget BudgetChecker) *Router {
	return &Router{budget: budget}
}

// Route computes the channel list for a notification. It returns ErrTypeDisabled
// when the recipient turned the notification type off entirely.
func (r *Router) Route(n domain.Notification, prefs *domain.Preferences, now time.Time) (Route, error) {
	policy, err := PolicyFor(n.Priority)
	if err != nil {
		return Route{}, err
	}

	override, hasOverride := prefs.TypeOverride(n.Type)
	if hasOverride && !override.Enabled {
		return Route{}, ErrTypeDisabled
	}

	seen := make(map[domain.Channel]bool, len(n.Channels))
	channels := make([]domain.Channel, 0, len(n.Channels)+2)
	for _, c := range n.Channels {
		if seen[c] {
			continue
		}
		seen[c] = true

		if !policy.Allows(c) || !prefs.ChannelEnabled(c) {
			continue
		}
		if hasOverride && len(override.Channels) > 0 && !containsChannel(override.Channels, c) {
			continue
		}
		channels = append(channels, c)
	}

	var route Route

	if containsChannel(channels, domain.ChannelSMS) &&
		!r.budget.CanSend(prefs.RecipientID, prefs.SMS, n.Priority, now) {
		channels = removeChannel(channels, domain.ChannelSMS)
		if !containsChannel(channels, domain.ChannelWhatsApp) {
			channels = append(channels, domain.ChannelWhatsApp)
			route.Fallbacks = append(route.Fallbacks, Fallback{
				From:   domain.ChannelSMS,
				To:     domain.ChannelWhatsApp,
				Reason: ErrBudgetExceeded,
			})
		}
	}

	if !containsChannel(channels, domain.ChannelInApp) {
		channels = append(channels, domain.ChannelInApp)
	}

	route.Channels = channels
	return route, nil
}

func containsChannel(channels []domain.Channel, c domain.Channel) bool {
	for _, ch := range channels {
		if ch == c {
			return true
		}
	}
	return false
}

func removeChannel(channels []domain.Channel, c domain.Channel) []domain.Channel {
	out := channels[:0]
	for _, ch := range channels {
		if ch != c {
			out = append(out, ch)
		}
	}
	return out
}
