package notifications

import (
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// maxDeferral bounds the search for the next allowed delivery minute.
const maxDeferral = 8 * 24 * time.Hour

// QuietHoursGate decides whether now is an acceptable delivery window.
type QuietHoursGate struct {
	nonWorkingDays map[time.Weekday]bool
}

// NewQuietHoursGate creates a gate treating the given weekdays as non-working.
func NewQuietHoursGate(nonWorkingDays []time.Weekday) *QuietHoursGate {
	days := make(map[time.Weekday]bool, len(nonWorkingDays))
	for _, d := range nonWorkingDays {
		days[d] = true
	}
	return &QuietHoursGate{nonWorkingDays: days}
}

// ShouldSendNow reports whether the notification may be delivered at nowLocal,
// the current time in the recipient's timezone.
func (g *QuietHoursGate) ShouldSendNow(n domain.Notification, prefs *domain.Preferences, nowLocal time.Time) bool {
	if policy, err := PolicyFor(n.Priority); err == nil && policy.OverridesQuietHours {
		return true
	}

	if prefs.QuietHours.Enabled && inQuietWindow(prefs.QuietHours, nowLocal) {
		return false
	}

	if prefs.WorkingDaysOnly && g.nonWorkingDays[nowLocal.Weekday()] {
		return false
	}

	return true
}

// NextSendTime returns the earliest minute at or after nowLocal at which
// ShouldSendNow holds. If none is found within eight days, nowLocal plus that
// bound is returned.
func (g *QuietHoursGate) NextSendTime(n domain.Notification, prefs *domain.Preferences, nowLocal time.Time) time.Time {
	if g.ShouldSendNow(n, prefs, nowLocal) {
		return nowLocal
	}

	t := nowLocal.Truncate(time.Minute).Add(time.Minute)
	deadline := nowLocal.Add(maxDeferral)
	for t.Before(deadline) {
		if g.ShouldSendNow(n, prefs, t) {
			return t
		}
		t = t.Add(time.Minute)
	}
	return deadline
}

func inQuietWindow(q domain.QuietHours, nowLocal time.Time) bool {
	current := nowLocal.Hour()*60 + nowLocal.Minute()
	start := q.Start.Minutes()
	end := q.End.Minutes()

	if start > end {
		// window wraps midnight
		return current >= start || current < end
	}
	return start <= current && current < end
}
