package notifications

import "github.com/bissquit/booking-notifier/internal/domain"

// ShouldBatch reports whether the notification goes into its group instead of
// being sent now. A notification without a group key is never batched.
func ShouldBatch(n domain.Notification, prefs *domain.Preferences) bool {
	if n.Priority == domain.PriorityCritical || n.Priority == domain.PriorityHigh {
		return false
	}

	if prefs.Batching == domain.BatchingImmediate {
		return false
	}

	if override, ok := prefs.TypeOverride(n.Type); ok && override.Batching != nil && !*override.Batching {
		return false
	}

	return n.GroupKey != ""
}
