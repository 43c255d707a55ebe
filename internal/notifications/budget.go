package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

// MaybeReset zeroes usage once now has reached the reset date and moves the
// reset date to the first of the following month. It is idempotent for a given now.
func MaybeReset(b domain.SMSBudget, now time.Time) (domain.SMSBudget, bool) {
	if now.Before(b.ResetDate) {
		return b, false
	}
	b.CurrentUsage = 0
	b.ResetDate = domain.FirstOfNextMonth(now)
	return b, true
}

// CanSend reports whether an SMS of the given priority fits the budget.
func CanSend(b domain.SMSBudget, priority domain.Priority, now time.Time) bool {
	b, _ = MaybeReset(b, now)
	if b.CriticalOnlyMode && priority != domain.PriorityCritical {
		return false
	}
	return b.CurrentUsage < b.MonthlyLimit
}

// RecordUsage counts one confirmed SMS.
func RecordUsage(b domain.SMSBudget) domain.SMSBudget {
	b.CurrentUsage++
	return b
}

const defaultLedgerEntries = 10000

// Ledger serializes SMS budget decisions per recipient. Sends reserve budget
// before calling the transport and commit or release afterwards, so two
// concurrent sends can never both spend the last unit.
type Ledger struct {
	store      PreferenceStore
	clock      Clock
	maxEntries int

	mu      sync.Mutex
	entries map[string]*budgetEntry
}

type budgetEntry struct {
	refs int // guarded by Ledger.mu

	mu      sync.Mutex
	budget  domain.SMSBudget
	pending int
	stale   bool

	// unpersisted counts committed SMS of the current period the store has not recorded.
	unpersisted int
}

// NewLedger creates a ledger persisting usage through store.
func NewLedger(store PreferenceStore, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock()
	}
	return &Ledger{
		store:      store,
		clock:      clock,
		maxEntries: defaultLedgerEntries,
		entries:    make(map[string]*budgetEntry),
	}
}

// acquire returns the recipient's entry, reconciled with the budget read from
// preferences. The entry cannot be pruned until it is released.
func (l *Ledger) acquire(recipientID string, seed domain.SMSBudget) *budgetEntry {
	l.mu.Lock()
	e, ok := l.entries[recipientID]
	if !ok {
		if len(l.entries) >= l.maxEntries {
			l.pruneLocked()
		}
		e = &budgetEntry{budget: seed}
		l.entries[recipientID] = e
	}
	e.refs++
	l.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.merge(seed)
		e.mu.Unlock()
	}
	return e
}

func (l *Ledger) release(e *budgetEntry) {
	l.mu.Lock()
	e.refs--
	l.mu.Unlock()
}

// pruneLocked drops entries nobody holds. Reservations hold a reference and
// entries with unpersisted usage are kept, so counted budget is never lost.
func (l *Ledger) pruneLocked() {
	for id, e := range l.entries {
		if e.refs == 0 && !e.hasUnpersisted() {
			delete(l.entries, id)
		}
	}
}

func (e *budgetEntry) hasUnpersisted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unpersisted > 0
}

// merge adopts settings from seed and the higher usage within the same period.
func (e *budgetEntry) merge(seed domain.SMSBudget) {
	if e.stale || seed.ResetDate.After(e.budget.ResetDate) {
		if !seed.ResetDate.Equal(e.budget.ResetDate) {
			e.unpersisted = 0
		}
		e.budget = seed
		// The store has not seen these yet.
		e.budget.CurrentUsage += e.unpersisted
		e.stale = false
		return
	}
	e.budget.MonthlyLimit = seed.MonthlyLimit
	e.budget.CriticalOnlyMode = seed.CriticalOnlyMode
	if seed.ResetDate.Equal(e.budget.ResetDate) && seed.CurrentUsage > e.budget.CurrentUsage {
		e.budget.CurrentUsage = seed.CurrentUsage
	}
}

// CanSend reports whether the recipient can receive an SMS of the given priority,
// counting reservations still in flight.
func (l *Ledger) CanSend(recipientID string, b domain.SMSBudget, priority domain.Priority, now time.Time) bool {
	e := l.acquire(recipientID, b)
	defer l.release(e)

	e.mu.Lock()
	defer e.mu.Unlock()

	view, _ := MaybeReset(e.budget, now)
	view.CurrentUsage += e.pending
	return CanSend(view, priority, now)
}

// Reset applies the monthly reset to the recipient's budget and persists it when it fires.
// prefs.SMS is updated with the ledger's view of the budget.
func (l *Ledger) Reset(ctx context.Context, prefs *domain.Preferences, now time.Time) (bool, error) {
	e := l.acquire(prefs.RecipientID, prefs.SMS)
	defer l.release(e)

	e.mu.Lock()
	next, fired := MaybeReset(e.budget, now)
	e.budget = next
	if fired {
		e.unpersisted = 0
	}
	prefs.SMS = next
	e.mu.Unlock()

	if !fired {
		return false, nil
	}

	slog.Debug("sms budget reset",
		"recipient_id", prefs.RecipientID,
		"next_reset", next.ResetDate,
	)

	if err := l.store.UpdateSmsUsage(ctx, prefs.RecipientID, 0, next.ResetDate); err != nil {
		return true, fmt.Errorf("persist sms budget reset: %w", err)
	}
	return true, nil
}

// Reserve claims one SMS from the recipient's budget.
// It returns ErrBudgetExceeded when the budget or critical-only mode forbids the send.
func (l *Ledger) Reserve(recipientID string, b domain.SMSBudget, priority domain.Priority) (*Reservation, error) {
	now := l.clock.Now()
	e := l.acquire(recipientID, b)

	e.mu.Lock()
	view, _ := MaybeReset(e.budget, now)
	view.CurrentUsage += e.pending
	if !CanSend(view, priority, now) {
		e.mu.Unlock()
		l.release(e)
		return nil, ErrBudgetExceeded
	}
	e.pending++
	e.mu.Unlock()

	return &Reservation{ledger: l, entry: e, recipientID: recipientID}, nil
}

// Forget drops the cached budget of a recipient whose preferences changed.
func (l *Ledger) Forget(recipientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[recipientID]
	if !ok {
		return
	}
	if e.refs == 0 && !e.hasUnpersisted() {
		delete(l.entries, recipientID)
		return
	}
	e.mu.Lock()
	e.stale = true
	e.mu.Unlock()
}

// Usage returns the ledger's current usage and pending count for a recipient.
func (l *Ledger) Usage(recipientID string) (usage, pending int, ok bool) {
	l.mu.Lock()
	e, found := l.entries[recipientID]
	l.mu.Unlock()
	if !found {
		return 0, 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.budget.CurrentUsage, e.pending, true
}

// Reservation is one SMS worth of budget held for an in-flight send.
type Reservation struct {
	ledger      *Ledger
	entry       *budgetEntry
	recipientID string

	once sync.Once
}

// Commit records the reserved SMS as used and persists the increment, along
// with any increments earlier commits failed to persist. Usage that cannot be
// persisted stays in the ledger and is retried by the next Commit or Flush.
func (r *Reservation) Commit(ctx context.Context) error {
	var err error
	r.once.Do(func() {
		defer r.ledger.release(r.entry)
		now := r.ledger.clock.Now()

		r.entry.mu.Lock()
		r.entry.pending--
		next, fired := MaybeReset(r.entry.budget, now)
		if fired {
			r.entry.unpersisted = 0
		}
		r.entry.budget = RecordUsage(next)
		r.entry.unpersisted++
		r.entry.mu.Unlock()

		if fired {
			if resetErr := r.ledger.store.UpdateSmsUsage(ctx, r.recipientID, 0, next.ResetDate); resetErr != nil {
				err = fmt.Errorf("persist sms budget reset: %w", resetErr)
				return
			}
		}
		err = r.ledger.persist(ctx, r.recipientID, r.entry)
	})
	return err
}

// persist writes the entry's unpersisted usage to the store. The caller holds
// a reference to e.
func (l *Ledger) persist(ctx context.Context, recipientID string, e *budgetEntry) error {
	e.mu.Lock()
	n := e.unpersisted
	period := e.budget.ResetDate
	e.unpersisted = 0
	e.mu.Unlock()

	for done := 0; done < n; done++ {
		if _, err := l.store.IncrementSmsUsage(ctx, recipientID); err != nil {
			e.mu.Lock()
			if e.budget.ResetDate.Equal(period) {
				e.unpersisted += n - done
			}
			e.mu.Unlock()
			return fmt.Errorf("persist sms usage: %w", err)
		}
	}
	return nil
}

// Flush persists usage that earlier commits could not write. It returns the
// joined errors of recipients still unpersisted.
func (l *Ledger) Flush(ctx context.Context) error {
	l.mu.Lock()
	held := make(map[string]*budgetEntry)
	for id, e := range l.entries {
		if e.hasUnpersisted() {
			e.refs++
			held[id] = e
		}
	}
	l.mu.Unlock()

	var errs []error
	for id, e := range held {
		if err := l.persist(ctx, id, e); err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", id, err))
		}
		l.release(e)
	}
	return errors.Join(errs...)
}

// Release returns the reserved SMS to the budget.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.entry.mu.Lock()
		r.entry.pending--
		r.entry.mu.Unlock()
		r.ledger.release(r.entry)
	})
}
