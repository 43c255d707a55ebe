package notifications

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type smsUpdate struct {
	usage     int
	resetDate time.Time
}

type fakeStore struct {
	mu         sync.Mutex
	prefs      map[string]domain.Preferences
	getErr     error
	getCalls   int
	updates    map[string][]smsUpdate
	increments map[string]int

	// incrementErr fails IncrementSmsUsage while set.
	incrementErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefs:      make(map[string]domain.Preferences),
		updates:    make(map[string][]smsUpdate),
		increments: make(map[string]int),
	}
}

func (s *fakeStore) put(p domain.Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.RecipientID] = p
}

func (s *fakeStore) GetPreferences(_ context.Context, recipientID string) (*domain.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.getErr != nil {
		return nil, s.getErr
	}
	p, ok := s.prefs[recipientID]
	if !ok {
		return nil, ErrPreferencesNotFound
	}
	return &p, nil
}

func (s *fakeStore) UpdateSmsUsage(_ context.Context, recipientID string, usage int, resetDate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[recipientID] = append(s.updates[recipientID], smsUpdate{usage: usage, resetDate: resetDate})
	if p, ok := s.prefs[recipientID]; ok {
		p.SMS.CurrentUsage = usage
		p.SMS.ResetDate = resetDate
		s.prefs[recipientID] = p
	}
	return nil
}

func (s *fakeStore) IncrementSmsUsage(_ context.Context, recipientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.incrementErr != nil {
		return 0, s.incrementErr
	}
	s.increments[recipientID]++
	p := s.prefs[recipientID]
	p.SMS.CurrentUsage++
	s.prefs[recipientID] = p
	return p.SMS.CurrentUsage, nil
}

func (s *fakeStore) failIncrements(err error) {
	s.mu.Lock()
	s.incrementErr = err
	s.mu.Unlock()
}

func (s *fakeStore) incrementsFor(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.increments[recipientID]
}

func (s *fakeStore) getCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getCalls
}

type fakeTransport struct {
	channel domain.Channel
	send    func(attempt int) (*SendReceipt, error)

	calls   atomic.Int32
	mu      sync.Mutex
	content []Content
}

func newFakeTransport(channel domain.Channel) *fakeTransport {
	return &fakeTransport{channel: channel}
}

func (t *fakeTransport) Channel() domain.Channel { return t.channel }

func (t *fakeTransport) Send(_ context.Context, _ domain.Notification, _ domain.Contact, content Content) (*SendReceipt, error) {
	attempt := int(t.calls.Add(1))
	t.mu.Lock()
	t.content = append(t.content, content)
	t.mu.Unlock()
	if t.send != nil {
		return t.send(attempt)
	}
	return &SendReceipt{MessageID: string(t.channel) + "-msg"}, nil
}

func (t *fakeTransport) callCount() int { return int(t.calls.Load()) }

func (t *fakeTransport) lastContent() Content {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.content) == 0 {
		return Content{}
	}
	return t.content[len(t.content)-1]
}

type fakeAnalytics struct {
	mu    sync.Mutex
	sent  []domain.DeliveryResult
	costs map[domain.Channel]float64
}

func newFakeAnalytics() *fakeAnalytics {
	return &fakeAnalytics{costs: make(map[domain.Channel]float64)}
}

func (a *fakeAnalytics) TrackSent(_ context.Context, _ domain.Notification, result domain.DeliveryResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, result)
}

func (a *fakeAnalytics) TrackCost(_ context.Context, channel domain.Channel, cost float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.costs[channel] += cost
}

type enqueued struct {
	notification domain.Notification
	reason       DeferReason
	notBefore    time.Time
}

type fakeDeferredQueue struct {
	mu         sync.Mutex
	enqueued   []enqueued
	enqueueErr error

	due       []*DeferredItem
	fetchErr  error
	processed []string
	failed    map[string]error
}

func newFakeDeferredQueue() *fakeDeferredQueue {
	return &fakeDeferredQueue{failed: make(map[string]error)}
}

func (q *fakeDeferredQueue) Enqueue(_ context.Context, n domain.Notification, reason DeferReason, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.enqueued = append(q.enqueued, enqueued{notification: n, reason: reason, notBefore: notBefore})
	return nil
}

func (q *fakeDeferredQueue) FetchDue(_ context.Context, limit int) ([]*DeferredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fetchErr != nil {
		return nil, q.fetchErr
	}
	n := min(limit, len(q.due))
	items := q.due[:n]
	q.due = q.due[n:]
	return items, nil
}

func (q *fakeDeferredQueue) MarkProcessed(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processed = append(q.processed, id)
	return nil
}

func (q *fakeDeferredQueue) MarkFailed(_ context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = cause
	return nil
}

type fakeBatchQueue struct {
	mu     sync.Mutex
	groups map[string][]domain.Notification
	err    error
}

func newFakeBatchQueue() *fakeBatchQueue {
	return &fakeBatchQueue{groups: make(map[string][]domain.Notification)}
}

func (q *fakeBatchQueue) AddToBatch(_ context.Context, n domain.Notification, groupKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.groups[groupKey] = append(q.groups[groupKey], n)
	return nil
}

// testPreferences returns default preferences with a budget resetting well after now.
func testPreferences(recipientID string, now time.Time) domain.Preferences {
	p := domain.DefaultPreferences(recipientID, now)
	p.Batching = domain.BatchingImmediate
	p.Contact = domain.Contact{
		Phone:     "+966500000000",
		Email:     "host@example.com",
		PushToken: "device-token",
	}
	return p
}

func testNotification(priority domain.Priority, channels ...domain.Channel) domain.Notification {
	return domain.Notification{
		ID:          "n-1",
		Type:        domain.TypeNewBooking,
		Priority:    priority,
		Title:       "New booking",
		Body:        "You have a new booking",
		Channels:    channels,
		RecipientID: "host-1",
	}
}

func channelsOf(results []domain.DeliveryResult) []domain.Channel {
	out := make([]domain.Channel, 0, len(results))
	for _, r := range results {
		out = append(out, r.Channel)
	}
	return out
}

func resultFor(results []domain.DeliveryResult, c domain.Channel) (domain.DeliveryResult, bool) {
	for _, r := range results {
		if r.Channel == c {
			return r, true
		}
	}
	return domain.DeliveryResult{}, false
}
