package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcessor struct {
	mu       sync.Mutex
	received []domain.Notification
	err      error
}

func (p *fakeProcessor) Redeliver(_ context.Context, n domain.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.received = append(p.received, n)
	return p.err
}

func (p *fakeProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func deferredItem(id string, scheduledFor *time.Time) *DeferredItem {
	n := testNotification(domain.PriorityMedium, domain.ChannelPush)
	n.ID = "n-" + id
	n.ScheduledFor = scheduledFor
	return &DeferredItem{
		ID:           id,
		Notification: n,
		Reason:       DeferReasonScheduled,
		Status:       QueueStatusProcessing,
		Attempts:     1,
	}
}

func TestWorker_ProcessBatch(t *testing.T) {
	scheduled := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	t.Run("processes due items and clears schedule", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		queue.due = []*DeferredItem{deferredItem("a", &scheduled), deferredItem("b", nil)}
		processor := &fakeProcessor{}
		w := NewWorker(DefaultWorkerConfig(), queue, processor)

		fetched := w.processBatch(context.Background(), 0)

		assert.Equal(t, 2, fetched)
		require.Len(t, processor.received, 2)
		for _, n := range processor.received {
			assert.Nil(t, n.ScheduledFor)
		}
		assert.Equal(t, []string{"a", "b"}, queue.processed)
		assert.Empty(t, queue.failed)
	})

	t.Run("rejected notification is marked failed", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		queue.due = []*DeferredItem{deferredItem("a", nil)}
		rejection := fmt.Errorf("%w: missing id", ErrInvalidNotification)
		processor := &fakeProcessor{err: rejection}
		w := NewWorker(DefaultWorkerConfig(), queue, processor)

		w.processBatch(context.Background(), 0)

		assert.Empty(t, queue.processed)
		require.Contains(t, queue.failed, "a")
		assert.Equal(t, rejection, queue.failed["a"])
	})

	t.Run("transient failure leaves item claimed", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		queue.due = []*DeferredItem{deferredItem("a", nil)}
		processor := &fakeProcessor{err: fmt.Errorf("%w: connection reset", ErrDeferFailed)}
		w := NewWorker(DefaultWorkerConfig(), queue, processor)

		w.processBatch(context.Background(), 0)

		assert.Equal(t, 1, processor.count())
		assert.Empty(t, queue.processed)
		assert.Empty(t, queue.failed)
	})

	t.Run("transient failure after last attempt is marked failed", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		item := deferredItem("a", nil)
		item.Attempts = maxRedeliveryAttempts
		queue.due = []*DeferredItem{item}
		cause := errors.New("connection reset")
		w := NewWorker(DefaultWorkerConfig(), queue, &fakeProcessor{err: cause})

		w.processBatch(context.Background(), 0)

		assert.Empty(t, queue.processed)
		assert.Equal(t, cause, queue.failed["a"])
	})

	t.Run("respects batch size", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		queue.due = []*DeferredItem{deferredItem("a", nil), deferredItem("b", nil), deferredItem("c", nil)}
		processor := &fakeProcessor{}
		w := NewWorker(WorkerConfig{BatchSize: 2, PollInterval: time.Second, NumWorkers: 1}, queue, processor)

		assert.Equal(t, 2, w.processBatch(context.Background(), 0))
		assert.Equal(t, 1, w.processBatch(context.Background(), 0))
		assert.Equal(t, 0, w.processBatch(context.Background(), 0))
		assert.Equal(t, 3, processor.count())
	})

	t.Run("fetch error processes nothing", func(t *testing.T) {
		queue := newFakeDeferredQueue()
		queue.fetchErr = errors.New("connection reset")
		processor := &fakeProcessor{}
		w := NewWorker(DefaultWorkerConfig(), queue, processor)

		assert.Equal(t, 0, w.processBatch(context.Background(), 0))
		assert.Zero(t, processor.count())
	})
}

func TestWorker_QuietHoursRedeferFailureKeepsItem(t *testing.T) {
	f := newEngineFixture(t)
	f.savePreferences(func(p *domain.Preferences) {
		p.QuietHours = domain.QuietHours{
			Enabled: true,
			Start:   domain.TimeOfDay{},
			End:     domain.TimeOfDay{Hour: 23, Minute: 59},
		}
	})
	f.deferred.enqueueErr = errors.New("db down")

	queue := newFakeDeferredQueue()
	queue.due = []*DeferredItem{deferredItem("a", nil)}
	w := NewWorker(DefaultWorkerConfig(), queue, f.engine)

	assert.Equal(t, 1, w.processBatch(context.Background(), 0))

	assert.Empty(t, queue.processed)
	assert.Empty(t, queue.failed)
	assert.Empty(t, f.deferred.enqueued)
	assert.Zero(t, f.transports[domain.ChannelPush].callCount())
}

func TestWorker_StartStop(t *testing.T) {
	queue := newFakeDeferredQueue()
	queue.due = []*DeferredItem{deferredItem("a", nil)}
	processor := &fakeProcessor{}
	w := NewWorker(WorkerConfig{BatchSize: 10, PollInterval: 10 * time.Millisecond, NumWorkers: 2}, queue, processor)

	w.Start(context.Background())
	assert.Eventually(t, func() bool { return processor.count() == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	// Stop is safe to call twice.
	w.Stop()
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(WorkerConfig{}, newFakeDeferredQueue(), &fakeProcessor{})

	assert.Equal(t, 1, w.config.NumWorkers)
	assert.Equal(t, 100, w.config.BatchSize)
	assert.Equal(t, 5*time.Second, w.config.PollInterval)
}

func TestDefaultWorkerConfig(t *testing.T) {
	config := DefaultWorkerConfig()

	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, 5*time.Second, config.PollInterval)
	assert.Equal(t, 2, config.NumWorkers)
}
