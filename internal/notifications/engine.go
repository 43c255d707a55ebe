package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/pkg/cache"
	"github.com/bissquit/booking-notifier/internal/pkg/ctxlog"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"
)

// invalidNotificationReason is reported for notifications that fail validation.
const invalidNotificationReason = "Invalid notification data"

// EngineConfig contains engine configuration.
type EngineConfig struct {
	DefaultLocation     *time.Location
	NonWorkingDays      []time.Weekday
	PreferenceCacheSize int
	PreferenceCacheTTL  time.Duration
}

// DefaultEngineConfig returns default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		DefaultLocation:     time.UTC,
		NonWorkingDays:      []time.Weekday{time.Friday, time.Saturday},
		PreferenceCacheSize: 10000,
		PreferenceCacheTTL:  30 * time.Second,
	}
}

// EngineDeps are the collaborators of the engine.
type EngineDeps struct {
	Store      PreferenceStore
	Ledger     *Ledger
	Dispatcher *Dispatcher
	Deferred   DeferredQueue
	Batches    BatchQueue
	Analytics  AnalyticsSink
	Clock      Clock
}

// Engine decides how, when and over which channels a notification is delivered.
type Engine struct {
	store      PreferenceStore
	ledger     *Ledger
	router     *Router
	gate       *QuietHoursGate
	dispatcher *Dispatcher
	deferred   DeferredQueue
	batches    BatchQueue
	analytics  AnalyticsSink
	clock      Clock
	validate   *validator.Validate

	prefs      *cache.LRU[string, domain.Preferences]
	loads      singleflight.Group
	defaultLoc *time.Location
	locations  sync.Map
}

// NewEngine creates a notification engine.
func NewEngine(config EngineConfig, deps EngineDeps) *Engine {
	if deps.Clock == nil {
		deps.Clock = SystemClock()
	}
	if deps.Analytics == nil {
		deps.Analytics = NewMetricsSink()
	}
	if config.DefaultLocation == nil {
		config.DefaultLocation = time.UTC
	}
	if config.PreferenceCacheSize <= 0 {
		config.PreferenceCacheSize = DefaultEngineConfig().PreferenceCacheSize
	}

	prefs := cache.New[string, domain.Preferences](config.PreferenceCacheSize, config.PreferenceCacheTTL).
		WithClock(deps.Clock.Now)

	return &Engine{
		store:      deps.Store,
		ledger:     deps.Ledger,
		router:     NewRouter(deps.Ledger),
		gate:       NewQuietHoursGate(config.NonWorkingDays),
		dispatcher: deps.Dispatcher,
		deferred:   deps.Deferred,
		batches:    deps.Batches,
		analytics:  deps.Analytics,
		clock:      deps.Clock,
		validate:   validator.New(),
		prefs:      prefs,
		defaultLoc: config.DefaultLocation,
	}
}

// Process delivers a notification and returns one result per evaluated channel,
// or a single result when the notification was skipped, queued or rejected.
// Only a notification without an ID fails the whole request.
func (e *Engine) Process(ctx context.Context, n domain.Notification) ([]domain.DeliveryResult, error) {
	results, err := e.process(ctx, n)
	if results == nil {
		return nil, err
	}
	return results, nil
}

// Redeliver runs a notification taken from the deferred queue. It returns an
// error wrapping ErrInvalidNotification when the notification can never be
// delivered, and any other error when it was neither delivered nor parked
// again, so the queue item must be kept.
func (e *Engine) Redeliver(ctx context.Context, n domain.Notification) error {
	_, err := e.process(ctx, n)
	return err
}

func (e *Engine) process(ctx context.Context, n domain.Notification) ([]domain.DeliveryResult, error) {
	if n.ID == "" {
		recordProcessed(n.Priority, "rejected")
		return nil, fmt.Errorf("%w: missing id", ErrInvalidNotification)
	}

	logger := ctxlog.FromContext(ctx).With("notification_id", n.ID, "recipient_id", n.RecipientID)
	ctx = ctxlog.WithLogger(ctx, logger)

	n.Normalize()

	if err := e.validate.Struct(n); err != nil {
		logger.Warn("invalid notification", "error", err)
		return e.finish(ctx, n, "invalid", single(domain.DeliveryStatusFailed, invalidNotificationReason)),
			fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	prefs, err := e.preferences(ctx, n.RecipientID)
	if err != nil {
		logger.Error("failed to load preferences", "error", err)
		return e.finish(ctx, n, "failed", single(domain.DeliveryStatusFailed, fmt.Sprintf("load preferences: %v", err))),
			fmt.Errorf("load preferences: %w", err)
	}

	now := e.clock.Now()

	fired, err := e.ledger.Reset(ctx, &prefs, now)
	if fired {
		e.prefs.Remove(n.RecipientID)
	}
	if err != nil {
		logger.Error("failed to reset sms budget", "error", err)
	}

	if n.ScheduledFor != nil && n.ScheduledFor.After(now) {
		results, err := e.deferNotification(ctx, n, DeferReasonScheduled, *n.ScheduledFor)
		return e.finish(ctx, n, "scheduled", results), err
	}

	route, err := e.router.Route(n, &prefs, now)
	if err != nil {
		if errors.Is(err, ErrTypeDisabled) {
			logger.Debug("notification type disabled by recipient", "type", n.Type)
			return e.finish(ctx, n, "skipped", single(domain.DeliveryStatusSkipped, ErrTypeDisabled.Error())), nil
		}
		logger.Error("failed to route notification", "error", err)
		return e.finish(ctx, n, "invalid", single(domain.DeliveryStatusFailed, invalidNotificationReason)),
			fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	for _, f := range route.Fallbacks {
		recordFallback(f)
		logger.Info("channel substituted",
			"from", f.From,
			"to", f.To,
			"reason", f.Reason,
		)
	}

	nowLocal := now.In(e.location(prefs.Timezone))
	if !e.gate.ShouldSendNow(n, &prefs, nowLocal) {
		notBefore := e.gate.NextSendTime(n, &prefs, nowLocal)
		results, err := e.deferNotification(ctx, n, DeferReasonQuietHours, notBefore)
		return e.finish(ctx, n, "deferred", results), err
	}

	if ShouldBatch(n, &prefs) {
		results, err := e.batch(ctx, n)
		return e.finish(ctx, n, "batched", results), err
	}

	results := e.dispatcher.SendAll(ctx, n, route.Channels, &prefs)
	return e.finish(ctx, n, "dispatched", results), nil
}

// InvalidatePreferences drops everything cached for a recipient whose
// preferences were updated.
func (e *Engine) InvalidatePreferences(recipientID string) {
	e.prefs.Remove(recipientID)
	e.loads.Forget(recipientID)
	e.ledger.Forget(recipientID)
}

func (e *Engine) preferences(ctx context.Context, recipientID string) (domain.Preferences, error) {
	if p, ok := e.prefs.Get(recipientID); ok {
		return p, nil
	}

	v, err, _ := e.loads.Do(recipientID, func() (any, error) {
		p, err := e.store.GetPreferences(ctx, recipientID)
		if err != nil {
			if !errors.Is(err, ErrPreferencesNotFound) {
				return nil, err
			}
			defaults := domain.DefaultPreferences(recipientID, e.clock.Now())
			p = &defaults
		}
		p.RecipientID = recipientID
		e.prefs.Put(recipientID, *p)
		return *p, nil
	})
	if err != nil {
		return domain.Preferences{}, err
	}
	return v.(domain.Preferences), nil
}

func (e *Engine) location(name string) *time.Location {
	if name == "" {
		return e.defaultLoc
	}
	if loc, ok := e.locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return e.defaultLoc
	}
	e.locations.Store(name, loc)
	return loc
}

func (e *Engine) deferNotification(ctx context.Context, n domain.Notification, reason DeferReason, notBefore time.Time) ([]domain.DeliveryResult, error) {
	if e.deferred == nil {
		return single(domain.DeliveryStatusFailed, "deferred queue not configured"),
			fmt.Errorf("%w: deferred queue not configured", ErrDeferFailed)
	}
	if err := e.deferred.Enqueue(ctx, n, reason, notBefore); err != nil {
		ctxlog.FromContext(ctx).Error("failed to defer notification", "reason", reason, "error", err)
		return single(domain.DeliveryStatusFailed, fmt.Sprintf("defer notification: %v", err)),
			fmt.Errorf("%w: %w", ErrDeferFailed, err)
	}
	return single(domain.DeliveryStatusQueued,
		fmt.Sprintf("deferred until %s (%s)", notBefore.UTC().Format(time.RFC3339), reason)), nil
}

func (e *Engine) batch(ctx context.Context, n domain.Notification) ([]domain.DeliveryResult, error) {
	if e.batches == nil {
		return single(domain.DeliveryStatusFailed, "batch queue not configured"),
			fmt.Errorf("%w: batch queue not configured", ErrDeferFailed)
	}
	if err := e.batches.AddToBatch(ctx, n, n.GroupKey); err != nil {
		ctxlog.FromContext(ctx).Error("failed to add notification to batch", "group_key", n.GroupKey, "error", err)
		return single(domain.DeliveryStatusFailed, fmt.Sprintf("add to batch: %v", err)),
			fmt.Errorf("%w: %w", ErrDeferFailed, err)
	}
	return single(domain.DeliveryStatusQueued, fmt.Sprintf("batched under group %s", n.GroupKey)), nil
}

func (e *Engine) finish(ctx context.Context, n domain.Notification, outcome string, results []domain.DeliveryResult) []domain.DeliveryResult {
	for _, r := range results {
		e.analytics.TrackSent(ctx, n, r)
		if r.Cost > 0 {
			e.analytics.TrackCost(ctx, r.Channel, r.Cost)
		}
	}
	recordProcessed(n.Priority, outcome)
	return results
}

// single builds the lone IN_APP result used for short-circuit outcomes.
func single(status domain.DeliveryStatus, reason string) []domain.DeliveryResult {
	return []domain.DeliveryResult{{
		Channel: domain.ChannelInApp,
		Status:  status,
		Error:   reason,
	}}
}
