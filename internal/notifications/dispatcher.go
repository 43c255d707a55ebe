package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/pkg/ctxlog"
)

// Dispatcher sends a notification over its routed channels.
type Dispatcher struct {
	transports map[domain.Channel]Transport
	resolver   *TemplateResolver
	ledger     *Ledger
	clock      Clock
	unitCosts  map[domain.Channel]float64
}

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	// UnitCosts is charged for a sent message when the transport reports no cost.
	UnitCosts map[domain.Channel]float64
}

// NewDispatcher creates a new dispatcher.
func NewDispatcher(config DispatcherConfig, resolver *TemplateResolver, ledger *Ledger, clock Clock, transports ...Transport) *Dispatcher {
	transportMap := make(map[domain.Channel]Transport, len(transports))
	for _, t := range transports {
		transportMap[t.Channel()] = t
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &Dispatcher{
		transports: transportMap,
		resolver:   resolver,
		ledger:     ledger,
		clock:      clock,
		unitCosts:  config.UnitCosts,
	}
}

// SendAll sends on every channel concurrently. Results follow the order of channels,
// and a failure on one channel never affects the others.
func (d *Dispatcher) SendAll(ctx context.Context, n domain.Notification, channels []domain.Channel, prefs *domain.Preferences) []domain.DeliveryResult {
	results := make([]domain.DeliveryResult, len(channels))

	var wg sync.WaitGroup
	for i, channel := range channels {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = d.Send(ctx, n, channel, prefs)
		}()
	}
	wg.Wait()

	return results
}

// Send delivers on one channel, retrying per the priority policy.
func (d *Dispatcher) Send(ctx context.Context, n domain.Notification, channel domain.Channel, prefs *domain.Preferences) domain.DeliveryResult {
	logger := ctxlog.FromContext(ctx)

	policy, err := PolicyFor(n.Priority)
	if err != nil {
		return failedResult(channel, ErrInvalidNotification, 0)
	}

	transport, ok := d.transports[channel]
	if !ok {
		logger.Warn("no transport for channel", "channel", channel)
		return failedResult(channel, ErrNoTransport, 0)
	}

	var reservation *Reservation
	if channel == domain.ChannelSMS {
		reservation, err = d.ledger.Reserve(prefs.RecipientID, prefs.SMS, n.Priority)
		if err != nil {
			logger.Info("sms skipped",
				"notification_id", n.ID,
				"recipient_id", prefs.RecipientID,
				"reason", err,
			)
			return domain.DeliveryResult{
				Channel: channel,
				Status:  domain.DeliveryStatusSkipped,
				Error:   err.Error(),
			}
		}
	}

	content := d.resolver.Resolve(n, prefs)
	start := time.Now()
	maxAttempts := 1 + policy.MaxRetries

	var (
		receipt  *SendReceipt
		lastErr  error
		attempts int
	)
	for attempts < maxAttempts {
		if ctxErr := ctx.Err(); ctxErr != nil {
			lastErr = ctxErr
			break
		}

		attempts++
		recordAttempt(channel)

		receipt, lastErr = safeSend(ctx, transport, n, prefs.Contact, content)
		if lastErr == nil {
			break
		}

		logger.Warn("send failed",
			"notification_id", n.ID,
			"channel", channel,
			"attempt", attempts,
			"max_attempts", maxAttempts,
			"error", lastErr,
		)

		if !isRetryable(lastErr) {
			break
		}
	}

	recordSendDuration(channel, time.Since(start))

	if lastErr != nil {
		if reservation != nil {
			reservation.Release()
		}
		return failedResult(channel, lastErr, attempts)
	}

	if reservation != nil {
		if err := reservation.Commit(ctx); err != nil {
			logger.Error("failed to record sms usage",
				"recipient_id", prefs.RecipientID,
				"error", err,
			)
		}
	}

	if receipt == nil {
		receipt = &SendReceipt{}
	}
	cost := receipt.Cost
	if cost == 0 {
		cost = d.unitCosts[channel]
	}

	sentAt := d.clock.Now()
	logger.Debug("notification sent",
		"notification_id", n.ID,
		"channel", channel,
		"attempts", attempts,
		"message_id", receipt.MessageID,
	)

	return domain.DeliveryResult{
		Channel:   channel,
		Status:    domain.DeliveryStatusSent,
		SentAt:    &sentAt,
		Cost:      cost,
		MessageID: receipt.MessageID,
		Attempts:  attempts,
	}
}

func failedResult(channel domain.Channel, err error, attempts int) domain.DeliveryResult {
	return domain.DeliveryResult{
		Channel:  channel,
		Status:   domain.DeliveryStatusFailed,
		Error:    err.Error(),
		Attempts: attempts,
	}
}

// safeSend turns a transport panic into a non-retryable error.
func safeSend(ctx context.Context, t Transport, n domain.Notification, to domain.Contact, content Content) (receipt *SendReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewNonRetryableError(fmt.Errorf("transport panic: %v", r))
		}
	}()
	return t.Send(ctx, n, to, content)
}
