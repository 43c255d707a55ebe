// Package postgres provides PostgreSQL implementation of the notifications stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// staleProcessingAfter returns items stuck in processing to the queue.
const staleProcessingAfter = 5 * time.Minute

// Repository implements notifications.PreferenceStore, notifications.DeferredQueue
// and the in-app inbox using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const preferenceColumns = `
	recipient_id, channels, type_overrides,
	quiet_hours_enabled, quiet_hours_start, quiet_hours_end,
	working_days_only, batching, language, timezone,
	sms_monthly_limit, sms_current_usage, sms_reset_date, sms_critical_only,
	contact_phone, contact_whatsapp, contact_email, contact_push_token
`

// GetPreferences retrieves the preferences of a recipient.
func (r *Repository) GetPreferences(ctx context.Context, recipientID string) (*domain.Preferences, error) {
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE recipient_id = $1`

	var (
		p                   domain.Preferences
		channels, overrides []byte
		quietStart          string
		quietEnd            string
	)
	err := r.db.QueryRow(ctx, query, recipientID).Scan(
		&p.RecipientID,
		&channels,
		&overrides,
		&p.QuietHours.Enabled,
		&quietStart,
		&quietEnd,
		&p.WorkingDaysOnly,
		&p.Batching,
		&p.Language,
		&p.Timezone,
		&p.SMS.MonthlyLimit,
		&p.SMS.CurrentUsage,
		&p.SMS.ResetDate,
		&p.SMS.CriticalOnlyMode,
		&p.Contact.Phone,
		&p.Contact.WhatsApp,
		&p.Contact.Email,
		&p.Contact.PushToken,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, notifications.ErrPreferencesNotFound
		}
		return nil, fmt.Errorf("get preferences: %w", err)
	}

	if err := json.Unmarshal(channels, &p.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if err := json.Unmarshal(overrides, &p.TypeOverrides); err != nil {
		return nil, fmt.Errorf("decode type overrides: %w", err)
	}
	if p.QuietHours.Start, err = domain.ParseTimeOfDay(quietStart); err != nil {
		return nil, fmt.Errorf("decode quiet hours: %w", err)
	}
	if p.QuietHours.End, err = domain.ParseTimeOfDay(quietEnd); err != nil {
		return nil, fmt.Errorf("decode quiet hours: %w", err)
	}
	p.SMS.ResetDate = p.SMS.ResetDate.UTC()

	return &p, nil
}

// SavePreferences creates or replaces the preferences of a recipient.
func (r *Repository) SavePreferences(ctx context.Context, p *domain.Preferences) error {
	channels, err := json.Marshal(p.Channels)
	if err != nil {
		return fmt.Errorf("encode channels: %w", err)
	}
	overrides := p.TypeOverrides
	if overrides == nil {
		overrides = map[domain.NotificationType]domain.TypePreference{}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encode type overrides: %w", err)
	}

	query := `
		INSERT INTO notification_preferences (` + preferenceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (recipient_id) DO UPDATE SET
			channels = EXCLUDED.channels,
			type_overrides = EXCLUDED.type_overrides,
			quiet_hours_enabled = EXCLUDED.quiet_hours_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			working_days_only = EXCLUDED.working_days_only,
			batching = EXCLUDED.batching,
			language = EXCLUDED.language,
			timezone = EXCLUDED.timezone,
			sms_monthly_limit = EXCLUDED.sms_monthly_limit,
			sms_current_usage = EXCLUDED.sms_current_usage,
			sms_reset_date = EXCLUDED.sms_reset_date,
			sms_critical_only = EXCLUDED.sms_critical_only,
			contact_phone = EXCLUDED.contact_phone,
			contact_whatsapp = EXCLUDED.contact_whatsapp,
			contact_email = EXCLUDED.contact_email,
			contact_push_token = EXCLUDED.contact_push_token,
			updated_at = NOW()
	`
	_, err = r.db.Exec(ctx, query,
		p.RecipientID,
		channels,
		overridesJSON,
		p.QuietHours.Enabled,
		p.QuietHours.Start.String(),
		p.QuietHours.End.String(),
		p.WorkingDaysOnly,
		p.Batching,
		p.Language,
		p.Timezone,
		p.SMS.MonthlyLimit,
		p.SMS.CurrentUsage,
		p.SMS.ResetDate,
		p.SMS.CriticalOnlyMode,
		p.Contact.Phone,
		p.Contact.WhatsApp,
		p.Contact.Email,
		p.Contact.PushToken,
	)
	if err != nil {
		return fmt.Errorf("save preferences: %w", err)
	}
	return nil
}

// UpdateSmsUsage overwrites the SMS counter and its next reset date.
// Recipients without stored preferences get a row with default settings.
func (r *Repository) UpdateSmsUsage(ctx context.Context, recipientID string, usage int, resetDate time.Time) error {
	query := `
		INSERT INTO notification_preferences (recipient_id, sms_current_usage, sms_reset_date)
		VALUES ($1, $2, $3)
		ON CONFLICT (recipient_id) DO UPDATE SET
			sms_current_usage = EXCLUDED.sms_current_usage,
			sms_reset_date = EXCLUDED.sms_reset_date,
			updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, recipientID, usage, resetDate); err != nil {
		return fmt.Errorf("update sms usage: %w", err)
	}
	return nil
}

// IncrementSmsUsage atomically adds one sent SMS and returns the new usage.
func (r *Repository) IncrementSmsUsage(ctx context.Context, recipientID string) (int, error) {
	query := `
		INSERT INTO notification_preferences (recipient_id, sms_current_usage)
		VALUES ($1, 1)
		ON CONFLICT (recipient_id) DO UPDATE SET
			sms_current_usage = notification_preferences.sms_current_usage + 1,
			updated_at = NOW()
		RETURNING sms_current_usage
	`
	var usage int
	if err := r.db.QueryRow(ctx, query, recipientID).Scan(&usage); err != nil {
		return 0, fmt.Errorf("increment sms usage: %w", err)
	}
	return usage, nil
}

// Enqueue stores a notification for re-evaluation at or after notBefore.
func (r *Repository) Enqueue(ctx context.Context, n domain.Notification, reason notifications.DeferReason, notBefore time.Time) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	query := `
		INSERT INTO deferred_notifications (id, notification_id, payload, reason, status, not_before)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = r.db.Exec(ctx, query,
		uuid.New(),
		n.ID,
		payload,
		reason,
		notifications.QueueStatusPending,
		notBefore,
	)
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

// FetchDue claims up to limit due items, marking them as processing.
// Items left in processing by a crashed worker are claimed again once stale.
func (r *Repository) FetchDue(ctx context.Context, limit int) ([]*notifications.DeferredItem, error) {
	query := `
		UPDATE deferred_notifications
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deferred_notifications
			WHERE (status = $3 AND not_before <= NOW())
			   OR (status = $2 AND updated_at < NOW() - make_interval(secs => $4))
			ORDER BY not_before
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, payload, reason, status, not_before, attempts, COALESCE(last_error, ''), created_at, updated_at
	`
	rows, err := r.db.Query(ctx, query,
		limit,
		notifications.QueueStatusProcessing,
		notifications.QueueStatusPending,
		staleProcessingAfter.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch due notifications: %w", err)
	}
	defer rows.Close()

	items := make([]*notifications.DeferredItem, 0)
	for rows.Next() {
		var (
			item    notifications.DeferredItem
			id      uuid.UUID
			payload []byte
		)
		if err := rows.Scan(
			&id,
			&payload,
			&item.Reason,
			&item.Status,
			&item.NotBefore,
			&item.Attempts,
			&item.LastError,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan deferred notification: %w", err)
		}
		if err := json.Unmarshal(payload, &item.Notification); err != nil {
			return nil, fmt.Errorf("decode deferred notification %s: %w", id, err)
		}
		item.ID = id.String()
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deferred notifications: %w", err)
	}

	return items, nil
}

// MarkProcessed marks a deferred item as done.
func (r *Repository) MarkProcessed(ctx context.Context, id string) error {
	return r.setStatus(ctx, id, notifications.QueueStatusProcessed, nil)
}

// MarkFailed marks a deferred item as failed and stores the cause.
func (r *Repository) MarkFailed(ctx context.Context, id string, cause error) error {
	return r.setStatus(ctx, id, notifications.QueueStatusFailed, cause)
}

func (r *Repository) setStatus(ctx context.Context, id string, status notifications.QueueStatus, cause error) error {
	var lastError *string
	if cause != nil {
		msg := cause.Error()
		lastError = &msg
	}

	query := `
		UPDATE deferred_notifications
		SET status = $2, last_error = COALESCE($3, last_error), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, status, lastError)
	if err != nil {
		return fmt.Errorf("mark deferred notification %s: %w", status, err)
	}
	if result.RowsAffected() == 0 {
		return notifications.ErrQueueItemNotFound
	}
	return nil
}

// SaveInboxMessage stores an in-app message and fills its ID and creation time.
func (r *Repository) SaveInboxMessage(ctx context.Context, msg *domain.InboxMessage) error {
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	id := uuid.New()
	query := `
		INSERT INTO inbox_messages (id, recipient_id, notification_id, type, priority, title, body, language, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`
	err = r.db.QueryRow(ctx, query,
		id,
		msg.RecipientID,
		msg.NotificationID,
		msg.Type,
		msg.Priority,
		msg.Title,
		msg.Body,
		msg.Language,
		metadataJSON,
	).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("save inbox message: %w", err)
	}
	msg.ID = id.String()
	return nil
}

// ListInboxMessages returns the most recent in-app messages of a recipient.
func (r *Repository) ListInboxMessages(ctx context.Context, recipientID string, limit int) ([]domain.InboxMessage, error) {
	query := `
		SELECT id, recipient_id, notification_id, type, priority, title, body, language, metadata, created_at, read_at
		FROM inbox_messages
		WHERE recipient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox messages: %w", err)
	}
	defer rows.Close()

	messages := make([]domain.InboxMessage, 0)
	for rows.Next() {
		var (
			msg      domain.InboxMessage
			id       uuid.UUID
			metadata []byte
		)
		if err := rows.Scan(
			&id,
			&msg.RecipientID,
			&msg.NotificationID,
			&msg.Type,
			&msg.Priority,
			&msg.Title,
			&msg.Body,
			&msg.Language,
			&metadata,
			&msg.CreatedAt,
			&msg.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("scan inbox message: %w", err)
		}
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		msg.ID = id.String()
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox messages: %w", err)
	}

	return messages, nil
}
