//go:build integration

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/booking-notifier/internal/config"
	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/notifications"
	notificationspostgres "github.com/bissquit/booking-notifier/internal/notifications/postgres"
	"github.com/bissquit/booking-notifier/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	client  *testutil.Client
	mailpit *testutil.MailpitClient
	repo    *notificationspostgres.Repository
	gateway *stubGateway
)

// stubGateway records requests sent to the SMS and push providers.
type stubGateway struct {
	mu       sync.Mutex
	requests map[string][]map[string]any
}

func (g *stubGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	g.mu.Lock()
	g.requests[r.URL.Path] = append(g.requests[r.URL.Path], body)
	n := len(g.requests[r.URL.Path])
	g.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message_id": fmt.Sprintf("%s-%d", strings.Trim(r.URL.Path, "/"), n),
	})
}

func (g *stubGateway) requestsTo(path string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]map[string]any(nil), g.requests[path]...)
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start postgres: %v", err)
	}
	redisContainer, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start redis: %v", err)
	}
	mailpitContainer, err := testutil.NewMailpitContainer(ctx)
	if err != nil {
		log.Fatalf("failed to start mailpit: %v", err)
	}

	if err := testutil.Migrate("../../migrations", pgContainer.ConnectionString); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	repo = notificationspostgres.NewRepository(pool)

	gateway = &stubGateway{requests: make(map[string][]map[string]any)}
	gatewayServer := httptest.NewServer(gateway)

	cfg := config.Default()
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.ConnectTimeout = 30 * time.Second
	cfg.Redis.URL = redisContainer.URL
	cfg.Log.Level = "warn"
	cfg.Worker.PollInterval = 200 * time.Millisecond
	cfg.Worker.NumWorkers = 1
	cfg.SMS = config.SMSConfig{
		Enabled: true, APIURL: gatewayServer.URL + "/sms", APIKey: "sms-key",
		SenderID: "Bookings", RateLimit: 100, Timeout: 5 * time.Second,
	}
	cfg.Push = config.PushConfig{
		Enabled: true, APIURL: gatewayServer.URL + "/push", APIKey: "push-key",
		RateLimit: 100, Timeout: 5 * time.Second,
	}
	cfg.Email = config.EmailConfig{
		Enabled:     true,
		SMTPHost:    mailpitContainer.SMTPHost,
		SMTPPort:    mailpitContainer.SMTPPort,
		FromAddress: "Bookings <noreply@bookings.test>",
	}

	application, err := New(&cfg)
	if err != nil {
		log.Fatalf("failed to create app: %v", err)
	}

	server := httptest.NewServer(application.Router())
	client = testutil.NewClient(server.URL)
	mailpit = testutil.NewMailpitClient(mailpitContainer.APIHost, mailpitContainer.APIPort)

	code := m.Run()

	server.Close()
	gatewayServer.Close()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("failed to shutdown app: %v", err)
	}
	cancel()
	pool.Close()
	_ = mailpitContainer.Terminate(ctx)
	_ = redisContainer.Terminate(ctx)
	_ = pgContainer.Terminate(ctx)

	os.Exit(code)
}

func seedPreferences(t *testing.T, recipientID string, mutate func(p *domain.Preferences)) domain.Preferences {
	t.Helper()
	prefs := domain.DefaultPreferences(recipientID, time.Now())
	prefs.Batching = domain.BatchingImmediate
	prefs.Contact = domain.Contact{
		Phone:     "+966500000001",
		Email:     recipientID + "@hosts.test",
		PushToken: "device-" + recipientID,
	}
	if mutate != nil {
		mutate(&prefs)
	}
	require.NoError(t, repo.SavePreferences(context.Background(), &prefs))
	return prefs
}

func submit(t *testing.T, body map[string]any) (int, notifications.SubmitNotificationResponse) {
	t.Helper()
	resp, err := client.POST("/api/v1/notifications", body)
	require.NoError(t, err)

	var out notifications.SubmitNotificationResponse
	if resp.StatusCode != http.StatusOK {
		_ = testutil.ReadBody(t, resp)
		return resp.StatusCode, out
	}
	testutil.DecodeData(t, resp, &out)
	return resp.StatusCode, out
}

func resultFor(results []domain.DeliveryResult, c domain.Channel) *domain.DeliveryResult {
	for i := range results {
		if results[i].Channel == c {
			return &results[i]
		}
	}
	return nil
}

func TestHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.Equal(t, "OK", testutil.ReadBody(t, resp))
	}
}

func TestSubmitNotification_DeliversAcrossChannels(t *testing.T) {
	seedPreferences(t, "host-e2e", nil)

	status, out := submit(t, map[string]any{
		"id":           "e2e-1",
		"type":         "NEW_BOOKING",
		"priority":     "high",
		"title":        "New booking from {{guest}}",
		"body":         "{{guest}} booked {{service}}",
		"channels":     []string{"push", "sms", "email"},
		"recipient_id": "host-e2e",
		"metadata":     map[string]string{"guest": "Sara", "service": "Spa"},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "e2e-1", out.NotificationID)

	for _, c := range []domain.Channel{domain.ChannelPush, domain.ChannelSMS, domain.ChannelEmail, domain.ChannelInApp} {
		r := resultFor(out.Results, c)
		require.NotNil(t, r, "missing result for %s", c)
		assert.Equal(t, domain.DeliveryStatusSent, r.Status, "%s: %s", c, r.Error)
		assert.NotEmpty(t, r.MessageID, c)
	}
	assert.InDelta(t, 0.05, resultFor(out.Results, domain.ChannelSMS).Cost, 1e-9)

	t.Run("sms gateway received expanded text", func(t *testing.T) {
		requests := gateway.requestsTo("/sms")
		require.NotEmpty(t, requests)
		last := requests[len(requests)-1]
		assert.Equal(t, "+966500000001", last["to"])
		assert.Equal(t, "New booking from Sara\nSara booked Spa", last["text"])
	})

	t.Run("email delivered through smtp", func(t *testing.T) {
		messages, err := mailpit.WaitForRecipient("host-e2e@hosts.test", 10*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "New booking from Sara", messages[0].Subject)
	})

	t.Run("inbox and sms usage persisted", func(t *testing.T) {
		inbox, err := repo.ListInboxMessages(context.Background(), "host-e2e", 10)
		require.NoError(t, err)
		require.NotEmpty(t, inbox)
		assert.Equal(t, "e2e-1", inbox[0].NotificationID)
		assert.Equal(t, "Sara booked Spa", inbox[0].Body)

		prefs, err := repo.GetPreferences(context.Background(), "host-e2e")
		require.NoError(t, err)
		assert.Equal(t, 1, prefs.SMS.CurrentUsage)
	})
}

func TestSubmitNotification_SMSBudgetFallback(t *testing.T) {
	seedPreferences(t, "host-budget", func(p *domain.Preferences) {
		p.SMS.CurrentUsage = p.SMS.MonthlyLimit
	})

	status, out := submit(t, map[string]any{
		"id":           "e2e-budget",
		"type":         "BOOKING_CANCELLED",
		"priority":     "critical",
		"title":        "Booking cancelled",
		"body":         "Your 10:00 booking was cancelled",
		"channels":     []string{"sms"},
		"recipient_id": "host-budget",
	})
	require.Equal(t, http.StatusOK, status)

	assert.Nil(t, resultFor(out.Results, domain.ChannelSMS))
	wa := resultFor(out.Results, domain.ChannelWhatsApp)
	require.NotNil(t, wa)
	assert.Equal(t, domain.DeliveryStatusFailed, wa.Status, "whatsapp has no configured transport")
	assert.Equal(t, domain.DeliveryStatusSent, resultFor(out.Results, domain.ChannelInApp).Status)
}

func TestSubmitNotification_ScheduledIsDeliveredByWorker(t *testing.T) {
	seedPreferences(t, "host-later", nil)

	status, out := submit(t, map[string]any{
		"id":            "e2e-scheduled",
		"type":          "BOOKING_REMINDER",
		"priority":      "medium",
		"title":         "Reminder",
		"body":          "Appointment tomorrow",
		"channels":      []string{"push"},
		"recipient_id":  "host-later",
		"scheduled_for": time.Now().Add(time.Second).UTC().Format(time.RFC3339Nano),
	})
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Results, 1)
	assert.Equal(t, domain.DeliveryStatusQueued, out.Results[0].Status)
	assert.Contains(t, out.Results[0].Error, "scheduled")

	require.Eventually(t, func() bool {
		inbox, err := repo.ListInboxMessages(context.Background(), "host-later", 10)
		return err == nil && len(inbox) == 1 && inbox[0].NotificationID == "e2e-scheduled"
	}, 15*time.Second, 200*time.Millisecond)
}

func TestSubmitNotification_InvalidatePreferences(t *testing.T) {
	seedPreferences(t, "host-cache", nil)
	body := map[string]any{
		"id":           "e2e-promo",
		"type":         "PROMOTION",
		"priority":     "low",
		"title":        "Offer",
		"body":         "10% off this week",
		"channels":     []string{"push"},
		"recipient_id": "host-cache",
	}

	status, out := submit(t, body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, domain.DeliveryStatusSent, resultFor(out.Results, domain.ChannelPush).Status)

	seedPreferences(t, "host-cache", func(p *domain.Preferences) {
		p.TypeOverrides = map[domain.NotificationType]domain.TypePreference{
			domain.TypePromotion: {Enabled: false},
		}
	})

	resp, err := client.POST("/api/v1/recipients/host-cache/preferences/invalidate", nil)
	require.NoError(t, err)
	_ = testutil.ReadBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	status, out = submit(t, body)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Results, 1)
	assert.Equal(t, domain.DeliveryStatusSkipped, out.Results[0].Status)
	assert.Equal(t, "type disabled by user", out.Results[0].Error)
}

func TestSubmitNotification_Rejected(t *testing.T) {
	status, _ := submit(t, map[string]any{
		"id":           "e2e-bad",
		"type":         "NEW_BOOKING",
		"priority":     "urgent",
		"recipient_id": "host-e2e",
	})
	assert.Equal(t, http.StatusBadRequest, status)
}
