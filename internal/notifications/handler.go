package notifications

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/bissquit/booking-notifier/internal/domain"
	"github.com/bissquit/booking-notifier/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrInvalidNotification, Status: http.StatusBadRequest},
}

// NotificationProcessor is the engine surface used by the HTTP handler.
type NotificationProcessor interface {
	Process(ctx context.Context, n domain.Notification) ([]domain.DeliveryResult, error)
	InvalidatePreferences(recipientID string)
}

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	engine    NotificationProcessor
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(engine NotificationProcessor) *Handler {
	return &Handler{
		engine:    engine,
		validator: validator.New(),
	}
}

// RegisterRoutes registers notification routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/notifications", h.SubmitNotification)
	r.Post("/recipients/{id}/preferences/invalidate", h.InvalidatePreferences)
}

// SubmitNotificationResponse is returned for an accepted notification.
type SubmitNotificationResponse struct {
	NotificationID string                  `json:"notification_id"`
	Results        []domain.DeliveryResult `json:"results"`
}

// SubmitNotification handles POST /notifications.
func (h *Handler) SubmitNotification(w http.ResponseWriter, r *http.Request) {
	var n domain.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(n); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	// Delivery continues after the caller goes away; its outcome is recorded
	// through analytics.
	ctx := context.WithoutCancel(r.Context())

	results, err := h.engine.Process(ctx, n)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, SubmitNotificationResponse{
		NotificationID: n.ID,
		Results:        results,
	})
}

// InvalidatePreferences handles POST /recipients/{id}/preferences/invalidate.
func (h *Handler) InvalidatePreferences(w http.ResponseWriter, r *http.Request) {
	recipientID := chi.URLParam(r, "id")
	if recipientID == "" {
		httputil.Error(w, http.StatusBadRequest, "recipient id is required")
		return
	}

	h.engine.InvalidatePreferences(recipientID)
	w.WriteHeader(http.StatusNoContent)
}
