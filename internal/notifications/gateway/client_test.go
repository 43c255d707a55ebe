package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	Text string `json:"text"`
}

type echoResponse struct {
	ID string `json:"id"`
}

func TestClient_PostJSON_Success(t *testing.T) {
	var gotAuth, gotContentType string
	var gotBody echoRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotContentType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"id":"msg-1"}`))
	}))
	defer server.Close()

	client := NewClient(Config{Provider: "test", Token: "secret", RateLimit: 100})

	var out echoResponse
	err := client.PostJSON(context.Background(), server.URL, echoRequest{Text: "hi"}, &out)
	require.NoError(t, err)

	assert.Equal(t, "msg-1", out.ID)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "hi", gotBody.Text)
}

func TestClient_PostJSON_EmptySuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	var out echoResponse
	err := NewClient(Config{Provider: "test"}).PostJSON(context.Background(), server.URL, echoRequest{}, &out)
	assert.NoError(t, err)
	assert.Empty(t, out.ID)
}

func TestClient_PostJSON_StatusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		retryAfter string
		retryable  bool
		check      func(t *testing.T, err error)
	}{
		{
			name:       "too many requests",
			status:     http.StatusTooManyRequests,
			retryAfter: "30",
			retryable:  true,
			check: func(t *testing.T, err error) {
				var rl *RateLimitError
				require.True(t, errors.As(err, &rl))
				assert.Equal(t, 30*time.Second, GetRetryAfter(err))
			},
		},
		{
			name:      "unauthorized",
			status:    http.StatusUnauthorized,
			retryable: false,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "invalid or expired credentials")
			},
		},
		{
			name:      "forbidden",
			status:    http.StatusForbidden,
			retryable: false,
		},
		{
			name:      "bad request",
			status:    http.StatusBadRequest,
			retryable: false,
			check: func(t *testing.T, err error) {
				var pe *PermanentError
				require.True(t, errors.As(err, &pe))
				assert.Equal(t, http.StatusBadRequest, pe.Code)
				assert.Contains(t, pe.Message, "rejected")
			},
		},
		{
			name:      "request timeout",
			status:    http.StatusRequestTimeout,
			retryable: true,
		},
		{
			name:      "bad gateway",
			status:    http.StatusBadGateway,
			retryable: true,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "test error 502")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer server.Close()

			err := NewClient(Config{Provider: "test", RateLimit: 100}).PostJSON(context.Background(), server.URL, echoRequest{}, nil)
			require.Error(t, err)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			if tt.check != nil {
				tt.check(t, err)
			}
		})
	}
}

func TestClient_PostJSON_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewClient(Config{Provider: "test"}).PostJSON(context.Background(), url, echoRequest{}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestClient_PostJSON_RateLimitWaitCancelled(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{Provider: "test", RateLimit: 0.001})
	require.NoError(t, client.PostJSON(context.Background(), server.URL, echoRequest{}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.PostJSON(ctx, server.URL, echoRequest{}, nil)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "rate limit wait")
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_WithHTTPClient(t *testing.T) {
	hc := &http.Client{Timeout: time.Second}
	client := NewClient(Config{Provider: "test"}).WithHTTPClient(hc)
	assert.Same(t, hc, client.httpClient)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
	assert.Equal(t, 5*time.Second, parseRetryAfter("5"))

	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	assert.Greater(t, parseRetryAfter(future), 50*time.Minute)
}
