package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/sentiscore/internal/config"
	"github.com/TobiSchelling/sentiscore/internal/logging"
	"github.com/TobiSchelling/sentiscore/internal/metrics"
)

func chatResponse(content string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "llama3-8b-8192",
		"choices": []map[string]any{
			{"index": 0, "message": map[string]string{"role": "assistant", "content": content}},
		},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// newTestAnalyzer points an analyzer at handler and records backoff waits
// instead of sleeping.
func newTestAnalyzer(t *testing.T, handler http.HandlerFunc) (*RemoteAnalyzer, *[]time.Duration, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m := metrics.New(nil)
	a := NewRemoteAnalyzer(config.Analyzer{
		BaseURL:        srv.URL + "/openai/v1",
		Model:          "llama3-8b-8192",
		MaxAttempts:    3,
		BackoffUnit:    time.Second,
		RequestTimeout: 5 * time.Second,
	}, "test-key", m)

	var waits []time.Duration
	a.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return a, &waits, m
}

func TestAnalyzeSuccess(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody openaiRequest
	a, waits, m := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeJSON(w, http.StatusOK, chatResponse("The sentiment is positive."))
	})

	text, err := a.Analyze(context.Background(), "I love this")
	require.NoError(t, err)
	assert.Equal(t, "The sentiment is positive.", text)
	assert.Empty(t, *waits)

	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/openai/v1/chat/completions", gotPath)
	assert.Equal(t, "llama3-8b-8192", gotBody.Model)
	require.Len(t, gotBody.Messages, 1)
	assert.Equal(t, "user", gotBody.Messages[0].Role)
	assert.Equal(t, "Analyze the sentiment of this review: 'I love this'", gotBody.Messages[0].Content)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteCallsTotal.WithLabelValues(metrics.ResultOK)))
}

type openaiRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

func TestAnalyzeRetriesOnRateLimitThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	a, waits, m := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": map[string]string{"message": "rate limit", "type": "rate_limit_exceeded"},
			})
			return
		}
		writeJSON(w, http.StatusOK, chatResponse("negative"))
	})

	text, err := a.Analyze(context.Background(), "I hate this")
	require.NoError(t, err)
	assert.Equal(t, "negative", text)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RateLimitRetries))
}

func TestAnalyzeGivesUpAfterThreeRateLimits(t *testing.T) {
	var calls atomic.Int32
	a, waits, m := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// plain-text body: detection must not depend on the error payload
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	})

	_, err := a.Analyze(context.Background(), "anything")
	var failure *CallFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureRateLimited, failure.Kind)
	assert.EqualError(t, err, "rate limited after retries")

	assert.Equal(t, int32(3), calls.Load(), "a fourth call must never be issued")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RemoteCallsTotal.WithLabelValues(metrics.ResultRateLimited)))
}

func TestAnalyzeHTTPErrorIsTerminal(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		var calls atomic.Int32
		a, waits, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			writeJSON(w, status, map[string]any{
				"error": map[string]string{"message": "nope", "type": "invalid_request_error"},
			})
		})

		_, err := a.Analyze(context.Background(), "review")
		var failure *CallFailure
		require.ErrorAs(t, err, &failure, "status %d", status)
		assert.Equal(t, FailureHTTP, failure.Kind, "status %d", status)
		assert.Contains(t, err.Error(), "http error: ")
		assert.Equal(t, int32(1), calls.Load(), "status %d", status)
		assert.Empty(t, *waits)
	}
}

func TestAnalyzeTransportErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // connection refused from here on

	a := NewRemoteAnalyzer(config.Analyzer{
		BaseURL:        url,
		Model:          "m",
		MaxAttempts:    3,
		BackoffUnit:    time.Second,
		RequestTimeout: time.Second,
	}, "k", nil)
	slept := false
	a.sleep = func(context.Context, time.Duration) error { slept = true; return nil }

	_, err := a.Analyze(context.Background(), "review")
	var failure *CallFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureTransport, failure.Kind)
	assert.Contains(t, err.Error(), "transport error: ")
	assert.False(t, slept)
}

func TestAnalyzeUndecodableBodyIsTransportError(t *testing.T) {
	var calls atomic.Int32
	a, _, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte("{not json"))
	})

	_, err := a.Analyze(context.Background(), "review")
	var failure *CallFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureTransport, failure.Kind)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAnalyzeNoChoicesIsMalformed(t *testing.T) {
	var calls atomic.Int32
	a, _, m := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"id": "x", "choices": []any{}})
	})

	_, err := a.Analyze(context.Background(), "review")
	assert.EqualError(t, err, "malformed response")
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteCallsTotal.WithLabelValues(metrics.ResultMalformed)))
}

func TestAnalyzeIncompleteChoiceIsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		choice map[string]any
	}{
		{"no message", map[string]any{"index": 0}},
		{"null message", map[string]any{"index": 0, "message": nil}},
		{"no content", map[string]any{"index": 0, "message": map[string]any{"role": "assistant"}}},
		{"null content", map[string]any{"index": 0, "message": map[string]any{"role": "assistant", "content": nil}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			a, waits, m := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, http.StatusOK, map[string]any{"id": "x", "choices": []any{tt.choice}})
			})

			text, err := a.Analyze(context.Background(), "review")
			assert.EqualError(t, err, "malformed response")
			assert.Empty(t, text)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, *waits)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.RemoteCallsTotal.WithLabelValues(metrics.ResultMalformed)))
		})
	}
}

func TestAnalyzeEmptyContentIsSuccess(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, chatResponse(""))
	})

	text, err := a.Analyze(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestAnalyzeLogsCarryRequestID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	var calls atomic.Int32
	a, _, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse("positive"))
	})

	ctx := logging.WithRequestID(context.Background(), "req-42")
	_, err := a.Analyze(ctx, "review")
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "Rate limit reached")
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		assert.Contains(t, string(line), "request_id=req-42")
		assert.Contains(t, string(line), "component=analyzer")
	}
}

func TestAnalyzeRealBackoffHonorsContext(t *testing.T) {
	a, _, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	a.sleep = sleepContext
	a.policy.Unit = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Analyze(ctx, "review")
	var failure *CallFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, FailureTransport, failure.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestAnalyzeRealBackoffWaits(t *testing.T) {
	var calls atomic.Int32
	a, _, _ := newTestAnalyzer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse("neutral"))
	})
	a.sleep = sleepContext
	a.policy.Unit = 20 * time.Millisecond

	start := time.Now()
	text, err := a.Analyze(context.Background(), "review")
	require.NoError(t, err)
	assert.Equal(t, "neutral", text)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestCallFailureMessages(t *testing.T) {
	assert.EqualError(t, &CallFailure{Kind: FailureHTTP, Detail: "418"}, "http error: 418")
	assert.EqualError(t, &CallFailure{Kind: FailureTransport, Detail: "refused"}, "transport error: refused")
	assert.EqualError(t, &CallFailure{Kind: FailureMalformed}, "malformed response")
	assert.EqualError(t, &CallFailure{Kind: FailureRateLimited}, "rate limited after retries")
}

func TestCreateAnalyzer(t *testing.T) {
	cfg := &config.Config{Analyzer: config.Analyzer{Provider: "openai", BaseURL: "http://x", Model: "m", MaxAttempts: 3}}
	_, err := CreateAnalyzer(cfg, nil)
	assert.Error(t, err, "missing key must be rejected")

	cfg.APIKey = "k"
	a, err := CreateAnalyzer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &RemoteAnalyzer{}, a)

	cfg.Analyzer.Provider = "VADER"
	a, err = CreateAnalyzer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &VaderAnalyzer{}, a)

	cfg.Analyzer.Provider = "other"
	_, err = CreateAnalyzer(cfg, nil)
	assert.Error(t, err)
}

func TestRequestsPerSecondInstallsLimiter(t *testing.T) {
	a := NewRemoteAnalyzer(config.Analyzer{BaseURL: "http://x", MaxAttempts: 3, RequestsPerSecond: 2}, "k", nil)
	assert.NotNil(t, a.limiter)

	a = NewRemoteAnalyzer(config.Analyzer{BaseURL: "http://x", MaxAttempts: 0}, "k", nil)
	assert.Nil(t, a.limiter)
	assert.Equal(t, 1, a.policy.MaxAttempts)
}
