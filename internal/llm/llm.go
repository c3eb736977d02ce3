package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/TobiSchelling/sentiscore/internal/config"
	"github.com/TobiSchelling/sentiscore/internal/logging"
	"github.com/TobiSchelling/sentiscore/internal/metrics"
)

// Analyzer turns one review into free-form sentiment text. A non-nil error
// is always a *CallFailure.
type Analyzer interface {
	Analyze(ctx context.Context, review string) (string, error)
}

// FailureKind classifies why a review could not be analyzed.
type FailureKind int

const (
	FailureHTTP FailureKind = iota + 1
	FailureTransport
	FailureMalformed
	FailureRateLimited
)

// CallFailure is the terminal outcome of an unsuccessful Analyze call.
type CallFailure struct {
	Kind   FailureKind
	Detail string
}

func (f *CallFailure) Error() string {
	switch f.Kind {
	case FailureHTTP:
		return "http error: " + f.Detail
	case FailureTransport:
		return "transport error: " + f.Detail
	case FailureMalformed:
		return "malformed response"
	default:
		return "rate limited after retries"
	}
}

// Prompt builds the single user message sent for a review.
func Prompt(review string) string {
	return fmt.Sprintf("Analyze the sentiment of this review: '%s'", review)
}

// RemoteAnalyzer calls an OpenAI-compatible chat-completion endpoint,
// backing off on HTTP 429 and failing fast on anything else.
type RemoteAnalyzer struct {
	Model   string
	client  *openai.Client
	policy  RetryPolicy
	limiter *rate.Limiter
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewRemoteAnalyzer creates an analyzer for the configured endpoint. m may
// be nil.
func NewRemoteAnalyzer(cfg config.Analyzer, apiKey string, m *metrics.Metrics) *RemoteAnalyzer {
	oc := openai.DefaultConfig(apiKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: traceTransport{base: http.DefaultTransport},
	}

	a := &RemoteAnalyzer{
		Model:   cfg.Model,
		client:  openai.NewClientWithConfig(oc),
		policy:  RetryPolicy{MaxAttempts: cfg.MaxAttempts, Unit: cfg.BackoffUnit},
		metrics: m,
		sleep:   sleepContext,
	}
	if a.policy.MaxAttempts < 1 {
		a.policy.MaxAttempts = 1
	}
	if cfg.RequestsPerSecond > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return a
}

// Analyze sends review to the endpoint and returns the first choice's
// message content.
func (a *RemoteAnalyzer) Analyze(ctx context.Context, review string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: a.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: Prompt(review)},
		},
	}

	logger := logging.WithComponent(ctx, "analyzer")

	s := retryState{phase: phaseAttempting}
	for {
		switch s.phase {
		case phaseSucceeded:
			return s.text, nil
		case phaseFailed:
			logger.Debug("Review analysis failed",
				slog.Int("attempts", s.attempt+1),
				slog.String("error", s.failure.Error()))
			return "", s.failure
		case phaseBackingOff:
			logger.Warn("Rate limit reached, backing off",
				slog.Int("attempt", s.attempt+1),
				slog.Duration("wait", s.delay))
			if a.metrics != nil {
				a.metrics.RateLimitRetries.Inc()
			}
			if err := a.sleep(ctx, s.delay); err != nil {
				s = transition(s, event{kind: eventTransportError, detail: err.Error()}, a.policy)
				continue
			}
			s = transition(s, event{kind: eventBackoffElapsed}, a.policy)
		default:
			ev := a.attempt(ctx, logger, req)
			a.record(ev)
			s = transition(s, ev, a.policy)
		}
	}
}

// attempt performs one network call and reduces its result to an event.
func (a *RemoteAnalyzer) attempt(ctx context.Context, logger *slog.Logger, req openai.ChatCompletionRequest) event {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return event{kind: eventTransportError, detail: err.Error()}
		}
	}

	var trace callTrace
	start := time.Now()
	_, err := a.client.CreateChatCompletion(context.WithValue(ctx, traceKey{}, &trace), req)
	logger.Debug("Chat completion attempt",
		slog.Int("status", trace.status),
		slog.Duration("elapsed", time.Since(start)))

	if err != nil {
		return errorEvent(trace.status, err)
	}
	text, ok := firstContent(trace.body)
	if !ok {
		return event{kind: eventMalformed, detail: "no message content in response"}
	}
	return event{kind: eventCallOK, text: text}
}

// completionShape keeps enough of a chat-completion body to tell an absent
// message or content apart from an empty one.
type completionShape struct {
	Choices []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// firstContent returns the first choice's message content, or false when
// the body lacks it.
func firstContent(body []byte) (string, bool) {
	var shape completionShape
	if err := json.Unmarshal(body, &shape); err != nil {
		return "", false
	}
	if len(shape.Choices) == 0 {
		return "", false
	}
	msg := shape.Choices[0].Message
	if msg == nil || msg.Content == nil {
		return "", false
	}
	return *msg.Content, true
}

// errorEvent classifies a failed call by the HTTP status it saw, if any.
// A 2xx status with an error means the body could not be decoded.
func errorEvent(status int, err error) event {
	switch {
	case status == http.StatusTooManyRequests:
		return event{kind: eventRateLimited, detail: err.Error()}
	case status >= http.StatusBadRequest || (status != 0 && status < http.StatusOK):
		return event{kind: eventHTTPError, detail: err.Error()}
	default:
		return event{kind: eventTransportError, detail: err.Error()}
	}
}

func (a *RemoteAnalyzer) record(ev event) {
	if a.metrics == nil {
		return
	}
	var result string
	switch ev.kind {
	case eventCallOK:
		result = metrics.ResultOK
	case eventRateLimited:
		result = metrics.ResultRateLimited
	case eventHTTPError:
		result = metrics.ResultHTTPError
	case eventMalformed:
		result = metrics.ResultMalformed
	default:
		result = metrics.ResultTransport
	}
	a.metrics.RemoteCallsTotal.WithLabelValues(result).Inc()
}

type traceKey struct{}

// callTrace holds what the transport saw of the last response.
type callTrace struct {
	status int
	body   []byte
}

// traceTransport records the status and body of each response into the
// *callTrace stored under traceKey on the request context.
type traceTransport struct {
	base http.RoundTripper
}

func (t traceTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	trace, ok := req.Context().Value(traceKey{}).(*callTrace)
	if !ok {
		return resp, nil
	}
	trace.status = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	trace.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CreateAnalyzer builds the analyzer named by cfg.Analyzer.Provider.
func CreateAnalyzer(cfg *config.Config, m *metrics.Metrics) (Analyzer, error) {
	switch strings.ToLower(cfg.Analyzer.Provider) {
	case config.ProviderVader:
		slog.Info("Using local VADER analyzer")
		return NewVaderAnalyzer(), nil
	case config.ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("API key not configured for %s", cfg.Analyzer.BaseURL)
		}
		slog.Info("Using chat-completion analyzer",
			slog.String("base_url", cfg.Analyzer.BaseURL),
			slog.String("model", cfg.Analyzer.Model))
		return NewRemoteAnalyzer(cfg.Analyzer, cfg.APIKey, m), nil
	default:
		return nil, fmt.Errorf("unknown analyzer provider %q", cfg.Analyzer.Provider)
	}
}
