package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = RetryPolicy{MaxAttempts: 3, Unit: time.Second}

func TestPolicyDelayDoubles(t *testing.T) {
	assert.Equal(t, 1*time.Second, testPolicy.Delay(0))
	assert.Equal(t, 2*time.Second, testPolicy.Delay(1))
	assert.Equal(t, 4*time.Second, testPolicy.Delay(2))
}

func TestTransitionSuccess(t *testing.T) {
	s := transition(retryState{phase: phaseAttempting}, event{kind: eventCallOK, text: "positive"}, testPolicy)
	assert.Equal(t, phaseSucceeded, s.phase)
	assert.Equal(t, "positive", s.text)
}

func TestTransitionTerminalFailures(t *testing.T) {
	tests := []struct {
		kind eventKind
		want string
	}{
		{eventHTTPError, "http error: 500 boom"},
		{eventTransportError, "transport error: 500 boom"},
		{eventMalformed, "malformed response"},
	}
	for _, tt := range tests {
		s := transition(retryState{phase: phaseAttempting, attempt: 1}, event{kind: tt.kind, detail: "500 boom"}, testPolicy)
		require.Equal(t, phaseFailed, s.phase)
		assert.EqualError(t, s.failure, tt.want)
		assert.Equal(t, 1, s.attempt)
	}
}

func TestTransitionRateLimitExhaustion(t *testing.T) {
	s := retryState{phase: phaseAttempting}
	var delays []time.Duration
	calls := 0

	for s.phase != phaseFailed && s.phase != phaseSucceeded {
		switch s.phase {
		case phaseAttempting:
			calls++
			s = transition(s, event{kind: eventRateLimited}, testPolicy)
		case phaseBackingOff:
			delays = append(delays, s.delay)
			s = transition(s, event{kind: eventBackoffElapsed}, testPolicy)
		}
	}

	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
	assert.EqualError(t, s.failure, "rate limited after retries")
}

func TestTransitionInterruptedBackoff(t *testing.T) {
	s := retryState{phase: phaseBackingOff, delay: time.Second}
	s = transition(s, event{kind: eventTransportError, detail: "context canceled"}, testPolicy)
	require.Equal(t, phaseFailed, s.phase)
	assert.EqualError(t, s.failure, "transport error: context canceled")
}

func TestTransitionTerminalStatesAbsorb(t *testing.T) {
	done := retryState{phase: phaseSucceeded, text: "x"}
	assert.Equal(t, done, transition(done, event{kind: eventRateLimited}, testPolicy))

	failed := failedState(0, FailureHTTP, "400")
	assert.Equal(t, failed, transition(failed, event{kind: eventCallOK}, testPolicy))

	// backoff elapsing while attempting is ignored
	attempting := retryState{phase: phaseAttempting}
	assert.Equal(t, attempting, transition(attempting, event{kind: eventBackoffElapsed}, testPolicy))
}

func TestSingleAttemptPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 1, Unit: time.Millisecond}
	s := transition(retryState{phase: phaseAttempting}, event{kind: eventRateLimited}, p)
	require.Equal(t, phaseBackingOff, s.phase)
	s = transition(s, event{kind: eventBackoffElapsed}, p)
	assert.EqualError(t, s.failure, "rate limited after retries")
}
