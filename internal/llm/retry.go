package llm

import "time"

// RetryPolicy bounds the attempts made for one review. Only rate-limited
// attempts are retried; each one waits Unit * 2^attempt before the next.
type RetryPolicy struct {
	MaxAttempts int
	Unit        time.Duration
}

// Delay returns the backoff that follows a rate-limited attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.Unit << attempt
}

type phase int

const (
	phaseAttempting phase = iota
	phaseBackingOff
	phaseSucceeded
	phaseFailed
)

func (p phase) String() string {
	switch p {
	case phaseAttempting:
		return "attempting"
	case phaseBackingOff:
		return "backing_off"
	case phaseSucceeded:
		return "succeeded"
	default:
		return "failed"
	}
}

type eventKind int

const (
	eventCallOK eventKind = iota
	eventRateLimited
	eventHTTPError
	eventTransportError
	eventMalformed
	eventBackoffElapsed
)

// event is what happened while in the current state: the result of a call
// while attempting, or the end of a wait while backing off.
type event struct {
	kind   eventKind
	text   string
	detail string
}

type retryState struct {
	phase   phase
	attempt int
	delay   time.Duration
	text    string
	failure *CallFailure
}

// transition is the whole retry protocol. Succeeded and Failed absorb every
// event; an event that does not apply to the current phase leaves it as is.
func transition(s retryState, ev event, p RetryPolicy) retryState {
	switch s.phase {
	case phaseAttempting:
		switch ev.kind {
		case eventCallOK:
			return retryState{phase: phaseSucceeded, attempt: s.attempt, text: ev.text}
		case eventRateLimited:
			return retryState{phase: phaseBackingOff, attempt: s.attempt, delay: p.Delay(s.attempt)}
		case eventHTTPError:
			return failedState(s.attempt, FailureHTTP, ev.detail)
		case eventTransportError:
			return failedState(s.attempt, FailureTransport, ev.detail)
		case eventMalformed:
			return failedState(s.attempt, FailureMalformed, ev.detail)
		}
	case phaseBackingOff:
		switch ev.kind {
		case eventBackoffElapsed:
			if s.attempt+1 >= p.MaxAttempts {
				return failedState(s.attempt, FailureRateLimited, "")
			}
			return retryState{phase: phaseAttempting, attempt: s.attempt + 1}
		case eventTransportError:
			// the wait itself was interrupted
			return failedState(s.attempt, FailureTransport, ev.detail)
		}
	}
	return s
}

func failedState(attempt int, kind FailureKind, detail string) retryState {
	return retryState{
		phase:   phaseFailed,
		attempt: attempt,
		failure: &CallFailure{Kind: kind, Detail: detail},
	}
}
