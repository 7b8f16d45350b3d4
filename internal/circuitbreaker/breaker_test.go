package circuitbreaker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 3})

	assert.Equal(t, StateClosed, cb.GetState(), "Circuit breaker should start closed")
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 3})

	cb.RecordFailure("timeout")
	cb.RecordFailure("timeout")
	assert.Equal(t, StateClosed, cb.GetState(), "Two failures should not trip")

	cb.RecordFailure("status 502")
	assert.Equal(t, StateOpen, cb.GetState(), "Circuit should be open after trip")
	assert.ErrorIs(t, cb.Allow(), ErrOpen)

	status := cb.Status()
	assert.Equal(t, "open", status.State)
	assert.Equal(t, "status 502", status.LastReason)
	assert.False(t, status.LastTrip.IsZero())
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 2})

	cb.RecordFailure("timeout")
	cb.RecordSuccess()
	cb.RecordFailure("timeout")

	assert.Equal(t, StateClosed, cb.GetState(), "Failures must be consecutive to trip")
}

func TestCircuitBreaker_Recovery(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 1}).
		WithResetDelay(50 * time.Millisecond).
		WithSuccessThreshold(1)

	cb.RecordFailure("connection refused")
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow(), "Probe should be allowed after reset delay")
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should close after successful probe")
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 1}).WithResetDelay(20 * time.Millisecond)

	cb.RecordFailure("timeout")
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, cb.Allow())

	cb.RecordFailure("timeout")
	assert.Equal(t, StateOpen, cb.GetState())
	assert.ErrorIs(t, cb.Allow(), ErrOpen)
}

func TestCircuitBreaker_CallbackExecution(t *testing.T) {
	reasons := make(chan string, 1)
	var transitions atomic.Int32

	cb := New(Thresholds{FailureThreshold: 1}).
		WithTripCallback(func(reason string) { reasons <- reason }).
		WithStateChange(func(State) { transitions.Add(1) })

	cb.RecordFailure("status 500")

	select {
	case reason := <-reasons:
		assert.Contains(t, reason, "status 500", "Callback reason should explain the trip")
	case <-time.After(time.Second):
		t.Fatal("trip callback was not executed")
	}
	assert.Equal(t, int32(1), transitions.Load())
}

func TestCircuitBreaker_ManualReset(t *testing.T) {
	cb := New(Thresholds{FailureThreshold: 1})

	cb.RecordFailure("timeout")
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState(), "Circuit should be closed after manual reset")
	assert.NoError(t, cb.Allow())
	assert.Zero(t, cb.Status().ConsecutiveFailures)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown(7)", State(7).String())
}
