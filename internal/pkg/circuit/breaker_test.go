package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAndProbes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	var changes []State
	b := New("venue", 2, time.Minute).WithClock(func() time.Time { return now })
	b.OnStateChange(func(_ string, _, to State) { changes = append(changes, to) })

	boom := errors.New("boom")
	assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Do(func() error { return boom }), boom)
	require.Equal(t, StateOpen, b.State())

	called := false
	assert.ErrorIs(t, b.Do(func() error { called = true; return nil }), ErrOpen)
	assert.False(t, called)

	now = now.Add(2 * time.Minute)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.False(t, b.Allow(), "one probe at a time")
	b.Failure()
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}, changes)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New("venue", 2, time.Minute)
	b.Failure()
	b.Success()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, "HALF-OPEN", StateHalfOpen.String())
}
