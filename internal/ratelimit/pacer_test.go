package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriorityFromContext(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityFromContext(context.Background()))
	assert.Equal(t, PriorityLow, PriorityFromContext(WithPriority(context.Background(), PriorityLow)))
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", Priority(9).String())
}

func TestNewPacer_Validation(t *testing.T) {
	_, err := NewPacer(nil)
	assert.Error(t, err)
	_, err = NewPacer(&PacerConfig{})
	assert.Error(t, err)

	tracker, _ := newTestTracker(t, 2, 1)
	_, err = NewPacer(&PacerConfig{Tracker: tracker, BaseDelay: time.Second, MaxDelay: time.Millisecond})
	assert.Error(t, err)
}

func TestPacer_WaitGrantsAndBacksOff(t *testing.T) {
	tracker, _ := newTestTracker(t, 2, 1)
	// the fixed clock never reaches the next window
	tracker.now = func() time.Time { return windowTime }

	pacer, err := NewPacer(&PacerConfig{
		Tracker:   tracker,
		BaseDelay: time.Millisecond,
		MaxDelay:  4 * time.Millisecond,
		MaxWait:   10 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx := WithPriority(context.Background(), PriorityLow)
	require.NoError(t, pacer.Wait(ctx))
	assert.Equal(t, 0, pacer.ConsecutiveFailures())

	// the budget is consumed; the suggested wait alone exceeds MaxWait
	err = pacer.Wait(ctx)
	assert.True(t, errors.Is(err, ErrBudgetExhausted))
	assert.GreaterOrEqual(t, pacer.ConsecutiveFailures(), 1)
	assert.LessOrEqual(t, pacer.CurrentDelay(), 4*time.Millisecond)

	require.NoError(t, pacer.Wait(context.Background()), "reserved pool still has room")
	assert.Equal(t, time.Millisecond, pacer.CurrentDelay())
}

func TestPacer_WaitsForNextWindow(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 1)
	start := time.Now()
	tracker.now = func() time.Time { return windowTime.Add(time.Since(start)) }
	tracker.windowSize = 20 * time.Millisecond

	pacer, err := NewPacer(&PacerConfig{Tracker: tracker, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxWait: time.Second})
	require.NoError(t, err)

	require.NoError(t, pacer.Wait(context.Background()))
	require.NoError(t, pacer.Wait(context.Background()), "granted once the window rolled over")
}

func TestPacer_ContextCancelled(t *testing.T) {
	tracker, _ := newTestTracker(t, 1, 1)
	pacer, err := NewPacer(&PacerConfig{Tracker: tracker})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, pacer.Wait(ctx), context.Canceled)
}
