package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	base := New(KindValidation, "ingest.validate", errors.New("price must be positive"))
	wrapped := fmt.Errorf("tick rejected: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.Equal(t, KindTransient, KindOf(errors.New("some infra failure")))
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(New(KindValidation, "op", errors.New("bad"))))
	assert.False(t, IsTransient(New(KindFatal, "op", errors.New("schema mismatch"))))
	assert.True(t, IsTransient(New(KindTransient, "op", errors.New("pool exhausted"))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 2, MaxAttempts: 5, Jitter: 0.25}

	for attempt, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
	} {
		d := b.Delay(attempt)
		lo := time.Duration(float64(want) * 0.75)
		hi := time.Duration(float64(want) * 1.25)
		assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
		assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
	}
}

func TestRetry_StopsOnNonTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 1, MaxAttempts: 5}, func(context.Context) error {
		calls++
		return New(KindValidation, "op", errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 1, MaxAttempts: 3}, func(context.Context) error {
		calls++
		return New(KindTransient, "op", errors.New("network blip"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Backoff{Base: time.Millisecond, Factor: 1, MaxAttempts: 5}, func(context.Context) error {
		calls++
		if calls < 3 {
			return New(KindTransient, "op", errors.New("not yet"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
