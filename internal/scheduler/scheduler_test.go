package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pilab-dev/shadow-aaa/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_RunOnceSkipsWhileRunning(t *testing.T) {
	s := New(lock.NewMemoryLocker())
	started := make(chan struct{})
	finish := make(chan struct{})
	s.Register(Job{Name: "slow", Interval: time.Hour, Run: func(ctx context.Context) error {
		close(started)
		<-finish
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- s.RunOnce(context.Background(), "slow") }()
	<-started

	assert.ErrorIs(t, s.RunOnce(context.Background(), "slow"), ErrSkipped)

	close(finish)
	require.NoError(t, <-done)
}

func TestScheduler_RunOncePropagatesErrorAndReleases(t *testing.T) {
	s := New(lock.NewMemoryLocker())
	boom := errors.New("boom")
	calls := 0
	s.Register(Job{Name: "failing", Interval: time.Hour, Run: func(context.Context) error {
		calls++
		return boom
	}})

	assert.ErrorIs(t, s.RunOnce(context.Background(), "failing"), boom)
	assert.ErrorIs(t, s.RunOnce(context.Background(), "failing"), boom)
	assert.Equal(t, 2, calls)

	assert.Error(t, s.RunOnce(context.Background(), "missing"))
}

func TestScheduler_StartTicks(t *testing.T) {
	s := New(lock.NewMemoryLocker())
	var runs atomic.Int32
	s.Register(Job{Name: "tick", Interval: 5 * time.Millisecond, Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
}
