package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPeriodic_RunOnce(t *testing.T) {
	boom := errors.New("boom")
	p := NewPeriodic("test", time.Hour, func(context.Context) error { return boom })
	require.ErrorIs(t, p.RunOnce(context.Background()), boom)
}

func TestPeriodic_StartStop(t *testing.T) {
	var runs atomic.Int32
	p := NewPeriodic("test", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return errors.New("keeps going")
	})

	p.Start(context.Background())
	p.Start(context.Background())
	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond,
		"task errors must not stop the worker")

	p.Stop()
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, after, runs.Load(), "no runs after Stop")

	p.Stop()
}

func TestPeriodic_ParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPeriodic("test", time.Millisecond, func(context.Context) error { return nil })
	p.Start(ctx)
	cancel()
	p.Stop()
}
