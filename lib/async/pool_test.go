package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/bfxstream/errs"
)

func TestNewPoolRequiresWorkers(t *testing.T) {
	_, err := NewPool(Config{Workers: 0})
	require.Error(t, err)
}

func TestSubmitRunsTasks(t *testing.T) {
	p, err := NewPool(Config{Name: "test", Workers: 2, Queue: 8})
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.Equal(t, int32(5), ran.Load())
}

func TestSubmitRejectsWhenFull(t *testing.T) {
	p, err := NewPool(Config{Workers: 1, Queue: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { return nil }))

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errors.Is(err, errs.ErrCapacityExceeded))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitWithoutQueueAcceptsOneTaskPerWorker(t *testing.T) {
	p, err := NewPool(Config{Workers: 2})
	require.NoError(t, err)

	release := make(chan struct{})
	var ran atomic.Int32
	block := func(context.Context) error {
		<-release
		ran.Add(1)
		return nil
	}
	require.NoError(t, p.Submit(context.Background(), block))
	require.NoError(t, p.Submit(context.Background(), block))
	err = p.Submit(context.Background(), block)
	require.True(t, errors.Is(err, errs.ErrCapacityExceeded))

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	require.Equal(t, int32(2), ran.Load())

	p, err = NewPool(Config{Workers: 1})
	require.NoError(t, err)
	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}))
	<-done
	require.Eventually(t, func() bool {
		return p.Submit(context.Background(), func(context.Context) error { return nil }) == nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSubmitAfterClose(t *testing.T) {
	p, err := NewPool(Config{Workers: 1})
	require.NoError(t, err)
	p.Close()
	p.Close()

	err = p.Submit(context.Background(), func(context.Context) error { return nil })
	require.True(t, errors.Is(err, errs.ErrSessionClosed))
}

func TestPanickingTaskKeepsWorker(t *testing.T) {
	p, err := NewPool(Config{Workers: 1, Queue: 2})
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error { panic("boom") }))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		close(done)
		return nil
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker died after panic")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestShutdownCancelsRunningTasksOnTimeout(t *testing.T) {
	p, err := NewPool(Config{Workers: 1})
	require.NoError(t, err)

	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, p.Shutdown(ctx))
}
