package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/forensiclab/agent/internal/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasksAndReportsResults(t *testing.T) {
	var running, peak int32
	run := func(ctx context.Context, task lease.Task) error {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		if task.ID == "bad" {
			return errors.New("tool crashed")
		}
		return nil
	}

	p := NewPool(2, run, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	p.Start(ctx)

	results := make(map[lease.TaskID]error)
	done := make(chan struct{})
	go func() {
		for r := range p.Results() {
			results[r.TaskID] = r.Err
		}
		close(done)
	}()

	for _, id := range []lease.TaskID{"1", "2", "bad", "4", "5"} {
		require.NoError(t, p.Ready(ctx))
		p.Submit(lease.Task{ID: id})
	}
	require.NoError(t, p.Close())
	<-done

	assert.Len(t, results, 5)
	assert.Error(t, results["bad"])
	assert.NoError(t, results["1"])
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPoolReadyBlocksWhenFull(t *testing.T) {
	release := make(chan struct{})
	p := NewPool(1, func(ctx context.Context, task lease.Task) error {
		<-release
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	go func() {
		for range p.Results() {
		}
	}()

	require.NoError(t, p.Ready(ctx))
	p.Submit(lease.Task{ID: "1"})

	short, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, p.Ready(short), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Ready(ctx))
	p.Release()
	require.NoError(t, p.Close())
}

func TestPoolReturnsTasksQueuedAfterCancel(t *testing.T) {
	var ran int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := NewPool(1, func(ctx context.Context, task lease.Task) error {
		atomic.AddInt32(&ran, 1)
		started <- struct{}{}
		<-release
		return nil
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	results := make(chan Result, 4)
	go func() {
		for r := range p.Results() {
			results <- r
		}
		close(results)
	}()

	require.NoError(t, p.Ready(ctx))
	p.Submit(lease.Task{ID: "1"})
	<-started
	cancel()
	close(release)

	require.NoError(t, p.Ready(context.Background()))
	p.Submit(lease.Task{ID: "2", Storage: "vol"})
	require.NoError(t, p.Close())

	got := map[lease.TaskID]Result{}
	for r := range results {
		got[r.TaskID] = r
	}
	require.Len(t, got, 2)
	assert.NoError(t, got["1"].Err)
	assert.ErrorIs(t, got["2"].Err, ErrDropped)
	assert.ErrorIs(t, got["2"].Err, context.Canceled)
	assert.Equal(t, "vol", got["2"].Task.Storage, "the dropped task comes back whole")
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}
