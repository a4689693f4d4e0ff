// src/jobs/queue_test.go
package jobs

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/clearledger/src/logger"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func TestQueueProcessesPublishedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := make(map[int64]bool)
	done := make(chan struct{}, 3)

	queue := NewQueue(2, 8)
	require.NoError(t, queue.Start(ctx, func(ctx context.Context, jobID int64) error {
		mu.Lock()
		seen[jobID] = true
		mu.Unlock()
		done <- struct{}{}
		return nil
	}))

	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, queue.Publish(ctx, id))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]bool{1: true, 2: true, 3: true}, seen)
}

func TestQueueRejectsPublishAfterStop(t *testing.T) {
	ctx := context.Background()
	queue := NewQueue(1, 1)
	require.NoError(t, queue.Start(ctx, func(ctx context.Context, jobID int64) error { return nil }))

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, queue.Stop(stopCtx))

	assert.Error(t, queue.Publish(ctx, 42))
	// Stopping twice is a no-op.
	assert.NoError(t, queue.Stop(stopCtx))
}
