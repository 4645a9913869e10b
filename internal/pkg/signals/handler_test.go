package signals

import (
	"context"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raise(t *testing.T, sig os.Signal) {
	t.Helper()
	proc, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, proc.Signal(sig))
}

func TestSetupHandler_CancelsContextOnSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := SetupHandler(ctx, cancel, nil)
	defer cleanup()

	raise(t, syscall.SIGTERM)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context was not cancelled after signal")
	}
}

func TestSetupHandler_SecondSignalForces(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forced := make(chan struct{})
	cleanup := SetupHandler(ctx, cancel, func() { close(forced) })
	defer cleanup()

	raise(t, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Context was not cancelled after signal")
	}

	raise(t, syscall.SIGTERM)
	select {
	case <-forced:
	case <-time.After(time.Second):
		t.Fatal("Second signal did not force exit")
	}
}

func TestSetupHandler_CleansUpOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var forced atomic.Bool
	cleanup := SetupHandler(ctx, cancel, func() { forced.Store(true) })
	cancel()

	// Returns once the handler goroutine has exited.
	cleanup()
	assert.False(t, forced.Load())
}

func TestSetupHandler_CleanupWithoutSignal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanup := SetupHandler(ctx, cancel, nil)
	cleanup()
	assert.NoError(t, ctx.Err())
}
