package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleInitialState(t *testing.T) {
	h := NewHandle()
	assert.Equal(t, "running", h.State())
	require.NoError(t, h.checkpoint(context.Background()))
}

func TestHandlePauseResume(t *testing.T) {
	h := NewHandle()

	require.True(t, h.Pause())
	assert.Equal(t, "paused", h.State())
	assert.False(t, h.Pause(), "second pause is a no-op")

	released := make(chan error, 1)
	go func() { released <- h.checkpoint(context.Background()) }()

	select {
	case err := <-released:
		t.Fatalf("checkpoint returned %v while paused", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.True(t, h.Resume())
	select {
	case err := <-released:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not release after resume")
	}

	assert.Equal(t, "running", h.State())
	assert.False(t, h.Resume(), "resume without a pause is a no-op")
}

func TestHandleStop(t *testing.T) {
	h := NewHandle()

	h.Stop()
	assert.Equal(t, "stopping", h.State())
	assert.ErrorIs(t, h.checkpoint(context.Background()), ErrStopped)

	h.Stop() // idempotent
	assert.False(t, h.Pause(), "pause after stop is refused")
	assert.False(t, h.Resume(), "resume after stop is refused")
}

func TestHandleStopWakesPausedRun(t *testing.T) {
	h := NewHandle()
	require.True(t, h.Pause())

	released := make(chan error, 1)
	go func() { released <- h.checkpoint(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case err := <-released:
		assert.ErrorIs(t, err, ErrStopped)
	case <-time.After(time.Second):
		t.Fatal("checkpoint did not release after stop")
	}
}

func TestHandleCheckpointHonorsContext(t *testing.T) {
	h := NewHandle()
	require.True(t, h.Pause())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.checkpoint(ctx), context.Canceled)
}
