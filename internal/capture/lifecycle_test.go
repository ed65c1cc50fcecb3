package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinator_NotSampled(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.percentage = 0
	h := newHarness(t, opts)

	assert.False(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	assert.Equal(t, StateStopped, h.coordinator.State())

	h.coordinator.Activity(ActivityClick)
	h.coordinator.VisibilityChanged(context.Background(), true)
	h.coordinator.Navigate(context.Background(), "https://shop.test/cart")
	h.coordinator.Unload(context.Background(), "pagehide")
	h.clock.Add(time.Hour)
	h.waitBeacons(t)

	starts, _ := h.recorder.counts()
	assert.Zero(t, starts)
	assert.Zero(t, h.uploader.presignCount())
	assert.Zero(t, h.server.hits.Load())
	select {
	case <-h.coordinator.Done():
	default:
		t.Fatal("coordinator should be done")
	}
}

func TestCoordinator_EagerFlushKeepsTimer(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.flush.MaxBufferBytes = 2 << 10
	opts.flush.MinDuration = 0
	h := newHarness(t, opts)
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	defer h.coordinator.Unload(context.Background(), "test")

	for i := 0; i < 40; i++ {
		h.recorder.Emit(numberedEvent(i, h.clock.Now()))
	}
	require.Eventually(t, func() bool {
		return h.uploader.presignCount() >= 1 && h.flush.Buffered() < 40
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.uploader.inFlight.Load() == 0 }, time.Second, 5*time.Millisecond)

	before := len(h.uploader.uploaded())
	h.emit(100, 1)
	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return len(h.uploader.uploaded()) > before }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRecording, h.coordinator.State())
}

func TestCoordinator_DiscardAfterPutFailures(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.uploader.failPut = func(int) bool { return true }
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))

	h.emit(0, 2)
	h.clock.Add(5 * time.Second)
	for i := 0; i < 3; i++ {
		_, _ = h.flush.Flush(context.Background())
	}

	assert.Equal(t, StateDiscarded, h.coordinator.State())
	assert.True(t, h.flush.Session().Discarded())
	_, stops := h.recorder.counts()
	assert.Equal(t, 1, stops)

	// healthy network afterwards produces no calls
	h.uploader.failPut = nil
	h.emit(2, 5)
	h.clock.Add(time.Minute)
	h.coordinator.VisibilityChanged(context.Background(), true)
	h.coordinator.Unload(context.Background(), "pagehide")
	h.waitBeacons(t)

	assert.Equal(t, 3, h.uploader.presignCount())
	assert.Equal(t, 3, h.uploader.putCount())
	assert.Empty(t, h.server.finalized())
	assert.Equal(t, StateDiscarded, h.coordinator.State())
}

func TestCoordinator_VisibilityHiddenFlushesOnly(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))

	h.emit(0, 2)
	h.clock.Set(h.clock.Now().Add(5 * time.Second))
	h.coordinator.VisibilityChanged(context.Background(), true)
	h.waitBeacons(t)

	assert.Equal(t, 1, h.uploader.presignCount())
	assert.Equal(t, 1, h.uploader.putCount())
	assert.Equal(t, []int{0, 1}, h.uploader.uploadedIDs(t))
	assert.Equal(t, StateRecording, h.coordinator.State())
	assert.Empty(t, h.server.finalized())

	h.coordinator.VisibilityChanged(context.Background(), false)
	assert.Equal(t, 1, h.uploader.presignCount())
}

func TestCoordinator_NavigateToBlacklisted(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.blacklist = []string{"/account/**"}
	h := newHarness(t, opts)
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))

	h.emit(0, 3)
	h.clock.Set(h.clock.Now().Add(5 * time.Second))
	h.coordinator.Navigate(context.Background(), "https://shop.test/account/settings")

	starts, stops := h.recorder.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateSuppressed, h.coordinator.State())
	assert.Equal(t, []int{0, 1, 2}, h.uploader.uploadedIDs(t))

	// a stopped recorder that still emits is ignored
	h.emit(3, 4)
	assert.Equal(t, 0, h.flush.Buffered())

	h.coordinator.Navigate(context.Background(), "https://shop.test/account/billing")
	starts, _ = h.recorder.counts()
	assert.Equal(t, 1, starts)

	h.coordinator.Navigate(context.Background(), "https://shop.test/products?id=4")
	starts, _ = h.recorder.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, StateRecording, h.coordinator.State())
	h.emit(10, 1)
	assert.Equal(t, 1, h.flush.Buffered())
}

func TestCoordinator_NavigateEmitsPageMarker(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))

	h.coordinator.Navigate(context.Background(), "https://shop.test/products")

	events, _ := h.flush.buffer.Drain()
	require.Len(t, events, 2)
	assert.Equal(t, EventCustom, events[0].Type)
	assert.JSONEq(t, `{"tag":"page-change","payload":{"href":"https://shop.test/products"}}`, string(events[0].Data))
	assert.Equal(t, EventFullSnapshot, events[1].Type)
	assert.Equal(t, StateRecording, h.coordinator.State())
}

func TestCoordinator_BlacklistedStartURL(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.blacklist = []string{"/checkout"}
	h := newHarness(t, opts)

	assert.True(t, h.coordinator.Start(context.Background(), "https://shop.test/checkout?step=2"))
	assert.Equal(t, StateSuppressed, h.coordinator.State())
	starts, _ := h.recorder.counts()
	assert.Zero(t, starts)

	h.coordinator.Navigate(context.Background(), "https://shop.test/")
	assert.Equal(t, StateRecording, h.coordinator.State())
}

func TestCoordinator_UnloadIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/?utm=1"))

	h.emit(0, 4)
	h.clock.Set(h.clock.Now().Add(5 * time.Second))

	h.coordinator.Unload(context.Background(), "beforeunload")
	h.coordinator.Unload(context.Background(), "pagehide")
	h.waitBeacons(t)

	assert.Equal(t, StateStopped, h.coordinator.State())
	assert.Equal(t, 1, h.uploader.presignCount())
	finalized := h.server.finalized()
	require.Len(t, finalized, 1)
	assert.Equal(t, "sess-1", finalized[0].SessionID)
	assert.Equal(t, "visitor-1", finalized[0].VisitorID)
	assert.Equal(t, int64(4), finalized[0].EventCount)
	assert.Equal(t, int64(1_700_000_000), finalized[0].StartedAt)
	assert.Equal(t, int64(1_700_000_005), finalized[0].EndedAt)
	assert.Equal(t, float64(100), finalized[0].SampleRate)
	assert.Equal(t, "https://shop.test/", finalized[0].StartURL)
}

func TestCoordinator_UnloadSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	h.emit(0, 2)
	h.clock.Set(h.clock.Now().Add(5 * time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.coordinator.Unload(ctx, "pagehide")
	h.waitBeacons(t)

	assert.Equal(t, 1, h.uploader.putCount())
	assert.Len(t, h.server.finalized(), 1)
}

func TestCoordinator_UnloadAfterHostCancelDuringTimerFlush(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.uploader.block = make(chan struct{})
	runCtx, cancel := context.WithCancel(context.Background())
	require.True(t, h.coordinator.Start(runCtx, "https://shop.test/"))

	h.emit(0, 3)
	h.clock.Add(10 * time.Second)
	require.Eventually(t, func() bool { return h.uploader.inFlight.Load() == 1 }, time.Second, 5*time.Millisecond)

	unloaded := make(chan struct{})
	go func() {
		defer close(unloaded)
		h.coordinator.Unload(runCtx, "shutdown")
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	close(h.uploader.block)
	<-unloaded
	h.waitBeacons(t)

	assert.Equal(t, []int{0, 1, 2}, h.uploader.uploadedIDs(t))
	assert.Equal(t, 0, h.flush.Buffered())
	finalized := h.server.finalized()
	require.Len(t, finalized, 1)
	assert.Equal(t, int64(3), finalized[0].EventCount)
}

func TestCoordinator_ShortSessionNotFinalized(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))

	h.emit(0, 3)
	h.clock.Set(h.clock.Now().Add(time.Second))
	h.coordinator.Unload(context.Background(), "pagehide")
	h.waitBeacons(t)

	assert.Zero(t, h.uploader.presignCount())
	assert.Empty(t, h.server.finalized())
}

func TestCoordinator_IdleCutoff(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.lifecycle.IdleCutoff = time.Minute
	h := newHarness(t, opts)
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	h.emit(0, 2)

	h.clock.Add(30 * time.Second)
	h.coordinator.Activity(ActivityScroll)
	h.clock.Add(45 * time.Second)
	assert.Equal(t, StateRecording, h.coordinator.State())

	h.clock.Add(20 * time.Second)
	select {
	case <-h.coordinator.Done():
	case <-time.After(time.Second):
		t.Fatal("idle cutoff did not stop the session")
	}
	h.waitBeacons(t)
	assert.Equal(t, StateStopped, h.coordinator.State())
	assert.Len(t, h.server.finalized(), 1)
}

func TestCoordinator_MaxDurationCutoff(t *testing.T) {
	opts := defaultHarnessOptions()
	opts.lifecycle.MaxDuration = 2 * time.Minute
	h := newHarness(t, opts)
	require.True(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	h.emit(0, 1)

	for i := 0; i < 5; i++ {
		h.clock.Add(30 * time.Second)
		h.coordinator.Activity(ActivityKey)
	}
	select {
	case <-h.coordinator.Done():
	case <-time.After(time.Second):
		t.Fatal("max duration cutoff did not stop the session")
	}
	h.waitBeacons(t)
	assert.Equal(t, StateStopped, h.coordinator.State())
}

func TestCoordinator_RecorderUnavailable(t *testing.T) {
	h := newHarness(t, defaultHarnessOptions())
	h.recorder.startErr = errors.New("no dom")

	assert.False(t, h.coordinator.Start(context.Background(), "https://shop.test/"))
	assert.Equal(t, StateStopped, h.coordinator.State())
	assert.Zero(t, h.uploader.presignCount())
}

func TestCoordinator_IgnoresUnknownActivity(t *testing.T) {
	assert.True(t, ActivityTouch.Valid())
	assert.False(t, ActivityKind("resize").Valid())
}
