package source

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandle builds a Handle without starting a real RTSP source, for
// exercising Attach/Detach/dispatch in isolation.
func newTestHandle() *Handle {
	_, cancel := context.WithCancel(context.Background())
	return &Handle{
		CameraID: "cam-test",
		logger:   discardLogger(),
		branches: make(map[string]*Branch),
		cancel:   cancel,
		onIdle:   func() {},
		ready:    make(chan struct{}),
	}
}

func TestAttachDetachRefcount(t *testing.T) {
	h := newTestHandle()

	b1 := h.Attach("peer-1")
	if h.Refcount() != 1 {
		t.Fatalf("refcount = %d, want 1", h.Refcount())
	}

	h.Attach("peer-2")
	if h.Refcount() != 2 {
		t.Fatalf("refcount = %d, want 2", h.Refcount())
	}

	h.Detach("peer-1")
	if h.Refcount() != 1 {
		t.Fatalf("refcount after detach = %d, want 1", h.Refcount())
	}

	if _, ok := <-b1.ch; ok {
		t.Error("detached branch channel should be closed, not yielding a value")
	}
}

func TestDispatchDropsNonKeyframeUnderBackpressure(t *testing.T) {
	h := newTestHandle()
	b := h.Attach("peer-1")

	// Fill the branch buffer without draining it.
	for i := 0; i < branchBufferDepth+5; i++ {
		h.dispatch(h264.AccessUnit{Data: []byte{byte(i)}, Keyframe: false})
	}

	if len(b.ch) != branchBufferDepth {
		t.Fatalf("branch buffer len = %d, want full at %d", len(b.ch), branchBufferDepth)
	}
}

func TestDispatchAlwaysDeliversKeyframe(t *testing.T) {
	h := newTestHandle()
	b := h.Attach("peer-1")

	for i := 0; i < branchBufferDepth+5; i++ {
		h.dispatch(h264.AccessUnit{Data: []byte{byte(i)}, Keyframe: false})
	}

	h.dispatch(h264.AccessUnit{Data: []byte{0xFF}, Keyframe: true})

	var sawKeyframe bool
	for len(b.ch) > 0 {
		au := <-b.ch
		if au.Keyframe {
			sawKeyframe = true
		}
	}
	if !sawKeyframe {
		t.Error("keyframe was dropped instead of evicting a queued unit")
	}
}

func TestDetachSchedulesReleaseAfterGrace(t *testing.T) {
	released := make(chan struct{})
	_, cancel := context.WithCancel(context.Background())
	h := &Handle{
		CameraID: "cam-test",
		logger:   discardLogger(),
		branches: make(map[string]*Branch),
		cancel:   cancel,
		onIdle:   func() { close(released) },
		ready:    make(chan struct{}),
	}

	h.Attach("peer-1")
	h.Detach("peer-1")

	select {
	case <-released:
		t.Fatal("release fired before grace period elapsed")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitConnectedReturnsNilAfterFirstAccessUnit(t *testing.T) {
	h := newTestHandle()

	done := make(chan error, 1)
	go func() { done <- h.WaitConnected(context.Background()) }()

	h.signalReady(nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitConnected() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitConnected did not return after signalReady(nil)")
	}
}

func TestWaitConnectedTimesOutAsConnectFailed(t *testing.T) {
	h := newTestHandle()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := h.WaitConnected(ctx)
	if err == nil {
		t.Fatal("expected a timeout error, got nil")
	}
}

func TestCloseAllClosesBranchesAndInvokesOnFatal(t *testing.T) {
	h := newTestHandle()
	var fatalErr error
	h.onFatal = func(err error) { fatalErr = err }

	idleCalled := false
	h.onIdle = func() { idleCalled = true }

	b := h.Attach("peer-1")
	rec := h.AttachRecorder()

	wantErr := vmserrors.New(vmserrors.AuthFailed, "bad credentials")
	h.signalReady(wantErr)
	h.closeAll(wantErr)

	if _, ok := <-b.ch; ok {
		t.Error("attached branch channel should be closed after closeAll")
	}
	if _, ok := <-rec.ch; ok {
		t.Error("recorder branch channel should be closed after closeAll")
	}
	if fatalErr != wantErr {
		t.Errorf("onFatal called with %v, want %v", fatalErr, wantErr)
	}
	if !idleCalled {
		t.Error("onIdle was not invoked by closeAll")
	}

	if err := h.WaitConnected(context.Background()); err != wantErr {
		t.Errorf("WaitConnected() after closeAll = %v, want %v", err, wantErr)
	}
}
