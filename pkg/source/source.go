// Package source implements the per-camera Source Handle (§3/§4.A): the
// single shared RTSP connection for a camera, fanned out non-blockingly to
// every attached session branch plus one privileged, non-dropping recorder
// branch. Grounded on other_examples/45cf41ac_alxayo-rtmp-go__internal-
// rtmp-server-registry.go.go's Stream/Subscriber fan-out (RLock-snapshot-
// then-iterate, per-subscriber non-blocking send) and the teacher's
// pkg/bridge/pacer.go queue-depth/catch-up concept.
package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/rtsp"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// releaseGrace is the bounded window the transport task is kept alive after
// the last session detaches, per §3's "refcount reaches zero... stopped
// within a bounded grace (<= 5s)" — allowing a near-simultaneous re-attach
// (e.g. a page reload) to reuse the same upstream connection.
const releaseGrace = 5 * time.Second

// branchBufferDepth bounds how far a slow consumer may lag before its
// queued non-keyframe access units start getting evicted to make room.
const branchBufferDepth = 32

// minKeyframeInterval is the floor for "deliver a keyframe at least this
// often" even if the source's actual GOP length is shorter, per §4.A's
// "max(gop_duration, 2s)" rule.
const minKeyframeInterval = 2 * time.Second

// Branch is one consumer's fan-out queue. Live (non-privileged) branches
// drop non-keyframe access units under backpressure but always make room
// for the next keyframe; the recorder branch never drops.
type Branch struct {
	id          string
	ch          chan h264.AccessUnit
	privileged  bool
	gopDuration time.Duration
	lastSent    time.Time
}

// C returns the branch's delivery channel for the consumer to range over.
func (b *Branch) C() <-chan h264.AccessUnit { return b.ch }

// Handle is the shared source for one camera: one upstream RTSP connection,
// refcounted by attached branches, fanned out to each. At most one Handle
// exists per camera_id across the process (enforced by
// signaling.Service.findOrCreateSource, which constructs Handles and
// registers them with the registry), per §4.A's "single upstream per
// camera" rule.
type Handle struct {
	CameraID string
	logger   *slog.Logger

	mu       sync.Mutex
	refcount int
	branches map[string]*Branch
	recorder *Branch

	cancel       context.CancelFunc
	releaseTimer *time.Timer
	stopped      bool

	// onIdle is invoked once the release grace elapses with no re-attach,
	// so the owning registry can remove this Handle from its index.
	onIdle func()

	// onFatal is invoked once, with the triggering error, when the
	// upstream RTSP source fails terminally (AuthFailed) rather than
	// reconnecting — per §4.A/§7, the caller is responsible for closing
	// every peer attached to this camera.
	onFatal func(error)

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
}

// New creates a Handle and starts its RTSP source loop in the background.
// The caller must call Attach at least once before relying on refcount
// semantics; New itself does not count as an attachment. onReconnect, if
// non-nil, is invoked whenever the source resumes a dropped connection
// (§4.G trigger (c): "transport source reconnects").
func New(ctx context.Context, cameraID, rtspURL string, logger *slog.Logger, onIdle func(), onFatal func(error), onReconnect func()) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		CameraID: cameraID,
		logger:   logger,
		branches: make(map[string]*Branch),
		cancel:   cancel,
		onIdle:   onIdle,
		onFatal:  onFatal,
		ready:    make(chan struct{}),
	}

	src := rtsp.NewSource(rtspURL, logger)
	src.OnAccessUnit = func(au h264.AccessUnit) {
		h.signalReady(nil)
		h.dispatch(au)
	}
	src.OnReconnecting = onReconnect

	go func() {
		err := src.Run(runCtx)
		if runCtx.Err() != nil {
			return
		}
		if err == nil {
			return
		}
		logger.Error("rtsp source exited unexpectedly", "camera_id", cameraID, "error", err)
		h.signalReady(err)
		h.closeAll(err)
	}()

	return h
}

// signalReady records the outcome of the source's first connect attempt,
// unblocking any WaitConnected caller. Only the first call has any effect.
func (h *Handle) signalReady(err error) {
	h.readyOnce.Do(func() {
		h.readyErr = err
		close(h.ready)
	})
}

// WaitConnected blocks until the source's first access unit arrives or a
// terminal source error occurs, bounded by ctx — callers pass a context
// scoped to the RTSP connect timeout (§5). A shared Handle that has
// already connected returns immediately. Per §7's "if raced with open:
// 500 to that opener, no session", a non-nil return means the opener
// should fail rather than hand back a session.
func (h *Handle) WaitConnected(ctx context.Context) error {
	select {
	case <-h.ready:
		return h.readyErr
	case <-ctx.Done():
		return vmserrors.New(vmserrors.ConnectFailed, "rtsp connect timed out")
	}
}

// MarkConnectedForTest signals that the source has connected, for tests
// outside this package that need a Handle past WaitConnected without a
// real RTSP server.
func (h *Handle) MarkConnectedForTest() {
	h.signalReady(nil)
}

// closeAll closes every attached branch (including the recorder) and
// notifies onFatal, for a terminal upstream error (§4.A/§7's AuthFailed:
// "propagate to all attached peers and close them") rather than the usual
// reconnect-with-backoff path.
func (h *Handle) closeAll(err error) {
	h.mu.Lock()
	branches := h.branches
	h.branches = make(map[string]*Branch)
	recorder := h.recorder
	h.recorder = nil
	h.stopped = true
	h.mu.Unlock()

	for _, b := range branches {
		close(b.ch)
	}
	if recorder != nil {
		close(recorder.ch)
	}

	h.cancel()
	if h.onIdle != nil {
		h.onIdle()
	}
	if h.onFatal != nil {
		h.onFatal(err)
	}
}

// Attach registers a new fan-out branch and bumps the refcount, cancelling
// any pending release timer. id should be unique per session (e.g. the peer
// ID) so Detach can target the right branch.
func (h *Handle) Attach(id string) *Branch {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.releaseTimer != nil {
		h.releaseTimer.Stop()
		h.releaseTimer = nil
	}

	b := &Branch{id: id, ch: make(chan h264.AccessUnit, branchBufferDepth), gopDuration: minKeyframeInterval}
	h.branches[id] = b
	h.refcount++
	return b
}

// AttachRecorder registers the single privileged, non-dropping branch. It
// is idempotent: a second call replaces the previous recorder branch
// without changing refcount (the recorder is not counted as a session).
func (h *Handle) AttachRecorder() *Branch {
	h.mu.Lock()
	defer h.mu.Unlock()

	b := &Branch{id: "recorder", ch: make(chan h264.AccessUnit, branchBufferDepth), privileged: true}
	h.recorder = b
	return b
}

// Detach removes a branch and decrements the refcount. When refcount
// reaches zero, the transport task is scheduled to stop after releaseGrace
// unless a new Attach arrives first.
func (h *Handle) Detach(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if b, ok := h.branches[id]; ok {
		close(b.ch)
		delete(h.branches, id)
		h.refcount--
	}

	if h.refcount <= 0 && !h.stopped {
		h.releaseTimer = time.AfterFunc(releaseGrace, h.release)
	}
}

func (h *Handle) release() {
	h.mu.Lock()
	if h.refcount > 0 || h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	h.mu.Unlock()

	h.cancel()
	if h.onIdle != nil {
		h.onIdle()
	}
}

// Refcount returns the number of attached (non-recorder) branches.
func (h *Handle) Refcount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refcount
}

// dispatch fans one access unit out to every branch. Live branches drop
// non-keyframe units when their buffer is full, but evict a queued item to
// make room for a keyframe rather than drop it — guaranteeing a keyframe
// reaches every consumer at least once per minKeyframeInterval. The
// recorder branch blocks instead of dropping, per §4.A: "the recording
// consumer is privileged... if the writer blocks, the live consumers
// absorb the backpressure" (they already tolerate drops; the dispatch loop
// itself may stall briefly on the recorder, which only delays, never loses,
// live delivery since drops there are already expected).
func (h *Handle) dispatch(au h264.AccessUnit) {
	h.mu.Lock()
	branches := make([]*Branch, 0, len(h.branches))
	for _, b := range h.branches {
		branches = append(branches, b)
	}
	recorder := h.recorder
	h.mu.Unlock()

	for _, b := range branches {
		sendLive(b, au)
	}

	if recorder != nil {
		recorder.ch <- au
	}
}

func sendLive(b *Branch, au h264.AccessUnit) {
	select {
	case b.ch <- au:
		if au.Keyframe {
			b.lastSent = time.Now()
		}
		return
	default:
	}

	if !au.Keyframe {
		return
	}

	// Buffer full and this is a keyframe: evict the oldest queued unit to
	// guarantee the keyframe still gets through.
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- au:
		b.lastSent = time.Now()
	default:
	}
}
