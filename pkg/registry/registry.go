// Package registry implements the Session Registry (§4.E): the table of
// active peer sessions keyed by peer_id, a secondary camera_id index for
// source-sharing decisions, and a TTL sweeper. Grounded on
// other_examples/45cf41ac_alxayo-rtmp-go__internal-rtmp-server-registry.go.go's
// sync.RWMutex-guarded map with double-checked-locking find-or-create.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/source"
)

// State is a session's lifecycle stage, per §3's
// "Negotiating, Active, Closing, Dead".
type State int

const (
	StateNegotiating State = iota
	StateActive
	StateClosing
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is one peer session's registry-owned bookkeeping. Teardown
// (closing the peer connection, cancelling the pump, decrementing the
// source refcount) is the caller's responsibility; Teardown, if set, is
// invoked once by Close, sweep or DrainAll so the registry can trigger it
// without importing the webrtc/pump/source packages directly. Remove does
// not invoke it.
type Session struct {
	PeerID    string
	CameraID  string
	CreatedAt time.Time
	ExpiresAt time.Time
	State     State

	mu       sync.Mutex
	Teardown func()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.State = state
	s.mu.Unlock()
}

func (s *Session) getState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.State
}

// Registry is the process-wide table of active sessions. It also owns the
// camera_id -> shared source.Handle index (§4.E's find_source), so that
// operation is served by the same lock that guards session bookkeeping
// instead of a second, independently-synchronized map in pkg/signaling.
type Registry struct {
	logger *slog.Logger

	mu           sync.RWMutex
	byPeer       map[string]*Session
	byCamera     map[string][]*Session
	sources      map[string]*source.Handle
	sweepStop    chan struct{}
	sweepStopped chan struct{}
}

// New creates an empty Registry and starts its periodic sweeper.
func New(sweepInterval time.Duration, logger *slog.Logger) *Registry {
	r := &Registry{
		logger:       logger,
		byPeer:       make(map[string]*Session),
		byCamera:     make(map[string][]*Session),
		sources:      make(map[string]*source.Handle),
		sweepStop:    make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}

	go r.sweepLoop(sweepInterval)
	return r
}

// Insert adds session under its peer_id. Inserting a duplicate peer_id is a
// caller bug (§4.E: "unique peer_id; duplicate id is a bug") and panics,
// matching the teacher's registry's treatment of invariant violations as
// programmer error rather than a recoverable condition.
func (r *Registry) Insert(s *Session) {
	r.mu.Lock()
	if _, exists := r.byPeer[s.PeerID]; exists {
		r.mu.Unlock()
		panic("registry: duplicate peer_id inserted: " + s.PeerID)
	}
	r.byPeer[s.PeerID] = s
	r.byCamera[s.CameraID] = append(r.byCamera[s.CameraID], s)
	r.mu.Unlock()

	r.sweepOnce(time.Now())
}

// GetByPeer returns the session for peerID, or nil if absent or expired.
func (r *Registry) GetByPeer(peerID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byPeer[peerID]
	if !ok {
		return nil
	}
	if time.Now().After(s.ExpiresAt) || s.getState() == StateDead {
		return nil
	}
	return s
}

// FindSource returns the shared source.Handle for cameraID, if one is
// currently registered, per §4.E's "find_source(camera_id) ... callers bump
// refcount under the registry's lock".
func (r *Registry) FindSource(cameraID string) (*source.Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sources[cameraID]
	return h, ok
}

// RegisterSource records h as cameraID's shared source handle. The caller
// must hold no other lock that could deadlock against a concurrent
// UnregisterSource.
func (r *Registry) RegisterSource(cameraID string, h *source.Handle) {
	r.mu.Lock()
	r.sources[cameraID] = h
	r.mu.Unlock()
}

// UnregisterSource removes cameraID's shared source handle, so the next
// FindSource miss causes a fresh one to be created.
func (r *Registry) UnregisterSource(cameraID string) {
	r.mu.Lock()
	delete(r.sources, cameraID)
	r.mu.Unlock()
}

// Remove deletes peerID's entry. The caller must already have begun
// tearing down the underlying peer connection and pump, per §4.E.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(peerID)
}

func (r *Registry) removeLocked(peerID string) {
	s, ok := r.byPeer[peerID]
	if !ok {
		return
	}
	delete(r.byPeer, peerID)

	peers := r.byCamera[s.CameraID]
	for i, candidate := range peers {
		if candidate.PeerID == peerID {
			last := len(peers) - 1
			peers[i] = peers[last]
			peers = peers[:last]
			break
		}
	}
	if len(peers) == 0 {
		delete(r.byCamera, s.CameraID)
	} else {
		r.byCamera[s.CameraID] = peers
	}
}

// Close marks peerID's session Dead, removes it, and invokes its Teardown
// callback, per §4.D/§7's TrackWriteFailed contract: "the pump transitions
// the session to Closing; registry will sweep". A write failure is
// immediate and certain rather than a TTL expiry, so this drives the
// removal directly instead of waiting for the next sweep tick. A peer_id
// with no live session (already removed) is a no-op.
func (r *Registry) Close(peerID string) {
	r.mu.Lock()
	s, ok := r.byPeer[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	s.setState(StateClosing)
	s.setState(StateDead)
	r.removeLocked(peerID)
	r.mu.Unlock()

	if s.Teardown != nil {
		s.Teardown()
	}
}

// sweepOnce removes every session expired or dead as of now, invoking its
// Teardown callback (if set) after releasing the registry lock — per §4's
// concurrency note: "peer creation and source startup happen outside the
// lock".
func (r *Registry) sweepOnce(now time.Time) {
	r.mu.Lock()
	var toTeardown []*Session
	for peerID, s := range r.byPeer {
		if now.After(s.ExpiresAt) || s.getState() == StateDead {
			toTeardown = append(toTeardown, s)
			r.removeLocked(peerID)
		}
	}
	r.mu.Unlock()

	for _, s := range toTeardown {
		r.logger.Info("sweeping session", "peer_id", s.PeerID, "camera_id", s.CameraID)
		if s.Teardown != nil {
			s.Teardown()
		}
	}
}

func (r *Registry) sweepLoop(interval time.Duration) {
	defer close(r.sweepStopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.sweepStop:
			return
		case now := <-ticker.C:
			r.sweepOnce(now)
		}
	}
}

// Stop halts the periodic sweeper and waits for it to exit.
func (r *Registry) Stop() {
	close(r.sweepStop)
	<-r.sweepStopped
}

// Count returns the number of sessions in the table, for diagnostics and
// tests. Expired or dead sessions that have not been swept yet are
// included.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}

// DrainAll force-tears-down every remaining session, for shutdown once a
// drain window has elapsed and sessions that were going to close on their
// own have had their chance.
func (r *Registry) DrainAll() {
	r.mu.Lock()
	var toTeardown []*Session
	for peerID, s := range r.byPeer {
		toTeardown = append(toTeardown, s)
		r.removeLocked(peerID)
	}
	r.mu.Unlock()

	for _, s := range toTeardown {
		if s.Teardown != nil {
			s.Teardown()
		}
	}
}
