// Package signaling implements the Signaling Endpoints (§4.F) and the
// session-creation orchestration they drive: looking up the camera
// catalog, sharing or creating the camera's source handle, standing up a
// Peer Connection and Track Pump, and inserting the result into the
// Session Registry. Grounded on the teacher's pkg/api/server.go for HTTP
// plumbing (middleware, graceful shutdown) and on §4.F's open/ice/close
// wire contract for the orchestration itself, which has no teacher analog
// (the teacher never receives an offer — it only sends one to Cloudflare).
package signaling

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethan/vms-streaming-core/pkg/catalog"
	"github.com/ethan/vms-streaming-core/pkg/pump"
	"github.com/ethan/vms-streaming-core/pkg/recorder"
	"github.com/ethan/vms-streaming-core/pkg/registry"
	"github.com/ethan/vms-streaming-core/pkg/source"
	"github.com/ethan/vms-streaming-core/pkg/transcode"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
	"github.com/ethan/vms-streaming-core/pkg/webrtcpeer"
)

// Config holds the tunables Service needs beyond its collaborators.
type Config struct {
	STUNServer         string
	SessionTTL         time.Duration
	RecordingRoot      string
	SegmentByteCap     int64
	RTSPConnectTimeout time.Duration
}

// peerSession bundles the live resources a Peer session owns, so Service
// can tear every one of them down in the order §3 requires. Exactly one of
// branch (direct depacketize-and-pump variant) or transcodePump (ffmpeg
// variant) is set, per the camera's codec_hint.
type peerSession struct {
	cameraID      string
	branch        *source.Branch
	transcodePump *transcode.Pump
	peer          *webrtcpeer.Peer
	cancel        context.CancelFunc
}

// Service implements §4.F's open/ice/close operations: the glue between
// the HTTP layer, the camera catalog, per-camera source handles, and the
// session registry.
type Service struct {
	cfg      Config
	catalog  catalog.Catalog
	registry *registry.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	peers map[string]*peerSession // peer_id -> live resources
}

// NewService wires a Service from its collaborators. The per-camera shared
// source.Handle index lives in reg (§4.E's find_source), not here.
func NewService(cfg Config, cat catalog.Catalog, reg *registry.Registry, logger *slog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		catalog:  cat,
		registry: reg,
		logger:   logger,
		peers:    make(map[string]*peerSession),
	}
}

// OfferResult is the wire-shaped result of Open.
type OfferResult struct {
	PeerID    string
	SDP       string
	ExpiresAt time.Time
	RTPPort   int // set only for the transcoded variant
}

// isNativeH264 reports whether hint names this project's directly-supported
// codec (H.264 via RTSP depacketization) as opposed to something ffmpeg
// must transcode first. An empty hint defaults to native, matching the
// common case of an H.264 RTSP camera with no catalog annotation needed.
func isNativeH264(hint string) bool {
	return hint == "" || strings.EqualFold(hint, "h264")
}

// Open implements §4.F's open(camera_id, sdp_offer): look up the camera,
// stand up a Peer Connection, and wire its track to either the shared
// per-camera RTSP source (native H.264 cameras) or a dedicated ffmpeg
// transcode (cameras whose catalog codec_hint names anything else), per
// this project's Supervisor-level variant selection. Idempotent on camera
// for the native path (a second open shares the upstream) but never on
// peer (always a fresh peer_id).
func (s *Service) Open(ctx context.Context, cameraID, offerSDP string) (*OfferResult, error) {
	desc, err := s.catalog.Lookup(cameraID)
	if err != nil {
		return nil, err
	}

	rtspURL, err := catalog.BuildRTSPURL(desc)
	if err != nil {
		return nil, vmserrors.Wrap(vmserrors.ConnectFailed, "build rtsp url", err)
	}

	peerID := uuid.New().String()

	peer, err := webrtcpeer.New(ctx, peerID, s.cfg.STUNServer, s.logger)
	if err != nil {
		return nil, err
	}

	answerSDP, err := peer.Answer(ctx, offerSDP)
	if err != nil {
		_ = peer.Close()
		return nil, err
	}

	var result *OfferResult
	if isNativeH264(desc.CodecHint) {
		result, err = s.openDirect(ctx, cameraID, rtspURL, peerID, peer)
	} else {
		result, err = s.openTranscoded(cameraID, rtspURL, peerID, peer)
	}
	if err != nil {
		_ = peer.Close()
		return nil, err
	}

	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	result.ExpiresAt = expiresAt
	result.PeerID = peerID
	result.SDP = answerSDP

	sess := &registry.Session{
		PeerID:    peerID,
		CameraID:  cameraID,
		CreatedAt: time.Now(),
		ExpiresAt: expiresAt,
		State:     registry.StateActive,
	}
	sess.Teardown = func() { s.teardown(peerID) }
	s.registry.Insert(sess)

	return result, nil
}

// attachAndWaitConnected attaches peerID to handle and blocks until the
// camera's first RTSP connect attempt resolves, bounded by
// cfg.RTSPConnectTimeout (§5's RTSP connect timeout). Per §7's "if raced
// with open: 500 to that opener, no session" for both ConnectFailed and
// AuthFailed, a failed or timed-out wait detaches the branch and returns
// the error instead of letting Open hand back a 200 for a camera that
// never actually connected.
func (s *Service) attachAndWaitConnected(ctx context.Context, handle *source.Handle, peerID string) (*source.Branch, error) {
	branch := handle.Attach(peerID)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.RTSPConnectTimeout)
	defer cancel()

	if err := handle.WaitConnected(waitCtx); err != nil {
		handle.Detach(peerID)
		return nil, err
	}
	return branch, nil
}

// openDirect wires peer to the camera's shared RTSP source via a fan-out
// branch and an in-process Track Pump, per §4.A-§4.D.
func (s *Service) openDirect(ctx context.Context, cameraID, rtspURL, peerID string, peer *webrtcpeer.Peer) (*OfferResult, error) {
	handle := s.findOrCreateSource(ctx, cameraID, rtspURL)
	branch, err := s.attachAndWaitConnected(ctx, handle, peerID)
	if err != nil {
		return nil, err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	trackPump := pump.New(peer.Track(), s.logger)
	trackPump.OnWriteFailed = func() { s.registry.Close(peerID) }
	peer.OnKeyframeRequest = func() {
		// Keyframe-forcing for live viewers rides the same mechanism as
		// §4.A's max(gop_duration, 2s) rule: the next keyframe off the
		// source always displaces queued P-frames in this branch (see
		// pkg/source's sendLive), so a PLI/FIR needs no separate signal
		// here beyond logging.
		s.logger.Debug("peer requested keyframe via RTCP", "peer_id", peerID)
	}

	go func() {
		if err := trackPump.Run(pumpCtx, branch.C()); err != nil {
			s.logger.Debug("track pump exited", "peer_id", peerID, "error", err)
		}
	}()

	ps := &peerSession{cameraID: cameraID, branch: branch, peer: peer, cancel: cancel}
	s.mu.Lock()
	s.peers[peerID] = ps
	s.mu.Unlock()

	return &OfferResult{}, nil
}

// openTranscoded wires peer to a dedicated ffmpeg RTSP-to-RTP transcode,
// for cameras whose codec_hint names something this core cannot
// depacketize directly. One ffmpeg process per peer: unlike the native
// path there is no shared upstream to fan out from, since ffmpeg's own
// RTP output already targets a single destination.
func (s *Service) openTranscoded(cameraID, rtspURL, peerID string, peer *webrtcpeer.Peer) (*OfferResult, error) {
	tp := transcode.New(cameraID, rtspURL, peer.Track(), s.logger)
	runCtx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := tp.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Warn("transcode pump exited", "peer_id", peerID, "camera_id", cameraID, "error", err)
		}
	}()
	// RTPPort is only valid once Run has bound its socket; give it a
	// moment before this offer response reports it.
	time.Sleep(50 * time.Millisecond)

	ps := &peerSession{cameraID: cameraID, transcodePump: tp, peer: peer, cancel: cancel}
	s.mu.Lock()
	s.peers[peerID] = ps
	s.mu.Unlock()

	return &OfferResult{RTPPort: tp.RTPPort()}, nil
}

// Ice applies no ICE state: this project negotiates with
// gathering-complete-before-answer (DESIGN.md's Open Question decision).
// It only checks that peerID is a live session and returns PeerNotFound
// otherwise. The HTTP ice handler does not call it; that endpoint accepts
// any well-formed candidate body with 200.
func (s *Service) Ice(peerID string) error {
	if s.registry.GetByPeer(peerID) == nil {
		return vmserrors.New(vmserrors.PeerNotFound, "peer not found")
	}
	return nil
}

// Stop implements §4.F's close(peer_id): idempotent teardown. A peer that
// never existed or has already been swept returns PeerNotFound, matching
// original_source's handle_stop (EXPANSION 3's "Peer expiry response
// shape" decision).
func (s *Service) Stop(peerID string) error {
	sess := s.registry.GetByPeer(peerID)
	if sess == nil {
		return vmserrors.New(vmserrors.PeerNotFound, "peer not found")
	}

	s.teardown(peerID)
	s.registry.Remove(peerID)
	return nil
}

// teardown releases one peer's resources in the order §3 requires:
// (1) signal the transport fan-out to decrement, (2) close the peer
// connection, (3) cancel the pump task. Registry removal is the caller's
// responsibility (Stop, or the registry's own sweep).
func (s *Service) teardown(peerID string) {
	s.mu.Lock()
	ps, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if handle, ok := s.registry.FindSource(ps.cameraID); ok {
		handle.Detach(peerID)
	}
	_ = ps.peer.Close()
	ps.cancel()
}

// closeSessionsForCamera tears down every session currently attached to
// cameraID, per §4.A/§7's AuthFailed contract: "propagate to all attached
// peers and close them" when the shared upstream fails terminally rather
// than reconnecting.
func (s *Service) closeSessionsForCamera(cameraID string, err error) {
	s.mu.Lock()
	var peerIDs []string
	for peerID, ps := range s.peers {
		if ps.cameraID == cameraID {
			peerIDs = append(peerIDs, peerID)
		}
	}
	s.mu.Unlock()

	if len(peerIDs) == 0 {
		return
	}
	s.logger.Warn("closing all sessions for camera after terminal source error",
		"camera_id", cameraID, "error", err, "peer_count", len(peerIDs))
	for _, peerID := range peerIDs {
		s.registry.Close(peerID)
	}
}

// findOrCreateSource returns the shared Handle for cameraID, creating one
// (with its attached recorder branch) if this is the first session for
// that camera, per §4.A's "single upstream per camera" rule. The handle
// itself is registered with s.registry (§4.E's find_source), not kept in a
// second, Service-local map.
func (s *Service) findOrCreateSource(ctx context.Context, cameraID, rtspURL string) *source.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.registry.FindSource(cameraID); ok {
		return h
	}

	rec := recorder.New(cameraID, s.cfg.RecordingRoot, s.cfg.SegmentByteCap, s.logger)

	h := source.New(context.Background(), cameraID, rtspURL, s.logger,
		func() { s.registry.UnregisterSource(cameraID) },
		func(err error) { s.closeSessionsForCamera(cameraID, err) },
		rec.MarkReconnected,
	)

	recorderBranch := h.AttachRecorder()
	go func() {
		for au := range recorderBranch.C() {
			rec.WriteAccessUnit(au)
		}
		_ = rec.Close()
	}()

	s.registry.RegisterSource(cameraID, h)
	return h
}
