// Package webrtcpeer implements the Peer Connection component (§4.C): a
// single sendonly H.264 video track answering a browser's SDP offer
// locally (no SFU hop), with an RTCP reader that watches for
// PLI/FullIntraRequest keyframe requests. Grounded on the teacher's
// pkg/bridge/bridge.go, adapted from a Cloudflare-proxy bridge (offer to
// Cloudflare, answer from Cloudflare) into a local answerer (offer from the
// browser, answer generated here).
package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// h264FmtpLine is the fmtp negotiated for the video m-line, matching the
// baseline profile this project's cameras are assumed to emit (§4.C/§6).
const h264FmtpLine = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"

// Peer wraps one browser-facing PeerConnection: a single sendonly video
// track plus the plumbing to answer an offer and watch RTCP feedback.
type Peer struct {
	logger *slog.Logger
	pc     *webrtc.PeerConnection

	videoTrack *webrtc.TrackLocalStaticRTP
	sender     *webrtc.RTPSender

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connStateMu     sync.RWMutex
	cachedConnState webrtc.PeerConnectionState

	// OnKeyframeRequest fires whenever the browser sends a PLI or FIR,
	// per §4.C's "force next keyframe through" rule (EXPANSION 3).
	OnKeyframeRequest func()
}

// newAPI builds a webrtc.API with an explicit MediaEngine (H.264 video
// only), an explicit interceptor.Registry (NACK + receiver reports), and a
// SettingEngine restricted to UDP4 candidates — no TURN, per §4.C/§9's
// "TURN is not used (internal deployments)".
func newAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: h264FmtpLine,
		},
		PayloadType: h264.H264PayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register H264 codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetNetworkTypes([]ice.NetworkType{ice.NetworkTypeUDP4})

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// New creates a Peer with a fresh sendonly video track, ready to receive an
// offer via Answer. stunServer may be empty to disable STUN entirely.
func New(ctx context.Context, peerID, stunServer string, logger *slog.Logger) (*Peer, error) {
	api, err := newAPI()
	if err != nil {
		return nil, vmserrors.Wrap(vmserrors.StreamStartFailed, "build webrtc api", err)
	}

	config := webrtc.Configuration{}
	if stunServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{stunServer}}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, vmserrors.Wrap(vmserrors.StreamStartFailed, "create peer connection", err)
	}

	peerCtx, cancel := context.WithCancel(ctx)
	p := &Peer{
		logger:          logger.With("peer_id", peerID),
		pc:              pc,
		ctx:             peerCtx,
		cancel:          cancel,
		cachedConnState: webrtc.PeerConnectionStateNew,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.connStateMu.Lock()
		p.cachedConnState = state
		p.connStateMu.Unlock()
		p.logger.Info("peer connection state changed", "state", state.String())
	})

	videoTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		"video", peerID,
	)
	if err != nil {
		_ = pc.Close()
		cancel()
		return nil, vmserrors.Wrap(vmserrors.StreamStartFailed, "create video track", err)
	}
	p.videoTrack = videoTrack

	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		_ = pc.Close()
		cancel()
		return nil, vmserrors.Wrap(vmserrors.StreamStartFailed, "add video track", err)
	}
	p.sender = sender

	p.startRTCPReader()
	return p, nil
}

// Answer applies offerSDP as the remote description, waits for ICE
// gathering to complete (no trickle, per the Open Question decision in
// DESIGN.md), and returns the local SDP answer.
func (p *Peer) Answer(ctx context.Context, offerSDP string) (string, error) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", vmserrors.Wrap(vmserrors.SdpInvalid, "set remote description", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", vmserrors.Wrap(vmserrors.SdpInvalid, "create answer", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", vmserrors.Wrap(vmserrors.StreamStartFailed, "set local description", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", vmserrors.New(vmserrors.StreamStartFailed, "ICE gathering timed out")
	case <-ctx.Done():
		return "", ctx.Err()
	}

	return p.pc.LocalDescription().SDP, nil
}

// Track exposes the underlying local track so the Track Pump can write
// packets to it directly.
func (p *Peer) Track() *webrtc.TrackLocalStaticRTP { return p.videoTrack }

// ConnectionState returns the cached connection state without blocking on
// the PeerConnection's internal lock.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.connStateMu.RLock()
	defer p.connStateMu.RUnlock()
	return p.cachedConnState
}

func (p *Peer) startRTCPReader() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			packets, _, err := p.sender.ReadRTCP()
			if err != nil {
				select {
				case <-p.ctx.Done():
				default:
					p.logger.Debug("rtcp reader stopped", "error", err)
				}
				return
			}

			for _, pkt := range packets {
				switch v := pkt.(type) {
				case *rtcp.PictureLossIndication:
					p.logger.Debug("PLI received, requesting keyframe", "media_ssrc", v.MediaSSRC)
					if p.OnKeyframeRequest != nil {
						p.OnKeyframeRequest()
					}
				case *rtcp.FullIntraRequest:
					p.logger.Debug("FIR received, requesting keyframe", "media_ssrc", v.MediaSSRC)
					if p.OnKeyframeRequest != nil {
						p.OnKeyframeRequest()
					}
				}
			}
		}
	}()
}

// Close tears down the peer connection and waits for the RTCP reader to
// exit.
func (p *Peer) Close() error {
	p.cancel()
	err := p.pc.Close()
	p.wg.Wait()
	return err
}
