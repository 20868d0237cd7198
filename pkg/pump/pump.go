// Package pump implements the Track Pump (§4.D): a per-session task that
// reads access units off a source fan-out branch, packetizes them, and
// writes the resulting RTP packets to a browser peer's local track.
// Grounded on the teacher's pkg/bridge/bridge.go writeVideoSampleDirect,
// pulled out of the bridge object into its own cancellable per-session
// task now that packetization lives in pkg/h264.
package pump

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// Track is the minimal surface the pump needs; webrtc.TrackLocalStaticRTP
// satisfies it.
type Track interface {
	WriteRTP(p *rtp.Packet) error
}

// Pump drains one fan-out branch and writes packetized RTP to one track.
// One Pump per session; Run blocks until its branch closes or ctx is
// cancelled.
type Pump struct {
	logger     *slog.Logger
	packetizer *h264.Packetizer
	track      Track
	pacer      pacer

	// OnWriteFailed is invoked once, the first time a track write fails.
	// §4.D/§7 treat a write error as peer-dead: "the pump transitions the
	// session to Closing and returns" — this is the hook the owning
	// session uses to do that transition and removal.
	OnWriteFailed func()
}

// New creates a Pump writing to track.
func New(track Track, logger *slog.Logger) *Pump {
	return &Pump{
		logger:     logger,
		packetizer: h264.NewPacketizer(),
		track:      track,
	}
}

// Run reads access units from branch until it closes or ctx is cancelled,
// pacing delivery against each access unit's RTP timestamp so a burst of
// buffered frames (e.g. after a TCP stall upstream) is smoothed back out
// rather than delivered to the peer all at once. On cancellation the pump
// drains at most one more already-buffered access unit, unpaced, before
// exiting, per §4.D's "drains at most one packet and exits cleanly,
// allowing the track to be dropped without dangling writes".
func (p *Pump) Run(ctx context.Context, branch <-chan h264.AccessUnit) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case au, ok := <-branch:
				if ok {
					p.writeAccessUnit(au)
				}
			default:
			}
			return ctx.Err()

		case au, ok := <-branch:
			if !ok {
				return nil
			}
			wait := p.pacer.delay(au, len(branch))
			if wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					p.writeAccessUnit(au)
					return ctx.Err()
				}
			}
			if !p.writeAccessUnit(au) {
				if p.OnWriteFailed != nil {
					p.OnWriteFailed()
				}
				return vmserrors.New(vmserrors.TrackWriteFailed, "rtp track write failed")
			}
		}
	}
}

// writeAccessUnit packetizes and writes au to the track. It reports false
// only on an actual track write failure (peer gone); a packetize failure
// is logged and otherwise ignored, since it reflects malformed upstream
// data rather than a dead peer.
func (p *Pump) writeAccessUnit(au h264.AccessUnit) bool {
	packets, err := p.packetizer.Packetize(au)
	if err != nil {
		p.logger.Warn("failed to packetize access unit", "error", err)
		return true
	}

	for _, pkt := range packets {
		if err := p.track.WriteRTP(pkt); err != nil {
			p.logger.Debug("track write failed (peer likely gone)", "error", err)
			return false
		}
	}
	return true
}
