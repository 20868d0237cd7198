package pump

import (
	"time"

	"github.com/ethan/vms-streaming-core/pkg/h264"
)

// videoClockRate is H.264 RTP's standard clock rate, used to convert a
// timestamp delta between access units into a wall-clock delay.
const videoClockRate = 90000

// catchupThreshold and catchupSpeedMultiplier let the pacer drain a
// backlog faster than real time rather than accumulate unbounded lag, and
// maxPacketDelay caps the wait on a bogus timestamp jump. Grounded on the
// teacher's pkg/bridge/pacer.go leaky-bucket pacer, trimmed to one
// (video-only) track and to access-unit granularity now that packetization
// happens downstream in this same package.
const (
	catchupThreshold       = 5
	catchupSpeedMultiplier = 1.1
	maxPacketDelay         = 200 * time.Millisecond
)

// pacer smooths a branch's delivery against its RTP timestamps, absorbing
// the bursts RTSP-over-TCP delivery produces (a full GOP can arrive in one
// TCP read) so the downstream peer receives roughly real-time video
// instead of a burst-then-stall pattern.
type pacer struct {
	have    bool
	lastTS  uint32
	lastAt  time.Time
}

// delay returns how long to wait before sending au, given queueDepth
// access units already buffered behind it in the branch channel.
func (p *pacer) delay(au h264.AccessUnit, queueDepth int) time.Duration {
	if !p.have {
		p.have = true
		p.lastTS = au.Timestamp
		p.lastAt = time.Now()
		return 0
	}

	deltaTicks := int64(au.Timestamp) - int64(p.lastTS)
	wait := time.Duration(deltaTicks) * time.Second / videoClockRate

	if queueDepth >= catchupThreshold {
		wait = time.Duration(float64(wait) / catchupSpeedMultiplier)
	}
	if wait > maxPacketDelay {
		wait = maxPacketDelay
	}
	if wait < 0 {
		wait = 0
	}

	p.lastTS = au.Timestamp
	p.lastAt = time.Now()
	return wait
}
