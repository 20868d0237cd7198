package pump

import (
	"testing"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/h264"
)

func TestPacerFirstPacketHasNoDelay(t *testing.T) {
	var p pacer
	wait := p.delay(h264.AccessUnit{Timestamp: 1000}, 0)
	if wait != 0 {
		t.Fatalf("expected zero delay on first packet, got %v", wait)
	}
}

func TestPacerDelayTracksTimestampDelta(t *testing.T) {
	var p pacer
	p.delay(h264.AccessUnit{Timestamp: 0}, 0)

	// One 90kHz clock tick frame interval (3000 ticks ~ 33.3ms at 90kHz).
	wait := p.delay(h264.AccessUnit{Timestamp: 3000}, 0)
	if wait < 30*time.Millisecond || wait > 40*time.Millisecond {
		t.Fatalf("expected ~33ms delay, got %v", wait)
	}
}

func TestPacerCapsExcessiveDelay(t *testing.T) {
	var p pacer
	p.delay(h264.AccessUnit{Timestamp: 0}, 0)

	wait := p.delay(h264.AccessUnit{Timestamp: 9_000_000}, 0)
	if wait != maxPacketDelay {
		t.Fatalf("expected delay capped at %v, got %v", maxPacketDelay, wait)
	}
}

func TestPacerSpeedsUpUnderCatchupBacklog(t *testing.T) {
	var p pacer
	p.delay(h264.AccessUnit{Timestamp: 0}, 0)

	normal := (&pacer{have: true, lastTS: 0}).delay(h264.AccessUnit{Timestamp: 3000}, 0)
	catchup := (&pacer{have: true, lastTS: 0}).delay(h264.AccessUnit{Timestamp: 3000}, catchupThreshold)

	if catchup >= normal {
		t.Fatalf("expected catch-up delay (%v) to be shorter than normal delay (%v)", catchup, normal)
	}
}
