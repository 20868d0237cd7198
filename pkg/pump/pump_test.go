package pump

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

type fakeTrack struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (f *fakeTrack) WriteRTP(p *rtp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.packets = append(f.packets, p)
	return nil
}

func (f *fakeTrack) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets)
}

type failingTrack struct{}

func (failingTrack) WriteRTP(p *rtp.Packet) error {
	return errors.New("connection closed")
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func singleNALU(naluType byte, payload []byte) []byte {
	nalu := append([]byte{naluType}, payload...)
	length := uint32(len(nalu))
	return append([]byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}, nalu...)
}

func TestPumpWritesPacketizedAccessUnits(t *testing.T) {
	track := &fakeTrack{}
	p := New(track, discardLogger())

	branch := make(chan h264.AccessUnit, 2)
	branch <- h264.AccessUnit{Data: singleNALU(1, []byte{0xAA}), Timestamp: 1000}
	close(branch)

	ctx := context.Background()
	if err := p.Run(ctx, branch); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if track.count() != 1 {
		t.Fatalf("track received %d packets, want 1", track.count())
	}
}

func TestPumpDrainsAtMostOnePacketOnCancel(t *testing.T) {
	track := &fakeTrack{}
	p := New(track, discardLogger())

	branch := make(chan h264.AccessUnit, 4)
	branch <- h264.AccessUnit{Data: singleNALU(1, []byte{0xAA}), Timestamp: 1000}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Run(ctx, branch); err == nil {
		t.Fatal("Run should return ctx.Err() after cancellation")
	}

	time.Sleep(10 * time.Millisecond)
	if track.count() > 1 {
		t.Fatalf("track received %d packets after cancel, want at most 1", track.count())
	}
}

func TestPumpReturnsTrackWriteFailedAndFiresOnWriteFailed(t *testing.T) {
	p := New(failingTrack{}, discardLogger())

	var failed bool
	p.OnWriteFailed = func() { failed = true }

	branch := make(chan h264.AccessUnit, 1)
	branch <- h264.AccessUnit{Data: singleNALU(1, []byte{0xAA}), Timestamp: 1000}

	err := p.Run(context.Background(), branch)
	if !vmserrors.Is(err, vmserrors.TrackWriteFailed) {
		t.Fatalf("Run() = %v, want a TrackWriteFailed error", err)
	}
	if !failed {
		t.Error("OnWriteFailed was not invoked on a track write failure")
	}
}
