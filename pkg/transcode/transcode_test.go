package transcode

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrack struct {
	mu      sync.Mutex
	written []*rtp.Packet
}

func (f *fakeTrack) WriteRTP(p *rtp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p)
	return nil
}

func (f *fakeTrack) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestBuildCommandIncludesRTPPortAndBaselineProfile(t *testing.T) {
	p := New("cam-A", "rtsp://example.invalid/stream", &fakeTrack{}, discardLogger())
	cmd := p.buildCommand(context.Background(), 40000)

	foundPort := false
	foundProfile := false
	for i, arg := range cmd.Args {
		if arg == "rtp://127.0.0.1:40000?pkt_size=1200" {
			foundPort = true
		}
		if arg == "-profile:v" && i+1 < len(cmd.Args) && cmd.Args[i+1] == "baseline" {
			foundProfile = true
		}
	}
	if !foundPort {
		t.Fatal("expected ffmpeg args to target the bound loopback rtp port")
	}
	if !foundProfile {
		t.Fatal("expected ffmpeg args to request baseline H.264 profile")
	}
}

func TestRecvLoopForwardsValidPacketsAndSkipsGarbage(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer conn.Close()

	track := &fakeTrack{}
	p := New("cam-A", "rtsp://example.invalid/stream", track, discardLogger())

	done := make(chan error, 1)
	go func() { done <- p.recvLoop(conn) }()

	sender, err := net.DialUDP("udp4", nil, conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer sender.Close()

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, Timestamp: 1000},
		Payload: []byte{0x01, 0x02, 0x03},
	}
	raw, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	if _, err := sender.Write([]byte("not an rtp packet but long enough to not error")); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	if _, err := sender.Write(raw); err != nil {
		t.Fatalf("write packet: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for track.count() < 1 {
		select {
		case <-deadline:
			t.Fatal("expected at least one forwarded rtp packet")
		case <-time.After(10 * time.Millisecond):
		}
	}

	conn.Close()
	<-done
}
