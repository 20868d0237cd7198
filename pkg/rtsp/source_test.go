package rtsp

import (
	"errors"
	"testing"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

func TestJitterWithinBounds(t *testing.T) {
	d := 4 * time.Second
	for i := 0; i < 200; i++ {
		got := jitter(d)
		lo := time.Duration(float64(d) * (1 - jitterFrac))
		hi := time.Duration(float64(d) * (1 + jitterFrac))
		if got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, want within [%v, %v]", d, got, lo, hi)
		}
	}
}

func TestNewSourceDefaults(t *testing.T) {
	s := NewSource("rtsp://example.invalid/stream", nil)
	if s.rtspURL != "rtsp://example.invalid/stream" {
		t.Errorf("rtspURL = %q", s.rtspURL)
	}
	if s.limiter == nil {
		t.Error("limiter not initialized")
	}
}

func TestIsTerminalOnlyForAuthFailed(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"auth failed", vmserrors.New(vmserrors.AuthFailed, "bad credentials"), true},
		{"connect failed", vmserrors.New(vmserrors.ConnectFailed, "dial refused"), false},
		{"stream lost", vmserrors.New(vmserrors.StreamLost, "play interrupted"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, c := range cases {
		if got := isTerminal(c.err); got != c.want {
			t.Errorf("isTerminal(%s) = %v, want %v", c.name, got, c.want)
		}
	}
}
