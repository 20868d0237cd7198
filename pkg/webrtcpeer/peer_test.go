package webrtcpeer

import "testing"

func TestNewAPIRegistersH264Codec(t *testing.T) {
	api, err := newAPI()
	if err != nil {
		t.Fatalf("newAPI: %v", err)
	}
	if api == nil {
		t.Fatal("newAPI returned nil api")
	}
}

func TestH264FmtpLineMatchesBaselineProfile(t *testing.T) {
	want := "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	if h264FmtpLine != want {
		t.Errorf("h264FmtpLine = %q, want %q", h264FmtpLine, want)
	}
}
