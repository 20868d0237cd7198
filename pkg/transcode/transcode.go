// Package transcode implements the alternative Track Pump variant for
// cameras whose catalog entry names an unsupported or non-H.264 codec: an
// ffmpeg subprocess re-encodes RTSP straight to H.264 RTP on a loopback
// UDP port, and this package forwards those packets onto a WebRTC track.
// Grounded on original_source's
// crates/vms_server/src/webrtc/stream.rs spawn_rtsp_rtp_task, reimplemented
// with os/exec and net.ListenUDP in the teacher's process-supervision idiom
// (context-driven goroutine lifecycle, slog structured logging).
package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// Track is the minimal surface a transcoded stream needs to write to,
// matching pkg/pump's Track interface so both Track Pump variants can feed
// the same webrtcpeer.Peer.
type Track interface {
	WriteRTP(p *rtp.Packet) error
}

// rtpPacketSize is large enough for any ffmpeg "pkt_size" setting this
// package requests.
const rtpPacketSize = 2048

// Pump runs ffmpeg against one camera's RTSP URL and forwards the H.264 RTP
// it produces onto a WebRTC track, for cameras the catalog's codec_hint
// marks as needing transcoding rather than direct RTSP depacketization.
type Pump struct {
	cameraID string
	rtspURL  string
	track    Track
	logger   *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	conn    *net.UDPConn
	rtpPort int
}

// New creates a Pump for cameraID. No subprocess is spawned until Run is
// called.
func New(cameraID, rtspURL string, track Track, logger *slog.Logger) *Pump {
	return &Pump{cameraID: cameraID, rtspURL: rtspURL, track: track, logger: logger}
}

// Run binds a loopback UDP port, spawns ffmpeg to stream H.264 RTP into
// it, and forwards received packets to the track until ctx is cancelled or
// ffmpeg exits. It blocks for the lifetime of the transcode.
func (p *Pump) Run(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return vmserrors.Wrap(vmserrors.StreamStartFailed, "bind loopback rtp socket", err)
	}
	rtpPort := conn.LocalAddr().(*net.UDPAddr).Port

	p.mu.Lock()
	p.conn = conn
	p.rtpPort = rtpPort
	p.mu.Unlock()
	defer conn.Close()

	cmd := p.buildCommand(ctx, rtpPort)
	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return vmserrors.Wrap(vmserrors.StreamStartFailed, "spawn ffmpeg", err)
	}

	p.logger.Info("started transcode pump", "camera_id", p.cameraID, "rtp_port", rtpPort)

	cmdDone := make(chan error, 1)
	go func() { cmdDone <- cmd.Wait() }()

	recvDone := make(chan error, 1)
	go func() { recvDone <- p.recvLoop(conn) }()

	var result error
	select {
	case <-ctx.Done():
		result = ctx.Err()
	case err := <-cmdDone:
		result = fmt.Errorf("ffmpeg exited: %w", err)
	case err := <-recvDone:
		result = err
	}

	_ = conn.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-cmdDone

	return result
}

// RTPPort reports the loopback UDP port ffmpeg is streaming to, once Run
// has started. Exposed so the signaling layer can surface it via the
// offer response's optional rtp_port field.
func (p *Pump) RTPPort() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rtpPort
}

func (p *Pump) recvLoop(conn *net.UDPConn) error {
	buf := make([]byte, rtpPacketSize)
	var packetCount uint64

	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return vmserrors.Wrap(vmserrors.StreamLost, "udp read failed", err)
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Debug("skipping malformed rtp packet", "camera_id", p.cameraID, "error", err)
			continue
		}

		if err := p.track.WriteRTP(&pkt); err != nil {
			return vmserrors.Wrap(vmserrors.TrackWriteFailed, "track write failed", err)
		}

		packetCount++
		if packetCount%500 == 1 {
			p.logger.Debug("transcode rtp packet", "camera_id", p.cameraID, "count", packetCount, "bytes", n)
		}
	}
}

// buildCommand mirrors original_source's spawn_rtsp_rtp_task ffmpeg
// invocation: H.264 baseline, ultrafast/zerolatency, no audio, short GOP,
// streamed as RTP/payload-type-96 to the loopback port this pump is
// listening on.
func (p *Pump) buildCommand(ctx context.Context, rtpPort int) *exec.Cmd {
	args := []string{
		"-rtsp_transport", "tcp",
		"-fflags", "+nobuffer+flush_packets",
		"-flags", "low_delay",
		"-probesize", "500000",
		"-analyzeduration", "500000",
		"-i", p.rtspURL,
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "4.1",
		"-b:v", "8M",
		"-maxrate", "8M",
		"-bufsize", "2M",
		"-g", "10",
		"-keyint_min", "10",
		"-sc_threshold", "0",
		"-x264-params", "bframes=0:sliced-threads=1:rc-lookahead=0:force-cfr=1",
		"-f", "rtp",
		"-payload_type", "96",
		fmt.Sprintf("rtp://127.0.0.1:%d?pkt_size=1200", rtpPort),
	}
	return exec.CommandContext(ctx, "ffmpeg", args...)
}
