// Package rtsp implements the Transport Source (§4.A): an RTSP/1.0 client
// that pulls a single H.264 video stream over TCP-interleaved RTP, reassembles
// it into access units, and reconnects with backoff when the upstream camera
// drops the connection. Grounded on the teacher's pkg/rtsp/client.go, with
// parseSDP replaced by pion/sdp/v3 and raw-packet callbacks replaced by
// pkg/h264.Depacketizer-driven access-unit output.
package rtsp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// Client is a single-connection RTSP/1.0 client restricted to the subset
// this project needs: OPTIONS/DESCRIBE/SETUP/PLAY/TEARDOWN over TCP with
// interleaved RTP/RTCP framing. It carries at most one video channel; audio
// media described in the SDP is parsed (so channel numbering stays correct)
// but never set up, per SPEC_FULL's video-only, sendonly scope.
type Client struct {
	url     string
	baseURL string // Content-Base from DESCRIBE response, used for SETUP/PLAY
	logger  *slog.Logger
	conn    net.Conn
	reader  *bufio.Reader
	session string
	cseq    int

	videoChannel *Channel
	audioChannel *Channel

	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	writeMu sync.Mutex

	depacketizer *h264.Depacketizer

	// OnAccessUnit is invoked once per reassembled access unit from the
	// video channel. Set before calling Play.
	OnAccessUnit func(h264.AccessUnit)
}

// Channel is one SDP media section's RTP/RTCP channel assignment.
type Channel struct {
	ID          byte
	MediaType   string // "video" or "audio"
	Control     string
	PayloadType uint8
}

// NewClient creates an RTSP client for rtspURL, which may carry
// percent-encoded Basic-auth credentials as produced by
// pkg/catalog.BuildRTSPURL.
func NewClient(rtspURL string, logger *slog.Logger) *Client {
	return &Client{
		url:               rtspURL,
		logger:            logger,
		keepaliveInterval: 25 * time.Second,
		depacketizer:      h264.NewDepacketizer(),
	}
}

// Connect dials the RTSP server, runs OPTIONS and DESCRIBE, and parses the
// offered SDP. Failures here classify as vmserrors.ConnectFailed (network
// level), vmserrors.AuthFailed (DESCRIBE rejected with 401/403) or
// vmserrors.SdpInvalid (DESCRIBE body is not a usable SDP).
func (c *Client) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return vmserrors.Wrap(vmserrors.ConnectFailed, "parse rtsp url", err)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}

	host := u.Hostname()
	addr := net.JoinHostPort(host, port)

	c.logger.Info("connecting to RTSP server", "scheme", u.Scheme, "host", host, "port", port)

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var conn net.Conn
	if u.Scheme == "rtsps" {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return vmserrors.Wrap(vmserrors.ConnectFailed, "dial rtsp server", err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	} else if tlsConn, ok := conn.(*tls.Conn); ok {
		if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
		}
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 65536)

	c.logger.Info("connected to RTSP server", "remote_addr", conn.RemoteAddr(), "tls", u.Scheme == "rtsps")

	if err := c.options(); err != nil {
		return vmserrors.Wrap(vmserrors.ConnectFailed, "OPTIONS", err)
	}

	if err := c.describe(username, password); err != nil {
		var e *vmserrors.Error
		if errors.As(err, &e) {
			return err
		}
		return vmserrors.Wrap(vmserrors.ConnectFailed, "DESCRIBE", err)
	}

	return nil
}

// SetupTracks sends SETUP for the video channel only.
func (c *Client) SetupTracks(ctx context.Context) error {
	if c.videoChannel == nil {
		return vmserrors.New(vmserrors.ConnectFailed, "no video media found in SDP")
	}
	if err := c.setupTrack(c.videoChannel); err != nil {
		return vmserrors.Wrap(vmserrors.ConnectFailed, "SETUP video track", err)
	}
	return nil
}

// Play sends PLAY and starts the keepalive goroutine. The PLAY response
// itself is consumed inline by ReadPackets, since the server begins pushing
// RTP immediately after responding.
func (c *Client) Play(ctx context.Context) error {
	playURL := c.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	req := c.newRequest("PLAY", playURL)
	req.Header["Range"] = "npt=0.000-"

	if err := c.writeRequest(req); err != nil {
		return vmserrors.Wrap(vmserrors.StreamLost, "PLAY", err)
	}

	c.startKeepalive(ctx)
	return nil
}

func (c *Client) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(c.keepaliveInterval)
		defer ticker.Stop()

		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				req := c.newRequest("OPTIONS", c.url)
				if err := c.writeRequest(req); err != nil {
					c.logger.Warn("keepalive OPTIONS write failed", "error", err)
					return
				}
			}
		}
	}()
}

// ReadPackets consumes the interleaved RTP/RTCP/RTSP-response stream until
// the connection closes, ctx is cancelled, or an unrecoverable read error
// occurs. Video RTP packets are fed to the depacketizer; access units are
// delivered via OnAccessUnit.
func (c *Client) ReadPackets(ctx context.Context) error {
	c.logger.Info("starting packet read loop")
	packetCount := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return vmserrors.Wrap(vmserrors.StreamLost, "set read deadline", err)
		}

		buf4, err := c.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("connection closed by server", "packets_received", packetCount)
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return vmserrors.Wrap(vmserrors.StreamLost, "peek stream", err)
		}

		if buf4[0] != '$' {
			if string(buf4) == "RTSP" {
				if _, err := c.readResponseNoDeadline(); err != nil {
					return vmserrors.Wrap(vmserrors.StreamLost, "read interleaved RTSP response", err)
				}
				continue
			}
			if _, err := c.reader.ReadByte(); err != nil {
				return vmserrors.Wrap(vmserrors.StreamLost, "discard unexpected byte", err)
			}
			continue
		}

		channel := buf4[1]
		size := binary.BigEndian.Uint16(buf4[2:4])

		if _, err := c.reader.Discard(4); err != nil {
			return vmserrors.Wrap(vmserrors.StreamLost, "discard interleave header", err)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				c.logger.Info("connection closed mid-packet", "packets_received", packetCount)
				return nil
			}
			return vmserrors.Wrap(vmserrors.StreamLost, "read interleaved payload", err)
		}

		if c.videoChannel != nil && channel == c.videoChannel.ID {
			pkt := &rtp.Packet{}
			if err := pkt.Unmarshal(payload); err != nil {
				c.logger.Warn("dropping unparseable RTP packet", "channel", channel, "error", err)
				continue
			}
			c.depacketizer.OnAccessUnit = c.OnAccessUnit
			if err := c.depacketizer.ProcessPacket(pkt); err != nil {
				c.logger.Warn("dropping unparseable NAL unit", "error", err)
				continue
			}
			packetCount++
		}
	}
}

// Close tears down the session and closes the connection.
func (c *Client) Close() error {
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}

	if c.conn != nil {
		req := c.newRequest("TEARDOWN", c.url)
		_ = c.writeRequest(req)
		return c.conn.Close()
	}
	return nil
}

func (c *Client) options() error {
	req := c.newRequest("OPTIONS", c.url)
	_, err := c.do(req)
	return err
}

func (c *Client) describe(username, password string) error {
	req := c.newRequest("DESCRIBE", c.url)
	req.Header["Accept"] = "application/sdp"

	if username != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header["Authorization"] = "Basic " + encoded
	}

	resp, err := c.do(req)
	if err != nil {
		var rtspErr *statusError
		if errors.As(err, &rtspErr) && (rtspErr.code == 401 || rtspErr.code == 403) {
			return vmserrors.Wrap(vmserrors.AuthFailed, "DESCRIBE rejected", err)
		}
		return err
	}

	if contentBase := resp.Header["Content-Base"]; contentBase != "" {
		c.baseURL = strings.TrimSpace(contentBase)
	} else {
		c.baseURL = c.url
	}

	if err := c.parseSDP(resp.Body); err != nil {
		return vmserrors.Wrap(vmserrors.SdpInvalid, "parse DESCRIBE SDP", err)
	}
	return nil
}

// parseSDP decodes the session description with pion/sdp/v3 and assigns
// interleaved RTP channel numbers (even for RTP, odd for the paired RTCP)
// in media-section order, matching the ordering cameras assume for SETUP.
func (c *Client) parseSDP(body []byte) error {
	var session sdp.SessionDescription
	if err := session.Unmarshal(body); err != nil {
		return fmt.Errorf("unmarshal sdp: %w", err)
	}

	var channelID byte
	for _, media := range session.MediaDescriptions {
		if len(media.MediaName.Formats) == 0 {
			continue
		}
		pt, err := strconv.Atoi(media.MediaName.Formats[0])
		if err != nil {
			continue
		}

		ch := &Channel{ID: channelID, MediaType: media.MediaName.Media, PayloadType: uint8(pt)}
		for _, attr := range media.Attributes {
			if attr.Key == "control" {
				ch.Control = attr.Value
			}
		}

		switch media.MediaName.Media {
		case "video":
			if c.videoChannel == nil {
				c.videoChannel = ch
			}
		case "audio":
			if c.audioChannel == nil {
				c.audioChannel = ch
			}
		}
		channelID += 2
	}

	if c.videoChannel == nil {
		return fmt.Errorf("no video media section in SDP")
	}
	c.logger.Info("parsed SDP", "video_payload_type", c.videoChannel.PayloadType, "video_control", c.videoChannel.Control)
	return nil
}

func (c *Client) setupTrack(ch *Channel) error {
	u, _ := url.Parse(c.baseURL)
	if !strings.HasPrefix(ch.Control, "rtsp://") && !strings.HasPrefix(ch.Control, "rtsps://") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ch.Control, "/")
	} else {
		u, _ = url.Parse(ch.Control)
	}

	req := c.newRequest("SETUP", u.String())
	req.Header["Transport"] = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", ch.ID, ch.ID+1)

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if c.session == "" {
		session := resp.Header["Session"]
		if idx := strings.IndexByte(session, ';'); idx > 0 {
			c.session = session[:idx]
		} else {
			c.session = session
		}
	}

	c.logger.Info("track setup complete", "channel", ch.ID, "type", ch.MediaType, "session", c.session)
	return nil
}

func (c *Client) newRequest(method, url string) *Request {
	c.cseq++
	return &Request{Method: method, URL: url, Header: make(map[string]string), CSeq: c.cseq}
}

func (c *Client) do(req *Request) (*Response, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *Client) writeRequest(req *Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != "" {
		req.Header["Session"] = c.session
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", req.Method, req.URL)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", req.CSeq)
	buf.WriteString("User-Agent: vms-streaming-core/1.0\r\n")
	for k, v := range req.Header {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")

	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(buf.String()))
	return err
}

func (c *Client) readResponse() (*Response, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	return c.readResponseNoDeadline()
}

func (c *Client) readResponseNoDeadline() (*Response, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line: %s", statusLine)
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code: %s", parts[1])
	}

	resp := &Response{StatusCode: statusCode, Header: make(map[string]string)}

	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			resp.Header[key] = value
			if key == "Content-Length" {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}

	if statusCode != 200 {
		return nil, &statusError{code: statusCode}
	}
	return resp, nil
}

// statusError carries the RTSP status code of a rejected request so callers
// can distinguish auth failures (401/403) from other protocol errors.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("RTSP error: %d", e.code) }

// Request is an outgoing RTSP request.
type Request struct {
	Method string
	URL    string
	Header map[string]string
	CSeq   int
}

// Response is a parsed RTSP response.
type Response struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}
