package rtsp

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

const (
	backoffStart = 1 * time.Second
	backoffCap   = 30 * time.Second
	jitterFrac   = 0.2
)

// Source runs one camera's RTSP pull as a long-lived, self-healing loop:
// connect, set up the video track, play, read packets until the connection
// drops, then reconnect with exponential backoff. Grounded on the teacher's
// pkg/nest/manager.go reconnect loop and pkg/nest/queue.go's rate-limited
// retry pacing (both since folded into this package; see DESIGN.md).
type Source struct {
	rtspURL string
	logger  *slog.Logger
	limiter *rate.Limiter

	// OnAccessUnit is invoked for every reassembled access unit off the
	// current connection. Set before calling Run.
	OnAccessUnit func(h264.AccessUnit)

	// OnReconnecting is invoked just before every retry attempt after the
	// first (i.e. not on the initial connect), so a caller can distinguish
	// "first connect" from "resumed after a drop" — §4.G's recorder uses
	// this to force a new segment on resumption.
	OnReconnecting func()
}

// NewSource creates a Source for rtspURL (already credential-substituted
// by pkg/catalog.BuildRTSPURL).
func NewSource(rtspURL string, logger *slog.Logger) *Source {
	return &Source{
		rtspURL: rtspURL,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(backoffStart), 1),
	}
}

// Run blocks, reconnecting with backoff, until ctx is cancelled or a
// terminal error occurs. Connect and stream failures are logged and
// retried, per §4.A's "reconnect indefinitely; a disconnected source is
// not a terminal failure" — except AuthFailed, which §4.A/§7 mark
// terminal ("propagate to all attached peers and close them"): Run returns
// it immediately instead of looping.
func (s *Source) Run(ctx context.Context) error {
	backoff := backoffStart
	firstAttempt := true

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		if !firstAttempt && s.OnReconnecting != nil {
			s.OnReconnecting()
		}
		firstAttempt = false

		err := s.runOnce(ctx)
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}
		if err == nil {
			err = vmserrors.New(vmserrors.StreamLost, "connection closed by server")
		}

		if isTerminal(err) {
			s.logger.Error("rtsp source failed terminally, not reconnecting", "error", err)
			return err
		}

		kind := vmserrors.Kind("")
		if e, ok := vmserrors.As(err); ok {
			kind = e.Kind
		}
		s.logger.Warn("rtsp source disconnected, will reconnect",
			"error", err, "kind", kind, "backoff", backoff)

		wait := jitter(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// isTerminal reports whether err should stop the reconnect loop rather than
// trigger another retry. Only AuthFailed is terminal per §4.A/§7;
// ConnectFailed and StreamLost are recoverable.
func isTerminal(err error) bool {
	return vmserrors.Is(err, vmserrors.AuthFailed)
}

func (s *Source) runOnce(ctx context.Context) error {
	client := NewClient(s.rtspURL, s.logger)
	client.OnAccessUnit = s.OnAccessUnit

	if err := client.Connect(ctx); err != nil {
		_ = client.Close()
		return err
	}
	if err := client.SetupTracks(ctx); err != nil {
		_ = client.Close()
		return err
	}
	if err := client.Play(ctx); err != nil {
		_ = client.Close()
		return err
	}

	err := client.ReadPackets(ctx)
	_ = client.Close()
	return err
}

// jitter returns d scaled by a random factor in [1-jitterFrac, 1+jitterFrac],
// per §4.A's "backoff with +/-20% jitter to avoid reconnect storms".
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFrac
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
