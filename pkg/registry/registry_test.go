package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/vms-streaming-core/pkg/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInsertAndGetByPeer(t *testing.T) {
	r := New(time.Hour, discardLogger())
	defer r.Stop()

	s := &Session{PeerID: "p1", CameraID: "cam-A", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	r.Insert(s)

	got := r.GetByPeer("p1")
	require.NotNil(t, got)
	assert.Equal(t, "cam-A", got.CameraID)
}

func TestInsertDuplicatePeerIDPanics(t *testing.T) {
	r := New(time.Hour, discardLogger())
	defer r.Stop()

	s := &Session{PeerID: "dup", CameraID: "cam-A", ExpiresAt: time.Now().Add(time.Hour)}
	r.Insert(s)

	assert.Panics(t, func() {
		r.Insert(&Session{PeerID: "dup", CameraID: "cam-B", ExpiresAt: time.Now().Add(time.Hour)})
	})
}

func TestFindSourceReflectsRegisteredHandles(t *testing.T) {
	r := New(time.Hour, discardLogger())
	defer r.Stop()

	_, ok := r.FindSource("cam-A")
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := source.New(ctx, "cam-A", "rtsp://127.0.0.1:0/unreachable", discardLogger(), func() {}, func(error) {}, nil)

	r.RegisterSource("cam-A", h)
	got, ok := r.FindSource("cam-A")
	assert.True(t, ok)
	assert.Same(t, h, got)

	r.UnregisterSource("cam-A")
	_, ok = r.FindSource("cam-A")
	assert.False(t, ok)
}

func TestRemoveDeletesBothIndexes(t *testing.T) {
	r := New(time.Hour, discardLogger())
	defer r.Stop()

	r.Insert(&Session{PeerID: "p1", CameraID: "cam-A", ExpiresAt: time.Now().Add(time.Hour)})
	r.Remove("p1")

	assert.Nil(t, r.GetByPeer("p1"))
}

func TestSweepRemovesExpiredSessions(t *testing.T) {
	r := New(24 * time.Hour, discardLogger()) // sweeper won't fire on its own during the test
	defer r.Stop()

	torn := make(chan struct{}, 1)
	s := &Session{
		PeerID:    "p1",
		CameraID:  "cam-A",
		ExpiresAt: time.Now().Add(-time.Second), // already expired
		Teardown:  func() { torn <- struct{}{} },
	}
	r.Insert(s) // Insert opportunistically sweeps, should remove it immediately

	assert.Nil(t, r.GetByPeer("p1"))

	select {
	case <-torn:
	case <-time.After(time.Second):
		t.Fatal("expired session was not torn down")
	}
}

func TestCloseTearsDownAndRemovesImmediately(t *testing.T) {
	r := New(24*time.Hour, discardLogger())
	defer r.Stop()

	torn := make(chan struct{}, 1)
	s := &Session{
		PeerID:    "p1",
		CameraID:  "cam-A",
		ExpiresAt: time.Now().Add(time.Hour),
		Teardown:  func() { torn <- struct{}{} },
	}
	r.Insert(s)

	r.Close("p1")

	assert.Nil(t, r.GetByPeer("p1"))
	select {
	case <-torn:
	case <-time.After(time.Second):
		t.Fatal("Close did not invoke Teardown")
	}
}

func TestCloseOnUnknownPeerIsNoOp(t *testing.T) {
	r := New(time.Hour, discardLogger())
	defer r.Stop()

	r.Close("no-such-peer")
}

func TestSweepRemovesDeadSessions(t *testing.T) {
	r := New(24*time.Hour, discardLogger())
	defer r.Stop()

	s := &Session{PeerID: "p1", CameraID: "cam-A", ExpiresAt: time.Now().Add(time.Hour), State: StateDead}
	r.Insert(s)

	assert.Nil(t, r.GetByPeer("p1"))
}
