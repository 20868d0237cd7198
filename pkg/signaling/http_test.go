package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer() *Server {
	return NewServer(newTestService(), discardLogger())
}

func TestHandleOfferMalformedBodyReturns400(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/offer/cam-A", strings.NewReader("not json"))
	w := httptest.NewRecorder()
	srv.handleOffer(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "SDP_OFFER_INVALID", body.Code)
}

func TestHandleOfferMissingSDPReturns400(t *testing.T) {
	srv := newTestServer()

	payload := strings.NewReader(`{"sdp":"","type":"offer"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/offer/cam-A", payload)
	w := httptest.NewRecorder()
	srv.handleOffer(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleOfferUnknownCameraReturns404(t *testing.T) {
	srv := newTestServer()

	payload := strings.NewReader(`{"sdp":"v=0\r\n","type":"offer"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/offer/cam-missing", payload)
	w := httptest.NewRecorder()
	srv.handleOffer(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "CAMERA_NOT_FOUND", body.Code)
}

func TestHandleStopUnknownPeerReturns404(t *testing.T) {
	srv := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/stop/no-such-peer", nil)
	w := httptest.NewRecorder()
	srv.handleStop(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)

	var body errorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "PEER_NOT_FOUND", body.Code)
}

func TestHandleIceAcceptsCandidateAsNoOp(t *testing.T) {
	srv := newTestServer()

	payload := strings.NewReader(`{"candidate":"candidate:1 1 UDP 2130706431 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webrtc/ice/cam-A", payload)
	w := httptest.NewRecorder()
	srv.handleIce(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
