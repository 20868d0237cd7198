package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// Server exposes a Service over the §4.F HTTP/JSON wire contract, adapted
// from the teacher's pkg/api/server.go Start/Stop lifecycle and
// withCORS/withLogging middleware.
type Server struct {
	svc        *Service
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer wraps svc with an HTTP server.
func NewServer(svc *Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Start starts the HTTP server listening on addr.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/webrtc/offer/", s.handleOffer)
	mux.HandleFunc("/api/v1/webrtc/ice/", s.handleIce)
	mux.HandleFunc("/api/v1/webrtc/stop/", s.handleStop)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withCORS(s.withLogging(mux)),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("starting signaling HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("signaling HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("stopping signaling HTTP server")
	return s.httpServer.Shutdown(ctx)
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerResponse struct {
	SDP       string `json:"sdp"`
	SDPType   string `json:"sdp_type"`
	PeerID    string `json:"peer_id"`
	ExpiresAt int64  `json:"expires_at"`
	RTPPort   int    `json:"rtp_port,omitempty"`
}

type iceRequest struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex int    `json:"sdpMLineIndex"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleOffer implements POST /api/v1/webrtc/offer/{camera_id}.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cameraID := strings.TrimPrefix(r.URL.Path, "/api/v1/webrtc/offer/")
	if cameraID == "" {
		writeError(w, vmserrors.New(vmserrors.SdpInvalid, "missing camera id"))
		return
	}

	var req offerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmserrors.Wrap(vmserrors.SdpInvalid, "malformed request body", err))
		return
	}
	if req.SDP == "" || req.Type != "offer" {
		writeError(w, vmserrors.New(vmserrors.SdpInvalid, "request must carry an offer sdp"))
		return
	}

	result, err := s.svc.Open(r.Context(), cameraID, req.SDP)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, offerResponse{
		SDP:       result.SDP,
		SDPType:   "answer",
		PeerID:    result.PeerID,
		ExpiresAt: result.ExpiresAt.Unix(),
		RTPPort:   result.RTPPort,
	})
}

// handleIce implements POST /api/v1/webrtc/ice/{camera_id} as a no-op
// accept, per the decided "non-trickle, gathering-complete-before-answer"
// negotiation path.
func (s *Server) handleIce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req iceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, vmserrors.Wrap(vmserrors.SdpInvalid, "malformed ice candidate body", err))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleStop implements POST /api/v1/webrtc/stop/{peer_id}.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	peerID := strings.TrimPrefix(r.URL.Path, "/api/v1/webrtc/stop/")
	if peerID == "" {
		writeError(w, vmserrors.New(vmserrors.PeerNotFound, "missing peer id"))
		return
	}

	if err := s.svc.Stop(peerID); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	message := err.Error()

	if verr, ok := vmserrors.As(err); ok {
		status = verr.HTTPStatus()
		code = string(verr.Kind)
		message = verr.Message
	}

	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
