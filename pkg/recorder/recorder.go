// Package recorder implements the continuous Recorder (§4.G): a privileged
// fan-out consumer that writes every access unit from a camera's source to
// an hourly-rotated, keyframe-aligned segment file on disk, independent of
// any live viewer. Grounded on original_source's
// services/vms-storage/src/recorder.rs ContinuousRecorder/SegmentWriter
// (hourly rotation, <root>/<camera_id>/<date>/video_<hour> path layout),
// reimplemented with a dependency-free Annex-B elementary-stream writer
// instead of a GStreamer pipeline — see DESIGN.md's "No muxer library
// wired" entry for why.
package recorder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sigurn/crc16"
	"github.com/sigurn/crc8"

	"github.com/ethan/vms-streaming-core/pkg/h264"
	"github.com/ethan/vms-streaming-core/pkg/vmserrors"
)

// rotationInterval is the hourly cadence original_source's recorder.rs
// rotates on ("Rotate every hour").
const rotationInterval = time.Hour

// startCode is the Annex-B NAL start code this writer uses between NAL
// units, so the resulting elementary stream is a standard .h264 file any
// decoder or ffmpeg can remux without this project's sidecar index.
var startCode = []byte{0x00, 0x00, 0x00, 0x01}

var (
	crc8Table  = crc8.MakeTable(crc8.CRC8)
	crc16Table = crc16.MakeTable(crc16.CCITT_FALSE)
)

// Recorder owns one camera's continuous recording: it rotates segments
// hourly (or sooner, at segmentByteCap), aligning every rotation to the
// next keyframe so no segment starts mid-GOP.
type Recorder struct {
	cameraID       string
	storageRoot    string
	segmentByteCap int64
	logger         *slog.Logger

	mu              sync.Mutex
	current         *segment
	pendingRotation bool
	diskPaused      bool
}

// New creates a Recorder for cameraID. No file is opened until the first
// WriteAccessUnit call.
func New(cameraID, storageRoot string, segmentByteCap int64, logger *slog.Logger) *Recorder {
	return &Recorder{
		cameraID:       cameraID,
		storageRoot:    storageRoot,
		segmentByteCap: segmentByteCap,
		logger:         logger,
	}
}

// WriteAccessUnit writes au to the current segment, rotating first if due.
// Disk errors are logged and pause recording (skip writes) rather than
// propagate as fatal, per §4.G's "a disk error pauses recording; it does
// not crash the process".
func (r *Recorder) WriteAccessUnit(au h264.AccessUnit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := r.current == nil || time.Since(r.current.startedAt) >= rotationInterval ||
		(r.segmentByteCap > 0 && r.current.bytesWritten >= r.segmentByteCap)

	if due {
		r.pendingRotation = true
	}

	// Keyframe-aligned rotation: while a rotation is pending, discard
	// non-keyframe access units and hold off until the next keyframe, so
	// the new segment always begins with an IDR (DESIGN.md's Open Question
	// decision: close-old/buffer-until-IDR/discard-intervening).
	if r.pendingRotation {
		if !au.Keyframe {
			return
		}
		if err := r.rotateLocked(); err != nil {
			r.logger.Error("segment rotation failed, pausing recording", "camera_id", r.cameraID, "error", err)
			r.diskPaused = true
			return
		}
		r.pendingRotation = false
		r.diskPaused = false
	}

	if r.diskPaused || r.current == nil {
		return
	}

	if err := r.current.writeAccessUnit(au); err != nil {
		r.logger.Error("segment write failed, pausing recording", "camera_id", r.cameraID, "error", err)
		r.diskPaused = true
	}
}

// MarkReconnected forces the next access unit's rotation check to treat a
// rotation as due, per §4.G trigger (c): "transport source reconnects (new
// segment on resumption)". Safe to call even if no segment is open yet.
func (r *Recorder) MarkReconnected() {
	r.mu.Lock()
	r.pendingRotation = true
	r.mu.Unlock()
}

func (r *Recorder) rotateLocked() error {
	if r.current != nil {
		if err := r.current.close(); err != nil {
			r.logger.Warn("error finalizing segment", "path", r.current.videoPath, "error", err)
		}
		r.current = nil
	}

	now := time.Now().UTC()
	seg, err := newSegment(r.storageRoot, r.cameraID, now)
	if err != nil {
		return vmserrors.Wrap(vmserrors.DiskError, "open new segment", err)
	}
	r.current = seg
	r.logger.Info("rotated recording segment", "camera_id", r.cameraID, "path", seg.videoPath)
	return nil
}

// Close finalizes the current segment, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	err := r.current.close()
	r.current = nil
	return err
}

// segment is one open hourly recording file plus its keyframe index
// sidecar.
type segment struct {
	videoPath string
	indexPath string

	startedAt    time.Time
	bytesWritten int64

	videoFile *os.File
	indexFile *os.File
}

// newSegment creates <root>/<camera_id>/<YYYY-MM-DD>/video_<HH>.h264 (plus
// a .idx sidecar), matching original_source's deterministic path layout.
func newSegment(storageRoot, cameraID string, start time.Time) (*segment, error) {
	dateDir := start.Format("2006-01-02")
	dir := filepath.Join(storageRoot, cameraID, dateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	hour := start.Format("15")
	videoPath := filepath.Join(dir, fmt.Sprintf("video_%s.h264", hour))
	indexPath := videoPath + ".idx"

	videoFile, err := os.OpenFile(videoPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open video file: %w", err)
	}

	indexFile, err := os.OpenFile(indexPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = videoFile.Close()
		return nil, fmt.Errorf("open index file: %w", err)
	}

	return &segment{
		videoPath: videoPath,
		indexPath: indexPath,
		startedAt: start,
		videoFile: videoFile,
		indexFile: indexFile,
	}, nil
}

// writeAccessUnit appends au's NAL units in Annex-B form to the video file.
// Keyframe access units also get an index entry: {offset, timestamp} plus a
// crc8 over those 12 bytes, so a crash-recoverable scan can validate each
// entry independently when seeking into a partial segment.
func (s *segment) writeAccessUnit(au h264.AccessUnit) error {
	nalus, err := h264.SplitAVC(au.Data)
	if err != nil {
		return fmt.Errorf("split access unit: %w", err)
	}

	offset := s.bytesWritten

	for _, nalu := range nalus {
		n, err := s.videoFile.Write(startCode)
		if err != nil {
			return fmt.Errorf("write start code: %w", err)
		}
		s.bytesWritten += int64(n)

		n, err = s.videoFile.Write(nalu)
		if err != nil {
			return fmt.Errorf("write nalu: %w", err)
		}
		s.bytesWritten += int64(n)
	}

	if au.Keyframe {
		if err := s.writeIndexEntry(offset, au.Timestamp); err != nil {
			return fmt.Errorf("write index entry: %w", err)
		}
	}
	return nil
}

func (s *segment) writeIndexEntry(offset int64, timestamp uint32) error {
	entry := make([]byte, 12)
	putUint64(entry[0:8], uint64(offset))
	putUint32(entry[8:12], timestamp)

	checksum := crc8.Checksum(entry, crc8Table)

	if _, err := s.indexFile.Write(entry); err != nil {
		return err
	}
	_, err := s.indexFile.Write([]byte{checksum})
	return err
}

// close finalizes the segment: flushes both files and appends a crc16
// trailer over the full index file contents, so a later reader can tell a
// cleanly-closed index from a crash-truncated one (§3's "a crashed finalize
// leaves a recoverable partial segment — do not delete it": the video file
// itself is always valid Annex-B up to its last complete NAL write; only
// the index's trailing crc16 distinguishes "fully finalized" from
// "partial").
func (s *segment) close() error {
	defer s.videoFile.Close()
	defer s.indexFile.Close()

	if err := s.videoFile.Sync(); err != nil {
		return fmt.Errorf("sync video file: %w", err)
	}

	if _, err := s.indexFile.Seek(0, 0); err != nil {
		return fmt.Errorf("seek index file: %w", err)
	}
	contents, err := os.ReadFile(s.indexPath)
	if err != nil {
		return fmt.Errorf("read index file for checksum: %w", err)
	}

	checksum := crc16.Checksum(contents, crc16Table)
	trailer := make([]byte, 2)
	putUint16(trailer, checksum)

	if _, err := s.indexFile.Seek(0, 2); err != nil {
		return fmt.Errorf("seek index file to end: %w", err)
	}
	if _, err := s.indexFile.Write(trailer); err != nil {
		return fmt.Errorf("write index trailer: %w", err)
	}
	return s.indexFile.Sync()
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putUint32(b []byte, v uint32) {
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func putUint16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
