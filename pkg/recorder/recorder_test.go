package recorder

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethan/vms-streaming-core/pkg/h264"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lengthPrefixedNALU(naluType byte, payload []byte) []byte {
	nalu := append([]byte{naluType}, payload...)
	length := uint32(len(nalu))
	return append([]byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}, nalu...)
}

func TestWriteAccessUnitCreatesSegmentOnFirstWrite(t *testing.T) {
	root := t.TempDir()
	r := New("cam-A", root, 0, discardLogger())
	defer r.Close()

	au := h264.AccessUnit{
		Data:      lengthPrefixedNALU(h264.NALUTypeIFrame, []byte{0x01, 0x02}),
		Timestamp: 1000,
		Keyframe:  true,
	}
	r.WriteAccessUnit(au)

	if r.current == nil {
		t.Fatal("expected a segment to be opened after first write")
	}

	dateDir := filepath.Dir(r.current.videoPath)
	entries, err := os.ReadDir(dateDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected segment files on disk")
	}
}

func TestNonKeyframeDoesNotCreateSegment(t *testing.T) {
	root := t.TempDir()
	r := New("cam-A", root, 0, discardLogger())
	defer r.Close()

	au := h264.AccessUnit{
		Data:      lengthPrefixedNALU(h264.NALUTypePFrame, []byte{0x01}),
		Timestamp: 1000,
		Keyframe:  false,
	}
	r.WriteAccessUnit(au)

	if r.current != nil {
		t.Fatal("first rotation should wait for a keyframe before opening a segment")
	}
}

func TestMarkReconnectedForcesNewSegmentOnNextKeyframe(t *testing.T) {
	root := t.TempDir()
	r := New("cam-A", root, 0, discardLogger())
	defer r.Close()

	au := h264.AccessUnit{
		Data:      lengthPrefixedNALU(h264.NALUTypeIFrame, []byte{0x01}),
		Timestamp: 1000,
		Keyframe:  true,
	}
	r.WriteAccessUnit(au)
	firstSegment := r.current

	r.MarkReconnected()
	r.WriteAccessUnit(au)

	if r.current == firstSegment {
		t.Fatal("expected a new segment after MarkReconnected plus a keyframe")
	}
}

func TestCloseWritesCrc16Trailer(t *testing.T) {
	root := t.TempDir()
	r := New("cam-A", root, 0, discardLogger())

	au := h264.AccessUnit{
		Data:      lengthPrefixedNALU(h264.NALUTypeIFrame, []byte{0x01}),
		Timestamp: 1000,
		Keyframe:  true,
	}
	r.WriteAccessUnit(au)

	indexPath := r.current.indexPath
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	contents, err := os.ReadFile(indexPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// 12-byte offset+timestamp + 1-byte crc8 entry, plus a 2-byte crc16 trailer.
	if len(contents) != 13+2 {
		t.Fatalf("index file length = %d, want %d", len(contents), 15)
	}
}
