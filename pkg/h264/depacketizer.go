// Package h264 implements 4.A's depacketization (RTP packets into tagged
// access units) and 4.B's RTP Packetizer (access units back into RTP
// packets per RFC 6184), grounded on the teacher's pkg/rtp/h264.go
// depacketizer and pkg/bridge/bridge.go's packetization code respectively.
package h264

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

// NAL unit types relevant to H.264 RTP (RFC 6184).
const (
	NALUTypeUnspecified = 0
	NALUTypePFrame      = 1
	NALUTypeIFrame      = 5
	NALUTypeSEI         = 6
	NALUTypeSPS         = 7
	NALUTypePPS         = 8
	NALUTypeAUD         = 9
	NALUTypeSTAPA       = 24
	NALUTypeFUA         = 28
)

// AccessUnit is one decoded video frame's worth of AVC-format NAL units
// (4-byte length prefix each, per §3's "RTP packet" / §4.A's access-unit
// output) tagged with the source's 90 kHz RTP timestamp and keyframe flag.
type AccessUnit struct {
	Data      []byte
	Timestamp uint32
	Keyframe  bool
}

// Depacketizer reassembles RTP packets into access units. One Depacketizer
// per camera source; it is not safe for concurrent use by multiple
// goroutines since FU-A reassembly depends on packet order.
type Depacketizer struct {
	buffer []byte
	sps    []byte
	pps    []byte

	// OnAccessUnit is invoked once per complete access unit (on marker bit).
	OnAccessUnit func(AccessUnit)
}

// NewDepacketizer creates a Depacketizer with its FU-A reassembly buffer
// pre-sized for a typical 1080p keyframe.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{
		buffer: make([]byte, 0, 1024*1024),
	}
}

// ProcessPacket feeds one RTP packet into the depacketizer. Empty or
// malformed NALs are discarded with no error surfaced to the caller other
// than a non-nil return — per 4.B's edge case, they must not crash or
// shift sequence numbers downstream.
func (d *Depacketizer) ProcessPacket(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	naluType := packet.Payload[0] & 0x1F

	switch naluType {
	case NALUTypeFUA:
		return d.processFUA(packet)
	case NALUTypeSTAPA:
		return d.processSTAPA(packet)
	default:
		return d.processSingleNALU(packet)
	}
}

func (d *Depacketizer) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	payload := packet.Payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		d.buffer = d.buffer[:0]
		nalHeader := (fuIndicator & 0xE0) | naluType
		d.buffer = append(d.buffer, nalHeader)
	}

	d.buffer = append(d.buffer, payload...)

	if end {
		return d.emitNALU(d.buffer, naluType, packet.Timestamp, packet.Marker)
	}
	return nil
}

func (d *Depacketizer) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:]
	nalus := make([]byte, 0, len(payload)*2)
	keyframe := false

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]
		if len(nalu) == 0 {
			continue
		}

		nalus = appendLengthPrefixed(nalus, nalu)
		d.cacheParameterSet(nalu)
		if nalu[0]&0x1F == NALUTypeIFrame {
			keyframe = true
		}
	}

	if len(nalus) > 0 && d.OnAccessUnit != nil {
		d.OnAccessUnit(AccessUnit{Data: nalus, Timestamp: packet.Timestamp, Keyframe: keyframe})
	}
	return nil
}

func (d *Depacketizer) processSingleNALU(packet *rtp.Packet) error {
	nalu := packet.Payload
	naluType := nalu[0] & 0x1F
	return d.emitNALU(nalu, naluType, packet.Timestamp, packet.Marker)
}

func (d *Depacketizer) cacheParameterSet(nalu []byte) {
	naluType := nalu[0] & 0x1F
	switch naluType {
	case NALUTypeSPS:
		d.sps = append([]byte(nil), nalu...)
	case NALUTypePPS:
		d.pps = append([]byte(nil), nalu...)
	}
}

// emitNALU assembles one complete NALU into an access unit. SPS/PPS NALs
// preceding an IDR are prepended to the same access unit as the IDR
// (4.B edge case): keyframes are emitted with the most recently cached
// SPS/PPS ahead of the IDR payload.
func (d *Depacketizer) emitNALU(nalu []byte, naluType uint8, timestamp uint32, marker bool) error {
	d.cacheParameterSet(nalu)

	isKeyframe := naluType == NALUTypeIFrame

	var frame []byte
	if isKeyframe && len(d.sps) > 0 && len(d.pps) > 0 {
		frame = make([]byte, 0, len(d.sps)+len(d.pps)+len(nalu)+12)
		frame = appendLengthPrefixed(frame, d.sps)
		frame = appendLengthPrefixed(frame, d.pps)
		frame = appendLengthPrefixed(frame, nalu)
	} else {
		frame = make([]byte, 0, len(nalu)+4)
		frame = appendLengthPrefixed(frame, nalu)
	}

	if d.OnAccessUnit != nil && marker {
		d.OnAccessUnit(AccessUnit{Data: frame, Timestamp: timestamp, Keyframe: isKeyframe})
	}
	return nil
}

// appendLengthPrefixed appends a NALU in AVC format: 4-byte big-endian
// length prefix followed by the NALU bytes.
func appendLengthPrefixed(dst, nalu []byte) []byte {
	length := uint32(len(nalu))
	dst = append(dst, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
	return append(dst, nalu...)
}

// SplitAVC parses AVC-format data (4-byte length prefix per NALU, the
// format AccessUnit.Data and the recorder both use) back into individual
// NAL unit slices.
func SplitAVC(data []byte) ([][]byte, error) {
	var nalus [][]byte
	offset := 0

	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("incomplete NAL unit at offset %d: need 4 bytes for length, have %d", offset, len(data)-offset)
		}

		naluLen := int(data[offset])<<24 | int(data[offset+1])<<16 | int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4

		if naluLen < 0 || offset+naluLen > len(data) {
			return nil, fmt.Errorf("invalid NAL unit length %d at offset %d: exceeds data bounds", naluLen, offset-4)
		}

		nalus = append(nalus, data[offset:offset+naluLen])
		offset += naluLen
	}

	return nalus, nil
}
