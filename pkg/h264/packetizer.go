package h264

import (
	"fmt"
	"math/rand"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// H264PayloadType is the fixed payload type this project negotiates for
// H.264 baseline, per §4.C/§6.
const H264PayloadType = 96

// MTU is the safe per-RTP-packet payload ceiling after headers, matching
// 4.B's "≤ MTU − headers, typically ≤ 1200 B".
const MTU = 1200

// Packetizer converts access units into RTP packets per RFC 6184: FU-A
// fragmentation for NALUs above MTU, a single packet otherwise, one RTP
// timestamp per access unit, marker bit on the final fragment of the final
// NALU. Grounded on pkg/bridge/bridge.go's writeVideoSampleDirect, pulled
// out of the Cloudflare-bridge object into its own reusable type.
type Packetizer struct {
	ssrc     uint32
	seq      uint16
	payloader codecs.H264Payloader
}

// NewPacketizer creates a Packetizer with a random starting sequence
// number and a random SSRC fixed for the track's lifetime, per 4.B's
// "SSRC is drawn randomly at track creation and fixed for the track's
// lifetime".
func NewPacketizer() *Packetizer {
	return &Packetizer{
		ssrc: rand.Uint32(),
		seq:  uint16(rand.Uint32()),
	}
}

// SSRC returns the fixed SSRC assigned to this packetizer's track.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packetize converts one access unit into the RTP packets that carry it.
// Sequence numbers increment monotonically (wrapping at 2^16) across
// calls; the access unit's source timestamp passes through unchanged to
// every packet in this batch, per §3's "timestamp is constant within one
// access unit".
func (p *Packetizer) Packetize(au AccessUnit) ([]*rtp.Packet, error) {
	nalus, err := SplitAVC(au.Data)
	if err != nil {
		return nil, fmt.Errorf("split access unit into NAL units: %w", err)
	}

	var packets []*rtp.Packet

	for naluIdx, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}

		payloads := p.payloader.Payload(MTU, nalu)

		for i, payload := range payloads {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    H264PayloadType,
					SequenceNumber: p.seq,
					Timestamp:      au.Timestamp,
					SSRC:           p.ssrc,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			packets = append(packets, pkt)
			p.seq++
		}
	}

	return packets, nil
}
