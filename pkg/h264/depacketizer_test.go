package h264

import (
	"testing"

	"github.com/pion/rtp"
)

func singleNALUPacket(naluType byte, payload []byte, ts uint32, marker bool) *rtp.Packet {
	body := append([]byte{naluType}, payload...)
	return &rtp.Packet{
		Header:  rtp.Header{Timestamp: ts, Marker: marker},
		Payload: body,
	}
}

func TestDepacketizerSingleNALU(t *testing.T) {
	var got []AccessUnit
	d := NewDepacketizer()
	d.OnAccessUnit = func(au AccessUnit) { got = append(got, au) }

	// NAL type 1 (P-frame), non-keyframe, single packet.
	pkt := singleNALUPacket(1, []byte{0xAA, 0xBB}, 3000, true)
	if err := d.ProcessPacket(pkt); err != nil {
		t.Fatalf("ProcessPacket: %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d access units, want 1", len(got))
	}
	if got[0].Keyframe {
		t.Error("P-frame NALU misclassified as keyframe")
	}
	if got[0].Timestamp != 3000 {
		t.Errorf("timestamp = %d, want 3000", got[0].Timestamp)
	}
}

func TestDepacketizerKeyframePrependsParameterSets(t *testing.T) {
	var got []AccessUnit
	d := NewDepacketizer()
	d.OnAccessUnit = func(au AccessUnit) { got = append(got, au) }

	sps := singleNALUPacket(NALUTypeSPS, []byte{0x01, 0x02}, 1000, true)
	pps := singleNALUPacket(NALUTypePPS, []byte{0x03}, 1000, true)
	idr := singleNALUPacket(NALUTypeIFrame, []byte{0x04, 0x05, 0x06}, 1000, true)

	for _, pkt := range []*rtp.Packet{sps, pps, idr} {
		if err := d.ProcessPacket(pkt); err != nil {
			t.Fatalf("ProcessPacket: %v", err)
		}
	}

	last := got[len(got)-1]
	if !last.Keyframe {
		t.Fatal("IDR access unit not flagged as keyframe")
	}

	nalus, err := SplitAVC(last.Data)
	if err != nil {
		t.Fatalf("SplitAVC: %v", err)
	}
	if len(nalus) != 3 {
		t.Fatalf("keyframe access unit has %d NALUs, want SPS+PPS+IDR = 3", len(nalus))
	}
}

func TestDepacketizerEmptyPayloadIgnored(t *testing.T) {
	called := false
	d := NewDepacketizer()
	d.OnAccessUnit = func(AccessUnit) { called = true }

	if err := d.ProcessPacket(&rtp.Packet{Payload: nil}); err != nil {
		t.Fatalf("ProcessPacket on empty payload returned error: %v", err)
	}
	if called {
		t.Error("OnAccessUnit invoked for empty payload")
	}
}

func TestPacketizerSequenceMonotonic(t *testing.T) {
	p := NewPacketizer()

	au := AccessUnit{
		Data:      appendLengthPrefixed(nil, make([]byte, 2000)), // forces FU-A fragmentation
		Timestamp: 90000,
		Keyframe:  false,
	}
	au.Data[4] = 0x41 // NAL header byte for the oversized NALU payload

	packets, err := p.Packetize(au)
	if err != nil {
		t.Fatalf("Packetize: %v", err)
	}
	if len(packets) < 2 {
		t.Fatalf("expected FU-A fragmentation into multiple packets, got %d", len(packets))
	}

	for i := 1; i < len(packets); i++ {
		want := packets[i-1].SequenceNumber + 1
		if packets[i].SequenceNumber != want {
			t.Errorf("packet %d sequence = %d, want %d", i, packets[i].SequenceNumber, want)
		}
		if packets[i].Timestamp != packets[0].Timestamp {
			t.Errorf("packet %d timestamp = %d, want %d (constant within access unit)", i, packets[i].Timestamp, packets[0].Timestamp)
		}
		if packets[i].SSRC != p.SSRC() {
			t.Errorf("packet %d ssrc = %d, want fixed ssrc %d", i, packets[i].SSRC, p.SSRC())
		}
	}

	if !packets[len(packets)-1].Marker {
		t.Error("final packet of access unit missing marker bit")
	}
	for _, pkt := range packets[:len(packets)-1] {
		if pkt.Marker {
			t.Error("non-final packet unexpectedly has marker bit set")
		}
	}
}
