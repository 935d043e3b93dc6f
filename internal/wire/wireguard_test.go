package wire

import "testing"

// TestWireSizes verifies the fixed on-the-wire message sizes.
func TestWireSizes(t *testing.T) {
	cases := []struct {
		name string
		got  int
		want int
	}{
		{"MessageInitiation", len(Marshal(MessageInitiation{})), MessageInitiationSize},
		{"MessageResponse", len(Marshal(MessageResponse{})), MessageResponseSize},
		{"MessageCookieReply", len(Marshal(MessageCookieReply{})), MessageCookieReplySize},
		{"TransportHeader", len(Marshal(TransportHeader{})), MessageTransportHeaderSize},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("%s: got %d bytes, want %d", tc.name, tc.got, tc.want)
		}
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	in := MessageInitiation{Type: WGTypeInitiation, Sender: 42}
	in.Ephemeral[0] = 0xAB
	b := Marshal(in)

	var out MessageInitiation
	if err := Unmarshal(KindWGInit, b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Sender != 42 || out.Ephemeral[0] != 0xAB {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestUnmarshalRejectsShortMessage(t *testing.T) {
	var out MessageResponse
	err := Unmarshal(KindWGResp, make([]byte, MessageResponseSize-1), &out)
	if err == nil {
		t.Fatal("expected ProtocolError on short message")
	}
	if _, ok := err.(*ProtocolError); !ok {
		t.Fatalf("expected *ProtocolError, got %T", err)
	}
}

func TestWGEnvelopeRoundTrip(t *testing.T) {
	raw := Marshal(MessageInitiation{Type: WGTypeInitiation, Sender: 7})
	tuple := &FiveTuple{LocalPort: 51820, RemotePort: 12345, Family: 4}

	enc := EncodeWGMessage(3, UnknownPeerID, tuple, raw)
	ifnID, peerID, gotTuple, gotRaw, err := DecodeWGMessage(KindWGInit, enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ifnID != 3 || peerID != UnknownPeerID {
		t.Fatalf("ifnID/peerID mismatch: %d/%d", ifnID, peerID)
	}
	if gotTuple == nil || gotTuple.LocalPort != 51820 || gotTuple.RemotePort != 12345 {
		t.Fatalf("tuple mismatch: %+v", gotTuple)
	}
	if string(gotRaw) != string(raw) {
		t.Fatalf("raw payload mismatch")
	}
}

func TestSEOSMarker(t *testing.T) {
	eos := NewSEOS()
	if !eos.Valid() {
		t.Fatal("expected fresh SEOS to be valid")
	}
	corrupt := SEOS{Marker: 0}
	if corrupt.Valid() {
		t.Fatal("expected zero marker to be invalid")
	}
}
