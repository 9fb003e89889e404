package quic

import (
	"bytes"
	"testing"
)

func TestConnectionID(t *testing.T) {
	tests := []struct {
		name string
		cid  ConnectionID
	}{
		{"empty", ConnectionID{}},
		{"8-byte", ConnectionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}},
		{"20-byte", ConnectionID{
			0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
			0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
			0x11, 0x12, 0x13, 0x14,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cid.Len() != len(tt.cid) {
				t.Errorf("Len() = %d, want %d", tt.cid.Len(), len(tt.cid))
			}

			isEmpty := len(tt.cid) == 0
			if tt.cid.IsEmpty() != isEmpty {
				t.Errorf("IsEmpty() = %v, want %v", tt.cid.IsEmpty(), isEmpty)
			}

			if !tt.cid.Equal(tt.cid) {
				t.Error("Equal() should return true for same CID")
			}

			other := make(ConnectionID, len(tt.cid))
			copy(other, tt.cid)
			if !tt.cid.Equal(other) {
				t.Error("Equal() should return true for copy")
			}

			if len(tt.cid) > 0 {
				other[0] ^= 0xFF
				if tt.cid.Equal(other) {
					t.Error("Equal() should return false for different CID")
				}
			}
		})
	}
}

func TestConnectionIDEncoding(t *testing.T) {
	tests := []struct {
		name string
		cid  ConnectionID
	}{
		{"empty", ConnectionID{}},
		{"1-byte", ConnectionID{0x42}},
		{"8-byte", ConnectionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := appendConnectionID(nil, tt.cid)

			if buf[0] != byte(len(tt.cid)) {
				t.Errorf("length byte = %d, want %d", buf[0], len(tt.cid))
			}

			parsed, n, err := parseConnectionID(buf)
			if err != nil {
				t.Fatalf("parseConnectionID() error = %v", err)
			}

			if !parsed.Equal(tt.cid) {
				t.Errorf("parseConnectionID() = %x, want %x", parsed, tt.cid)
			}

			if n != 1+len(tt.cid) {
				t.Errorf("parseConnectionID() n = %d, want %d", n, 1+len(tt.cid))
			}
		})
	}
}

func TestConnectionIDTooLongRejected(t *testing.T) {
	buf := append([]byte{21}, bytes.Repeat([]byte{0x01}, 21)...)
	_, _, err := parseConnectionID(buf)
	if err == nil {
		t.Fatal("parseConnectionID should reject a length byte above MaxConnectionIDLen")
	}
}

func TestAppendParseLongHeaderInitialRoundTrip(t *testing.T) {
	dcid := ConnectionID{0x83, 0x94, 0xc8, 0xf0, 0x3e, 0x51, 0x57, 0x08}
	scid := ConnectionID{0xaa, 0xbb, 0xcc, 0xdd}
	token := []byte{0x01, 0x02, 0x03}
	payloadLen := 16

	buf := AppendLongHeader(nil, LongPacketInitial, Version1, dcid, scid, token, 2, payloadLen)
	buf = append(buf, make([]byte, 2+payloadLen)...) // stand-in pn + payload bytes

	h, err := ParseLongHeader(buf)
	if err != nil {
		t.Fatalf("ParseLongHeader: %v", err)
	}
	if h.Type != LongPacketInitial {
		t.Errorf("Type = %v, want LongPacketInitial", h.Type)
	}
	if h.Version != Version1 {
		t.Errorf("Version = %x, want %x", h.Version, Version1)
	}
	if !h.DestConnID.Equal(dcid) {
		t.Errorf("DestConnID = %x, want %x", h.DestConnID, dcid)
	}
	if !h.SrcConnID.Equal(scid) {
		t.Errorf("SrcConnID = %x, want %x", h.SrcConnID, scid)
	}
	if !bytes.Equal(h.Token, token) {
		t.Errorf("Token = %x, want %x", h.Token, token)
	}
	if h.Length != uint64(2+payloadLen) {
		t.Errorf("Length = %d, want %d", h.Length, 2+payloadLen)
	}
	if h.PNOffset != len(buf)-2-payloadLen {
		t.Errorf("PNOffset = %d, want %d", h.PNOffset, len(buf)-2-payloadLen)
	}
}

func TestParseLongHeaderRejectsShortHeader(t *testing.T) {
	buf := AppendShortHeader(nil, ConnectionID{0x01, 0x02}, 1)
	if _, err := ParseLongHeader(buf); err == nil {
		t.Fatal("ParseLongHeader should reject a short-header packet")
	}
}

func TestParseLongHeaderRejectsUnsupportedVersion(t *testing.T) {
	buf := AppendLongHeader(nil, LongPacketInitial, 0xdeadbeef, ConnectionID{0x01}, ConnectionID{0x02}, nil, 1, 0)
	if _, err := ParseLongHeader(buf); err != ErrUnsupportedVersion {
		t.Errorf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestAppendParseShortHeaderRoundTrip(t *testing.T) {
	dcid := ConnectionID{0x01, 0x02, 0x03, 0x04}
	buf := AppendShortHeader(nil, dcid, 2)
	buf = append(buf, 0x00, 0x01) // stand-in packet-number bytes

	h, err := ParseShortHeader(buf, dcid.Len())
	if err != nil {
		t.Fatalf("ParseShortHeader: %v", err)
	}
	if !h.DestConnID.Equal(dcid) {
		t.Errorf("DestConnID = %x, want %x", h.DestConnID, dcid)
	}
	if h.PNOffset != 1+dcid.Len() {
		t.Errorf("PNOffset = %d, want %d", h.PNOffset, 1+dcid.Len())
	}
}

func TestPeekDestConnIDLongAndShort(t *testing.T) {
	dcid := ConnectionID{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x11}
	longBuf := AppendLongHeader(nil, LongPacketHandshake, Version1, dcid, ConnectionID{0x01}, nil, 1, 0)
	longBuf = append(longBuf, 0x00)

	got, isLong, err := PeekDestConnID(longBuf, 8)
	if err != nil {
		t.Fatalf("PeekDestConnID (long): %v", err)
	}
	if !isLong {
		t.Error("expected isLong = true for a long header packet")
	}
	if !got.Equal(dcid) {
		t.Errorf("long header DestConnID = %x, want %x", got, dcid)
	}

	shortBuf := AppendShortHeader(nil, dcid, 1)
	shortBuf = append(shortBuf, 0x00)

	got, isLong, err = PeekDestConnID(shortBuf, dcid.Len())
	if err != nil {
		t.Fatalf("PeekDestConnID (short): %v", err)
	}
	if isLong {
		t.Error("expected isLong = false for a short header packet")
	}
	if !got.Equal(dcid) {
		t.Errorf("short header DestConnID = %x, want %x", got, dcid)
	}
}

func TestAppendPacketNumberRightAligned(t *testing.T) {
	got := AppendPacketNumber(nil, 0x1234, 2)
	want := []byte{0x12, 0x34}
	if !bytes.Equal(got, want) {
		t.Errorf("AppendPacketNumber() = %x, want %x", got, want)
	}
}
