package quic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Unauthenticated QUIC packet header parsing (RFC 9000 Section 17).
//
// This file only parses the bytes a passive observer can read before any
// cryptographic material is applied: header form, fixed bit, long-header
// type, version, connection IDs, and (for Initial) the retry token. It
// deliberately does NOT parse the packet number — RFC 9001 Section 5.4
// places the packet number under header protection, so its bytes cannot be
// trusted until HP has been removed (see headerprotect.go). Instead this
// file reports the byte offset at which the (still-protected) packet-number
// field begins, which is everything C5/C8 need to remove HP and everything
// C4 needs to build AAD.

const (
	Version1 uint32 = 0x00000001

	headerFormLong  = 0x80
	headerFormShort = 0x00
	fixedBit        = 0x40

	longTypeInitial   = 0x00
	longTypeZeroRTT   = 0x10
	longTypeHandshake = 0x20
	longTypeRetry     = 0x30

	MaxConnectionIDLen = 20
	MinInitialDCIDLen  = 8 // RFC 9000 Section 7.2: client-chosen DCID must be >= 8 bytes
	MinInitialDatagram = 1200
)

// LongPacketType identifies the type bits of a long header packet.
type LongPacketType uint8

const (
	LongPacketInitial LongPacketType = iota
	LongPacketZeroRTT
	LongPacketHandshake
	LongPacketRetry
)

var (
	ErrInvalidHeader      = errors.New("quic: invalid header")
	ErrUnsupportedVersion = errors.New("quic: unsupported version")
	ErrPacketTooShort     = errors.New("quic: packet too short")
)

// ConnectionID is a QUIC connection ID: 0-20 opaque bytes (RFC 9000 Section
// 5.1). It lives here, not in varint.go, because every operation on one
// (parse/append with its wire length prefix, peek by the demux) belongs to
// header parsing — the varint codec only supplies appendVarint/parseVarint
// as building blocks.
type ConnectionID []byte

// IsEmpty reports whether this is the zero-length connection ID.
func (c ConnectionID) IsEmpty() bool { return len(c) == 0 }

// Equal reports whether two connection IDs hold the same bytes.
func (c ConnectionID) Equal(other ConnectionID) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Len returns the connection ID's length in bytes.
func (c ConnectionID) Len() int { return len(c) }

// parseConnectionID parses a length-prefixed connection ID: a single
// length byte (0-20) followed by that many bytes, the encoding long
// headers use for both DCID and SCID (RFC 9000 Section 17.2).
func parseConnectionID(data []byte) (ConnectionID, int, error) {
	if len(data) == 0 {
		return nil, 0, ErrPacketTooShort
	}
	cidLen := int(data[0])
	if cidLen > MaxConnectionIDLen {
		return nil, 0, fmt.Errorf("%w: connection id length %d exceeds %d", ErrInvalidHeader, cidLen, MaxConnectionIDLen)
	}
	if len(data) < 1+cidLen {
		return nil, 0, ErrPacketTooShort
	}
	cid := make(ConnectionID, cidLen)
	copy(cid, data[1:1+cidLen])
	return cid, 1 + cidLen, nil
}

// appendConnectionID appends a connection ID with its one-byte length
// prefix, the inverse of parseConnectionID.
func appendConnectionID(buf []byte, cid ConnectionID) []byte {
	buf = append(buf, byte(len(cid)))
	return append(buf, cid...)
}

// UnauthenticatedLongHeader holds everything parsed from a long header
// before header protection removal. PNOffset is the offset, from the start
// of the datagram, of the first (still-protected) packet-number byte.
// HeaderLen is not known yet: the Length varint describes packet-number
// bytes + encrypted payload, but the packet-number length itself is hidden
// under HP until it is removed.
type UnauthenticatedLongHeader struct {
	Type       LongPacketType
	Version    uint32
	DestConnID ConnectionID
	SrcConnID  ConnectionID
	Token      []byte // Initial only
	Length     uint64 // packet-number length + protected payload length
	PNOffset   int    // offset of first packet-number byte within the datagram
	FirstByte  byte   // still header-protected
}

// UnauthenticatedShortHeader holds the parse of a 1-RTT short header. The
// destination connection ID length is not self-describing in a short
// header — the caller must supply the length it assigned when it handed out
// this connection ID (RFC 9000 Section 17.3.1).
type UnauthenticatedShortHeader struct {
	DestConnID ConnectionID
	PNOffset   int
	FirstByte  byte
}

// ParseLongHeader parses the unauthenticated portion of a long header
// packet starting at data[0]. It does not touch the packet-number bytes.
func ParseLongHeader(data []byte) (*UnauthenticatedLongHeader, error) {
	if len(data) < 5 {
		return nil, ErrPacketTooShort
	}

	first := data[0]
	if first&headerFormLong == 0 {
		return nil, fmt.Errorf("%w: not a long header", ErrInvalidHeader)
	}
	if first&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit unset", ErrInvalidHeader)
	}

	version := binary.BigEndian.Uint32(data[1:5])
	if version != Version1 {
		return nil, ErrUnsupportedVersion
	}

	var typ LongPacketType
	switch first & 0x30 {
	case longTypeInitial:
		typ = LongPacketInitial
	case longTypeZeroRTT:
		typ = LongPacketZeroRTT
	case longTypeHandshake:
		typ = LongPacketHandshake
	case longTypeRetry:
		typ = LongPacketRetry
	}

	offset := 5

	dcid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("%w: dest conn id: %v", ErrInvalidHeader, err)
	}
	offset += n

	scid, n, err := parseConnectionID(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("%w: src conn id: %v", ErrInvalidHeader, err)
	}
	offset += n

	h := &UnauthenticatedLongHeader{
		Type:       typ,
		Version:    version,
		DestConnID: dcid,
		SrcConnID:  scid,
		FirstByte:  first,
	}

	if typ == LongPacketInitial {
		tokenLen, n, err := parseVarint(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("%w: token length: %v", ErrInvalidHeader, err)
		}
		offset += n
		if uint64(len(data)) < uint64(offset)+tokenLen {
			return nil, ErrPacketTooShort
		}
		h.Token = append([]byte(nil), data[offset:offset+int(tokenLen)]...)
		offset += int(tokenLen)
	}

	length, n, err := parseVarint(data[offset:])
	if err != nil {
		return nil, fmt.Errorf("%w: length: %v", ErrInvalidHeader, err)
	}
	offset += n
	h.Length = length

	if uint64(len(data)) < uint64(offset)+length {
		return nil, ErrPacketTooShort
	}

	h.PNOffset = offset
	return h, nil
}

// ParseShortHeader parses the unauthenticated portion of a short header
// (1-RTT) packet. dcidLen must be supplied by the caller (the connection
// that owns this DCID knows its own length).
func ParseShortHeader(data []byte, dcidLen int) (*UnauthenticatedShortHeader, error) {
	if len(data) < 1+dcidLen {
		return nil, ErrPacketTooShort
	}
	first := data[0]
	if first&headerFormLong != 0 {
		return nil, fmt.Errorf("%w: not a short header", ErrInvalidHeader)
	}
	if first&fixedBit == 0 {
		return nil, fmt.Errorf("%w: fixed bit unset", ErrInvalidHeader)
	}

	dcid := ConnectionID(append([]byte(nil), data[1:1+dcidLen]...))

	return &UnauthenticatedShortHeader{
		DestConnID: dcid,
		PNOffset:   1 + dcidLen,
		FirstByte:  first,
	}, nil
}

// PeekDestConnID extracts just the destination connection ID from the first
// packet in a datagram, without validating the rest of the header. This is
// all the demultiplexer (C9) needs to route a datagram — and it must work
// even for a short header, where the caller supplies the DCID length it
// handed out when the connection was created.
func PeekDestConnID(data []byte, shortHeaderDCIDLen int) (ConnectionID, bool, error) {
	if len(data) == 0 {
		return nil, false, ErrPacketTooShort
	}
	if data[0]&headerFormLong != 0 {
		h, err := ParseLongHeader(data)
		if err != nil {
			return nil, false, err
		}
		return h.DestConnID, true, nil
	}
	if len(data) < 1+shortHeaderDCIDLen {
		return nil, false, ErrPacketTooShort
	}
	return ConnectionID(data[1 : 1+shortHeaderDCIDLen]), false, nil
}

// AppendLongHeader serializes a long-header prefix (everything up to and
// including the Length varint) to buf, given the final on-wire packet
// number length and payload length. It does not write packet-number bytes
// or payload; callers that need exact control over buffer layout (C10) use
// this to learn sizes and then append the rest themselves.
func AppendLongHeader(buf []byte, typ LongPacketType, version uint32, dcid, scid ConnectionID, token []byte, pnLen int, payloadLen int) []byte {
	first := byte(headerFormLong | fixedBit)
	switch typ {
	case LongPacketInitial:
		first |= longTypeInitial
	case LongPacketZeroRTT:
		first |= longTypeZeroRTT
	case LongPacketHandshake:
		first |= longTypeHandshake
	case LongPacketRetry:
		first |= longTypeRetry
	}
	first |= byte(pnLen - 1)

	buf = append(buf, first)
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], version)
	buf = append(buf, verBuf[:]...)
	buf = appendConnectionID(buf, dcid)
	buf = appendConnectionID(buf, scid)

	if typ == LongPacketInitial {
		buf, _ = appendVarint(buf, uint64(len(token)))
		buf = append(buf, token...)
	}

	buf, _ = appendVarint(buf, uint64(pnLen+payloadLen))
	return buf
}

// AppendShortHeader serializes a short-header prefix (first byte + DCID).
func AppendShortHeader(buf []byte, dcid ConnectionID, pnLen int) []byte {
	first := byte(fixedBit) | byte(pnLen-1)
	buf = append(buf, first)
	buf = append(buf, dcid...)
	return buf
}

// AppendPacketNumber writes the truncated packet number, pnLen bytes,
// big-endian, right-aligned.
func AppendPacketNumber(buf []byte, pn uint64, pnLen int) []byte {
	for i := pnLen - 1; i >= 0; i-- {
		buf = append(buf, byte(pn>>(uint(i)*8)))
	}
	return buf
}
