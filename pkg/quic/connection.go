package quic

import (
	"errors"
	"fmt"
)

// Connection state machine (C8), spec.md Section 4.8 and Section 3's data
// model. No teacher file defines a Connection type for this package at all
// — tls_conn.go and packet.go both reference `*Connection` as a collaborator
// but the type itself is one of the teacher's missing pieces, consistent
// with DESIGN.md's note that the source tree carries partial drafts. This
// file is built from scratch against spec.md's description, reusing the
// teacher's per-file conventions where they do apply: CryptoKeys's
// derive-once shape (keys.go), and crypto.go's ProtectPacket/UnprotectPacket
// split between sealing and framing, now expressed through initial.go's
// PacketSpec instead.
//
// Per spec.md Section 9's single-owner-tree redesign note: Connection owns
// HandshakeContext (the Handshake type) and per-level key state directly,
// with no back-pointer from either into Connection. Anything that would
// need one (e.g. a retransmission scheduler) is expected to hold a CID or
// connection handle and go through the demux map (server.go) instead.

// ConnectionState is the connection's high-level lifecycle, spec.md
// Section 3: "Idle -> Handshaking -> Established -> Closing -> Drained ->
// Closed".
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateHandshaking
	StateEstablished
	StateClosing
	StateDrained
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateDrained:
		return "drained"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// levelCrypto holds everything needed to seal and open packets at one
// encryption level, plus the CRYPTO reassembly buffer feeding the
// handshake at that level (spec.md Section 3: "a CRYPTO reassembly buffer
// per encryption level").
type levelCrypto struct {
	installed bool
	keys      LevelKeys

	// clientAEAD/clientHP protect the direction this core receives
	// (client-to-server); serverAEAD/serverHP protect what this core sends.
	clientAEAD *AEAD
	clientHP   *HeaderProtector
	serverAEAD *AEAD
	serverHP   *HeaderProtector

	crypto OffsetBuffer
	pns    PacketNumberSpace
}

func newLevelCrypto() *levelCrypto {
	return &levelCrypto{pns: PacketNumberSpace{received: make(map[uint64]bool)}}
}

func (lc *levelCrypto) install(keys LevelKeys) error {
	clientAEAD, err := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Client)
	if err != nil {
		return fmt.Errorf("quic: install client aead: %w", err)
	}
	serverAEAD, err := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Server)
	if err != nil {
		return fmt.Errorf("quic: install server aead: %w", err)
	}
	clientHP, err := NewHeaderProtector(keys.Client.HP)
	if err != nil {
		return fmt.Errorf("quic: install client hp: %w", err)
	}
	serverHP, err := NewHeaderProtector(keys.Server.HP)
	if err != nil {
		return fmt.Errorf("quic: install server hp: %w", err)
	}
	lc.keys = keys
	lc.clientAEAD = clientAEAD
	lc.serverAEAD = serverAEAD
	lc.clientHP = clientHP
	lc.serverHP = serverHP
	lc.installed = true
	return nil
}

func (lc *levelCrypto) zeroize() {
	lc.keys.Zeroize()
	if lc.clientAEAD != nil {
		lc.clientAEAD.Zeroize()
	}
	if lc.serverAEAD != nil {
		lc.serverAEAD.Zeroize()
	}
}

// EventKind identifies what happened on a connection as a result of
// processing an inbound datagram, surfaced across the application-data
// interface (spec.md Section 6).
type EventKind int

const (
	EventStreamData EventKind = iota
	EventStreamReset
	EventHandshakeComplete
	EventConnectionClosed
)

// Event is one occurrence to report to the application-data collaborator.
type Event struct {
	Kind EventKind

	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool

	ResetCode uint64

	CloseCode uint64
}

// Connection is one server-side QUIC connection: three packet-number
// spaces, the embedded TLS 1.3 handshake, per-level keys, and application
// streams. It is driven entirely by RecvPacket/EnqueueStreamData/Close/
// Destroy — there are no internal suspension points (spec.md Section 5).
type Connection struct {
	localCID  ConnectionID
	remoteCID ConnectionID
	odcid     ConnectionID

	state ConnectionState

	initial     *levelCrypto
	handshake   *levelCrypto
	application *levelCrypto

	hs   *Handshake
	cert CertificateProvider

	streams *StreamManager

	telemetry Telemetry

	closeErr *TransportError
}

// NewServerConnection creates a connection for a freshly observed Initial
// packet. odcid is the client's original destination connection ID (the
// DCID on that first packet, per spec.md Section 3); localCID is the SCID
// this server chooses to identify itself going forward.
func NewServerConnection(odcid, localCID ConnectionID, cert CertificateProvider, telemetry Telemetry) (*Connection, error) {
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	hs, err := NewHandshake(cert)
	if err != nil {
		return nil, fmt.Errorf("quic: new connection: %w", err)
	}

	c := &Connection{
		localCID:    localCID,
		remoteCID:   odcid,
		odcid:       odcid,
		state:       StateHandshaking,
		initial:     newLevelCrypto(),
		handshake:   newLevelCrypto(),
		application: newLevelCrypto(),
		hs:          hs,
		cert:        cert,
		streams:     newStreamManager(),
		telemetry:   telemetry,
	}

	initialKeys := DeriveInitialKeys(odcid)
	if err := c.initial.install(initialKeys); err != nil {
		return nil, err
	}
	return c, nil
}

// State reports the connection's high-level lifecycle state.
func (c *Connection) State() ConnectionState { return c.state }

// LocalConnectionID returns the SCID this connection identifies itself
// with, the key the demultiplexer (server.go) routes future datagrams by.
func (c *Connection) LocalConnectionID() ConnectionID { return c.localCID }

// levelFor returns the levelCrypto for a level, or nil for 0-RTT (never
// installed; spec.md Non-goals).
func (c *Connection) levelFor(level EncryptionLevel) *levelCrypto {
	switch level {
	case EncryptionInitial:
		return c.initial
	case EncryptionHandshake:
		return c.handshake
	case EncryptionApplication:
		return c.application
	default:
		return nil
	}
}

// RecvPacket processes one already-demultiplexed, already-split packet
// (see SplitCoalescedPackets) belonging to this connection. It follows
// these steps: select keys, remove header protection, decode the packet
// number, decrypt, drop duplicates, parse frames, and advance state. The
// duplicate check runs after decryption, so a replayed packet is decrypted
// once more before it is dropped. AEAD and malformed-header failures are
// silent drops (never connection-fatal, RFC 9001 Section 5.8); a
// structurally valid decrypted payload with an invalid frame stream closes
// the connection with FRAME_ENCODING_ERROR or PROTOCOL_VIOLATION. No Go
// error crosses this boundary (spec.md Section 7) — failures surface only
// as a connection_closed event plus the CONNECTION_CLOSE datagram to send.
func (c *Connection) RecvPacket(raw RawPacket) (events []Event, outgoing [][]byte) {
	if c.state == StateClosed || c.state == StateDrained {
		return nil, nil
	}

	var level EncryptionLevel
	var pn uint64
	var payload []byte
	var ok bool

	if raw.LongHeader {
		h, parseErr := ParseLongHeader(raw.Data)
		if parseErr != nil {
			return nil, nil // KindMalformedDatagram: silent drop
		}
		switch h.Type {
		case LongPacketInitial:
			level = EncryptionInitial
		case LongPacketHandshake:
			level = EncryptionHandshake
		default:
			return nil, nil // 0-RTT / Retry: not supported, silent drop
		}
		lc := c.levelFor(level)
		if lc == nil || !lc.installed {
			return nil, nil
		}
		_, pn, payload, ok = OpenLongHeaderPacket(raw.Data, lc.clientHP, lc.clientAEAD, &lc.pns)
		if !ok {
			c.telemetry.AeadOpenFailed(level)
			return nil, nil
		}
	} else {
		level = EncryptionApplication
		lc := c.levelFor(level)
		if lc == nil || !lc.installed {
			return nil, nil
		}
		pn, payload, ok = OpenShortHeaderPacket(raw.Data, c.localCID.Len(), lc.clientHP, lc.clientAEAD, &lc.pns)
		if !ok {
			c.telemetry.AeadOpenFailed(level)
			return nil, nil
		}
	}

	c.telemetry.PacketReceived(level)

	lc := c.levelFor(level)
	if lc.pns.IsDuplicate(pn) {
		return nil, nil // spec.md Section 8: "Replay drop"
	}
	lc.pns.RecordReceived(pn)

	events, outgoing, terr := c.handlePayload(level, payload)
	if terr != nil {
		ev, datagram := c.closeWithError(terr)
		events = append(events, ev...)
		if datagram != nil {
			outgoing = append(outgoing, datagram)
		}
	}
	return events, outgoing
}

// handlePayload parses every frame in a decrypted packet payload and
// applies its effect: CRYPTO bytes drive the handshake (and may produce
// outbound flight datagrams), STREAM bytes feed the stream manager, and
// ACK/PING/PADDING are bookkeeping this core has no further use for.
func (c *Connection) handlePayload(level EncryptionLevel, payload []byte) (events []Event, outgoing [][]byte, terr *TransportError) {
	lc := c.levelFor(level)

	for len(payload) > 0 {
		frame, n, err := ParseFrame(payload)
		if err != nil {
			// An unknown frame type (spec.md Section 4.6) is a
			// ProtocolViolation, not a FrameEncodingError; ParseFrame wraps
			// ErrProtocolViolation for that case specifically, so that
			// classification must survive here rather than being collapsed
			// into the generic frame-encoding mapping.
			var terr *TransportError
			if errors.As(err, &terr) {
				return events, outgoing, terr
			}
			return events, outgoing, NewTransportError(KindFrameEncodingError, err.Error())
		}
		payload = payload[n:]

		switch f := frame.(type) {
		case *PaddingFrame:
			// PADDING is not ack-eliciting (RFC 9000 Section 13.2.1).

		case *PingFrame:
			lc.pns.MarkAckEliciting()

		case *AckFrame:
			// Retransmission scheduling is external (spec.md Section 5);
			// this core has nothing to do with an inbound ACK itself.

		case *CryptoFrame:
			lc.pns.MarkAckEliciting()
			ev, dgrams, cerr := c.handleCrypto(level, f)
			if cerr != nil {
				return events, outgoing, cerr
			}
			events = append(events, ev...)
			outgoing = append(outgoing, dgrams...)

		case *StreamFrame:
			lc.pns.MarkAckEliciting()
			if c.state != StateEstablished {
				return events, outgoing, NewTransportError(KindProtocolViolation, "STREAM frame before handshake completion")
			}
			se, delivered, serr := c.streams.HandleStreamFrame(f)
			if serr != nil {
				return events, outgoing, NewTransportError(KindProtocolViolation, serr.Error())
			}
			if delivered {
				events = append(events, Event{Kind: EventStreamData, StreamID: se.StreamID, Offset: se.Offset, Data: se.Data, Fin: se.Fin})
			}

		case *ResetStreamFrame:
			lc.pns.MarkAckEliciting()
			c.streams.HandleResetStream(f)
			events = append(events, Event{Kind: EventStreamReset, StreamID: f.StreamID, ResetCode: f.ErrorCode})

		case *ConnectionCloseFrame:
			c.state = StateDrained
			events = append(events, Event{Kind: EventConnectionClosed, CloseCode: f.ErrorCode})

		case *HandshakeDoneFrame:
			// HANDSHAKE_DONE is server-only on the wire (RFC 9000 Section
			// 19.20); this core never acts as a client, so receiving one
			// changes nothing but still counts as ack-eliciting.
			lc.pns.MarkAckEliciting()

		default:
			lc.pns.MarkAckEliciting()
		}
	}
	return events, outgoing, nil
}

// handleCrypto reassembles one level's CRYPTO bytes and drives the
// embedded handshake forward (spec.md Section 4.7's state machine),
// building whatever flight datagram(s) become ready as a side effect.
func (c *Connection) handleCrypto(level EncryptionLevel, f *CryptoFrame) (events []Event, outgoing [][]byte, terr *TransportError) {
	lc := c.levelFor(level)
	if err := lc.crypto.Write(f.Offset, f.Data); err != nil {
		return nil, nil, NewTransportError(KindProtocolViolation, "inconsistent CRYPTO retransmission")
	}
	data := lc.crypto.Drain()
	if len(data) == 0 {
		return nil, nil, nil
	}

	switch level {
	case EncryptionInitial:
		return c.advanceFromClientHello(data)
	case EncryptionHandshake:
		return c.advanceFromClientFinished(data)
	default:
		return nil, nil, NewTransportError(KindProtocolViolation, "CRYPTO frame at unexpected level")
	}
}

// advanceFromClientHello runs the Idle -> ClientHelloReceived ->
// ServerHelloSent transition and, since handshake keys are installed
// immediately once ServerHello is queued (spec.md Section 4.7), also builds
// and sends the full server flight (EncryptedExtensions through Finished)
// in the same step, coalesced with the ServerHello into one datagram
// (spec.md Section 4.8: "MAY carry one packet per level... Initial ->
// Handshake -> 1-RTT").
func (c *Connection) advanceFromClientHello(data []byte) ([]Event, [][]byte, *TransportError) {
	serverHello, terr := c.hs.HandleInitialCrypto(data)
	if terr != nil {
		return nil, nil, terr
	}
	if serverHello == nil {
		return nil, nil, nil // ClientHello not fully reassembled yet
	}

	chs, shs := c.hs.HandshakeTrafficSecrets()
	if err := c.handshake.install(LevelKeys{Client: deriveKeySet(chs), Server: deriveKeySet(shs)}); err != nil {
		return nil, nil, NewTransportError(KindInternalError, err.Error())
	}

	flight, terr := c.hs.BuildServerFlight()
	if terr != nil {
		return nil, nil, terr
	}

	cas, sas := c.hs.ApplicationTrafficSecrets()
	if err := c.application.install(LevelKeys{Client: deriveKeySet(cas), Server: deriveKeySet(sas)}); err != nil {
		return nil, nil, NewTransportError(KindInternalError, err.Error())
	}

	initialSpec := c.buildSpec(EncryptionInitial, (&CryptoFrame{Data: serverHello}).mustAppend())
	handshakeSpec := c.buildSpec(EncryptionHandshake, (&CryptoFrame{Data: flight}).mustAppend())
	datagram := BuildCoalescedDatagram([]*PacketSpec{initialSpec, handshakeSpec})

	return nil, [][]byte{datagram}, nil
}

// advanceFromClientFinished verifies the client's Finished message; on
// success it completes the handshake and emits HANDSHAKE_DONE at
// Application level (spec.md Section 4.7: "once the client's Finished
// arrives").
func (c *Connection) advanceFromClientFinished(data []byte) ([]Event, [][]byte, *TransportError) {
	complete, terr := c.hs.HandleHandshakeCrypto(data)
	if terr != nil {
		return nil, nil, terr
	}
	if !complete {
		return nil, nil, nil
	}

	c.state = StateEstablished
	c.telemetry.HandshakeCompleted()
	c.hs.Zeroize()

	payload, _ := (&HandshakeDoneFrame{}).AppendTo(nil)
	spec := c.buildSpec(EncryptionApplication, payload)
	datagram := BuildCoalescedDatagram([]*PacketSpec{spec})

	return []Event{{Kind: EventHandshakeComplete}}, [][]byte{datagram}, nil
}

// ResetStream builds a 1-RTT datagram carrying a RESET_STREAM frame for the
// reset_stream action of spec.md Section 6.
func (c *Connection) ResetStream(streamID uint64, appCode uint64, finalSize uint64) []byte {
	f := &ResetStreamFrame{StreamID: streamID, ErrorCode: appCode, FinalSize: finalSize}
	payload, _ := f.AppendTo(nil)
	spec := c.buildSpec(EncryptionApplication, payload)
	return BuildCoalescedDatagram([]*PacketSpec{spec})
}

// AckPending reports whether level has ack-eliciting data that has not yet
// been acknowledged, the "send ACK now" flag spec.md Section 5 says this
// core exposes for an external retransmission scheduler to act on.
func (c *Connection) AckPending(level EncryptionLevel) bool {
	lc := c.levelFor(level)
	return lc != nil && lc.installed && lc.pns.AckPending()
}

// BuildAck builds a datagram carrying only an ACK frame for level's
// received packet numbers, for a caller's tick(now) to send when
// AckPending reports true. ok is false if level has nothing to
// acknowledge yet.
func (c *Connection) BuildAck(level EncryptionLevel) (datagram []byte, ok bool) {
	lc := c.levelFor(level)
	if lc == nil || !lc.installed {
		return nil, false
	}
	largest, ranges, hasRanges := lc.pns.BuildAckRanges()
	if !hasRanges {
		return nil, false
	}
	f := &AckFrame{LargestAcked: largest, Ranges: ranges}
	payload, _ := f.AppendTo(nil)
	spec := c.buildSpec(level, payload)
	lc.pns.ClearAckPending()
	return BuildCoalescedDatagram([]*PacketSpec{spec}), true
}

// EnqueueStreamData builds a 1-RTT datagram carrying a STREAM frame for the
// send_stream action of spec.md Section 6.
func (c *Connection) EnqueueStreamData(streamID uint64, data []byte, fin bool) []byte {
	f := c.streams.BuildSendFrame(streamID, data, fin)
	payload, _ := f.AppendTo(nil)
	spec := c.buildSpec(EncryptionApplication, payload)
	return BuildCoalescedDatagram([]*PacketSpec{spec})
}

// buildSpec allocates the next packet number in level's space and returns
// a PacketSpec ready for BuildCoalescedDatagram.
func (c *Connection) buildSpec(level EncryptionLevel, payload []byte) *PacketSpec {
	lc := c.levelFor(level)
	pn := lc.pns.NextSendNumber()
	pnLen := lc.pns.PNLen(pn)

	spec := &PacketSpec{
		Level:        level,
		Version:      Version1,
		DestConnID:   c.remoteCID,
		SrcConnID:    c.localCID,
		PacketNumber: pn,
		PNLen:        pnLen,
		Payload:      payload,
		AEAD:         lc.serverAEAD,
		HP:           lc.serverHP,
	}
	switch level {
	case EncryptionInitial:
		spec.LongType = LongPacketInitial
	case EncryptionHandshake:
		spec.LongType = LongPacketHandshake
	}
	c.telemetry.PacketSent(level)
	return spec
}

// Close initiates connection closure (spec.md Section 6's close action),
// returning the CONNECTION_CLOSE datagram to send at the highest level with
// installed keys.
func (c *Connection) Close(appCode uint64, reason string) []byte {
	terr := &TransportError{Kind: KindInternalError, Code: appCode, Reason: reason}
	return c.closeDatagram(terr, true)
}

// closeWithError transitions to Closing and returns the connection_closed
// event plus the CONNECTION_CLOSE datagram to send, per spec.md Section 7:
// "either attached to a per-datagram drop... or materialize as an outgoing
// CONNECTION_CLOSE datagram plus a transition into Closing."
func (c *Connection) closeWithError(terr *TransportError) ([]Event, []byte) {
	datagram := c.closeDatagram(terr, false)
	return []Event{{Kind: EventConnectionClosed, CloseCode: terr.Code}}, datagram
}

func (c *Connection) closeDatagram(terr *TransportError, isAppError bool) []byte {
	if c.state == StateClosed || c.state == StateDrained {
		return nil
	}
	c.state = StateClosing
	c.closeErr = terr

	level := EncryptionInitial
	switch {
	case c.application.installed:
		level = EncryptionApplication
	case c.handshake.installed:
		level = EncryptionHandshake
	}

	cc := &ConnectionCloseFrame{
		ErrorCode:    terr.Code,
		ReasonPhrase: []byte(terr.Reason),
		IsAppError:   isAppError,
	}
	payload, _ := cc.AppendTo(nil)
	spec := c.buildSpec(level, payload)
	return BuildCoalescedDatagram([]*PacketSpec{spec})
}

// Destroy releases all keying material the connection holds, per spec.md
// Section 5's secret-hygiene requirement: "all buffers holding keys, IVs,
// handshake secrets, and the X25519 private key are explicitly zeroed on
// drop." Called once the connection transitions to Drained/Closed and the
// external layer discards it.
func (c *Connection) Destroy() {
	c.initial.zeroize()
	c.handshake.zeroize()
	c.application.zeroize()
	c.hs.Zeroize()
	c.state = StateClosed
}

// mustAppend is used only where a CryptoFrame's own AppendTo cannot fail:
// a varint overflow on an offset/length this core itself assigned would be
// an internal bug, not a recoverable condition.
func (f *CryptoFrame) mustAppend() []byte {
	buf, err := f.AppendTo(nil)
	if err != nil {
		panic("quic: crypto frame encode: " + err.Error())
	}
	return buf
}
