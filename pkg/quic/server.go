package quic

import (
	"crypto/rand"
	"net"
	"sync"

	"github.com/yourusername/quicd/internal/qlog"
)

// Demultiplexer (C9), spec.md Section 4.9. Grounded on the teacher's
// connection_migration_test.go convention of addressing peers by net.Addr,
// but the CID -> Connection map itself has no teacher equivalent: shockwave
// keeps a single *Connection per listener goroutine rather than a shared
// routing table, consistent with DESIGN.md's note that the teacher's quic
// package never finished its multi-connection server path.
//
// Server holds the one piece of cross-connection state spec.md Section 5
// names: "the CID -> Connection map in the demux is the only cross-
// connection structure." Everything else lives inside a single Connection.

// Server routes inbound datagrams to connections by destination connection
// ID, creating new connections for unrecognized Initial packets.
type Server struct {
	mu    sync.Mutex
	conns map[string]*Connection

	cert      CertificateProvider
	telemetry Telemetry
	log       *qlog.Logger

	localCIDLen int
}

// NewServer builds a demultiplexer. localCIDLen is the length this server
// assigns its own connection IDs, the value short-header packets are split
// and parsed against (spec.md Section 4.2: a short header carries no CID
// length field, so the demux and every connection must agree on one).
func NewServer(cert CertificateProvider, telemetry Telemetry, localCIDLen int) *Server {
	if telemetry == nil {
		telemetry = NopTelemetry{}
	}
	return &Server{
		conns:       make(map[string]*Connection),
		cert:        cert,
		telemetry:   telemetry,
		log:         qlog.Nop(),
		localCIDLen: localCIDLen,
	}
}

// SetLogger replaces the server's logger, nil-safe: passing nil reverts to
// a Logger that discards everything. Never pass decrypted payload bytes,
// keys, or IVs to anything it logs (spec.md Section 5).
func (s *Server) SetLogger(l *qlog.Logger) {
	if l == nil {
		l = qlog.Nop()
	}
	s.log = l
}

func cidKey(id ConnectionID) string { return string(id) }

// lookup returns the connection routed to by a connection ID, if any.
func (s *Server) lookup(dcid ConnectionID) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[cidKey(dcid)]
	return c, ok
}

func (s *Server) register(id ConnectionID, c *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[cidKey(id)] = c
}

func (s *Server) unregister(id ConnectionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, cidKey(id))
}

// newConnectionID is the server's own SCID choice for a freshly created
// connection. length is the server's configured localCIDLen (see
// NewServer); no further CID allocation scheme is implemented, as that is
// out of scope of this core.
func newConnectionID(length int) ConnectionID {
	// The core never dials out and never needs these IDs to be
	// unguessable against an off-path attacker (spec.md Non-goals exclude
	// connection migration/path validation, the only things that lean on
	// CID unlinkability); a process-local counter would collide across
	// restarts, so random bytes are used instead, sourced the same way
	// TLS 1.3 randoms are in tls13.go.
	id := make(ConnectionID, length)
	_, _ = rand.Read(id)
	return id
}

// Recv implements spec.md Section 6's recv(peer_addr, bytes): ingest one
// UDP datagram, route every coalesced packet it contains to the
// connection its DCID identifies (creating one for an unrecognized
// Initial), and collect the outgoing datagrams and events that result.
//
// peerAddr is accepted for interface-shape fidelity with spec.md Section 6
// but unused: this core pins the peer address for a connection's lifetime
// (Non-goals exclude connection migration) and never needs to compare it,
// since the demux already routes exclusively by CID.
func (s *Server) Recv(peerAddr net.Addr, datagram []byte) (outgoing [][]byte, events []Event) {
	dcid, isLong, err := PeekDestConnID(datagram, s.localCIDLen)
	if err != nil {
		s.log.Debugf("dropping datagram from %s: %v", peerAddr, err)
		return nil, nil // KindMalformedDatagram: silent drop, spec.md Section 7
	}

	conn, ok := s.lookup(dcid)
	if !ok {
		if !isLong {
			// A short-header packet for an unknown CID can never start a
			// connection (spec.md Section 4.9 requires an Initial).
			return nil, nil
		}
		conn, ok = s.acceptInitial(dcid, datagram)
		if !ok {
			s.log.Debugf("dropping unrecognized datagram from %s: not a valid Initial", peerAddr)
			return nil, nil
		}
		s.log.Debugf("accepted new connection from %s", peerAddr)
	}

	packets, err := SplitCoalescedPackets(datagram, s.localCIDLen)
	if err != nil {
		return nil, nil
	}

	for _, pkt := range packets {
		ev, dgrams := conn.RecvPacket(pkt)
		events = append(events, ev...)
		outgoing = append(outgoing, dgrams...)
	}

	if conn.State() == StateDrained || conn.State() == StateClosed {
		s.log.Debugf("connection %x torn down in state %s", conn.LocalConnectionID(), conn.State())
		conn.Destroy()
		s.unregister(conn.LocalConnectionID())
		s.unregister(dcid)
	}

	return outgoing, events
}

// acceptInitial creates a new server connection for a DCID this server has
// never seen, per spec.md Section 4.9: "only if the packet is an Initial
// with a DCID length >= 8". It is the demux's responsibility to check the
// length; everything else about whether the Initial is well-formed is
// left to Connection.RecvPacket, since a malformed or spoofed Initial
// fails its AEAD check harmlessly once forwarded (the DCID would not
// match the ODCID a genuine client chose).
func (s *Server) acceptInitial(dcid ConnectionID, datagram []byte) (*Connection, bool) {
	if datagram[0]&headerFormLong == 0 {
		return nil, false
	}
	h, err := ParseLongHeader(datagram)
	if err != nil || h.Type != LongPacketInitial {
		return nil, false
	}
	if dcid.Len() < MinInitialDCIDLen {
		return nil, false
	}

	localCID := newConnectionID(s.localCIDLen)
	conn, err := NewServerConnection(dcid, localCID, s.cert, s.telemetry)
	if err != nil {
		return nil, false
	}

	s.register(dcid, conn)
	s.register(localCID, conn)
	return conn, true
}

// Tick implements spec.md Section 6's tick(now): loss detection and
// retransmission scheduling live entirely outside this core (spec.md
// Section 5 — "the algorithms themselves are external; the core only
// surfaces what needs to be re-sent"). What this core does own is each
// space's ack-eliciting-pending flag, so Tick sweeps every connection and
// every installed level for a pending ACK and collects the resulting
// datagrams. now is accepted for interface-shape fidelity with spec.md
// Section 6 but unused: nothing about this core's own ACK-pending state
// is time-dependent, only the external scheduler's decision to call Tick
// at all.
func (s *Server) Tick(now int64) (outgoing [][]byte) {
	s.mu.Lock()
	conns := make([]*Connection, 0, len(s.conns))
	seen := make(map[*Connection]bool)
	for _, c := range s.conns {
		if !seen[c] {
			seen[c] = true
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, conn := range conns {
		for _, level := range [...]EncryptionLevel{EncryptionInitial, EncryptionHandshake, EncryptionApplication} {
			if !conn.AckPending(level) {
				continue
			}
			if datagram, ok := conn.BuildAck(level); ok {
				outgoing = append(outgoing, datagram)
			}
		}
	}
	return outgoing
}

// Close implements spec.md Section 6's close(conn, app_code, reason):
// initiate closure of one connection and return its CONNECTION_CLOSE
// datagram. The connection is not removed from the routing table
// immediately — a retransmitted CONNECTION_CLOSE in response to further
// inbound packets on the same CIDs is still correct per RFC 9000 Section
// 10.2 until the caller's own draining-period timer (external to this
// core) expires and calls Drop.
func (s *Server) Close(localCID ConnectionID, appCode uint64, reason string) []byte {
	conn, ok := s.lookup(localCID)
	if !ok {
		return nil
	}
	return conn.Close(appCode, reason)
}

// Drop removes a connection from the routing table and zeroizes its key
// material, once the external draining-period timer has expired.
func (s *Server) Drop(localCID ConnectionID) {
	conn, ok := s.lookup(localCID)
	if !ok {
		return
	}
	conn.Destroy()
	s.unregister(conn.LocalConnectionID())
	s.unregister(conn.odcid)
}
