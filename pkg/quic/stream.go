package quic

import "sync"

// Application stream tracking (RFC 9000 Section 2.1). Grounded on the
// teacher's stream.go StreamManager for ID allocation and the client/server
// × bidi/uni numbering scheme, but stripped of the teacher's blocking
// Read/Write io.Reader-shaped API and its own ad hoc out-of-order frame map
// (recvFrames map[uint64][]byte) — spec.md Section 5 says the core has no
// internal suspension points and Section 6 says the only stream surface is
// the event pair stream_data/stream_reset plus the actions send_stream/
// reset_stream. What used to be Stream.Read/Write here is just the data
// connection.go hands to and receives from the upper-layer collaborator.

const (
	streamTypeBidiMask   = 0x02
	streamTypeServerMask = 0x01
)

// StreamEvent is delivered to the application-data collaborator (spec.md
// Section 6) when a STREAM frame advances a stream's contiguous prefix.
type StreamEvent struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
	Fin      bool
}

// Stream holds per-stream reassembly and send-side bookkeeping. It does not
// implement flow control limits of its own — those are negotiated transport
// parameters the upper collaborator enforces; this core only reassembles
// and forwards.
type Stream struct {
	id uint64

	recv          OffsetBuffer
	recvFin       bool
	recvFinalSize uint64
	reset         bool
	resetCode     uint64

	sendOffset uint64
	sendClosed bool
}

func newStream(id uint64) *Stream {
	return &Stream{id: id}
}

// ID returns the stream ID.
func (s *Stream) ID() uint64 { return s.id }

// IsClientInitiated reports whether the peer that opened this stream was
// the client (the only role this core ever acts as the peer of).
func (s *Stream) IsClientInitiated() bool {
	return s.id&streamTypeServerMask == 0
}

// IsBidirectional reports whether the stream allows data in both directions.
func (s *Stream) IsBidirectional() bool {
	return s.id&streamTypeBidiMask == 0
}

// deliver folds an incoming STREAM frame into the reassembly buffer and
// returns the StreamEvent to surface, if the frame advanced the contiguous
// prefix. ok is false when the frame carried no new contiguous bytes (a
// duplicate or out-of-order fragment still buffered).
func (s *Stream) deliver(offset uint64, data []byte, fin bool) (StreamEvent, bool, error) {
	if err := s.recv.Write(offset, data); err != nil {
		return StreamEvent{}, false, err
	}
	if fin {
		finalSize := offset + uint64(len(data))
		if s.recvFin && s.recvFinalSize != finalSize {
			return StreamEvent{}, false, ErrProtocolViolation
		}
		s.recvFin = true
		s.recvFinalSize = finalSize
	}

	drained := s.recv.Drain()
	if len(drained) == 0 {
		return StreamEvent{}, false, nil
	}
	ev := StreamEvent{
		StreamID: s.id,
		Offset:   s.recv.Delivered() - uint64(len(drained)),
		Data:     drained,
		Fin:      s.recvFin && s.recv.Delivered() >= s.recvFinalSize,
	}
	return ev, true, nil
}

// buildStreamFrame constructs the next outbound STREAM frame for this
// stream and advances its send offset.
func (s *Stream) buildStreamFrame(data []byte, fin bool) *StreamFrame {
	f := &StreamFrame{
		StreamID: s.id,
		Offset:   s.sendOffset,
		Data:     append([]byte(nil), data...),
		Fin:      fin,
	}
	s.sendOffset += uint64(len(data))
	if fin {
		s.sendClosed = true
	}
	return f
}

// StreamManager owns every stream of one connection, keyed by stream ID.
type StreamManager struct {
	mu      sync.Mutex
	streams map[uint64]*Stream

	nextBidiServer uint64
	nextUniServer  uint64
}

func newStreamManager() *StreamManager {
	return &StreamManager{
		streams:        make(map[uint64]*Stream),
		nextBidiServer: 1, // server-initiated bidirectional streams start at 1
		nextUniServer:  3, // server-initiated unidirectional streams start at 3
	}
}

// getOrCreate returns the stream for id, creating it (as a peer-initiated
// stream) on first reference — this core never rejects a stream ID as
// "not yet opened" the way a flow-controlled implementation would, since
// stream concurrency limits are the upper collaborator's concern.
func (sm *StreamManager) getOrCreate(id uint64) *Stream {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.streams[id]; ok {
		return s
	}
	s := newStream(id)
	sm.streams[id] = s
	return s
}

// HandleStreamFrame folds an inbound STREAM frame into the right stream's
// reassembly buffer.
func (sm *StreamManager) HandleStreamFrame(f *StreamFrame) (StreamEvent, bool, error) {
	s := sm.getOrCreate(f.StreamID)
	return s.deliver(f.Offset, f.Data, f.Fin)
}

// HandleResetStream marks a stream reset, per RFC 9000 Section 3.2.
func (sm *StreamManager) HandleResetStream(f *ResetStreamFrame) {
	s := sm.getOrCreate(f.StreamID)
	sm.mu.Lock()
	s.reset = true
	s.resetCode = f.ErrorCode
	sm.mu.Unlock()
}

// OpenServerStream allocates the next server-initiated stream ID.
func (sm *StreamManager) OpenServerStream(bidirectional bool) *Stream {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	var id uint64
	if bidirectional {
		id = sm.nextBidiServer
		sm.nextBidiServer += 4
	} else {
		id = sm.nextUniServer
		sm.nextUniServer += 4
	}
	s := newStream(id)
	sm.streams[id] = s
	return s
}

// BuildSendFrame builds the STREAM frame for data queued on streamID via
// the send_stream collaborator action (spec.md Section 6).
func (sm *StreamManager) BuildSendFrame(streamID uint64, data []byte, fin bool) *StreamFrame {
	s := sm.getOrCreate(streamID)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return s.buildStreamFrame(data, fin)
}
