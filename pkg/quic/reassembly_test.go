package quic

import (
	"bytes"
	"testing"
)

// TestReassemblyOutOfOrderDeliversContiguousPrefix is spec.md Section 8's
// CRYPTO reassembly property: three out-of-order frames at offsets
// (0, 10, 4) with lengths (4, 5, 6) must deliver the 15-byte stream exactly
// once, in order, each contiguous prefix as soon as it is available.
func TestReassemblyOutOfOrderDeliversContiguousPrefix(t *testing.T) {
	var buf OffsetBuffer

	full := []byte("abcdefghijklmno") // 15 bytes
	chunk0 := full[0:4]               // offset 0, len 4
	chunk10 := full[10:15]            // offset 10, len 5
	chunk4 := full[4:10]              // offset 4, len 6

	if err := buf.Write(0, chunk0); err != nil {
		t.Fatalf("write offset 0: %v", err)
	}
	got := buf.Drain()
	if !bytes.Equal(got, chunk0) {
		t.Fatalf("drain after only offset 0 = %q, want %q", got, chunk0)
	}

	if err := buf.Write(10, chunk10); err != nil {
		t.Fatalf("write offset 10: %v", err)
	}
	if got := buf.Drain(); got != nil {
		t.Fatalf("drain with a gap at offset 4 should be empty, got %q", got)
	}

	if err := buf.Write(4, chunk4); err != nil {
		t.Fatalf("write offset 4: %v", err)
	}
	got = append(got, buf.Drain()...)
	if !bytes.Equal(got, full) {
		t.Fatalf("delivered bytes = %q, want %q", got, full)
	}

	// Exactly once: draining again yields nothing further.
	if more := buf.Drain(); more != nil {
		t.Fatalf("second Drain() should be empty, got %q", more)
	}
}

func TestReassemblyRetransmissionMustMatch(t *testing.T) {
	var buf OffsetBuffer
	if err := buf.Write(0, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Identical retransmission at an overlapping offset is fine.
	if err := buf.Write(0, []byte("hello")); err != nil {
		t.Fatalf("identical retransmission should be accepted: %v", err)
	}
	// Contradictory retransmission at an overlapping offset is a violation.
	if err := buf.Write(2, []byte("XXX")); err == nil {
		t.Fatal("contradictory retransmission should be rejected")
	}
}

func TestReassemblyDuplicateAfterDeliveryIsIgnored(t *testing.T) {
	var buf OffsetBuffer
	if err := buf.Write(0, []byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := buf.Drain(); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("Drain() = %q, want abcd", got)
	}
	// A full retransmission of already-delivered bytes should not error and
	// should not re-deliver anything.
	if err := buf.Write(0, []byte("abcd")); err != nil {
		t.Fatalf("retransmission of delivered bytes should be accepted: %v", err)
	}
	if got := buf.Drain(); got != nil {
		t.Fatalf("Drain() after re-delivered bytes should be empty, got %q", got)
	}
}

func TestReassemblyPartialOverlapWithDeliveredPrefix(t *testing.T) {
	var buf OffsetBuffer
	if err := buf.Write(0, []byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf.Drain()

	// Offset 2 overlaps the already-delivered [0,4) region for its first two
	// bytes and extends it for the rest; only the new suffix should surface.
	if err := buf.Write(2, []byte("cdef")); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := buf.Drain()
	if !bytes.Equal(got, []byte("ef")) {
		t.Fatalf("Drain() = %q, want ef", got)
	}
}
