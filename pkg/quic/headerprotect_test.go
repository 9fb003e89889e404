package quic

import (
	"bytes"
	"testing"
)

func TestHeaderProtectionInvolutionLongHeader(t *testing.T) {
	hp, err := NewHeaderProtector(mustHex(t, "9f50449e04a0e810283a1e9933adedd2"))
	if err != nil {
		t.Fatalf("NewHeaderProtector: %v", err)
	}

	orig := make([]byte, 64)
	for i := range orig {
		orig[i] = byte(i * 7)
	}
	orig[0] = headerFormLong | fixedBit | byte(3) // pnLen = 4

	pkt := append([]byte(nil), orig...)
	pnOffset := 10

	if !hp.Apply(pkt, pnOffset, 4, true) {
		t.Fatal("Apply reported sample unavailable")
	}
	if bytes.Equal(pkt, orig) {
		t.Fatal("Apply did not change the packet")
	}

	pnLen, ok := hp.Remove(pkt, pnOffset, true)
	if !ok {
		t.Fatal("Remove reported sample unavailable")
	}
	if pnLen != 4 {
		t.Errorf("recovered pnLen = %d, want 4", pnLen)
	}
	if !bytes.Equal(pkt, orig) {
		t.Errorf("Remove(Apply(p)) != p:\ngot  %x\nwant %x", pkt, orig)
	}
}

func TestHeaderProtectionInvolutionShortHeader(t *testing.T) {
	hp, err := NewHeaderProtector(mustHex(t, "c206b8d9b9f0f37644430b490eeaa314"))
	if err != nil {
		t.Fatalf("NewHeaderProtector: %v", err)
	}

	orig := make([]byte, 48)
	for i := range orig {
		orig[i] = byte(255 - i)
	}
	orig[0] = fixedBit | byte(1) // pnLen = 2, short header

	pkt := append([]byte(nil), orig...)
	pnOffset := 9

	if !hp.Apply(pkt, pnOffset, 2, false) {
		t.Fatal("Apply reported sample unavailable")
	}
	pnLen, ok := hp.Remove(pkt, pnOffset, false)
	if !ok {
		t.Fatal("Remove reported sample unavailable")
	}
	if pnLen != 2 {
		t.Errorf("recovered pnLen = %d, want 2", pnLen)
	}
	if !bytes.Equal(pkt, orig) {
		t.Errorf("Remove(Apply(p)) != p:\ngot  %x\nwant %x", pkt, orig)
	}
}

func TestHeaderProtectionSampleUnavailable(t *testing.T) {
	hp, err := NewHeaderProtector(mustHex(t, "9f50449e04a0e810283a1e9933adedd2"))
	if err != nil {
		t.Fatalf("NewHeaderProtector: %v", err)
	}
	short := make([]byte, 10)
	if ok := hp.Apply(short, 5, 1, true); ok {
		t.Error("Apply should fail when fewer than pnOffset+4+16 bytes are present")
	}
	if _, ok := hp.Remove(short, 5, true); ok {
		t.Error("Remove should fail when fewer than pnOffset+4+16 bytes are present")
	}
}
