package quic

import (
	"bytes"
	"testing"
)

func testInitialKeys(t *testing.T) (odcid ConnectionID, keys LevelKeys) {
	t.Helper()
	odcid = ConnectionID(mustHex(t, "8394c8f03e515708"))
	return odcid, DeriveInitialKeys(odcid)
}

func TestSealOpenLongHeaderRoundTrip(t *testing.T) {
	odcid, keys := testInitialKeys(t)
	clientAEAD, err := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Client)
	if err != nil {
		t.Fatalf("NewAEAD client: %v", err)
	}
	clientHP, err := NewHeaderProtector(keys.Client.HP)
	if err != nil {
		t.Fatalf("NewHeaderProtector client: %v", err)
	}

	destCID := ConnectionID(mustHex(t, "aabbccddeeff0011"))
	payload := bytes.Repeat([]byte{0x01}, 32) // 32 PING frames

	spec := &PacketSpec{
		Level:        EncryptionInitial,
		LongType:     LongPacketInitial,
		Version:      Version1,
		DestConnID:   odcid,
		SrcConnID:    destCID,
		PacketNumber: 2,
		PNLen:        2,
		Payload:      payload,
		AEAD:         clientAEAD,
		HP:           clientHP,
	}
	sealed := sealPacket(spec)

	pnSpace := newPacketNumberSpace()
	h, pn, plaintext, ok := OpenLongHeaderPacket(sealed, clientHP, clientAEAD, pnSpace)
	if !ok {
		t.Fatal("OpenLongHeaderPacket failed on a freshly sealed packet")
	}
	if pn != 2 {
		t.Errorf("decoded pn = %d, want 2", pn)
	}
	if h.Type != LongPacketInitial {
		t.Errorf("header type = %v, want LongPacketInitial", h.Type)
	}
	if !bytes.Equal(plaintext, payload) {
		t.Errorf("plaintext = %x, want %x", plaintext, payload)
	}
}

func TestOpenLongHeaderPacketTamperedFailsSilently(t *testing.T) {
	_, keys := testInitialKeys(t)
	aead, _ := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Client)
	hp, _ := NewHeaderProtector(keys.Client.HP)

	spec := &PacketSpec{
		Level:        EncryptionInitial,
		LongType:     LongPacketInitial,
		Version:      Version1,
		DestConnID:   ConnectionID(mustHex(t, "8394c8f03e515708")),
		SrcConnID:    ConnectionID(mustHex(t, "aabbccdd")),
		PacketNumber: 0,
		PNLen:        1,
		Payload:      bytes.Repeat([]byte{0x01}, 8),
		AEAD:         aead,
		HP:           hp,
	}
	sealed := sealPacket(spec)
	sealed[len(sealed)-1] ^= 0xFF // corrupt the AEAD tag

	_, _, _, ok := OpenLongHeaderPacket(sealed, hp, aead, newPacketNumberSpace())
	if ok {
		t.Fatal("OpenLongHeaderPacket should fail (not panic or error) on a tampered packet")
	}
}

func TestPadInitialForMinimumDatagramMeetsRFCFloor(t *testing.T) {
	_, keys := testInitialKeys(t)
	aead, _ := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Server)
	hp, _ := NewHeaderProtector(keys.Server.HP)

	spec := &PacketSpec{
		Level:        EncryptionInitial,
		LongType:     LongPacketInitial,
		Version:      Version1,
		DestConnID:   ConnectionID(mustHex(t, "aabbccdd")),
		SrcConnID:    ConnectionID(mustHex(t, "8394c8f03e515708")),
		PacketNumber: 0,
		PNLen:        1,
		Payload:      []byte{0x01}, // a single PING: far short of the 1200-byte floor
		AEAD:         aead,
		HP:           hp,
	}
	datagram := BuildCoalescedDatagram([]*PacketSpec{spec})
	if len(datagram) < MinInitialDatagram {
		t.Errorf("coalesced datagram carrying an Initial packet is %d bytes, want >= %d", len(datagram), MinInitialDatagram)
	}
}

func TestPadInitialForMinimumDatagramNoopWithoutInitial(t *testing.T) {
	_, keys := testInitialKeys(t)
	aead, _ := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Server)
	hp, _ := NewHeaderProtector(keys.Server.HP)

	spec := &PacketSpec{
		Level:        EncryptionHandshake,
		LongType:     LongPacketHandshake,
		Version:      Version1,
		DestConnID:   ConnectionID(mustHex(t, "aabbccdd")),
		SrcConnID:    ConnectionID(mustHex(t, "8394c8f03e515708")),
		PacketNumber: 0,
		PNLen:        1,
		Payload:      []byte{0x01, 0x01, 0x01},
		AEAD:         aead,
		HP:           hp,
	}
	before := spec.projectedSize()
	PadInitialForMinimumDatagram([]*PacketSpec{spec})
	if spec.projectedSize() != before {
		t.Error("PadInitialForMinimumDatagram should not touch a batch with no Initial packet")
	}
}

func TestSplitCoalescedPacketsRoundTrip(t *testing.T) {
	_, keys := testInitialKeys(t)
	initAEAD, _ := NewAEAD(TLS_AES_128_GCM_SHA256, keys.Server)
	initHP, _ := NewHeaderProtector(keys.Server.HP)

	odcid := ConnectionID(mustHex(t, "8394c8f03e515708"))
	destCID := ConnectionID(mustHex(t, "aabbccdd"))

	initialSpec := &PacketSpec{
		Level:        EncryptionInitial,
		LongType:     LongPacketInitial,
		Version:      Version1,
		DestConnID:   destCID,
		SrcConnID:    odcid,
		PacketNumber: 0,
		PNLen:        1,
		Payload:      bytes.Repeat([]byte{0x01}, 4),
		AEAD:         initAEAD,
		HP:           initHP,
	}
	datagram := BuildCoalescedDatagram([]*PacketSpec{initialSpec})

	packets, err := SplitCoalescedPackets(datagram, destCID.Len())
	if err != nil {
		t.Fatalf("SplitCoalescedPackets: %v", err)
	}
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	if !packets[0].LongHeader {
		t.Error("split packet should be reported as a long-header packet")
	}
	if len(packets[0].Data) != len(datagram) {
		t.Errorf("split packet length = %d, want the full padded datagram length %d", len(packets[0].Data), len(datagram))
	}

	_, pn, plaintext, ok := OpenLongHeaderPacket(packets[0].Data, initHP, initAEAD, newPacketNumberSpace())
	if !ok {
		t.Fatal("OpenLongHeaderPacket failed on a split-then-reopened packet")
	}
	if pn != 0 {
		t.Errorf("pn = %d, want 0", pn)
	}
	// The plaintext carries the PADDING frame appended to meet the 1200-byte
	// floor, so it must at least start with the four PING bytes.
	if !bytes.HasPrefix(plaintext, bytes.Repeat([]byte{0x01}, 4)) {
		t.Errorf("plaintext does not start with the original 4 PING bytes: %x", plaintext[:8])
	}
}
