package quic

import (
	"bytes"
	"testing"
)

func newTestAEAD(t *testing.T) *AEAD {
	t.Helper()
	ks := KeySet{
		Key: mustHex(t, "1f369613dd76d5467730efcbe3b1a22d"),
		IV:  mustHex(t, "fa044b2f42a3fd3b46fb255c"),
		HP:  mustHex(t, "9f50449e04a0e810283a1e9933adedd2"),
	}
	a, err := NewAEAD(TLS_AES_128_GCM_SHA256, ks)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	return a
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	a := newTestAEAD(t)

	cases := []struct {
		name string
		pt   []byte
		aad  []byte
		pn   uint64
	}{
		{"empty plaintext", nil, []byte("header bytes"), 0},
		{"short plaintext", []byte("hello quic"), []byte("aad-1"), 1},
		{"large pn", []byte("client hello bytes go here"), []byte("aad-2"), 1 << 40},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sealed := a.Seal(nil, tc.aad, tc.pt, tc.pn)
			opened, ok := a.Open(nil, tc.aad, sealed, tc.pn)
			if !ok {
				t.Fatal("Open failed on freshly sealed packet")
			}
			if !bytes.Equal(opened, tc.pt) {
				t.Errorf("Open() = %x, want %x", opened, tc.pt)
			}
		})
	}
}

func TestAEADOpenFailsOnTamperedCiphertext(t *testing.T) {
	a := newTestAEAD(t)
	aad := []byte("header")
	sealed := a.Seal(nil, aad, []byte("payload"), 5)

	tampered := append([]byte(nil), sealed...)
	tampered[0] ^= 0x01
	if _, ok := a.Open(nil, aad, tampered, 5); ok {
		t.Error("Open succeeded on tampered ciphertext")
	}
}

func TestAEADOpenFailsOnTamperedTag(t *testing.T) {
	a := newTestAEAD(t)
	aad := []byte("header")
	sealed := a.Seal(nil, aad, []byte("payload"), 5)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, ok := a.Open(nil, aad, tampered, 5); ok {
		t.Error("Open succeeded on tampered tag")
	}
}

func TestAEADOpenFailsOnTamperedAAD(t *testing.T) {
	a := newTestAEAD(t)
	sealed := a.Seal(nil, []byte("header"), []byte("payload"), 5)
	if _, ok := a.Open(nil, []byte("wrong-header"), sealed, 5); ok {
		t.Error("Open succeeded with mismatched AAD")
	}
}

func TestAEADOpenFailsOnWrongPacketNumber(t *testing.T) {
	a := newTestAEAD(t)
	aad := []byte("header")
	sealed := a.Seal(nil, aad, []byte("payload"), 5)
	if _, ok := a.Open(nil, aad, sealed, 6); ok {
		t.Error("Open succeeded with wrong packet number (wrong nonce)")
	}
}

func TestAEADNonceDistinctAcrossPacketNumbers(t *testing.T) {
	a := newTestAEAD(t)
	seen := make(map[string]bool)
	for pn := uint64(0); pn < 1000; pn++ {
		n := a.nonce(pn)
		key := string(n)
		if seen[key] {
			t.Fatalf("nonce collision at pn=%d", pn)
		}
		seen[key] = true
	}
}

func TestAEADUnsupportedCipherSuite(t *testing.T) {
	ks := KeySet{
		Key: mustHex(t, "1f369613dd76d5467730efcbe3b1a22d"),
		IV:  mustHex(t, "fa044b2f42a3fd3b46fb255c"),
		HP:  mustHex(t, "9f50449e04a0e810283a1e9933adedd2"),
	}
	if _, err := NewAEAD(CipherSuite(0xffff), ks); err == nil {
		t.Error("NewAEAD should reject an unknown cipher suite")
	}
}

func TestAEADChaCha20Poly1305RoundTrip(t *testing.T) {
	ks := KeySet{
		Key: bytes.Repeat([]byte{0x42}, 32),
		IV:  bytes.Repeat([]byte{0x24}, 12),
		HP:  bytes.Repeat([]byte{0x11}, 32),
	}
	a, err := NewAEAD(TLS_CHACHA20_POLY1305_SHA256, ks)
	if err != nil {
		t.Fatalf("NewAEAD: %v", err)
	}
	sealed := a.Seal(nil, []byte("aad"), []byte("plaintext"), 0)
	opened, ok := a.Open(nil, []byte("aad"), sealed, 0)
	if !ok || !bytes.Equal(opened, []byte("plaintext")) {
		t.Fatalf("chacha20poly1305 round trip failed: ok=%v data=%x", ok, opened)
	}
}
