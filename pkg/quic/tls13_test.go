package quic

import (
	"bytes"
	"crypto/rand"
	"testing"

	"golang.org/x/crypto/curve25519"
)

type clientHelloOpts struct {
	omitKeyShare        bool
	supportedVersion    uint16 // defaults to TLS 1.3 if zero
	omitTransportParams bool
}

// buildTestClientHello assembles a minimal but wire-correct ClientHello
// handshake message (header + body) for feeding into HandleInitialCrypto,
// mirroring the extension layout parseClientHello expects.
func buildTestClientHello(t *testing.T, pub [32]byte, opts clientHelloOpts) []byte {
	t.Helper()

	var random [32]byte
	if _, err := rand.Read(random[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}

	var body []byte
	body = append(body, byte(legacyTLSVersion>>8), byte(legacyTLSVersion))
	body = append(body, random[:]...)
	body = append(body, 0x00) // session_id: empty
	body = append(body, 0x00, 0x02, byte(TLS_AES_128_GCM_SHA256>>8), byte(TLS_AES_128_GCM_SHA256))
	body = append(body, 0x01, 0x00) // legacy_compression_methods: [0x00]

	var exts []byte

	version := opts.supportedVersion
	if version == 0 {
		version = tlsVersion13
	}
	exts = appendExtension(exts, extSupportedVersions, []byte{0x02, byte(version >> 8), byte(version)})

	if !opts.omitKeyShare {
		var ks []byte
		ks = append(ks, byte(groupX25519>>8), byte(groupX25519))
		ks = append(ks, 0x00, 0x20)
		ks = append(ks, pub[:]...)
		ksList := append([]byte{byte(len(ks) >> 8), byte(len(ks))}, ks...)
		exts = appendExtension(exts, extKeyShare, ksList)
	}

	if !opts.omitTransportParams {
		exts = appendExtension(exts, extQUICTransportParameters, []byte{0x01, 0x02, 0x03})
	}

	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)

	return append(writeHandshakeHeader(nil, msgTypeClientHello, len(body)), body...)
}

func testClientKeyShare(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	if _, err := rand.Read(priv[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatalf("X25519: %v", err)
	}
	copy(pub[:], pubSlice)
	return priv, pub
}

func TestHandshakeFullServerFlightRoundTrip(t *testing.T) {
	h, err := NewHandshake(fakeCertProvider{})
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}

	_, clientPub := testClientKeyShare(t)
	chMsg := buildTestClientHello(t, clientPub, clientHelloOpts{})

	sh, terr := h.HandleInitialCrypto(chMsg)
	if terr != nil {
		t.Fatalf("HandleInitialCrypto: %v", terr)
	}
	if len(sh) <= 4 {
		t.Fatalf("ServerHello is only %d bytes, want a full message body beyond the 4-byte handshake header", len(sh))
	}
	if sh[0] != msgTypeServerHello {
		t.Errorf("ServerHello msg type = %d, want %d", sh[0], msgTypeServerHello)
	}
	declaredLen := int(sh[1])<<16 | int(sh[2])<<8 | int(sh[3])
	if declaredLen != len(sh)-4 {
		t.Errorf("ServerHello declared body length = %d, but message carries %d body bytes", declaredLen, len(sh)-4)
	}
	if h.State() != HSServerHelloSent {
		t.Fatalf("state = %v, want HSServerHelloSent", h.State())
	}

	chs, shs := h.HandshakeTrafficSecrets()
	if len(chs) == 0 || len(shs) == 0 {
		t.Fatal("handshake traffic secrets should be populated once ServerHello is sent")
	}

	flight, terr := h.BuildServerFlight()
	if terr != nil {
		t.Fatalf("BuildServerFlight: %v", terr)
	}
	if h.State() != HSFinishedSent {
		t.Fatalf("state = %v, want HSFinishedSent", h.State())
	}

	// Walk the four concatenated messages and confirm each carries a body,
	// not just a 4-byte header (the bug this test guards against).
	rest := flight
	wantTypes := []uint8{msgTypeEncryptedExtensions, msgTypeCertificate, msgTypeCertificateVerify, msgTypeFinished}
	for _, wantType := range wantTypes {
		msgType, body, total, ok := nextHandshakeMessage(rest)
		if !ok {
			t.Fatalf("server flight truncated before message type %d; remaining %d bytes", wantType, len(rest))
		}
		if msgType != wantType {
			t.Fatalf("message type = %d, want %d", msgType, wantType)
		}
		if wantType != msgTypeCertificateVerify && len(body) == 0 {
			// CertificateVerify's signature may legitimately be empty in
			// this test's fake signer; every other message must carry a
			// non-empty body.
			t.Fatalf("message type %d has an empty body", wantType)
		}
		rest = rest[total:]
	}
	if len(rest) != 0 {
		t.Fatalf("%d trailing bytes left after the four expected messages", len(rest))
	}

	cas, sas := h.ApplicationTrafficSecrets()
	if len(cas) == 0 || len(sas) == 0 {
		t.Fatal("application traffic secrets should be populated once the server flight is built")
	}

	// Drive the final transition with a synthetic, correctly-computed
	// client Finished message.
	transcriptBeforeClientFinished := h.transcriptSum()
	clientVerifyData := computeFinishedVerifyData(chs, transcriptBeforeClientFinished)
	clientFin := buildFinished(clientVerifyData)

	complete, terr := h.HandleHandshakeCrypto(clientFin)
	if terr != nil {
		t.Fatalf("HandleHandshakeCrypto: %v", terr)
	}
	if !complete {
		t.Fatal("expected complete=true once the client Finished MAC verifies")
	}
	if h.State() != HSComplete {
		t.Fatalf("state = %v, want HSComplete", h.State())
	}
}

func TestHandshakeClientFinishedBadMACRejected(t *testing.T) {
	h, err := NewHandshake(fakeCertProvider{})
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	_, clientPub := testClientKeyShare(t)
	if _, terr := h.HandleInitialCrypto(buildTestClientHello(t, clientPub, clientHelloOpts{})); terr != nil {
		t.Fatalf("HandleInitialCrypto: %v", terr)
	}
	if _, terr := h.BuildServerFlight(); terr != nil {
		t.Fatalf("BuildServerFlight: %v", terr)
	}

	badFin := buildFinished(bytes.Repeat([]byte{0xAA}, 32))
	complete, terr := h.HandleHandshakeCrypto(badFin)
	if complete {
		t.Fatal("a forged client Finished should not be accepted")
	}
	if terr == nil {
		t.Fatal("expected a CryptoError for a bad Finished MAC")
	}
	if terr.Kind != KindCryptoError {
		t.Errorf("error kind = %v, want KindCryptoError", terr.Kind)
	}
}

func TestHandshakeMissingKeyShareRejected(t *testing.T) {
	h, err := NewHandshake(fakeCertProvider{})
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	_, clientPub := testClientKeyShare(t)
	msg := buildTestClientHello(t, clientPub, clientHelloOpts{omitKeyShare: true})

	_, terr := h.HandleInitialCrypto(msg)
	if terr == nil {
		t.Fatal("expected an error for a ClientHello missing key_share")
	}
	if terr.Kind != KindCryptoError {
		t.Errorf("error kind = %v, want KindCryptoError", terr.Kind)
	}
}

func TestHandshakeTLS12OnlyRejected(t *testing.T) {
	h, err := NewHandshake(fakeCertProvider{})
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	_, clientPub := testClientKeyShare(t)
	msg := buildTestClientHello(t, clientPub, clientHelloOpts{supportedVersion: 0x0303})

	_, terr := h.HandleInitialCrypto(msg)
	if terr == nil {
		t.Fatal("expected an error for a ClientHello advertising only TLS 1.2")
	}
	if terr.Kind != KindCryptoError {
		t.Errorf("error kind = %v, want KindCryptoError", terr.Kind)
	}
	if terr.Code != ErrCodeCryptoErrorBase+uint64(alertProtocolVersion) {
		t.Errorf("error code = %#x, want the protocol_version alert code %#x", terr.Code, ErrCodeCryptoErrorBase+uint64(alertProtocolVersion))
	}
}

func TestHandshakeMissingTransportParamsRejected(t *testing.T) {
	h, err := NewHandshake(fakeCertProvider{})
	if err != nil {
		t.Fatalf("NewHandshake: %v", err)
	}
	_, clientPub := testClientKeyShare(t)
	msg := buildTestClientHello(t, clientPub, clientHelloOpts{omitTransportParams: true})

	_, terr := h.HandleInitialCrypto(msg)
	if terr == nil {
		t.Fatal("expected an error for a ClientHello missing quic_transport_parameters")
	}
}
