package quic

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/curve25519"
)

// Server-side TLS 1.3 handshake (C7), carried entirely over QUIC CRYPTO
// frames rather than a TLS record layer (RFC 8446 Section 4, RFC 9001
// Section 4). The teacher's tls_handler.go/tls_conn.go delegate the actual
// handshake to Go's crypto/tls over a synthetic net.Conn, with
// deriveApplicationKeys literally commenting "Placeholder - would be real
// secret" — spec.md Section 4.7 requires a handshake that parses
// ClientHello and emits the server flight itself, which that approach
// cannot do, so this file is a from-scratch implementation. It keeps the
// teacher's shape of a single owning type with read accessors and a
// State()-queryable state; failures are reported as *TransportError values
// built by NewCryptoError rather than sentinel errors. It reuses keys.go's HKDF-Expand-Label machinery (DeriveHandshakeSecrets,
// DeriveApplicationSecrets, FinishedKey) for every secret it needs.

// TLS 1.3 handshake message types, RFC 8446 Section 4.
const (
	msgTypeClientHello        uint8 = 1
	msgTypeServerHello        uint8 = 2
	msgTypeEncryptedExtensions uint8 = 8
	msgTypeCertificate        uint8 = 11
	msgTypeCertificateVerify  uint8 = 15
	msgTypeFinished           uint8 = 20
)

// TLS extension codepoints this handshake reads or writes.
const (
	extSupportedVersions         uint16 = 0x002b
	extKeyShare                  uint16 = 0x0033
	extQUICTransportParameters   uint16 = 0x0039 // RFC 9001 Section 8.2
)

const (
	groupX25519      uint16 = 0x001d
	tlsVersion13     uint16 = 0x0304
	legacyTLSVersion uint16 = 0x0303
)

// TLS 1.3 alert descriptions this handshake can raise, RFC 8446 Section 6.2.
const (
	alertUnexpectedMessage uint8 = 10
	alertHandshakeFailure  uint8 = 40
	alertDecryptError      uint8 = 51
	alertProtocolVersion   uint8 = 70
	alertIllegalParameter  uint8 = 47
	alertMissingExtension  uint8 = 109
	alertDecodeError       uint8 = 50
)

// CertificateProvider is the Section 6 certificate/transport-parameters
// collaborator: the core never touches a private key directly, only this
// interface. pkg/certprovider.Provider implements it; any caller with its
// own PKI can supply a different implementation.
type CertificateProvider interface {
	CertificateDER() []byte
	SignatureScheme() uint16
	Sign(content []byte) ([]byte, error)
	TransportParameters() []byte
}

// HandshakeState is the server TLS sub-state machine of spec.md Section 4.7.
type HandshakeState int

const (
	HSIdle HandshakeState = iota
	HSClientHelloReceived
	HSServerHelloSent
	HSHandshakeKeysInstalled
	HSFinishedSent
	HSComplete
)

func (s HandshakeState) String() string {
	switch s {
	case HSIdle:
		return "idle"
	case HSClientHelloReceived:
		return "client_hello_received"
	case HSServerHelloSent:
		return "server_hello_sent"
	case HSHandshakeKeysInstalled:
		return "handshake_keys_installed"
	case HSFinishedSent:
		return "finished_sent"
	case HSComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ClientHello is the subset of RFC 8446 Section 4.1.2 fields this core
// validates and acts on.
type ClientHello struct {
	Random               [32]byte
	SessionID            []byte
	CipherSuites         []uint16
	KeyShareX25519       [32]byte
	QUICTransportParams  []byte
}

// Handshake owns the whole server TLS 1.3 state (spec.md Section 3's
// HandshakeContext): transcript hash, ephemeral X25519 key, negotiated
// secrets, and sub-state. It holds no back-reference to the owning
// Connection (spec.md Section 9: single-owner tree, no cyclic ownership) —
// Connection drives it by feeding reassembled CRYPTO bytes in and reading
// queued flight bytes and derived secrets out.
type Handshake struct {
	state HandshakeState
	cert  CertificateProvider

	transcript hash.Hash

	x25519Priv [32]byte
	x25519Pub  [32]byte

	clientRandom [32]byte
	serverRandom [32]byte
	sessionID    []byte

	cipherSuite CipherSuite

	sharedSecret []byte

	clientHandshakeSecret []byte
	serverHandshakeSecret []byte
	clientAppSecret       []byte
	serverAppSecret       []byte

	peerTransportParams []byte

	inBuf []byte // undrained CRYPTO bytes at the current expected level
}

// NewHandshake creates a server Handshake with a fresh X25519 ephemeral
// key pair and a fresh 32-byte server random, per spec.md Section 3.
func NewHandshake(cert CertificateProvider) (*Handshake, error) {
	h := &Handshake{
		state:      HSIdle,
		cert:       cert,
		transcript: sha256.New(),
	}
	if _, err := rand.Read(h.x25519Priv[:]); err != nil {
		return nil, fmt.Errorf("quic: generate ephemeral key: %w", err)
	}
	pub, err := curve25519.X25519(h.x25519Priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("quic: derive ephemeral public key: %w", err)
	}
	copy(h.x25519Pub[:], pub)
	if _, err := rand.Read(h.serverRandom[:]); err != nil {
		return nil, fmt.Errorf("quic: generate server random: %w", err)
	}
	return h, nil
}

// State returns the current handshake sub-state.
func (h *Handshake) State() HandshakeState { return h.state }

// PeerTransportParameters returns the raw quic_transport_parameters bytes
// the client sent in its ClientHello, valid once State() >=
// HSClientHelloReceived.
func (h *Handshake) PeerTransportParameters() []byte { return h.peerTransportParams }

// HandshakeTrafficSecrets returns the client/server handshake traffic
// secrets, valid once State() >= HSServerHelloSent.
func (h *Handshake) HandshakeTrafficSecrets() (client, server []byte) {
	return h.clientHandshakeSecret, h.serverHandshakeSecret
}

// ApplicationTrafficSecrets returns the 1-RTT traffic secrets, valid once
// State() >= HSFinishedSent.
func (h *Handshake) ApplicationTrafficSecrets() (client, server []byte) {
	return h.clientAppSecret, h.serverAppSecret
}

func writeHandshakeHeader(buf []byte, msgType uint8, bodyLen int) []byte {
	return append(buf, msgType, byte(bodyLen>>16), byte(bodyLen>>8), byte(bodyLen))
}

// nextHandshakeMessage extracts one complete handshake message (header +
// body) from buf, if a full message is available. ok is false if buf holds
// fewer bytes than the message's declared length demands — the caller
// should wait for more CRYPTO bytes.
func nextHandshakeMessage(buf []byte) (msgType uint8, body []byte, total int, ok bool) {
	if len(buf) < 4 {
		return 0, nil, 0, false
	}
	length := int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
	if len(buf) < 4+length {
		return 0, nil, 0, false
	}
	return buf[0], buf[4 : 4+length], 4 + length, true
}

// appendExtension appends one type+length+data TLS extension to buf.
func appendExtension(buf []byte, typ uint16, data []byte) []byte {
	buf = append(buf, byte(typ>>8), byte(typ))
	buf = append(buf, byte(len(data)>>8), byte(len(data)))
	return append(buf, data...)
}

// parseExtensions parses a flat type+length+data extension block into a map.
func parseExtensions(data []byte) (map[uint16][]byte, error) {
	out := make(map[uint16][]byte)
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: truncated extension header", ErrInvalidFrame)
		}
		typ := uint16(data[0])<<8 | uint16(data[1])
		length := int(data[2])<<8 | int(data[3])
		if len(data) < 4+length {
			return nil, fmt.Errorf("%w: truncated extension body", ErrInvalidFrame)
		}
		out[typ] = data[4 : 4+length]
		data = data[4+length:]
	}
	return out, nil
}

// parseClientHello parses and validates a ClientHello body (the bytes
// after the 4-byte handshake header), per spec.md Section 4.7.
func parseClientHello(body []byte) (*ClientHello, *TransportError) {
	if len(body) < 2+32+1 {
		return nil, NewCryptoError(alertDecodeError, "client hello too short")
	}
	pos := 0
	legacyVersion := uint16(body[0])<<8 | uint16(body[1])
	pos += 2
	if legacyVersion != legacyTLSVersion {
		return nil, NewCryptoError(alertDecodeError, "bad legacy_version")
	}

	ch := &ClientHello{}
	copy(ch.Random[:], body[pos:pos+32])
	pos += 32

	sessIDLen := int(body[pos])
	pos++
	if len(body) < pos+sessIDLen {
		return nil, NewCryptoError(alertDecodeError, "truncated session id")
	}
	ch.SessionID = append([]byte(nil), body[pos:pos+sessIDLen]...)
	pos += sessIDLen

	if len(body) < pos+2 {
		return nil, NewCryptoError(alertDecodeError, "truncated cipher suites")
	}
	csLen := int(body[pos])<<8 | int(body[pos+1])
	pos += 2
	if csLen%2 != 0 || len(body) < pos+csLen {
		return nil, NewCryptoError(alertDecodeError, "truncated cipher suites list")
	}
	for i := 0; i < csLen; i += 2 {
		ch.CipherSuites = append(ch.CipherSuites, uint16(body[pos+i])<<8|uint16(body[pos+i+1]))
	}
	pos += csLen
	found13GCM := false
	for _, cs := range ch.CipherSuites {
		if CipherSuite(cs) == TLS_AES_128_GCM_SHA256 {
			found13GCM = true
		}
	}
	if !found13GCM {
		return nil, NewCryptoError(alertHandshakeFailure, "no supported cipher suite")
	}

	if len(body) < pos+1 {
		return nil, NewCryptoError(alertDecodeError, "truncated compression methods")
	}
	compLen := int(body[pos])
	pos++
	if len(body) < pos+compLen {
		return nil, NewCryptoError(alertDecodeError, "truncated compression methods list")
	}
	if compLen != 1 || body[pos] != 0x00 {
		return nil, NewCryptoError(alertIllegalParameter, "bad legacy_compression_methods")
	}
	pos += compLen

	if len(body) < pos+2 {
		return nil, NewCryptoError(alertDecodeError, "truncated extensions length")
	}
	extLen := int(body[pos])<<8 | int(body[pos+1])
	pos += 2
	if len(body) < pos+extLen {
		return nil, NewCryptoError(alertDecodeError, "truncated extensions")
	}
	exts, err := parseExtensions(body[pos : pos+extLen])
	if err != nil {
		return nil, NewCryptoError(alertDecodeError, err.Error())
	}

	svData, ok := exts[extSupportedVersions]
	if !ok {
		return nil, NewCryptoError(alertMissingExtension, "missing supported_versions")
	}
	if len(svData) < 1 || len(svData) != 1+int(svData[0]) || (int(svData[0]))%2 != 0 {
		return nil, NewCryptoError(alertDecodeError, "malformed supported_versions")
	}
	has13 := false
	for i := 1; i+1 < len(svData); i += 2 {
		v := uint16(svData[i])<<8 | uint16(svData[i+1])
		if v == tlsVersion13 {
			has13 = true
		}
	}
	if !has13 {
		return nil, NewCryptoError(alertProtocolVersion, "peer does not support TLS 1.3")
	}

	ksData, ok := exts[extKeyShare]
	if !ok {
		return nil, NewCryptoError(alertMissingExtension, "missing key_share")
	}
	if len(ksData) < 2 {
		return nil, NewCryptoError(alertDecodeError, "malformed key_share")
	}
	listLen := int(ksData[0])<<8 | int(ksData[1])
	entries := ksData[2:]
	if len(entries) < listLen {
		return nil, NewCryptoError(alertDecodeError, "truncated key_share list")
	}
	entries = entries[:listLen]
	foundX25519 := false
	for len(entries) > 0 {
		if len(entries) < 4 {
			return nil, NewCryptoError(alertDecodeError, "truncated key_share entry")
		}
		group := uint16(entries[0])<<8 | uint16(entries[1])
		keLen := int(entries[2])<<8 | int(entries[3])
		if len(entries) < 4+keLen {
			return nil, NewCryptoError(alertDecodeError, "truncated key_share key_exchange")
		}
		if group == groupX25519 {
			if keLen != 32 {
				return nil, NewCryptoError(alertIllegalParameter, "x25519 key_share must be 32 bytes")
			}
			copy(ch.KeyShareX25519[:], entries[4:4+keLen])
			foundX25519 = true
		}
		entries = entries[4+keLen:]
	}
	if !foundX25519 {
		return nil, NewCryptoError(alertHandshakeFailure, "no x25519 key_share entry")
	}

	tpData, ok := exts[extQUICTransportParameters]
	if !ok {
		return nil, NewCryptoError(alertMissingExtension, "missing quic_transport_parameters")
	}
	ch.QUICTransportParams = append([]byte(nil), tpData...)

	return ch, nil
}

// buildServerHello serializes the full ServerHello handshake message,
// RFC 8446 Section 4.1.3.
func buildServerHello(random [32]byte, sessionID []byte, suite CipherSuite, serverPub [32]byte) []byte {
	var body []byte
	body = append(body, byte(legacyTLSVersion>>8), byte(legacyTLSVersion))
	body = append(body, random[:]...)
	body = append(body, byte(len(sessionID)))
	body = append(body, sessionID...)
	body = append(body, byte(suite>>8), byte(suite))
	body = append(body, 0x00) // legacy_compression_method

	var exts []byte
	exts = appendExtension(exts, extSupportedVersions, []byte{byte(tlsVersion13 >> 8), byte(tlsVersion13)})
	var ks []byte
	ks = append(ks, byte(groupX25519>>8), byte(groupX25519))
	ks = append(ks, 0x00, 0x20)
	ks = append(ks, serverPub[:]...)
	exts = appendExtension(exts, extKeyShare, ks)

	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)

	return append(writeHandshakeHeader(nil, msgTypeServerHello, len(body)), body...)
}

// buildEncryptedExtensions serializes the EncryptedExtensions message
// (RFC 8446 Section 4.3.1), carrying only the quic_transport_parameters
// extension (RFC 9001 Section 8.2) — this core negotiates no other
// extension server-side.
func buildEncryptedExtensions(quicTP []byte) []byte {
	var exts []byte
	exts = appendExtension(exts, extQUICTransportParameters, quicTP)

	var body []byte
	body = append(body, byte(len(exts)>>8), byte(len(exts)))
	body = append(body, exts...)
	return append(writeHandshakeHeader(nil, msgTypeEncryptedExtensions, len(body)), body...)
}

// buildCertificateMessage serializes the Certificate message (RFC 8446
// Section 4.4.2) carrying a single leaf certificate and no extensions.
func buildCertificateMessage(certDER []byte) []byte {
	var body []byte
	body = append(body, 0x00) // certificate_request_context length (server: empty)

	var entry []byte
	entry = append(entry, byte(len(certDER)>>16), byte(len(certDER)>>8), byte(len(certDER)))
	entry = append(entry, certDER...)
	entry = append(entry, 0x00, 0x00) // per-entry extensions: none

	certListLen := len(entry)
	body = append(body, byte(certListLen>>16), byte(certListLen>>8), byte(certListLen))
	body = append(body, entry...)

	return append(writeHandshakeHeader(nil, msgTypeCertificate, len(body)), body...)
}

// certificateVerifyContent builds the exact byte string RFC 8446 Section
// 4.4.3 requires a CertificateVerify signature to cover: 64 spaces, the
// context string, a zero separator byte, and the transcript hash.
func certificateVerifyContent(transcriptHash []byte) []byte {
	content := make([]byte, 0, 64+34+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		content = append(content, 0x20)
	}
	content = append(content, []byte("TLS 1.3, server CertificateVerify")...)
	content = append(content, 0x00)
	content = append(content, transcriptHash...)
	return content
}

// buildCertificateVerify serializes the CertificateVerify message
// (RFC 8446 Section 4.4.3).
func buildCertificateVerify(scheme uint16, signature []byte) []byte {
	var body []byte
	body = append(body, byte(scheme>>8), byte(scheme))
	body = append(body, byte(len(signature)>>8), byte(len(signature)))
	body = append(body, signature...)
	return append(writeHandshakeHeader(nil, msgTypeCertificateVerify, len(body)), body...)
}

// buildFinished serializes the Finished message (RFC 8446 Section 4.4.4):
// the handshake body is exactly the verify_data, no further framing.
func buildFinished(verifyData []byte) []byte {
	msg := writeHandshakeHeader(nil, msgTypeFinished, len(verifyData))
	return append(msg, verifyData...)
}

// computeFinishedVerifyData computes RFC 8446 Section 4.4.4's verify_data:
// HMAC-Hash(finished_key, Transcript-Hash(Handshake Context, ... )), where
// finished_key = HKDF-Expand-Label(base_key, "finished", "", Hash.length).
func computeFinishedVerifyData(trafficSecret, transcriptHash []byte) []byte {
	key := FinishedKey(trafficSecret)
	mac := hmac.New(sha256.New, key)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// --- Handshake driver ---------------------------------------------------

// writeTranscript feeds msg (header+body) into the running transcript hash, per
// spec.md Section 3: "updated exactly once per handshake message in the
// order messages appear on the wire."
func (h *Handshake) writeTranscript(msg []byte) {
	h.transcript.Write(msg)
}

func (h *Handshake) transcriptSum() []byte {
	sum := h.transcript.Sum(nil)
	out := make([]byte, len(sum))
	copy(out, sum)
	return out
}

// HandleInitialCrypto feeds newly reassembled Initial-level CRYPTO bytes
// into the handshake. Once a complete ClientHello has arrived, it parses
// it, derives the X25519 shared secret, builds and returns the ServerHello
// bytes to send at Initial level, and transitions Idle -> ClientHelloReceived
// -> ServerHelloSent, installing handshake traffic secrets in the process
// (spec.md Section 4.7: "Key derivation pinning"). Returns (nil, nil) if no
// complete message has arrived yet.
func (h *Handshake) HandleInitialCrypto(data []byte) ([]byte, *TransportError) {
	if h.state != HSIdle {
		return nil, NewCryptoError(alertUnexpectedMessage, "unexpected Initial-level CRYPTO data")
	}
	h.inBuf = append(h.inBuf, data...)

	msgType, body, total, ok := nextHandshakeMessage(h.inBuf)
	if !ok {
		return nil, nil
	}
	if msgType != msgTypeClientHello {
		return nil, NewCryptoError(alertUnexpectedMessage, "expected ClientHello")
	}
	full := h.inBuf[:total]
	h.inBuf = h.inBuf[total:]

	ch, terr := parseClientHello(body)
	if terr != nil {
		return nil, terr
	}
	h.clientRandom = ch.Random
	h.sessionID = ch.SessionID
	h.cipherSuite = TLS_AES_128_GCM_SHA256
	h.peerTransportParams = ch.QUICTransportParams
	h.state = HSClientHelloReceived
	h.writeTranscript(full)

	shared, err := curve25519.X25519(h.x25519Priv[:], ch.KeyShareX25519[:])
	if err != nil {
		return nil, NewCryptoError(alertDecryptError, "x25519 scalar multiplication failed")
	}
	h.sharedSecret = shared

	sh := buildServerHello(h.serverRandom, h.sessionID, h.cipherSuite, h.x25519Pub)
	h.writeTranscript(sh)

	transcriptHash := h.transcriptSum()
	h.clientHandshakeSecret, h.serverHandshakeSecret = DeriveHandshakeSecrets(h.sharedSecret, transcriptHash)
	h.state = HSServerHelloSent

	return sh, nil
}

// BuildServerFlight builds EncryptedExtensions, Certificate,
// CertificateVerify, and Finished as one concatenated Handshake-level
// CRYPTO byte stream, to be sent once handshake keys are installed
// (spec.md Section 4.7: "all of EncryptedExtensions...Finished go out at
// Handshake level"). It also derives the 1-RTT application secrets, since
// their transcript-hash input is the hash through server Finished.
func (h *Handshake) BuildServerFlight() ([]byte, *TransportError) {
	if h.state != HSServerHelloSent {
		return nil, NewCryptoError(alertUnexpectedMessage, "BuildServerFlight called out of order")
	}

	ee := buildEncryptedExtensions(h.cert.TransportParameters())
	h.writeTranscript(ee)

	cert := buildCertificateMessage(h.cert.CertificateDER())
	h.writeTranscript(cert)

	cvTranscriptHash := h.transcriptSum()
	sig, err := h.cert.Sign(certificateVerifyContent(cvTranscriptHash))
	if err != nil {
		return nil, NewCryptoError(alertHandshakeFailure, "certificate signing failed: "+err.Error())
	}
	cv := buildCertificateVerify(h.cert.SignatureScheme(), sig)
	h.writeTranscript(cv)

	finVerifyData := computeFinishedVerifyData(h.serverHandshakeSecret, h.transcriptSum())
	fin := buildFinished(finVerifyData)
	h.writeTranscript(fin)

	appTranscriptHash := h.transcriptSum()
	h.clientAppSecret, h.serverAppSecret = DeriveApplicationSecrets(h.sharedSecret, appTranscriptHash)

	h.state = HSFinishedSent

	var flight []byte
	flight = append(flight, ee...)
	flight = append(flight, cert...)
	flight = append(flight, cv...)
	flight = append(flight, fin...)
	return flight, nil
}

// HandleHandshakeCrypto feeds newly reassembled Handshake-level CRYPTO
// bytes (the client's Finished message) into the handshake. complete is
// true once the client's Finished has arrived and its MAC has verified
// against the client handshake traffic secret (spec.md Section 4.7's
// final transition, FinishedSent -> Complete via the client Finished).
func (h *Handshake) HandleHandshakeCrypto(data []byte) (complete bool, err *TransportError) {
	if h.state != HSFinishedSent {
		return false, NewCryptoError(alertUnexpectedMessage, "unexpected Handshake-level CRYPTO data")
	}
	h.inBuf = append(h.inBuf, data...)

	msgType, body, total, ok := nextHandshakeMessage(h.inBuf)
	if !ok {
		return false, nil
	}
	if msgType != msgTypeFinished {
		return false, NewCryptoError(alertUnexpectedMessage, "expected client Finished")
	}
	full := h.inBuf[:total]
	h.inBuf = h.inBuf[total:]

	expected := computeFinishedVerifyData(h.clientHandshakeSecret, h.transcriptSum())
	if !hmac.Equal(expected, body) {
		return false, NewCryptoError(alertDecryptError, "client Finished MAC mismatch")
	}
	h.writeTranscript(full)
	h.state = HSComplete
	return true, nil
}

// Zeroize overwrites the ephemeral private key and every derived secret,
// per spec.md Section 5's secret-hygiene requirement. Called when the
// handshake completes (the transcript and ephemeral key are no longer
// needed) or the connection is destroyed mid-handshake.
func (h *Handshake) Zeroize() {
	for i := range h.x25519Priv {
		h.x25519Priv[i] = 0
	}
	zero(h.sharedSecret)
	zero(h.clientHandshakeSecret)
	zero(h.serverHandshakeSecret)
	zero(h.clientAppSecret)
	zero(h.serverAppSecret)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
