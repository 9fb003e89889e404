package quic

import (
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/hkdf"
)

// Key schedule (RFC 9001 Section 5, RFC 8446 Section 7.1). Grounded on the
// teacher's crypto.go hkdfExpandLabel/NewInitialKeys, extended to also
// derive handshake and application secrets from a transcript hash, which
// the teacher's draft never reached.

// initialSalt is the version-1 QUIC Initial salt, RFC 9001 Section 5.2:
// 0x38762cf7f539693b561c66614b1f583c4e53541c.
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x39, 0x69, 0x3b,
	0x56, 0x1c, 0x66, 0x61, 0x4b, 0x1f, 0x58, 0x3c,
	0x4e, 0x53, 0x54, 0x1c,
}

// EncryptionLevel identifies one of the four QUIC encryption levels
// (RFC 9001 Section 2). ZeroRTT is named only so wire parsing (wire.go)
// can recognize and reject a 0-RTT long header without panicking; this
// core never installs 0-RTT keys (spec.md Non-goals).
type EncryptionLevel int

const (
	EncryptionInitial EncryptionLevel = iota
	EncryptionZeroRTT
	EncryptionHandshake
	EncryptionApplication
)

func (l EncryptionLevel) String() string {
	switch l {
	case EncryptionInitial:
		return "initial"
	case EncryptionZeroRTT:
		return "zero_rtt"
	case EncryptionHandshake:
		return "handshake"
	case EncryptionApplication:
		return "application"
	default:
		return "unknown"
	}
}

// KeySet holds one direction's packet-protection keys for one encryption
// level: AEAD key, AEAD IV, and header-protection key.
type KeySet struct {
	Key []byte // 16 bytes for AES-128-GCM
	IV  []byte // 12 bytes
	HP  []byte // 16 bytes
}

// LevelKeys holds both directions' keys for one encryption level.
type LevelKeys struct {
	Client KeySet
	Server KeySet
}

func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	fullLabel := "tls13 " + label
	hkdfLabel := make([]byte, 0, 2+1+len(fullLabel)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len(fullLabel)))
	hkdfLabel = append(hkdfLabel, fullLabel...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, hkdfLabel)
	if _, err := r.Read(out); err != nil {
		panic("quic: hkdf expand: " + err.Error())
	}
	return out
}

func hashFor() func() hash.Hash { return sha256.New }

// deriveKeySet derives one direction's AEAD key / IV / HP key from a
// traffic secret, per RFC 9001 Section 5.1.
func deriveKeySet(secret []byte) KeySet {
	return KeySet{
		Key: hkdfExpandLabel(secret, "quic key", nil, 16),
		IV:  hkdfExpandLabel(secret, "quic iv", nil, 12),
		HP:  hkdfExpandLabel(secret, "quic hp", nil, 16),
	}
}

// DeriveInitialSecrets derives the client and server Initial traffic
// secrets from the Original Destination Connection ID, RFC 9001 Section 5.2.
func DeriveInitialSecrets(odcid ConnectionID) (clientSecret, serverSecret []byte) {
	initialSecret := hkdf.Extract(sha256.New, []byte(odcid), initialSalt)
	clientSecret = hkdfExpandLabel(initialSecret, "client in", nil, 32)
	serverSecret = hkdfExpandLabel(initialSecret, "server in", nil, 32)
	return clientSecret, serverSecret
}

// DeriveInitialKeys derives the full Initial level key sets from the ODCID.
func DeriveInitialKeys(odcid ConnectionID) LevelKeys {
	clientSecret, serverSecret := DeriveInitialSecrets(odcid)
	return LevelKeys{
		Client: deriveKeySet(clientSecret),
		Server: deriveKeySet(serverSecret),
	}
}

// DeriveHandshakeSecrets derives client/server handshake traffic secrets
// from the handshake shared secret (X25519 output) and the transcript hash
// over ClientHello||ServerHello (RFC 8446 Section 7.1).
func DeriveHandshakeSecrets(sharedSecret, transcriptHash []byte) (clientSecret, serverSecret []byte) {
	earlySecret := hkdf.Extract(sha256.New, make([]byte, 32), nil)
	emptyHash := sha256.Sum256(nil)
	derivedSecret := hkdfExpandLabel(earlySecret, "derived", emptyHash[:], 32)
	handshakeSecret := hkdf.Extract(sha256.New, sharedSecret, derivedSecret)

	clientSecret = hkdfExpandLabel(handshakeSecret, "c hs traffic", transcriptHash, 32)
	serverSecret = hkdfExpandLabel(handshakeSecret, "s hs traffic", transcriptHash, 32)
	return clientSecret, serverSecret
}

// DeriveHandshakeKeys derives the Handshake level key sets.
func DeriveHandshakeKeys(sharedSecret, transcriptHash []byte) LevelKeys {
	clientSecret, serverSecret := DeriveHandshakeSecrets(sharedSecret, transcriptHash)
	return LevelKeys{
		Client: deriveKeySet(clientSecret),
		Server: deriveKeySet(serverSecret),
	}
}

// DeriveApplicationSecrets derives the 1-RTT ("application") traffic
// secrets from the handshake shared secret (RFC 8446 Section 7.1) and the
// transcript hash over the full handshake through server Finished. The
// master secret itself does not fold in a transcript hash — only the two
// "ap traffic" labels applied to it do.
func DeriveApplicationSecrets(sharedSecret, fullTranscriptHash []byte) (clientSecret, serverSecret []byte) {
	earlySecret := hkdf.Extract(sha256.New, make([]byte, 32), nil)
	emptyHash := sha256.Sum256(nil)
	derivedEarly := hkdfExpandLabel(earlySecret, "derived", emptyHash[:], 32)
	handshakeSecret := hkdf.Extract(sha256.New, sharedSecret, derivedEarly)

	derivedHandshake := hkdfExpandLabel(handshakeSecret, "derived", emptyHash[:], 32)
	masterSecret := hkdf.Extract(sha256.New, make([]byte, 32), derivedHandshake)

	clientSecret = hkdfExpandLabel(masterSecret, "c ap traffic", fullTranscriptHash, 32)
	serverSecret = hkdfExpandLabel(masterSecret, "s ap traffic", fullTranscriptHash, 32)
	return clientSecret, serverSecret
}

// DeriveApplicationKeys derives the Application (1-RTT) level key sets.
func DeriveApplicationKeys(sharedSecret, fullTranscriptHash []byte) LevelKeys {
	clientSecret, serverSecret := DeriveApplicationSecrets(sharedSecret, fullTranscriptHash)
	return LevelKeys{
		Client: deriveKeySet(clientSecret),
		Server: deriveKeySet(serverSecret),
	}
}

// FinishedKey derives the per-direction Finished-message MAC key from a
// traffic secret (RFC 8446 Section 4.4.4): HKDF-Expand-Label(secret,
// "finished", "", Hash.length).
func FinishedKey(trafficSecret []byte) []byte {
	return hkdfExpandLabel(trafficSecret, "finished", nil, 32)
}

// Zeroize overwrites a KeySet's secret material in place. Called when a
// connection is destroyed, per spec.md Section 5's secret-hygiene
// requirement.
func (k *KeySet) Zeroize() {
	for i := range k.Key {
		k.Key[i] = 0
	}
	for i := range k.IV {
		k.IV[i] = 0
	}
	for i := range k.HP {
		k.HP[i] = 0
	}
}

// Zeroize overwrites both directions' secret material.
func (lk *LevelKeys) Zeroize() {
	lk.Client.Zeroize()
	lk.Server.Zeroize()
}
