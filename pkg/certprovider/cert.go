// Package certprovider implements the certificate and transport-parameters
// collaborator the core's TLS 1.3 handshake (pkg/quic/tls13.go) reaches
// through, per spec.md Section 6: "Provider supplies: server certificate
// chain (DER), a signing function sign(transcript_prefix) -> signature ...,
// and the encoded quic_transport_parameters blob. The core never touches
// private keys directly."
//
// Adapted from the teacher's shockwave/pkg/shockwave/tls/cert.go
// CertificateManager: that file's self-signed-certificate generation
// (generateKey/ecdsa256 path) is kept, but everything ACME-shaped —
// obtainCertificate, the renewal monitor, on-disk caching per domain — is
// dropped, since the core does no network I/O and nothing in SPEC_FULL.md
// calls for automatic certificate renewal (see DESIGN.md).
package certprovider

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	ErrInvalidCert      = errors.New("certprovider: invalid certificate")
	ErrKeyGenerationErr = errors.New("certprovider: key generation failed")
)

// SignatureSchemeECDSAP256SHA256 is the TLS 1.3 SignatureScheme value for
// ECDSA over the NIST P-256 curve with SHA-256, the only scheme this
// provider emits (RFC 8446 Section 4.2.3).
const SignatureSchemeECDSAP256SHA256 uint16 = 0x0403

// Provider implements the core's certificate/transport-parameters
// collaborator interface with a self-signed ECDSA P-256 certificate,
// generated at startup. It is meant for development and for driving the
// handshake in tests; a production deployment would supply its own
// collaborator backed by a real certificate authority, which is precisely
// why this interface exists at the boundary instead of being baked into
// the handshake code.
type Provider struct {
	key       *ecdsa.PrivateKey
	certDER   []byte
	transport []byte
}

// Config selects the identity and transport parameters a Provider serves.
type Config struct {
	CommonName string
	DNSNames   []string
	NotBefore  time.Time
	NotAfter   time.Time

	TransportParameters TransportParameters
}

// New generates a fresh ECDSA P-256 key pair and a self-signed leaf
// certificate for it, and encodes the given transport parameters.
func New(cfg Config) (*Provider, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationErr, err)
	}

	notBefore := cfg.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now()
	}
	notAfter := cfg.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(365 * 24 * time.Hour)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGenerationErr, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cfg.CommonName},
		DNSNames:     cfg.DNSNames,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCert, err)
	}

	return &Provider{
		key:       key,
		certDER:   der,
		transport: cfg.TransportParameters.Encode(),
	}, nil
}

// CertificateDER returns the DER-encoded leaf certificate (RFC 8446
// Section 4.4.2's CertificateEntry.cert_data).
func (p *Provider) CertificateDER() []byte {
	return p.certDER
}

// SignatureScheme returns the scheme this provider signs with.
func (p *Provider) SignatureScheme() uint16 {
	return SignatureSchemeECDSAP256SHA256
}

// Sign signs content (already framed per RFC 8446 Section 4.4.3: 64 spaces,
// context string, separator, transcript hash) and returns an ASN.1 DER
// ECDSA signature over its SHA-256 digest.
func (p *Provider) Sign(content []byte) ([]byte, error) {
	digest := sha256.Sum256(content)
	return ecdsa.SignASN1(rand.Reader, p.key, digest[:])
}

// TransportParameters returns the encoded quic_transport_parameters blob
// (TLS extension 0x39) to include in EncryptedExtensions.
func (p *Provider) TransportParameters() []byte {
	return p.transport
}
