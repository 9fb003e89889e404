package certprovider

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"testing"
)

func TestNewProducesParsableCertificate(t *testing.T) {
	p, err := New(Config{
		CommonName:          "quicd.local",
		DNSNames:            []string{"quicd.local"},
		TransportParameters: DefaultTransportParameters(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cert, err := x509.ParseCertificate(p.CertificateDER())
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if cert.Subject.CommonName != "quicd.local" {
		t.Errorf("CommonName = %q, want quicd.local", cert.Subject.CommonName)
	}
	if _, ok := cert.PublicKey.(*ecdsa.PublicKey); !ok {
		t.Errorf("PublicKey type = %T, want *ecdsa.PublicKey", cert.PublicKey)
	}
}

func TestSignVerifiesAgainstCertificate(t *testing.T) {
	p, err := New(Config{CommonName: "quicd.local", TransportParameters: DefaultTransportParameters()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	content := []byte("pretend transcript prefix bytes")
	sig, err := p.Sign(content)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cert, err := x509.ParseCertificate(p.CertificateDER())
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	pub := cert.PublicKey.(*ecdsa.PublicKey)
	digest := sha256.Sum256(content)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		t.Error("signature did not verify against the provider's own certificate")
	}
}

func TestSignatureScheme(t *testing.T) {
	p, err := New(Config{CommonName: "quicd.local"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.SignatureScheme() != SignatureSchemeECDSAP256SHA256 {
		t.Errorf("SignatureScheme = 0x%04x, want 0x%04x", p.SignatureScheme(), SignatureSchemeECDSAP256SHA256)
	}
}

func TestTransportParametersEncodeNonEmpty(t *testing.T) {
	blob := DefaultTransportParameters().Encode()
	if len(blob) == 0 {
		t.Fatal("Encode returned empty blob")
	}
}
