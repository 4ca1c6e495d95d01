package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/campuslink/campuslink/internal/identity"
)

const (
	// certValidity is how long generated identity certificates are valid.
	certValidity = 365 * 24 * time.Hour

	// serverName is sent as SNI; peers are authenticated by key, not name.
	serverName = "campuslink"
)

var errNoPeerCert = errors.New("peer presented no certificate")

// GenerateIdentityCert builds a self-signed certificate for the keypair.
// The certificate's public key is the endpoint identity.
func GenerateIdentityCert(kp *identity.Keypair) (tls.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   kp.ID().String(),
			Organization: []string{"campuslink"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{serverName},
	}

	priv := kp.PrivateKey()
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  priv,
	}, nil
}

// PeerIDFromCerts extracts the EndpointID from a raw peer certificate chain.
func PeerIDFromCerts(rawCerts [][]byte) (identity.EndpointID, error) {
	if len(rawCerts) == 0 {
		return identity.ZeroID, errNoPeerCert
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return identity.ZeroID, fmt.Errorf("parse peer certificate: %w", err)
	}
	return peerIDFromCert(cert)
}

func peerIDFromCert(cert *x509.Certificate) (identity.EndpointID, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return identity.ZeroID, fmt.Errorf("peer certificate key is %T, want ed25519", cert.PublicKey)
	}
	// Leaf certificates are not CAs, so check the signature directly
	// rather than through CheckSignatureFrom.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return identity.ZeroID, fmt.Errorf("peer certificate not self-signed: %w", err)
	}
	return identity.FromPublicKey(pub)
}

// serverTLSConfig requires a client identity certificate and negotiates
// only the ALPNs returned by protos at handshake time.
func serverTLSConfig(cert tls.Certificate, protos func() []string) *tls.Config {
	base := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ClientAuth:   tls.RequireAnyClientCert,
		NextProtos:   protos(),
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			_, err := PeerIDFromCerts(rawCerts)
			return err
		},
	}
	base.GetConfigForClient = func(*tls.ClientHelloInfo) (*tls.Config, error) {
		registered := protos()
		if len(registered) == 0 {
			return nil, errors.New("no protocols registered")
		}
		cfg := base.Clone()
		cfg.GetConfigForClient = nil
		cfg.NextProtos = registered
		return cfg, nil
	}
	return base
}

// clientTLSConfig presents our identity and accepts only a server whose
// certificate key equals expected.
func clientTLSConfig(cert tls.Certificate, expected identity.EndpointID, alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		ServerName:   serverName,
		NextProtos:   []string{alpn},
		// Chain verification is replaced by the key pin below.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			got, err := PeerIDFromCerts(rawCerts)
			if err != nil {
				return err
			}
			if got != expected {
				return fmt.Errorf("peer identity mismatch: got %s, want %s", got.ShortString(), expected.ShortString())
			}
			return nil
		},
	}
}
