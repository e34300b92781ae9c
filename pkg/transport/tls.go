package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// ALPN spoken by nexus QUIC endpoints.
const ALPN = "nexus"

// SelfSignedTLS generates an ephemeral certificate. Peers presenting it can
// not be authenticated, so the returned config also skips verification: it
// is meant for closed cluster networks where the job launcher is the trust
// boundary.
func SelfSignedTLS(commonName string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: commonName,
		},
		SerialNumber:          serialNumber,
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{certDER},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}, nil
}

func withALPN(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	for _, proto := range conf.NextProtos {
		if proto == ALPN {
			return conf
		}
	}
	conf.NextProtos = append(conf.NextProtos, ALPN)
	return conf
}
