package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/postalsys/handlemesh/internal/certutil"
)

const (
	// DefaultALPNProtocol is negotiated on QUIC and TLS links.
	DefaultALPNProtocol = "handlemesh/1"

	// DefaultWSSubprotocol is offered on WebSocket links.
	DefaultWSSubprotocol = "handlemesh/1"
)

// nodeTLSConfig presents cert on every link, TLS 1.3 only.
func nodeTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{DefaultALPNProtocol},
	}
}

// LoadMutualTLSConfig builds a listener config from a key pair on disk.
// With clientCAFile set, dialing peers must present a certificate it signed.
func LoadMutualTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair %s: %w", certFile, err)
	}
	cfg := nodeTLSConfig(cert)
	if clientCAFile == "" {
		return cfg, nil
	}
	pool, err := LoadCAPool(clientCAFile)
	if err != nil {
		return nil, err
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}

// TLSConfigFromBytes is LoadMutualTLSConfig without client verification,
// for a PEM key pair already in memory.
func TLSConfigFromBytes(certPEM, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse key pair: %w", err)
	}
	return nodeTLSConfig(cert), nil
}

// LoadClientTLSConfig builds a dialer config. Servers are verified against
// caFile, or the system roots when it is empty, unless insecure is set.
func LoadClientTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{DefaultALPNProtocol},
		InsecureSkipVerify: insecure,
	}
	if caFile == "" {
		return cfg, nil
	}
	pool, err := LoadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// LoadCAPool reads PEM certificates from caFile into a fresh pool.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("CA bundle holds no PEM certificates")
	}
	return pool, nil
}

// GenerateSelfSignedCert issues a throwaway node certificate valid for
// commonName and localhost.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	b, err := selfSigned(commonName, validFor)
	if err != nil {
		return nil, nil, err
	}
	return b.CertPEM, b.KeyPEM, nil
}

// GenerateAndSaveCert writes a self-signed pair to disk. The key is 0600.
func GenerateAndSaveCert(certFile, keyFile, commonName string, validFor time.Duration) error {
	b, err := selfSigned(commonName, validFor)
	if err != nil {
		return err
	}
	return b.Save(certFile, keyFile)
}

func selfSigned(commonName string, validFor time.Duration) (*certutil.Bundle, error) {
	return certutil.Issue(certutil.Request{
		CommonName: commonName,
		Hosts:      []string{commonName, "localhost"},
		ValidFor:   validFor,
		Usage:      certutil.UsageNode,
	}, nil)
}

// prepareTLSConfigForDial copies tlsConfig with nextProtos applied. A nil
// config is only allowed when insecure is set.
func prepareTLSConfigForDial(tlsConfig *tls.Config, insecure bool, nextProtos []string) (*tls.Config, error) {
	if tlsConfig != nil {
		cfg := tlsConfig.Clone()
		if len(nextProtos) > 0 {
			cfg.NextProtos = nextProtos
		}
		return cfg, nil
	}
	if !insecure {
		return nil, errors.New("dial needs a TLS config unless verification is disabled")
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         nextProtos,
		MinVersion:         tls.VersionTLS13,
	}, nil
}

func alpnOrDefault(p string) string {
	if p == "" {
		return DefaultALPNProtocol
	}
	return p
}
