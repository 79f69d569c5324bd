// Package certutil issues the certificates a mesh of handlemesh nodes uses
// for mutual TLS: a private authority, node certificates that are valid for
// both ends of a link, and client certificates.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/postalsys/handlemesh/internal/identity"
)

const organization = "handlemesh"

// Usage selects key usage and extensions of an issued certificate.
type Usage int

const (
	// UsageCA signs other certificates.
	UsageCA Usage = iota
	// UsageNode serves and dials links.
	UsageNode
	// UsageClient only dials.
	UsageClient
)

// ErrNotCA is returned when a certificate that is not a CA is used to sign.
var ErrNotCA = errors.New("certificate is not a CA")

// Bundle is a certificate with its private key.
type Bundle struct {
	Cert    *x509.Certificate
	Key     *ecdsa.PrivateKey
	CertPEM []byte
	KeyPEM  []byte
}

// Request describes a certificate to issue.
type Request struct {
	CommonName string
	// Hosts become IP or DNS SANs.
	Hosts    []string
	ValidFor time.Duration
	Usage    Usage
}

// Fingerprint returns the SHA256 fingerprint of the certificate.
func (b *Bundle) Fingerprint() string {
	return Fingerprint(b.Cert)
}

// TLSCertificate returns the bundle as a tls.Certificate.
func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.X509KeyPair(b.CertPEM, b.KeyPEM)
}

// Save writes the certificate world-readable and the key owner-only,
// creating parent directories.
func (b *Bundle) Save(certPath, keyPath string) error {
	for _, p := range []string{certPath, keyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	if err := os.WriteFile(certPath, b.CertPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, b.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// Issue creates a certificate signed by parent, or self-signed when parent
// is nil.
func Issue(req Request, parent *Bundle) (*Bundle, error) {
	if req.CommonName == "" {
		return nil, errors.New("common name is required")
	}
	if req.ValidFor <= 0 {
		return nil, errors.New("validity must be positive")
	}
	if parent != nil && !parent.Cert.IsCA {
		return nil, ErrNotCA
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   req.CommonName,
			Organization: []string{organization},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(req.ValidFor),
		BasicConstraintsValid: true,
	}
	for _, h := range req.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	switch req.Usage {
	case UsageCA:
		template.IsCA = true
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
		template.MaxPathLenZero = true
	case UsageNode:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	case UsageClient:
		template.KeyUsage = x509.KeyUsageDigitalSignature
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	default:
		return nil, fmt.Errorf("unknown usage %d", req.Usage)
	}

	signer, signKey := template, key
	if parent != nil {
		signer, signKey = parent.Cert, parent.Key
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signer, &key.PublicKey, signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return &Bundle{
		Cert:    cert,
		Key:     key,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// NewAuthority creates a self-signed CA.
func NewAuthority(commonName string, validFor time.Duration) (*Bundle, error) {
	return Issue(Request{CommonName: commonName, ValidFor: validFor, Usage: UsageCA}, nil)
}

// IssueNode creates a certificate for a node, named by its ID so peers can
// tell which node presented it.
func IssueNode(ca *Bundle, id identity.NodeID, hosts []string, validFor time.Duration) (*Bundle, error) {
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	return Issue(Request{CommonName: id.String(), Hosts: hosts, ValidFor: validFor, Usage: UsageNode}, ca)
}

// IssueClient creates a dial-only certificate.
func IssueClient(ca *Bundle, commonName string, validFor time.Duration) (*Bundle, error) {
	return Issue(Request{CommonName: commonName, ValidFor: validFor, Usage: UsageClient}, ca)
}

// Load reads a certificate and key from files.
func Load(certPath, keyPath string) (*Bundle, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	return Parse(certPEM, keyPEM)
}

// Parse decodes a PEM certificate and EC key and checks that they match.
func Parse(certPEM, keyPEM []byte) (*Bundle, error) {
	cert, err := ParseCertificate(certPEM)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}

	return &Bundle{Cert: cert, Key: key, CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

// ParseCertificate decodes a single PEM certificate.
func ParseCertificate(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Fingerprint returns "sha256:" followed by the hex digest of the DER bytes.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// NodeID returns the node ID a node certificate was issued for.
func NodeID(cert *x509.Certificate) (identity.NodeID, error) {
	return identity.ParseNodeID(cert.Subject.CommonName)
}

// Info summarizes a certificate for display.
type Info struct {
	Subject     string    `json:"subject"`
	Issuer      string    `json:"issuer"`
	IsCA        bool      `json:"is_ca"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	DNSNames    []string  `json:"dns_names,omitempty"`
	IPAddresses []string  `json:"ip_addresses,omitempty"`
	Fingerprint string    `json:"fingerprint"`
}

// Describe returns the Info of cert.
func Describe(cert *x509.Certificate) Info {
	info := Info{
		Subject:     cert.Subject.CommonName,
		Issuer:      cert.Issuer.CommonName,
		IsCA:        cert.IsCA,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		DNSNames:    cert.DNSNames,
		Fingerprint: Fingerprint(cert),
	}
	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	return info
}

// ExpiresWithin reports whether cert expires before now+d.
func ExpiresWithin(cert *x509.Certificate, d time.Duration) bool {
	return time.Now().Add(d).After(cert.NotAfter)
}
