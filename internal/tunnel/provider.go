package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
)

// CertificateProvider supplies the local certificate and trusted CA bundle
// for a tunnel context. Implementations may load from files, inline data or
// external secret stores and may rotate material at runtime.
type CertificateProvider interface {
	// GetCertificate returns the local certificate chain and key. Server
	// roles require it; clients may return ErrCertificateNotFound.
	GetCertificate(ctx context.Context) (*tls.Certificate, error)

	// GetTrustedCAs returns the trusted CA pool for peer chain validation.
	// Returns nil when no trust anchors are configured.
	GetTrustedCAs(ctx context.Context) (*x509.CertPool, error)

	// Watch returns a channel that receives certificate events. The channel
	// is closed when the provider is closed or the context is canceled.
	Watch(ctx context.Context) <-chan CertificateEvent

	// Close releases resources held by the provider.
	Close() error
}

// CertificateEventType represents the type of certificate event.
type CertificateEventType int

// Certificate event type constants.
const (
	// CertificateEventLoaded indicates a certificate was initially loaded.
	CertificateEventLoaded CertificateEventType = iota

	// CertificateEventReloaded indicates a certificate was reloaded.
	CertificateEventReloaded

	// CertificateEventError indicates an error occurred during certificate
	// operations.
	CertificateEventError
)

// String returns the string representation of the event type.
func (t CertificateEventType) String() string {
	switch t {
	case CertificateEventLoaded:
		return "loaded"
	case CertificateEventReloaded:
		return "reloaded"
	case CertificateEventError:
		return "error"
	default:
		return "unknown"
	}
}

// CertificateEvent represents an event from a certificate provider.
type CertificateEvent struct {
	// Type is the type of event.
	Type CertificateEventType

	// Certificate is the certificate associated with the event (may be nil
	// for errors).
	Certificate *tls.Certificate

	// Error is the error associated with the event (for CertificateEventError).
	Error error

	// Message provides additional context about the event.
	Message string
}

// StaticProvider serves a fixed certificate and CA pool. It never reloads.
type StaticProvider struct {
	certificate *tls.Certificate
	trustedCAs  *x509.CertPool
	closed      bool
}

// NewStaticProvider creates a provider around preloaded material. Either
// argument may be nil.
func NewStaticProvider(cert *tls.Certificate, cas *x509.CertPool) *StaticProvider {
	return &StaticProvider{certificate: cert, trustedCAs: cas}
}

// GetCertificate returns the fixed certificate.
func (p *StaticProvider) GetCertificate(_ context.Context) (*tls.Certificate, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	if p.certificate == nil {
		return nil, ErrCertificateNotFound
	}
	return p.certificate, nil
}

// GetTrustedCAs returns the fixed CA pool.
func (p *StaticProvider) GetTrustedCAs(_ context.Context) (*x509.CertPool, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	return p.trustedCAs, nil
}

// Watch returns a closed channel; static material never changes.
func (p *StaticProvider) Watch(_ context.Context) <-chan CertificateEvent {
	ch := make(chan CertificateEvent)
	close(ch)
	return ch
}

// Close marks the provider as closed.
func (p *StaticProvider) Close() error {
	p.closed = true
	return nil
}

// Ensure StaticProvider implements CertificateProvider.
var _ CertificateProvider = (*StaticProvider)(nil)

// NopProvider is a certificate provider that returns no material. It is
// useful for testing and for client contexts without client certificates.
type NopProvider struct {
	closed bool
}

// NewNopProvider creates a new NopProvider.
func NewNopProvider() *NopProvider {
	return &NopProvider{}
}

// GetCertificate returns ErrCertificateNotFound.
func (p *NopProvider) GetCertificate(_ context.Context) (*tls.Certificate, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	return nil, ErrCertificateNotFound
}

// GetTrustedCAs returns nil.
func (p *NopProvider) GetTrustedCAs(_ context.Context) (*x509.CertPool, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	return nil, nil
}

// Watch returns a closed channel.
func (p *NopProvider) Watch(_ context.Context) <-chan CertificateEvent {
	ch := make(chan CertificateEvent)
	close(ch)
	return ch
}

// Close marks the provider as closed.
func (p *NopProvider) Close() error {
	p.closed = true
	return nil
}

// Ensure NopProvider implements CertificateProvider.
var _ CertificateProvider = (*NopProvider)(nil)

// LoadCertificateFromFile loads a certificate from PEM files.
func LoadCertificateFromFile(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, NewCertificateErrorWithCause(certFile, "failed to load certificate", err)
	}

	if len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil {
			cert.Leaf = leaf
		}
	}

	return &cert, nil
}

// LoadCertificateFromPEM loads a certificate from PEM data.
func LoadCertificateFromPEM(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, NewCertificateErrorWithCause("", "failed to parse certificate", err)
	}

	if len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err == nil {
			cert.Leaf = leaf
		}
	}

	return &cert, nil
}

// LoadCAFromFile loads a CA certificate pool from a PEM file.
func LoadCAFromFile(caFile string) (*x509.CertPool, error) {
	caData, err := os.ReadFile(caFile) // #nosec G304 -- CA file path from trusted config
	if err != nil {
		return nil, NewCertificateErrorWithCause(caFile, "failed to read CA file", err)
	}

	return LoadCAFromPEM(caData)
}

// LoadCAFromPEM loads a CA certificate pool from PEM data.
func LoadCAFromPEM(caPEM []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, NewCertificateError("", "failed to parse CA certificates")
	}
	return pool, nil
}

// ParsePEMCertificates parses PEM-encoded certificates.
func ParsePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate

	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, NewCertificateErrorWithCause("", "failed to parse certificate", err)
		}

		certs = append(certs, cert)
	}

	if len(certs) == 0 {
		return nil, NewCertificateError("", "no certificates found in PEM data")
	}

	return certs, nil
}

// LoadDHParamsFromFile reads and validates a PEM file with finite-field DH
// parameters. The parameters are retained for configuration compatibility;
// key exchange itself always uses the configured curves.
func LoadDHParamsFromFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- DH params path from trusted config
	if err != nil {
		return nil, NewCertificateErrorWithCause(path, "failed to read DH parameters file", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != "DH PARAMETERS" {
		return nil, NewCertificateError(path, "no DH PARAMETERS block found")
	}
	if len(block.Bytes) == 0 {
		return nil, NewCertificateError(path, "empty DH PARAMETERS block")
	}

	return block.Bytes, nil
}
