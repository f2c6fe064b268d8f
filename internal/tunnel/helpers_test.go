package tunnel

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testCA is a throwaway certificate authority for handshake tests.
type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pool *x509.CertPool
}

func newTestCA(t *testing.T) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"tlstunnel"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)

	return &testCA{cert: cert, key: key, pool: pool}
}

// caPEM returns the CA certificate in PEM form.
func (ca *testCA) caPEM(t *testing.T) []byte {
	t.Helper()
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// leafOptions controls generated leaf certificates.
type leafOptions struct {
	commonName string
	dnsNames   []string
	ips        []net.IP
	notBefore  time.Time
	notAfter   time.Time
}

// issueLeaf creates a leaf certificate signed by the CA.
func (ca *testCA) issueLeaf(t *testing.T, opts leafOptions) tls.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	if opts.notBefore.IsZero() {
		opts.notBefore = time.Now().Add(-time.Hour)
	}
	if opts.notAfter.IsZero() {
		opts.notAfter = time.Now().Add(24 * time.Hour)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: opts.commonName, Organization: []string{"tlstunnel"}},
		NotBefore:    opts.notBefore,
		NotAfter:     opts.notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     opts.dnsNames,
		IPAddresses:  opts.ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)

	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
}

// memBuffer is one direction of an in-memory duplex stream.
type memBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newMemBuffer() *memBuffer {
	b := &memBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *memBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.buf.Len() == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		return 0, io.EOF
	}
	return b.buf.Read(p)
}

func (b *memBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := b.buf.Write(p)
	b.cond.Broadcast()
	return n, err
}

func (b *memBuffer) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.cond.Broadcast()
}

func (b *memBuffer) available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *memBuffer) drained() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed && b.buf.Len() == 0
}

// memStream is an in-memory Stream; two of them form a duplex pair.
type memStream struct {
	in  *memBuffer
	out *memBuffer
}

var _ Stream = (*memStream)(nil)

// newMemStreamPair creates a connected pair of in-memory streams.
func newMemStreamPair() (*memStream, *memStream) {
	a := newMemBuffer()
	b := newMemBuffer()
	return &memStream{in: a, out: b}, &memStream{in: b, out: a}
}

func (s *memStream) Read(p []byte) (int, error)  { return s.in.Read(p) }
func (s *memStream) Write(p []byte) (int, error) { return s.out.Write(p) }
func (s *memStream) Flush() error                { return nil }
func (s *memStream) LeastAvailable() int         { return s.in.available() }
func (s *memStream) DataAvailableForRead() bool  { return s.in.available() > 0 }
func (s *memStream) Empty() bool                 { return s.in.drained() }

func (s *memStream) Close() error {
	s.out.close()
	s.in.close()
	return nil
}

// tunnelPair establishes a loopback tunnel between a client and a server
// context over an in-memory stream pair.
func tunnelPair(t *testing.T, clientCtx, serverCtx *Context, clientOpts ...StreamOption) (*TunnelStream, *TunnelStream) {
	t.Helper()

	clientEnd, serverEnd := newMemStreamPair()

	type result struct {
		stream *TunnelStream
		err    error
	}
	serverCh := make(chan result, 1)
	go func() {
		s, err := serverCtx.CreateStream(testContext(t), serverEnd, WithCloseOnFinalize(true))
		serverCh <- result{s, err}
	}()

	opts := append([]StreamOption{WithCloseOnFinalize(true)}, clientOpts...)
	client, err := clientCtx.CreateStream(testContext(t), clientEnd, opts...)
	require.NoError(t, err)

	srv := <-serverCh
	require.NoError(t, srv.err)

	t.Cleanup(func() {
		_ = client.Finalize()
		_ = srv.stream.Finalize()
	})

	return client, srv.stream
}

// newClientServerContexts builds a matched pair of contexts with a CA-signed
// server certificate for the given names.
func newClientServerContexts(t *testing.T, serverName string) (*Context, *Context, *testCA) {
	t.Helper()

	ca := newTestCA(t)
	serverCert := ca.issueLeaf(t, leafOptions{
		commonName: serverName,
		dnsNames:   []string{serverName},
	})

	serverCtx, err := NewContext(RoleServer)
	require.NoError(t, err)
	require.NoError(t, serverCtx.SetCertificateProvider(NewStaticProvider(&serverCert, nil)))

	clientCtx, err := NewContext(RoleClient)
	require.NoError(t, err)
	require.NoError(t, clientCtx.SetCertificateProvider(NewStaticProvider(nil, ca.pool)))

	return clientCtx, serverCtx, ca
}

// testContext returns a context that is canceled when the test ends,
// matching the behavior of (*testing.T).Context from Go 1.24.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
