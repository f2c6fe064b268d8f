package tunnel

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCertFiles(t *testing.T, ca *testCA, commonName string) (certFile, keyFile string) {
	t.Helper()

	cert := ca.issueLeaf(t, leafOptions{commonName: commonName, dnsNames: []string{commonName}})

	dir := t.TempDir()
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	keyDER, err := x509.MarshalECPrivateKey(cert.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile
}

func TestStaticProvider(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, leafOptions{commonName: "static.test"})

	p := NewStaticProvider(&cert, ca.pool)

	got, err := p.GetCertificate(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, &cert, got)

	pool, err := p.GetTrustedCAs(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, ca.pool, pool)

	_, open := <-p.Watch(testContext(t))
	assert.False(t, open)

	require.NoError(t, p.Close())
	_, err = p.GetCertificate(testContext(t))
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestStaticProviderEmpty(t *testing.T) {
	p := NewStaticProvider(nil, nil)

	_, err := p.GetCertificate(testContext(t))
	assert.ErrorIs(t, err, ErrCertificateNotFound)

	pool, err := p.GetTrustedCAs(testContext(t))
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestNopProvider(t *testing.T) {
	p := NewNopProvider()

	_, err := p.GetCertificate(testContext(t))
	assert.ErrorIs(t, err, ErrCertificateNotFound)

	pool, err := p.GetTrustedCAs(testContext(t))
	require.NoError(t, err)
	assert.Nil(t, pool)

	require.NoError(t, p.Close())
	_, err = p.GetTrustedCAs(testContext(t))
	assert.ErrorIs(t, err, ErrProviderClosed)
}

func TestLoadCertificateFromFile(t *testing.T) {
	ca := newTestCA(t)
	certFile, keyFile := writeCertFiles(t, ca, "load.test")

	cert, err := LoadCertificateFromFile(certFile, keyFile)
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "load.test", cert.Leaf.Subject.CommonName)

	_, err = LoadCertificateFromFile("/nonexistent/cert.pem", keyFile)
	require.Error(t, err)
	var certErr *CertificateError
	assert.ErrorAs(t, err, &certErr)
}

func TestLoadCAFromFile(t *testing.T) {
	ca := newTestCA(t)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, ca.caPEM(t), 0o600))

	pool, err := LoadCAFromFile(caFile)
	require.NoError(t, err)
	assert.NotNil(t, pool)

	_, err = LoadCAFromFile("/nonexistent/ca.pem")
	require.Error(t, err)
}

func TestLoadCAFromPEM(t *testing.T) {
	_, err := LoadCAFromPEM([]byte("garbage"))
	require.Error(t, err)

	ca := newTestCA(t)
	pool, err := LoadCAFromPEM(ca.caPEM(t))
	require.NoError(t, err)
	assert.NotNil(t, pool)
}

func TestParsePEMCertificates(t *testing.T) {
	ca := newTestCA(t)

	certs, err := ParsePEMCertificates(ca.caPEM(t))
	require.NoError(t, err)
	require.Len(t, certs, 1)
	assert.Equal(t, "Test Root CA", certs[0].Subject.CommonName)

	_, err = ParsePEMCertificates([]byte("no certificates here"))
	require.Error(t, err)
}

func TestLoadDHParamsFromFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid params", func(t *testing.T) {
		path := filepath.Join(dir, "dh.pem")
		block := &pem.Block{Type: "DH PARAMETERS", Bytes: []byte{0x30, 0x06, 0x02, 0x01, 0x02, 0x02, 0x01, 0x02}}
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

		params, err := LoadDHParamsFromFile(path)
		require.NoError(t, err)
		assert.NotEmpty(t, params)
	})

	t.Run("wrong block type", func(t *testing.T) {
		path := filepath.Join(dir, "notdh.pem")
		block := &pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x01}}
		require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))

		_, err := LoadDHParamsFromFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no DH PARAMETERS")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadDHParamsFromFile(filepath.Join(dir, "missing.pem"))
		require.Error(t, err)
	})
}

func TestCertificateEventTypeString(t *testing.T) {
	assert.Equal(t, "loaded", CertificateEventLoaded.String())
	assert.Equal(t, "reloaded", CertificateEventReloaded.String())
	assert.Equal(t, "error", CertificateEventError.String())
	assert.Equal(t, "unknown", CertificateEventType(99).String())
}
