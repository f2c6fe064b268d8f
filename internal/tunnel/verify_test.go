package tunnel

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchWildcardHostname(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		host    string
		want    bool
	}{
		{"exact match", "example.org", "example.org", true},
		{"exact match case insensitive", "Example.ORG", "example.org", true},
		{"mismatch", "example.org", "example.com", false},
		{"wildcard matches one label", "*.example.org", "www.example.org", true},
		{"wildcard rejects two labels", "*.example.org", "test.abc.example.org", false},
		{"wildcard rejects apex", "*.example.org", "example.org", false},
		{"wildcard rejects empty label", "*.example.org", ".example.org", false},
		{"partial label wildcard", "www*.example.org", "www2.example.org", true},
		{"partial label wildcard mismatch", "www*.example.org", "api.example.org", false},
		{"inner wildcard", "w*w.example.org", "wwww.example.org", true},
		{"regex metacharacters literal", "w+w.example.org", "w+w.example.org", true},
		{"regex metacharacters not special", "w+w.example.org", "wxw.example.org", false},
		{"empty pattern", "", "example.org", false},
		{"empty host", "example.org", "", false},
		{"label count mismatch", "a.example.org", "example.org", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchWildcardHostname(tt.pattern, tt.host))
		})
	}
}

func TestVerifyPeerNoCertificate(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		v := &verificationContext{mode: ValidationRequireCert}
		_, err := v.verifyPeer(nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPeerCertRequired)
	})

	t.Run("optional", func(t *testing.T) {
		v := &verificationContext{mode: ValidationNone}
		info, err := v.verifyPeer(nil)
		require.NoError(t, err)
		assert.Nil(t, info)
	})
}

func TestVerifyPeerGarbageCertificate(t *testing.T) {
	v := &verificationContext{mode: ValidationValidCert}
	_, err := v.verifyPeer([][]byte{[]byte("not a certificate")})
	require.Error(t, err)
	assert.ErrorIs(t, err, &VerificationError{})
}

func TestVerifyPeerTrustChain(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, leafOptions{commonName: "peer.test", dnsNames: []string{"peer.test"}})
	raw := [][]byte{cert.Certificate[0]}

	t.Run("anchored chain accepted", func(t *testing.T) {
		v := &verificationContext{mode: ValidationValidCert, trustedCAs: ca.pool}
		info, err := v.verifyPeer(raw)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "peer.test", info.CommonName)
	})

	t.Run("missing trust anchor is fatal", func(t *testing.T) {
		v := &verificationContext{mode: ValidationValidCert}
		_, err := v.verifyPeer(raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoTrustAnchor)
	})

	t.Run("missing trust anchor ignores override", func(t *testing.T) {
		v := &verificationContext{
			mode: ValidationValidCert,
			validator: CertValidatorFunc(func(_ *PeerValidationInfo) bool {
				return true
			}),
		}
		_, err := v.verifyPeer(raw)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNoTrustAnchor)
	})

	t.Run("untrusted chain rejected", func(t *testing.T) {
		other := newTestCA(t)
		v := &verificationContext{mode: ValidationValidCert, trustedCAs: other.pool}
		_, err := v.verifyPeer(raw)
		require.Error(t, err)
	})
}

func TestVerifyPeerContentChecks(t *testing.T) {
	ca := newTestCA(t)
	expired := ca.issueLeaf(t, leafOptions{
		commonName: "old.test",
		notBefore:  time.Now().Add(-48 * time.Hour),
		notAfter:   time.Now().Add(-24 * time.Hour),
	})
	raw := [][]byte{expired.Certificate[0]}

	t.Run("expired rejected when checked", func(t *testing.T) {
		v := &verificationContext{mode: ValidationRequireCert | ValidationCheckCert}
		_, err := v.verifyPeer(raw)
		require.Error(t, err)
	})

	t.Run("expired accepted without content checks", func(t *testing.T) {
		v := &verificationContext{mode: ValidationRequireCert}
		info, err := v.verifyPeer(raw)
		require.NoError(t, err)
		assert.Equal(t, "old.test", info.CommonName)
	})
}

func TestVerifyPeerChainDepth(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, leafOptions{commonName: "deep.test"})

	chain := make([][]byte, 0, 4)
	for i := 0; i < 4; i++ {
		chain = append(chain, cert.Certificate[0])
	}

	v := &verificationContext{mode: ValidationCheckCert, maxChainDepth: 2}
	_, err := v.verifyPeer(chain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain too long")
}

func TestVerifyPeerIdentity(t *testing.T) {
	ca := newTestCA(t)

	t.Run("dns name match", func(t *testing.T) {
		cert := ca.issueLeaf(t, leafOptions{
			commonName: "irrelevant",
			dnsNames:   []string{"*.example.org"},
		})
		v := &verificationContext{
			mode:     ValidationCheckPeer,
			peerName: "www.example.org",
		}
		_, err := v.verifyPeer([][]byte{cert.Certificate[0]})
		require.NoError(t, err)
	})

	t.Run("common name fallback", func(t *testing.T) {
		cert := ca.issueLeaf(t, leafOptions{commonName: "cn.example.org"})
		v := &verificationContext{
			mode:     ValidationCheckPeer,
			peerName: "cn.example.org",
		}
		_, err := v.verifyPeer([][]byte{cert.Certificate[0]})
		require.NoError(t, err)
	})

	t.Run("ip address match", func(t *testing.T) {
		cert := ca.issueLeaf(t, leafOptions{
			commonName: "addr.test",
			ips:        []net.IP{net.ParseIP("192.0.2.7")},
		})
		v := &verificationContext{
			mode:        ValidationCheckPeer,
			peerAddress: net.ParseIP("192.0.2.7"),
		}
		_, err := v.verifyPeer([][]byte{cert.Certificate[0]})
		require.NoError(t, err)
	})

	t.Run("identity mismatch rejected", func(t *testing.T) {
		cert := ca.issueLeaf(t, leafOptions{
			commonName: "other.test",
			dnsNames:   []string{"other.test"},
		})
		v := &verificationContext{
			mode:     ValidationCheckPeer,
			peerName: "expected.test",
		}
		_, err := v.verifyPeer([][]byte{cert.Certificate[0]})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "does not match peer")
	})

	t.Run("identity check needs both flags", func(t *testing.T) {
		cert := ca.issueLeaf(t, leafOptions{
			commonName: "other.test",
			dnsNames:   []string{"other.test"},
		})
		v := &verificationContext{
			mode:     ValidationCheckCert,
			peerName: "expected.test",
		}
		_, err := v.verifyPeer([][]byte{cert.Certificate[0]})
		require.NoError(t, err)
	})
}

func TestVerifyPeerValidatorOverride(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, leafOptions{
		commonName: "cb.test",
		dnsNames:   []string{"cb.test"},
	})
	raw := [][]byte{cert.Certificate[0]}

	t.Run("accepts rejected certificate", func(t *testing.T) {
		var seen *PeerValidationInfo
		v := &verificationContext{
			mode:     ValidationCheckPeer,
			peerName: "mismatch.test",
			validator: CertValidatorFunc(func(info *PeerValidationInfo) bool {
				seen = info
				return true
			}),
		}
		info, err := v.verifyPeer(raw)
		require.NoError(t, err)
		assert.Equal(t, "cb.test", info.CommonName)
		require.NotNil(t, seen)
		assert.False(t, seen.Valid)
		assert.NotEmpty(t, seen.Reason)
		assert.Equal(t, "mismatch.test", seen.PeerName)
	})

	t.Run("rejects accepted certificate", func(t *testing.T) {
		v := &verificationContext{
			mode:     ValidationCheckPeer,
			peerName: "cb.test",
			validator: CertValidatorFunc(func(info *PeerValidationInfo) bool {
				return false
			}),
		}
		_, err := v.verifyPeer(raw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "application verification failed")
	})
}

func TestExtractPeerCertificateInfo(t *testing.T) {
	ca := newTestCA(t)
	cert := ca.issueLeaf(t, leafOptions{
		commonName: "info.test",
		dnsNames:   []string{"info.test", "alt.info.test"},
		ips:        []net.IP{net.ParseIP("192.0.2.1")},
	})

	info := extractPeerCertificateInfo(cert.Leaf)
	require.NotNil(t, info)
	assert.Equal(t, "info.test", info.CommonName)
	assert.Equal(t, "Test Root CA", info.Issuer)
	assert.Equal(t, []string{"info.test", "alt.info.test"}, info.DNSNames)
	require.Len(t, info.IPAddresses, 1)

	names := make([]string, 0, len(info.Subject))
	for _, attr := range info.Subject {
		names = append(names, attr.Name)
	}
	assert.Contains(t, names, "CN")
	assert.Contains(t, names, "O")

	assert.Nil(t, extractPeerCertificateInfo(nil))
}
