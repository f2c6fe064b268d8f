package tunnel

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigurationError(t *testing.T) {
	t.Run("with field", func(t *testing.T) {
		err := NewConfigurationError("cipherList", "unknown cipher")
		assert.Equal(t, "tunnel config error at cipherList: unknown cipher", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		err := NewConfigurationErrorWithCause("role", "bad role", ErrRoleInvalid)
		assert.Contains(t, err.Error(), "bad role")
		assert.ErrorIs(t, err, ErrRoleInvalid)
		assert.ErrorIs(t, err, ErrConfigInvalid)
	})

	t.Run("matches type", func(t *testing.T) {
		err := NewConfigurationError("x", "y")
		var target *ConfigurationError
		assert.ErrorAs(t, error(err), &target)
	})
}

func TestHandshakeError(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewHandshakeError("connecting", cause)

	assert.Equal(t, "handshake failed while connecting: connection reset", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, err.Unwrap())

	bare := &HandshakeError{Op: "accepting"}
	assert.Equal(t, "handshake failed while accepting", bare.Error())
}

func TestVerificationError(t *testing.T) {
	err := NewVerificationErrorWithCause("peer.test", "cannot verify trust chain", ErrNoTrustAnchor)

	assert.Contains(t, err.Error(), "peer.test")
	assert.Contains(t, err.Error(), "cannot verify trust chain")
	assert.ErrorIs(t, err, ErrNoTrustAnchor)

	plain := NewVerificationError("", "rejected")
	assert.Equal(t, "certificate verification failed: rejected", plain.Error())
}

func TestCertificateError(t *testing.T) {
	err := NewCertificateError("/tmp/cert.pem", "failed to load certificate")
	assert.Contains(t, err.Error(), "/tmp/cert.pem")

	wrapped := NewCertificateErrorWithCause("", "parse failed", errors.New("bad pem"))
	assert.Contains(t, wrapped.Error(), "bad pem")
}

func TestStreamError(t *testing.T) {
	cause := errors.New("broken pipe")
	err := NewStreamError("write", cause)

	assert.Equal(t, "tunnel write failed: broken pipe", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestWrapError(t *testing.T) {
	require.NoError(t, WrapError(nil, "context"))

	base := errors.New("base")
	wrapped := WrapError(base, "context")
	assert.Equal(t, "context: base", wrapped.Error())
	assert.ErrorIs(t, wrapped, base)
}
