package tunnel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseALPNProtocol(t *testing.T) {
	offered := []string{"h2", "http/1.1", "custom/1"}

	t.Run("nil chooser", func(t *testing.T) {
		assert.Equal(t, defaultALPNProtocol, chooseALPNProtocol(nil, offered))
	})

	t.Run("valid choice", func(t *testing.T) {
		chooser := ALPNChooserFunc(func(protos []string) string {
			return "h2"
		})
		assert.Equal(t, "h2", chooseALPNProtocol(chooser, offered))
	})

	t.Run("empty choice falls back", func(t *testing.T) {
		chooser := ALPNChooserFunc(func(_ []string) string {
			return ""
		})
		assert.Equal(t, defaultALPNProtocol, chooseALPNProtocol(chooser, offered))
	})

	t.Run("unoffered choice falls back", func(t *testing.T) {
		chooser := ALPNChooserFunc(func(_ []string) string {
			return "spdy/3"
		})
		assert.Equal(t, defaultALPNProtocol, chooseALPNProtocol(chooser, offered))
	})

	t.Run("panicking chooser falls back", func(t *testing.T) {
		chooser := ALPNChooserFunc(func(_ []string) string {
			panic("chooser blew up")
		})
		assert.NotPanics(t, func() {
			assert.Equal(t, defaultALPNProtocol, chooseALPNProtocol(chooser, offered))
		})
	})
}

func TestTunnelALPNNegotiation(t *testing.T) {
	t.Run("chooser picks offered protocol", func(t *testing.T) {
		clientCtx, serverCtx, _ := newClientServerContexts(t, "alpn.test")
		require.NoError(t, clientCtx.SetALPNProtocols([]string{"custom/1", "http/1.1"}))
		require.NoError(t, serverCtx.SetALPNChooser(ALPNChooserFunc(func(offered []string) string {
			assert.Contains(t, offered, "custom/1")
			return "custom/1"
		})))

		client, server := tunnelPair(t, clientCtx, serverCtx, WithPeerName("alpn.test"))
		assert.Equal(t, "custom/1", client.ALPNSelected())
		assert.Equal(t, "custom/1", server.ALPNSelected())
	})

	t.Run("panicking chooser falls back", func(t *testing.T) {
		clientCtx, serverCtx, _ := newClientServerContexts(t, "alpn.test")
		require.NoError(t, clientCtx.SetALPNProtocols([]string{"h2", "http/1.1"}))
		require.NoError(t, serverCtx.SetALPNChooser(ALPNChooserFunc(func(_ []string) string {
			panic("boom")
		})))

		client, server := tunnelPair(t, clientCtx, serverCtx, WithPeerName("alpn.test"))
		assert.Equal(t, defaultALPNProtocol, client.ALPNSelected())
		assert.Equal(t, defaultALPNProtocol, server.ALPNSelected())
	})

	t.Run("fallback outside offer still reported", func(t *testing.T) {
		clientCtx, serverCtx, _ := newClientServerContexts(t, "alpn.test")
		require.NoError(t, clientCtx.SetALPNProtocols([]string{"custom/2"}))
		require.NoError(t, serverCtx.SetALPNChooser(ALPNChooserFunc(func(_ []string) string {
			return "nonsense"
		})))

		_, server := tunnelPair(t, clientCtx, serverCtx, WithPeerName("alpn.test"))
		assert.Equal(t, defaultALPNProtocol, server.ALPNSelected())
	})

	t.Run("no chooser negotiates mutual protocol", func(t *testing.T) {
		clientCtx, serverCtx, _ := newClientServerContexts(t, "alpn.test")
		require.NoError(t, clientCtx.SetALPNProtocols([]string{"h2", "http/1.1"}))
		require.NoError(t, serverCtx.SetALPNProtocols([]string{"http/1.1"}))

		client, _ := tunnelPair(t, clientCtx, serverCtx, WithPeerName("alpn.test"))
		assert.Equal(t, "http/1.1", client.ALPNSelected())
	})
}

func TestTunnelSNIDispatch(t *testing.T) {
	ca := newTestCA(t)
	defaultCert := ca.issueLeaf(t, leafOptions{commonName: "default.test", dnsNames: []string{"default.test"}})
	altCert := ca.issueLeaf(t, leafOptions{commonName: "alt.test", dnsNames: []string{"alt.test"}})

	altCtx, err := NewContext(RoleServer)
	require.NoError(t, err)
	require.NoError(t, altCtx.SetCertificateProvider(NewStaticProvider(&altCert, nil)))

	newServer := func(t *testing.T) *Context {
		serverCtx, err := NewContext(RoleServerSNI)
		require.NoError(t, err)
		require.NoError(t, serverCtx.SetCertificateProvider(NewStaticProvider(&defaultCert, nil)))
		require.NoError(t, serverCtx.SetSNIResolver(SNIResolverFunc(func(serverName string) *Context {
			if serverName == "alt.test" {
				return altCtx
			}
			return nil
		})))
		return serverCtx
	}

	newClient := func(t *testing.T) *Context {
		clientCtx, err := NewContext(RoleClient)
		require.NoError(t, err)
		require.NoError(t, clientCtx.SetCertificateProvider(NewStaticProvider(nil, ca.pool)))
		return clientCtx
	}

	t.Run("resolver switches context", func(t *testing.T) {
		client, server := tunnelPair(t, newClient(t), newServer(t), WithPeerName("alt.test"))

		require.NotNil(t, client.PeerCertificate())
		assert.Equal(t, "alt.test", client.PeerCertificate().CommonName)
		assert.Same(t, altCtx, server.Context())
	})

	t.Run("nil resolution keeps bound context", func(t *testing.T) {
		serverCtx := newServer(t)
		client, server := tunnelPair(t, newClient(t), serverCtx, WithPeerName("default.test"))

		require.NotNil(t, client.PeerCertificate())
		assert.Equal(t, "default.test", client.PeerCertificate().CommonName)
		assert.Same(t, serverCtx, server.Context())
	})
}

func TestSNIResolverRequiresSNIRole(t *testing.T) {
	ctx, err := NewContext(RoleServer)
	require.NoError(t, err)

	err = ctx.SetSNIResolver(SNIResolverFunc(func(string) *Context { return nil }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SNI server role")
}
