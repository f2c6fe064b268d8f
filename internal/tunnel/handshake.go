package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/vyrodovalexey/tlstunnel/internal/observability"
)

// defaultALPNProtocol is negotiated when a protocol chooser fails or picks
// a protocol the client did not offer.
const defaultALPNProtocol = "http/1.1"

// chooseALPNProtocol runs the chooser over the client's offered protocols.
// A panicking chooser, an empty choice or a choice outside the offered list
// all resolve to the default protocol.
func chooseALPNProtocol(chooser ALPNChooser, offered []string) (proto string) {
	proto = defaultALPNProtocol
	if chooser == nil {
		return proto
	}

	defer func() {
		if r := recover(); r != nil {
			proto = defaultALPNProtocol
		}
	}()

	choice := chooser.Choose(offered)
	if choice == "" || !slices.Contains(offered, choice) {
		return defaultALPNProtocol
	}
	return choice
}

// handshakeController drives one handshake and records its outcome. The
// verification context is built on the controller and handed to the engine
// callback explicitly; nothing is stashed in engine-side storage.
type handshakeController struct {
	tunnelCtx   *Context
	peerName    string
	peerAddress net.IP

	mu        sync.Mutex
	activeCtx *Context
	peerInfo  *PeerCertificateInfo
	alpnPick  string

	logger  observability.Logger
	metrics MetricsRecorder
}

func newHandshakeController(c *Context, peerName string, peerAddress net.IP) *handshakeController {
	return &handshakeController{
		tunnelCtx:   c,
		peerName:    peerName,
		peerAddress: peerAddress,
		activeCtx:   c,
		logger:      c.logger,
		metrics:     c.metrics,
	}
}

// setActiveContext records the context a hostname dispatch switched to.
func (h *handshakeController) setActiveContext(c *Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activeCtx = c
}

// ActiveContext returns the context the handshake completed under.
func (h *handshakeController) ActiveContext() *Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.activeCtx
}

// PeerInfo returns the verified peer certificate identity, if any.
func (h *handshakeController) PeerInfo() *PeerCertificateInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peerInfo
}

// verifyCallback wraps a verification context as an engine callback and
// captures the resulting peer identity.
func (h *handshakeController) verifyCallback(vctx *verificationContext) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		info, err := vctx.verifyPeer(rawCerts)
		if err != nil {
			h.metrics.RecordPeerValidation(false, "certificate_rejected")
			return err
		}
		h.mu.Lock()
		h.peerInfo = info
		h.mu.Unlock()
		h.metrics.RecordPeerValidation(true, "")
		return nil
	}
}

// clientConfig assembles the engine configuration for an initiating
// handshake. Engine-side verification is disabled; the explicit
// verification context is the only trust decision point.
func (h *handshakeController) clientConfig(ctx context.Context) (*tls.Config, error) {
	c := h.tunnelCtx
	cfg := c.baseTLSConfig()

	cfg.InsecureSkipVerify = true // verification runs in verifyCallback
	cfg.ServerName = h.peerName
	cfg.VerifyPeerCertificate = h.verifyCallback(c.newVerificationContext(ctx, h.peerName, h.peerAddress))

	if cert, err := c.localCertificate(ctx); err == nil && cert != nil {
		cfg.Certificates = []tls.Certificate{*cert}
	}

	return cfg, nil
}

// serverConfig assembles the engine configuration for an accepting
// handshake. Hostname dispatch and protocol choice both hook in through
// the per-connection callback.
func (h *handshakeController) serverConfig(ctx context.Context) (*tls.Config, error) {
	c := h.tunnelCtx
	cfg, err := h.serverConnConfig(ctx, c)
	if err != nil {
		return nil, err
	}

	cfg.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		target := c
		if alt := c.resolveSNI(hello.ServerName); alt != nil {
			h.logger.Debug("hostname dispatch switched context",
				observability.String("serverName", hello.ServerName),
			)
			h.setActiveContext(alt)
			target = alt
		}

		conn, err := h.serverConnConfig(ctx, target)
		if err != nil {
			return nil, err
		}

		target.mu.RLock()
		chooser := target.alpnChooser
		target.mu.RUnlock()
		if chooser != nil {
			choice := chooseALPNProtocol(chooser, hello.SupportedProtos)
			h.mu.Lock()
			h.alpnPick = choice
			h.mu.Unlock()
			if slices.Contains(hello.SupportedProtos, choice) {
				conn.NextProtos = []string{choice}
			} else {
				// The fallback protocol was not offered; proceed without
				// engine-level negotiation and report the fallback choice.
				conn.NextProtos = nil
			}
		}

		return conn, nil
	}

	return cfg, nil
}

// serverConnConfig builds the accepting configuration for one context,
// without the dispatch callback.
func (h *handshakeController) serverConnConfig(ctx context.Context, c *Context) (*tls.Config, error) {
	cfg := c.baseTLSConfig()

	cert, err := c.localCertificate(ctx)
	if err != nil {
		return nil, NewConfigurationErrorWithCause("certFile",
			"accepting role requires a local certificate", err)
	}
	cfg.Certificates = []tls.Certificate{*cert}

	mode := c.PeerValidationMode()
	switch {
	case mode&ValidationRequireCert != 0:
		cfg.ClientAuth = tls.RequireAnyClientCert
	case mode != ValidationNone:
		cfg.ClientAuth = tls.RequestClientCert
	default:
		cfg.ClientAuth = tls.NoClientCert
	}
	if mode != ValidationNone {
		cfg.VerifyPeerCertificate = h.verifyCallback(c.newVerificationContext(ctx, h.peerName, h.peerAddress))
	}

	return cfg, nil
}

// run performs the handshake on a prepared engine connection. On failure
// the connection is closed best-effort and a HandshakeError is returned.
func (h *handshakeController) run(ctx context.Context, conn *tls.Conn, op string) error {
	start := time.Now()

	if err := conn.HandshakeContext(ctx); err != nil {
		h.metrics.RecordHandshakeError(op)
		h.logger.Error("tunnel handshake failed",
			observability.String("op", op),
			observability.String("role", h.tunnelCtx.Role().String()),
			observability.Error(err),
		)
		_ = conn.Close()
		return NewHandshakeError(op, err)
	}

	state := conn.ConnectionState()
	role := h.ActiveContext().Role()
	h.metrics.RecordHandshake(state.Version, state.CipherSuite, role)
	h.metrics.RecordHandshakeDuration(time.Since(start), role)

	h.logger.Debug("tunnel handshake complete",
		observability.String("role", role.String()),
		observability.String("version", TLSVersionName(state.Version)),
		observability.String("cipher", CipherSuiteName(state.CipherSuite)),
		observability.String("alpn", state.NegotiatedProtocol),
	)

	return nil
}

// negotiatedProtocol reports the application protocol for an established
// handshake, substituting the chooser's fallback when engine-level
// negotiation was skipped.
func (h *handshakeController) negotiatedProtocol(state tls.ConnectionState) string {
	if state.NegotiatedProtocol != "" {
		return state.NegotiatedProtocol
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.alpnPick
}
