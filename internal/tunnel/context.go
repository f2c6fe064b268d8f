package tunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/tlstunnel/internal/observability"
)

// SNIResolver selects an alternative context for a server-requested
// hostname. Returning nil continues the handshake under the bound context.
type SNIResolver interface {
	Resolve(serverName string) *Context
}

// SNIResolverFunc adapts a function to the SNIResolver interface.
type SNIResolverFunc func(serverName string) *Context

// Resolve implements SNIResolver.
func (f SNIResolverFunc) Resolve(serverName string) *Context {
	return f(serverName)
}

// ALPNChooser selects one application protocol from the list offered by a
// client. An empty return or a choice outside the offered list falls back to
// the default protocol.
type ALPNChooser interface {
	Choose(offered []string) string
}

// ALPNChooserFunc adapts a function to the ALPNChooser interface.
type ALPNChooserFunc func(offered []string) string

// Choose implements ALPNChooser.
func (f ALPNChooserFunc) Choose(offered []string) string {
	return f(offered)
}

// Context holds the negotiated policy shared by every stream created from
// it: role, version bounds, cipher preferences, certificate material, peer
// validation policy and protocol negotiation hooks. A context is mutable
// until the first stream is created from it and frozen afterwards.
type Context struct {
	id   string
	role Role

	mu                     sync.RWMutex
	minVersion             TLSVersion
	maxVersion             TLSVersion
	cipherSuites           []uint16
	curves                 []tls.CurveID
	dhParams               []byte
	provider               CertificateProvider
	validationMode         ValidationMode
	maxChainDepth          int
	validator              CertValidator
	sniResolver            SNIResolver
	alpnChooser            ALPNChooser
	alpnProtocols          []string
	sessionTicketsDisabled bool

	logger  observability.Logger
	metrics MetricsRecorder

	inUse atomic.Bool
}

// ContextOption is a functional option for configuring a Context.
type ContextOption func(*Context)

// WithLogger sets the logger used by the context and its streams.
func WithLogger(logger observability.Logger) ContextOption {
	return func(c *Context) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder used by the context and its streams.
func WithMetrics(metrics MetricsRecorder) ContextOption {
	return func(c *Context) {
		c.metrics = metrics
	}
}

// WithCertificateProvider sets the certificate provider.
func WithCertificateProvider(provider CertificateProvider) ContextOption {
	return func(c *Context) {
		c.provider = provider
	}
}

// NewContext creates a tunnel context for the given role with secure
// defaults. The first call also initializes process-wide crypto state.
func NewContext(role Role, opts ...ContextOption) (*Context, error) {
	if _, err := ensureProcessState(); err != nil {
		return nil, err
	}
	if !role.IsValid() {
		return nil, NewConfigurationErrorWithCause("role", "unknown tunnel role", ErrRoleInvalid)
	}

	mode := ValidationNone
	if role == RoleClient {
		mode = ValidationValidCert
	}

	c := &Context{
		id:             uuid.NewString(),
		role:           role,
		minVersion:     TLSVersion12,
		maxVersion:     TLSVersion13,
		cipherSuites:   DefaultSecureCipherSuites(),
		validationMode: mode,
		maxChainDepth:  DefaultMaxChainDepth,
		provider:       NewNopProvider(),
		logger:         observability.NopLogger(),
		metrics:        NewNopMetrics(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// NewContextFromConfig builds a context from declarative configuration.
// Certificate material named by the config is loaded eagerly; a positive
// reload interval selects a hot-reloading file provider.
func NewContextFromConfig(cfg *Config, opts ...ContextOption) (*Context, error) {
	if cfg == nil {
		return nil, NewConfigurationError("config", "tunnel configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	role, err := ParseRole(cfg.Role)
	if err != nil {
		return nil, err
	}

	c, err := NewContext(role, opts...)
	if err != nil {
		return nil, err
	}

	if cfg.MinVersion != "" || cfg.MaxVersion != "" {
		minVer, maxVer := cfg.MinVersion, cfg.MaxVersion
		if minVer == "" {
			minVer = TLSVersion12
		}
		if maxVer == "" {
			maxVer = TLSVersion13
		}
		if err := c.SetVersionPolicy(minVer, maxVer); err != nil {
			return nil, err
		}
	}

	if cfg.CipherList != "" {
		if err := c.SetCipherList(cfg.CipherList); err != nil {
			return nil, err
		}
	}

	if cfg.ECDHCurve != "" {
		if err := c.SetECDHCurve(cfg.ECDHCurve); err != nil {
			return nil, err
		}
	}

	if cfg.DHParamsFile != "" {
		if err := c.SetDHParamsFile(cfg.DHParamsFile); err != nil {
			return nil, err
		}
	}

	if cfg.CertFile != "" || cfg.CAFile != "" {
		provider, err := NewFileProvider(cfg.CertFile, cfg.KeyFile, cfg.CAFile,
			WithFileProviderLogger(c.logger),
			WithReloadInterval(cfg.ReloadInterval),
		)
		if err != nil {
			return nil, err
		}
		c.provider = provider
	}

	if len(cfg.ValidationMode) > 0 {
		mode, err := ParseValidationMode(cfg.ValidationMode)
		if err != nil {
			return nil, err
		}
		if err := c.SetPeerValidationMode(mode); err != nil {
			return nil, err
		}
	}

	if cfg.MaxChainDepth > 0 {
		if err := c.SetMaxCertChainLength(cfg.MaxChainDepth); err != nil {
			return nil, err
		}
	}

	if len(cfg.ALPN) > 0 {
		if err := c.SetALPNProtocols(cfg.ALPN); err != nil {
			return nil, err
		}
	}

	if cfg.SessionTicketsDisabled {
		if err := c.SetSessionTicketsDisabled(true); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ID returns the unique context identifier.
func (c *Context) ID() string {
	return c.id
}

// Role returns the tunnel role the context drives.
func (c *Context) Role() Role {
	return c.role
}

// PeerValidationMode returns the configured peer validation mode.
func (c *Context) PeerValidationMode() ValidationMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.validationMode
}

// MaxCertChainLength returns the configured maximum chain depth.
func (c *Context) MaxCertChainLength() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.maxChainDepth
}

// checkMutable rejects policy changes once a stream has been created.
func (c *Context) checkMutable() error {
	if c.inUse.Load() {
		return ErrContextInUse
	}
	return nil
}

// markInUse freezes the context policy. Called by stream creation.
func (c *Context) markInUse() {
	c.inUse.Store(true)
}

// SetVersionPolicy bounds the negotiable protocol versions.
func (c *Context) SetVersionPolicy(minVersion, maxVersion TLSVersion) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if !minVersion.IsValid() || !maxVersion.IsValid() {
		return NewConfigurationErrorWithCause("version", "unknown TLS version", ErrTLSVersionInvalid)
	}
	minVer, maxVer := minVersion.ToTLSVersion(), maxVersion.ToTLSVersion()
	if minVer > 0 && maxVer > 0 && minVer > maxVer {
		return NewConfigurationError("version", "minimum version above maximum version")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.minVersion = minVersion
	c.maxVersion = maxVersion
	return nil
}

// SetCipherList configures the cipher preference list from a colon-joined
// name list. An empty list restores the secure defaults.
func (c *Context) SetCipherList(list string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	suites, err := ParseCipherList(list)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipherSuites = suites
	return nil
}

// SetECDHCurve selects the ECDH curve used for key exchange.
func (c *Context) SetECDHCurve(name string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	curve, err := ParseCurve(name)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.curves = []tls.CurveID{curve}
	return nil
}

// SetDHParamsFile loads finite-field DH parameters from a PEM file. The
// parameters are validated and retained; key exchange uses the configured
// curves.
func (c *Context) SetDHParamsFile(path string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	params, err := LoadDHParamsFromFile(path)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dhParams = params
	return nil
}

// UseCertificateFile loads the local certificate chain and key from PEM
// files, replacing the current provider with static material.
func (c *Context) UseCertificateFile(certFile, keyFile string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	cert, err := LoadCertificateFromFile(certFile, keyFile)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = NewStaticProvider(cert, c.currentTrustedCAs())
	return nil
}

// UseTrustedCertificateFile loads the trusted CA bundle from a PEM file.
func (c *Context) UseTrustedCertificateFile(caFile string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	pool, err := LoadCAFromFile(caFile)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = NewStaticProvider(c.currentCertificate(), pool)
	return nil
}

// currentCertificate returns the provider's certificate, ignoring lookup
// failures. Callers hold c.mu.
func (c *Context) currentCertificate() *tls.Certificate {
	cert, err := c.provider.GetCertificate(context.Background())
	if err != nil {
		return nil
	}
	return cert
}

// currentTrustedCAs returns the provider's CA pool, ignoring lookup
// failures. Callers hold c.mu.
func (c *Context) currentTrustedCAs() *x509.CertPool {
	pool, err := c.provider.GetTrustedCAs(context.Background())
	if err != nil {
		return nil
	}
	return pool
}

// SetCertificateProvider replaces the certificate provider.
func (c *Context) SetCertificateProvider(provider CertificateProvider) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if provider == nil {
		return NewConfigurationError("provider", "certificate provider is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.provider = provider
	return nil
}

// SetPeerValidationMode selects which peer certificate checks apply.
func (c *Context) SetPeerValidationMode(mode ValidationMode) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if mode&^ValidationValidCert != 0 {
		return NewConfigurationErrorWithCause("validationMode",
			"unknown validation flags", ErrValidationModeInvalid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.validationMode = mode
	return nil
}

// SetMaxCertChainLength bounds the accepted certificate chain depth.
func (c *Context) SetMaxCertChainLength(depth int) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if depth <= 0 {
		return NewConfigurationError("maxChainDepth", "chain depth must be positive")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxChainDepth = depth
	return nil
}

// SetPeerValidationCallback installs an application override for peer
// certificate decisions. A nil validator removes the override.
func (c *Context) SetPeerValidationCallback(validator CertValidator) error {
	if err := c.checkMutable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.validator = validator
	return nil
}

// SetSNIResolver installs the hostname-based context resolver. Only
// meaningful for the SNI server role.
func (c *Context) SetSNIResolver(resolver SNIResolver) error {
	if err := c.checkMutable(); err != nil {
		return err
	}
	if c.role != RoleServerSNI {
		return NewConfigurationError("sniResolver",
			"hostname dispatch requires the SNI server role")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sniResolver = resolver
	return nil
}

// SetALPNChooser installs the server-side application protocol chooser.
func (c *Context) SetALPNChooser(chooser ALPNChooser) error {
	if err := c.checkMutable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpnChooser = chooser
	return nil
}

// SetALPNProtocols sets the application protocols offered by a client or
// supported by a server without a chooser.
func (c *Context) SetALPNProtocols(protocols []string) error {
	if err := c.checkMutable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.alpnProtocols = append([]string(nil), protocols...)
	return nil
}

// SetSessionTicketsDisabled disables session ticket resumption.
func (c *Context) SetSessionTicketsDisabled(disabled bool) error {
	if err := c.checkMutable(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionTicketsDisabled = disabled
	return nil
}

// newVerificationContext snapshots the validation policy for one handshake.
func (c *Context) newVerificationContext(ctx context.Context, peerName string, peerAddress net.IP) *verificationContext {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var trustedCAs *x509.CertPool
	if pool, err := c.provider.GetTrustedCAs(ctx); err == nil {
		trustedCAs = pool
	}

	return &verificationContext{
		mode:          c.validationMode,
		maxChainDepth: c.maxChainDepth,
		trustedCAs:    trustedCAs,
		validator:     c.validator,
		peerName:      peerName,
		peerAddress:   peerAddress,
	}
}

// baseTLSConfig builds the engine configuration shared by both roles.
func (c *Context) baseTLSConfig() *tls.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg := &tls.Config{
		MinVersion:             c.minVersion.ToTLSVersion(),
		MaxVersion:             c.maxVersion.ToTLSVersion(),
		CipherSuites:           append([]uint16(nil), c.cipherSuites...),
		SessionTicketsDisabled: c.sessionTicketsDisabled,
	}
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if len(c.curves) > 0 {
		cfg.CurvePreferences = append([]tls.CurveID(nil), c.curves...)
	}
	if len(c.alpnProtocols) > 0 {
		cfg.NextProtos = append([]string(nil), c.alpnProtocols...)
	}
	return cfg
}

// localCertificate fetches the local certificate from the provider.
func (c *Context) localCertificate(ctx context.Context) (*tls.Certificate, error) {
	c.mu.RLock()
	provider := c.provider
	c.mu.RUnlock()
	return provider.GetCertificate(ctx)
}

// resolveSNI asks the configured resolver for an alternate context. Returns
// nil when the handshake should continue under this context.
func (c *Context) resolveSNI(serverName string) *Context {
	c.mu.RLock()
	resolver := c.sniResolver
	c.mu.RUnlock()

	if c.role != RoleServerSNI || resolver == nil {
		return nil
	}
	return resolver.Resolve(serverName)
}
