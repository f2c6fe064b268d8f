package tunnel

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of the tunnel a context drives.
type Role int

// Tunnel role constants.
const (
	// RoleClient initiates the handshake and verifies the server identity.
	RoleClient Role = iota

	// RoleServer accepts handshakes under a single bound context.
	RoleServer

	// RoleServerSNI accepts handshakes and may switch to another context
	// based on the client-requested hostname.
	RoleServerSNI
)

// String returns the string representation of the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	case RoleServerSNI:
		return "server_sni"
	default:
		return "unknown"
	}
}

// IsValid returns true if the role is valid.
func (r Role) IsValid() bool {
	switch r {
	case RoleClient, RoleServer, RoleServerSNI:
		return true
	default:
		return false
	}
}

// ParseRole parses a role name.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	case "server_sni", "sni":
		return RoleServerSNI, nil
	default:
		return 0, NewConfigurationErrorWithCause("role",
			fmt.Sprintf("unknown role %q", name), ErrRoleInvalid)
	}
}

// TLSVersion represents TLS protocol version policy.
type TLSVersion string

// TLS version constants.
const (
	// TLSVersionAuto lets the engine select the version.
	TLSVersionAuto TLSVersion = "AUTO"

	// TLSVersion10 represents TLS 1.0 (legacy, requires explicit opt-in).
	TLSVersion10 TLSVersion = "TLS10"

	// TLSVersion11 represents TLS 1.1 (legacy, requires explicit opt-in).
	TLSVersion11 TLSVersion = "TLS11"

	// TLSVersion12 represents TLS 1.2 (minimum default).
	TLSVersion12 TLSVersion = "TLS12"

	// TLSVersion13 represents TLS 1.3 (preferred).
	TLSVersion13 TLSVersion = "TLS13"
)

// String returns the string representation of the TLS version.
func (v TLSVersion) String() string {
	return string(v)
}

// IsValid returns true if the TLS version is valid.
func (v TLSVersion) IsValid() bool {
	switch v {
	case TLSVersionAuto, TLSVersion10, TLSVersion11, TLSVersion12, TLSVersion13:
		return true
	default:
		return false
	}
}

// ToTLSVersion converts to a crypto/tls version constant.
func (v TLSVersion) ToTLSVersion() uint16 {
	switch v {
	case TLSVersion10:
		return tls.VersionTLS10
	case TLSVersion11:
		return tls.VersionTLS11
	case TLSVersion12:
		return tls.VersionTLS12
	case TLSVersion13:
		return tls.VersionTLS13
	case TLSVersionAuto:
		return 0 // Let the engine choose
	default:
		return tls.VersionTLS12 // Safe default
	}
}

// IsLegacy returns true if this is a legacy TLS version (1.0 or 1.1).
func (v TLSVersion) IsLegacy() bool {
	return v == TLSVersion10 || v == TLSVersion11
}

// ValidationMode is a bit set selecting which peer certificate checks apply.
type ValidationMode int

// Peer validation mode flags.
const (
	// ValidationNone disables all peer certificate checks.
	ValidationNone ValidationMode = 0

	// ValidationRequireCert requires the peer to present a certificate.
	ValidationRequireCert ValidationMode = 1 << 0

	// ValidationCheckCert checks certificate contents (validity period and
	// well-formedness). Without this flag all content checks are bypassed.
	ValidationCheckCert ValidationMode = 1 << 1

	// ValidationCheckTrust requires the chain to anchor in the configured
	// trusted CA bundle.
	ValidationCheckTrust ValidationMode = 1 << 2

	// ValidationCheckPeer additionally verifies the peer's hostname or
	// address against the certificate identity.
	ValidationCheckPeer = ValidationRequireCert | ValidationCheckCert

	// ValidationValidCert is the strict policy: certificate required,
	// contents checked, chain anchored in the trust store and peer
	// identity verified.
	ValidationValidCert = ValidationRequireCert | ValidationCheckCert | ValidationCheckTrust
)

// String returns a readable flag list for the mode.
func (m ValidationMode) String() string {
	if m == ValidationNone {
		return "none"
	}
	var flags []string
	if m&ValidationRequireCert != 0 {
		flags = append(flags, "requireCert")
	}
	if m&ValidationCheckCert != 0 {
		flags = append(flags, "checkCert")
	}
	if m&ValidationCheckTrust != 0 {
		flags = append(flags, "checkTrust")
	}
	return strings.Join(flags, "|")
}

// ParseValidationMode parses a list of validation flag names.
func ParseValidationMode(flags []string) (ValidationMode, error) {
	mode := ValidationNone
	for _, flag := range flags {
		switch strings.TrimSpace(flag) {
		case "", "none":
		case "requireCert":
			mode |= ValidationRequireCert
		case "checkCert":
			mode |= ValidationCheckCert
		case "checkTrust":
			mode |= ValidationCheckTrust
		case "checkPeer":
			mode |= ValidationCheckPeer
		case "validCert":
			mode |= ValidationValidCert
		default:
			return 0, NewConfigurationErrorWithCause("validationMode",
				fmt.Sprintf("unknown validation flag %q", flag), ErrValidationModeInvalid)
		}
	}
	return mode, nil
}

// DefaultMaxChainDepth is the default maximum certificate chain depth.
const DefaultMaxChainDepth = 9

// Config represents declarative tunnel configuration, typically loaded from
// a yaml file. BuildContext turns it into an engine Context.
type Config struct {
	// Role selects client, server or server_sni behavior.
	Role string `yaml:"role" json:"role"`

	// MinVersion is the minimum TLS version (default: TLS12).
	MinVersion TLSVersion `yaml:"minVersion,omitempty" json:"minVersion,omitempty"`

	// MaxVersion is the maximum TLS version (default: TLS13).
	MaxVersion TLSVersion `yaml:"maxVersion,omitempty" json:"maxVersion,omitempty"`

	// CipherList is a colon-joined cipher preference list.
	CipherList string `yaml:"cipherList,omitempty" json:"cipherList,omitempty"`

	// ECDHCurve names the ECDH curve. Empty selects automatically.
	ECDHCurve string `yaml:"ecdhCurve,omitempty" json:"ecdhCurve,omitempty"`

	// DHParamsFile is a PEM file with finite-field DH parameters.
	DHParamsFile string `yaml:"dhParamsFile,omitempty" json:"dhParamsFile,omitempty"`

	// CAFile is the trusted CA bundle (PEM).
	CAFile string `yaml:"caFile,omitempty" json:"caFile,omitempty"`

	// CertFile is the local certificate chain file (PEM).
	CertFile string `yaml:"certFile,omitempty" json:"certFile,omitempty"`

	// KeyFile is the local private key file (PEM).
	KeyFile string `yaml:"keyFile,omitempty" json:"keyFile,omitempty"`

	// ValidationMode lists peer validation flags
	// (requireCert, checkCert, checkTrust, checkPeer, validCert).
	// Empty selects the per-role default.
	ValidationMode []string `yaml:"validationMode,omitempty" json:"validationMode,omitempty"`

	// MaxChainDepth is the maximum certificate chain depth (default 9).
	MaxChainDepth int `yaml:"maxChainDepth,omitempty" json:"maxChainDepth,omitempty"`

	// ALPN protocols offered (client) or supported (server).
	ALPN []string `yaml:"alpn,omitempty" json:"alpn,omitempty"`

	// SessionTicketsDisabled disables session ticket resumption.
	SessionTicketsDisabled bool `yaml:"sessionTicketsDisabled,omitempty" json:"sessionTicketsDisabled,omitempty"`

	// ReloadInterval enables certificate hot-reload when positive.
	ReloadInterval time.Duration `yaml:"reloadInterval,omitempty" json:"reloadInterval,omitempty"`
}

// DefaultConfig returns a Config with secure defaults.
func DefaultConfig() *Config {
	return &Config{
		Role:       "client",
		MinVersion: TLSVersion12,
		MaxVersion: TLSVersion13,
	}
}

// Validate validates the tunnel configuration.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}

	role, err := ParseRole(c.Role)
	if err != nil {
		return err
	}

	if err := c.validateVersions(); err != nil {
		return err
	}

	if _, err := ParseValidationMode(c.ValidationMode); err != nil {
		return err
	}

	if c.MaxChainDepth < 0 {
		return NewConfigurationError("maxChainDepth", "chain depth cannot be negative")
	}

	if role != RoleClient {
		if c.CertFile == "" {
			return NewConfigurationError("certFile", "certificate file required for server roles")
		}
		if c.KeyFile == "" {
			return NewConfigurationError("keyFile", "key file required for server roles")
		}
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return NewConfigurationError("certFile", "certificate and key files must be configured together")
	}

	return nil
}

// validateVersions validates TLS version configuration.
func (c *Config) validateVersions() error {
	if c.MinVersion != "" && !c.MinVersion.IsValid() {
		return NewConfigurationErrorWithCause("minVersion",
			fmt.Sprintf("invalid TLS version: %s", c.MinVersion), ErrTLSVersionInvalid)
	}
	if c.MaxVersion != "" && !c.MaxVersion.IsValid() {
		return NewConfigurationErrorWithCause("maxVersion",
			fmt.Sprintf("invalid TLS version: %s", c.MaxVersion), ErrTLSVersionInvalid)
	}

	if c.MinVersion != "" && c.MaxVersion != "" {
		minVer := c.MinVersion.ToTLSVersion()
		maxVer := c.MaxVersion.ToTLSVersion()
		if minVer > 0 && maxVer > 0 && minVer > maxVer {
			return NewConfigurationError("minVersion",
				fmt.Sprintf("minVersion (%s) cannot be greater than maxVersion (%s)", c.MinVersion, c.MaxVersion))
		}
	}
	return nil
}

// Clone creates a deep copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.ValidationMode) > 0 {
		clone.ValidationMode = make([]string, len(c.ValidationMode))
		copy(clone.ValidationMode, c.ValidationMode)
	}

	if len(c.ALPN) > 0 {
		clone.ALPN = make([]string, len(c.ALPN))
		copy(clone.ALPN, c.ALPN)
	}

	return &clone
}
