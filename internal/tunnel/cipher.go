package tunnel

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// CipherSuite represents a TLS cipher suite with metadata.
type CipherSuite struct {
	// ID is the cipher suite ID.
	ID uint16

	// Name is the cipher suite name.
	Name string

	// Secure indicates if this is a secure cipher suite.
	Secure bool

	// TLS13 indicates if this is a TLS 1.3 cipher suite.
	TLS13 bool
}

// cipherSuiteRegistry maps cipher suite names to their configurations.
var cipherSuiteRegistry = map[string]CipherSuite{
	// TLS 1.3 cipher suites (always secure)
	"TLS_AES_128_GCM_SHA256": {
		ID:     tls.TLS_AES_128_GCM_SHA256,
		Name:   "TLS_AES_128_GCM_SHA256",
		Secure: true,
		TLS13:  true,
	},
	"TLS_AES_256_GCM_SHA384": {
		ID:     tls.TLS_AES_256_GCM_SHA384,
		Name:   "TLS_AES_256_GCM_SHA384",
		Secure: true,
		TLS13:  true,
	},
	"TLS_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_CHACHA20_POLY1305_SHA256",
		Secure: true,
		TLS13:  true,
	},

	// TLS 1.2 secure cipher suites
	"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		Secure: true,
	},
	"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		Secure: true,
	},
	"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256": {
		ID:     tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		Name:   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
		Secure: true,
	},

	// Legacy cipher suites (not recommended)
	"TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA": {
		ID:     tls.TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA,
		Name:   "TLS_ECDHE_ECDSA_WITH_AES_128_CBC_SHA",
		Secure: false,
	},
	"TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA": {
		ID:     tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA,
		Name:   "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA",
		Secure: false,
	},
	"TLS_RSA_WITH_AES_128_GCM_SHA256": {
		ID:     tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
		Name:   "TLS_RSA_WITH_AES_128_GCM_SHA256",
		Secure: false,
	},
	"TLS_RSA_WITH_AES_256_GCM_SHA384": {
		ID:     tls.TLS_RSA_WITH_AES_256_GCM_SHA384,
		Name:   "TLS_RSA_WITH_AES_256_GCM_SHA384",
		Secure: false,
	},
	"TLS_RSA_WITH_AES_128_CBC_SHA": {
		ID:     tls.TLS_RSA_WITH_AES_128_CBC_SHA,
		Name:   "TLS_RSA_WITH_AES_128_CBC_SHA",
		Secure: false,
	},
}

// curveRegistry maps curve names to their tls.CurveID values.
var curveRegistry = map[string]tls.CurveID{
	"X25519":    tls.X25519,
	"P256":      tls.CurveP256,
	"P384":      tls.CurveP384,
	"P521":      tls.CurveP521,
	"CurveP256": tls.CurveP256,
	"CurveP384": tls.CurveP384,
	"CurveP521": tls.CurveP521,
}

// DefaultSecureCipherSuites returns the default secure cipher suites for TLS 1.2.
// TLS 1.3 cipher suites are managed by the engine and cannot be configured.
func DefaultSecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// DefaultCipherList returns the default cipher preference list in
// colon-joined form.
func DefaultCipherList() string {
	return strings.Join([]string{
		"TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
		"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
		"TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
		"TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
		"TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	}, ":")
}

// ParseCipherList parses a colon-joined cipher preference list into cipher
// suite IDs. An empty list yields the secure defaults.
func ParseCipherList(list string) ([]uint16, error) {
	if strings.TrimSpace(list) == "" {
		return DefaultSecureCipherSuites(), nil
	}

	names := strings.Split(list, ":")
	suites := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		suite, ok := cipherSuiteRegistry[name]
		if !ok {
			return nil, NewConfigurationErrorWithCause("cipherList",
				fmt.Sprintf("unknown cipher suite %q", name), ErrCipherSuiteInvalid)
		}
		// TLS 1.3 suites are engine-managed and silently accepted.
		if suite.TLS13 {
			continue
		}
		suites = append(suites, suite.ID)
	}

	if len(suites) == 0 {
		return DefaultSecureCipherSuites(), nil
	}
	return suites, nil
}

// ParseCurve parses an ECDH curve name.
func ParseCurve(name string) (tls.CurveID, error) {
	curve, ok := curveRegistry[strings.TrimSpace(name)]
	if !ok {
		return 0, NewConfigurationErrorWithCause("ecdhCurve",
			fmt.Sprintf("unknown ECDH curve %q", name), ErrCurveInvalid)
	}
	return curve, nil
}

// CipherSuiteName returns the name of a cipher suite by ID.
func CipherSuiteName(id uint16) string {
	for _, suite := range cipherSuiteRegistry {
		if suite.ID == id {
			return suite.Name
		}
	}
	return fmt.Sprintf("UNKNOWN(0x%04x)", id)
}

// TLSVersionName returns the name of a TLS version constant.
func TLSVersionName(version uint16) string {
	switch version {
	case tls.VersionTLS10:
		return "TLS10"
	case tls.VersionTLS11:
		return "TLS11"
	case tls.VersionTLS12:
		return "TLS12"
	case tls.VersionTLS13:
		return "TLS13"
	default:
		return fmt.Sprintf("UNKNOWN(0x%04x)", version)
	}
}
