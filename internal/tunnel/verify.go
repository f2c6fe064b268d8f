package tunnel

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

// SubjectAttribute is one (name, value) pair from a certificate subject.
type SubjectAttribute struct {
	Name  string
	Value string
}

// PeerCertificateInfo describes the validated leaf certificate of a peer.
// It is populated once per handshake and immutable afterwards.
type PeerCertificateInfo struct {
	// Subject holds the subject attributes in certificate order.
	Subject []SubjectAttribute

	// CommonName is the subject Common Name.
	CommonName string

	// DNSNames are the DNS-type Subject Alternative Names.
	DNSNames []string

	// IPAddresses are the IP-type Subject Alternative Names.
	IPAddresses []net.IP

	// Issuer is the issuer's Common Name.
	Issuer string

	// NotBefore is when the certificate becomes valid.
	NotBefore time.Time

	// NotAfter is when the certificate expires.
	NotAfter time.Time
}

// subject attribute type OIDs, mapped to their conventional short names.
var subjectAttributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "SERIALNUMBER",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "POSTALCODE",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.25": "DC",
}

// extractPeerCertificateInfo builds a PeerCertificateInfo from a leaf
// certificate, preserving the subject attribute order of the certificate.
func extractPeerCertificateInfo(cert *x509.Certificate) *PeerCertificateInfo {
	if cert == nil {
		return nil
	}

	info := &PeerCertificateInfo{
		CommonName: cert.Subject.CommonName,
		Issuer:     cert.Issuer.CommonName,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
	}

	for _, attr := range cert.Subject.Names {
		info.Subject = append(info.Subject, SubjectAttribute{
			Name:  subjectAttributeName(attr),
			Value: fmt.Sprint(attr.Value),
		})
	}

	if len(cert.DNSNames) > 0 {
		info.DNSNames = make([]string, len(cert.DNSNames))
		copy(info.DNSNames, cert.DNSNames)
	}

	if len(cert.IPAddresses) > 0 {
		info.IPAddresses = make([]net.IP, len(cert.IPAddresses))
		copy(info.IPAddresses, cert.IPAddresses)
	}

	return info
}

// subjectAttributeName maps an attribute OID to its short name, falling back
// to the dotted OID form.
func subjectAttributeName(attr pkix.AttributeTypeAndValue) string {
	oid := attr.Type.String()
	if name, ok := subjectAttributeNames[oid]; ok {
		return name
	}
	return oid
}

// PeerValidationInfo is the view of a verification decision handed to a
// CertValidator callback.
type PeerValidationInfo struct {
	// Certificate is the peer's leaf certificate.
	Certificate *x509.Certificate

	// Info is the extracted identity of the leaf certificate.
	Info *PeerCertificateInfo

	// PeerName is the expected peer hostname, if any.
	PeerName string

	// PeerAddress is the expected peer address, if any.
	PeerAddress net.IP

	// Valid is the validity computed so far by the configured checks.
	Valid bool

	// Reason describes the failure when Valid is false.
	Reason string
}

// CertValidator is an application override for peer certificate decisions.
// The callback runs last and is authoritative: returning true accepts a
// certificate the checks rejected, returning false rejects one they
// accepted.
type CertValidator interface {
	Validate(info *PeerValidationInfo) bool
}

// CertValidatorFunc adapts a function to the CertValidator interface.
type CertValidatorFunc func(info *PeerValidationInfo) bool

// Validate implements CertValidator.
func (f CertValidatorFunc) Validate(info *PeerValidationInfo) bool {
	return f(info)
}

// verificationContext carries everything one verification pass needs. It is
// built per handshake on the caller's stack and handed to the engine
// callback explicitly, so nothing has to be attached to or detached from
// engine-side storage.
type verificationContext struct {
	mode          ValidationMode
	maxChainDepth int
	trustedCAs    *x509.CertPool
	validator     CertValidator
	peerName      string
	peerAddress   net.IP
}

// verifyPeer evaluates the presented certificate chain against the
// configured trust policy. The chain is ordered leaf first, as delivered by
// the engine.
func (v *verificationContext) verifyPeer(rawCerts [][]byte) (*PeerCertificateInfo, error) {
	if len(rawCerts) == 0 {
		if v.mode&ValidationRequireCert != 0 {
			return nil, NewVerificationErrorWithCause("", "peer presented no certificate", ErrPeerCertRequired)
		}
		return nil, nil
	}

	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return nil, NewVerificationErrorWithCause("", "failed to parse peer certificate", err)
		}
		certs = append(certs, cert)
	}

	leaf := certs[0]
	info := extractPeerCertificateInfo(leaf)

	valid := true
	reason := ""

	if len(certs) > v.chainDepthLimit() {
		valid = false
		reason = fmt.Sprintf("certificate chain too long (%d > %d)", len(certs), v.chainDepthLimit())
	}

	if valid && v.mode&ValidationCheckTrust != 0 {
		// A missing local trust anchor is always fatal; no override applies.
		if v.trustedCAs == nil {
			return info, NewVerificationErrorWithCause(leaf.Subject.CommonName,
				"cannot verify trust chain", ErrNoTrustAnchor)
		}
		if err := v.verifyChain(leaf, certs[1:]); err != nil {
			valid = false
			reason = err.Error()
		}
	}

	// Without content checking, everything computed so far is forced valid.
	// This mirrors the engine's opt-in strictness flags: checkTrust and the
	// depth limit only matter when certificate contents are checked at all.
	if v.mode&ValidationCheckCert == 0 {
		valid = true
		reason = ""
	} else if valid {
		if err := v.checkValidityPeriod(leaf); err != nil {
			valid = false
			reason = err.Error()
		}
	}

	if valid && v.mode&ValidationCheckPeer == ValidationCheckPeer {
		if err := v.checkPeerIdentity(leaf); err != nil {
			valid = false
			reason = err.Error()
		}
	}

	if v.validator != nil {
		accepted := v.validator.Validate(&PeerValidationInfo{
			Certificate: leaf,
			Info:        info,
			PeerName:    v.peerName,
			PeerAddress: v.peerAddress,
			Valid:       valid,
			Reason:      reason,
		})
		switch {
		case accepted:
			valid = true
			reason = ""
		case valid:
			valid = false
			reason = ErrApplicationVerification.Error()
		}
	}

	if !valid {
		return info, NewVerificationError(leaf.Subject.CommonName, reason)
	}
	return info, nil
}

// chainDepthLimit converts the configured depth to a chain length limit. The
// engine is allowed one extra certificate so the depth check here can still
// fire and be overridden.
func (v *verificationContext) chainDepthLimit() int {
	depth := v.maxChainDepth
	if depth <= 0 {
		depth = DefaultMaxChainDepth
	}
	return depth + 1
}

// verifyChain walks the chain to a configured trust anchor. Expiry failures
// are reported distinctly so the caller can apply content-check bypasses.
func (v *verificationContext) verifyChain(leaf *x509.Certificate, rest []*x509.Certificate) error {
	intermediates := x509.NewCertPool()
	for _, cert := range rest {
		intermediates.AddCert(cert)
	}

	_, err := leaf.Verify(x509.VerifyOptions{
		Roots:         v.trustedCAs,
		Intermediates: intermediates,
		CurrentTime:   time.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err == nil {
		return nil
	}

	var invalidErr x509.CertificateInvalidError
	if errors.As(err, &invalidErr) && v.mode&ValidationCheckCert == 0 {
		// Content problem found during the chain walk; content checks are
		// bypassed under this mode.
		return nil
	}
	return WrapError(err, "trust chain verification failed")
}

// checkValidityPeriod checks the leaf certificate's validity window.
func (v *verificationContext) checkValidityPeriod(cert *x509.Certificate) error {
	now := time.Now()
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("certificate not valid before %s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return fmt.Errorf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// checkPeerIdentity verifies the expected peer hostname against the
// certificate's DNS names (falling back to the Common Name), then the
// expected peer address against its IP names.
func (v *verificationContext) checkPeerIdentity(cert *x509.Certificate) error {
	if v.peerName == "" && v.peerAddress == nil {
		return nil
	}

	if v.peerName != "" {
		for _, name := range cert.DNSNames {
			if matchWildcardHostname(name, v.peerName) {
				return nil
			}
		}
		if matchWildcardHostname(cert.Subject.CommonName, v.peerName) {
			return nil
		}
	}

	if v.peerAddress != nil {
		for _, ip := range cert.IPAddresses {
			if ip.Equal(v.peerAddress) {
				return nil
			}
		}
	}

	return fmt.Errorf("certificate does not match peer %q", v.peerName)
}

// matchWildcardHostname matches a hostname against a certificate name
// pattern. Label counts must agree; within a label a wildcard stands for any
// non-empty run without dots, so "*.example.org" matches "www.example.org"
// but neither "test.abc.example.org" nor "example.org" itself.
func matchWildcardHostname(pattern, host string) bool {
	if pattern == "" || host == "" {
		return false
	}

	patternLabels := strings.Split(pattern, ".")
	hostLabels := strings.Split(host, ".")
	if len(patternLabels) != len(hostLabels) {
		return false
	}

	for i, patternLabel := range patternLabels {
		hostLabel := hostLabels[i]
		if hostLabel == "" {
			return false
		}
		if !strings.Contains(patternLabel, "*") {
			if !strings.EqualFold(patternLabel, hostLabel) {
				return false
			}
			continue
		}
		expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(strings.ToLower(patternLabel)), `\*`, `[^.]+`) + "$"
		matched, err := regexp.MatchString(expr, strings.ToLower(hostLabel))
		if err != nil || !matched {
			return false
		}
	}
	return true
}
