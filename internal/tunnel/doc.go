// Package tunnel layers an encrypted tunnel over an abstract byte stream.
//
// The package drives the crypto/tls engine through an adapter that bridges
// the Stream interface to the engine's transport boundary, so any
// bidirectional byte stream can carry a tunnel: TCP connections, in-memory
// pipes, or other tunnels.
//
// # Contexts and Streams
//
// A Context holds the shared policy for a family of tunnels: role, version
// bounds, cipher preferences, certificate material, peer validation policy
// and protocol negotiation hooks. Contexts are mutable until the first
// stream is created from them and frozen afterwards; setters return
// ErrContextInUse once frozen.
//
//	ctx, err := tunnel.NewContext(tunnel.RoleClient, tunnel.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := ctx.UseTrustedCertificateFile("/path/to/ca.pem"); err != nil {
//	    return err
//	}
//
//	stream, err := ctx.CreateStream(context.Background(),
//	    tunnel.NewNetStream(conn),
//	    tunnel.WithPeerName("example.org"),
//	)
//
// A stream created with WithPassThrough skips the handshake and relays data
// unchanged; the caller asserts the transport is already secured.
//
// # Peer Validation
//
// Peer certificates are checked against a bit set of validation flags:
//
//   - ValidationRequireCert: the peer must present a certificate
//   - ValidationCheckCert: certificate contents are checked
//   - ValidationCheckTrust: the chain must anchor in the trusted CA bundle
//   - ValidationValidCert: all of the above (client default)
//
// Hostname checks support per-label wildcards, so "*.example.org" matches
// "www.example.org" but not "a.b.example.org". An application callback
// installed with SetPeerValidationCallback runs last and can override the
// decision in either direction; a missing trust anchor is the one failure
// no callback can override.
//
// # Hostname Dispatch and Protocol Negotiation
//
// An accepting context created with RoleServerSNI can switch to another
// context based on the client-requested hostname via SetSNIResolver. A
// protocol chooser installed with SetALPNChooser selects the application
// protocol from the client's offer; a chooser that panics or picks an
// unoffered protocol falls back to "http/1.1".
//
// # Certificate Providers
//
// Certificate material comes from a CertificateProvider. FileProvider loads
// PEM files and hot-reloads them on change; StaticProvider serves fixed
// material; NopProvider serves none.
package tunnel
