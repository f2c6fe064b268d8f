package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/tlstunnel/internal/observability"
)

// peekBufferSize bounds how much decrypted data Peek reads ahead.
const peekBufferSize = 4096

// ioResult classifies the outcome of an engine I/O operation.
type ioResult int

const (
	// ioOK means the operation succeeded.
	ioOK ioResult = iota

	// ioClosed means the peer closed the tunnel cleanly.
	ioClosed

	// ioSyscall means the underlying transport failed.
	ioSyscall

	// ioProtocol means the record layer detected a protocol violation.
	ioProtocol
)

// classifyIOResult maps an engine error onto an ioResult.
func classifyIOResult(err error) ioResult {
	switch {
	case err == nil:
		return ioOK
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrPeerClosed):
		return ioClosed
	}

	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ioProtocol
	}
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		// close_notify is a clean shutdown, every other alert is a
		// protocol failure.
		if alertErr == tls.AlertError(0) {
			return ioClosed
		}
		return ioProtocol
	}

	return ioSyscall
}

// streamSettings holds per-stream creation options.
type streamSettings struct {
	peerName        string
	peerAddress     net.IP
	closeOnFinalize bool
	passThrough     bool
}

// StreamOption is a functional option for stream creation.
type StreamOption func(*streamSettings)

// WithPeerName sets the expected peer hostname. Clients also send it as the
// requested server name.
func WithPeerName(name string) StreamOption {
	return func(s *streamSettings) {
		s.peerName = name
	}
}

// WithPeerAddress sets the expected peer address for certificate identity
// checks.
func WithPeerAddress(addr net.IP) StreamOption {
	return func(s *streamSettings) {
		s.peerAddress = addr
	}
}

// WithCloseOnFinalize configures whether finalizing the tunnel also closes
// the underlying stream.
func WithCloseOnFinalize(close bool) StreamOption {
	return func(s *streamSettings) {
		s.closeOnFinalize = close
	}
}

// WithPassThrough marks the underlying stream as already secured. Handshake
// and peer verification are skipped and data is relayed unchanged; the
// caller asserts the transport's security.
func WithPassThrough() StreamOption {
	return func(s *streamSettings) {
		s.passThrough = true
	}
}

// TunnelStream is an established tunnel over an underlying Stream. It
// implements Stream itself, so tunnels can be layered over one another.
//
// A fatal record-layer or transport error makes the stream unusable; every
// later operation reports the original failure.
type TunnelStream struct {
	id      string
	owner   *Context
	stream  Stream
	adapter *streamAdapter
	conn    *tls.Conn
	hs      *handshakeController
	slot    uint64

	passThrough bool

	mu      sync.Mutex
	peekBuf []byte
	ioErr   error
	eof     bool

	pendMu  sync.Mutex
	pending []error

	finalized atomic.Bool

	logger  observability.Logger
	metrics MetricsRecorder
}

var _ Stream = (*TunnelStream)(nil)

// CreateStream performs a handshake over the underlying stream and returns
// the established tunnel. The context policy is frozen by the first call.
func (c *Context) CreateStream(ctx context.Context, stream Stream, opts ...StreamOption) (*TunnelStream, error) {
	if stream == nil {
		return nil, NewConfigurationError("stream", "underlying stream is required")
	}
	state, err := ensureProcessState()
	if err != nil {
		return nil, err
	}

	settings := &streamSettings{closeOnFinalize: false}
	for _, opt := range opts {
		opt(settings)
	}

	c.markInUse()

	ts := &TunnelStream{
		id:      uuid.NewString(),
		owner:   c,
		stream:  stream,
		metrics: c.metrics,
	}
	ts.logger = c.logger.With(observability.String("streamID", ts.id))
	ts.adapter = newStreamAdapter(ts, stream, settings.closeOnFinalize)
	ts.hs = newHandshakeController(c, settings.peerName, settings.peerAddress)

	if settings.passThrough {
		ts.passThrough = true
		ts.slot = state.nextSlot()
		state.register(ts.slot, sessionRecord{
			id:      ts.id,
			role:    c.role,
			started: time.Now(),
		})
		ts.logger.Debug("pass-through stream established",
			observability.String("role", c.role.String()),
		)
		return ts, nil
	}

	var cfg *tls.Config
	op := "accepting"
	if c.role == RoleClient {
		op = "connecting"
		cfg, err = ts.hs.clientConfig(ctx)
	} else {
		cfg, err = ts.hs.serverConfig(ctx)
	}
	if err != nil {
		return nil, err
	}

	if c.role == RoleClient {
		ts.conn = tls.Client(ts.adapter, cfg)
	} else {
		ts.conn = tls.Server(ts.adapter, cfg)
	}

	if err := ts.hs.run(ctx, ts.conn, op); err != nil {
		if pend := ts.takePending(); pend != nil {
			err = errors.Join(err, pend)
		}
		return nil, err
	}

	ts.slot = state.nextSlot()
	state.register(ts.slot, sessionRecord{
		id:      ts.id,
		role:    c.role,
		started: time.Now(),
	})

	ts.logger.Debug("tunnel stream established",
		observability.String("role", c.role.String()),
		observability.String("peerName", settings.peerName),
	)

	return ts, nil
}

// ID returns the unique stream identifier.
func (s *TunnelStream) ID() string {
	return s.id
}

// Context returns the context the handshake completed under. For hostname
// dispatch this may differ from the context the stream was created from.
func (s *TunnelStream) Context() *Context {
	return s.hs.ActiveContext()
}

// PeerCertificate returns the verified peer certificate identity, or nil
// when the peer presented no certificate.
func (s *TunnelStream) PeerCertificate() *PeerCertificateInfo {
	return s.hs.PeerInfo()
}

// ALPNSelected returns the negotiated application protocol. When a protocol
// chooser fell back outside the offered list, the fallback choice is
// reported even though the engine negotiated nothing.
func (s *TunnelStream) ALPNSelected() string {
	if s.passThrough {
		return ""
	}
	return s.hs.negotiatedProtocol(s.conn.ConnectionState())
}

// ConnectionState returns the engine connection state. Pass-through streams
// never ran a handshake and report a zero state.
func (s *TunnelStream) ConnectionState() tls.ConnectionState {
	if s.passThrough {
		return tls.ConnectionState{}
	}
	return s.conn.ConnectionState()
}

// capturePending records a transport error observed by the adapter so it can
// be attached to the engine error that follows it.
func (s *TunnelStream) capturePending(err error) {
	if err == nil {
		return
	}
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	s.pending = append(s.pending, err)
}

// takePending drains the pending transport errors in order.
func (s *TunnelStream) takePending() error {
	s.pendMu.Lock()
	defer s.pendMu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	err := errors.Join(s.pending...)
	s.pending = nil
	return err
}

// engineRead reads decrypted data, or raw data for pass-through streams.
// Callers hold s.mu.
func (s *TunnelStream) engineRead(p []byte) (int, error) {
	if s.passThrough {
		return s.stream.Read(p)
	}
	return s.conn.Read(p)
}

// engineWrite encrypts and writes data, or relays it for pass-through
// streams. Callers hold s.mu.
func (s *TunnelStream) engineWrite(p []byte) (int, error) {
	if s.passThrough {
		return s.stream.Write(p)
	}
	return s.conn.Write(p)
}

// checkUsable rejects operations on finalized or failed streams. Callers
// hold s.mu.
func (s *TunnelStream) checkUsable() error {
	if s.finalized.Load() {
		return ErrTunnelUnusable
	}
	if s.ioErr != nil {
		return s.ioErr
	}
	return nil
}

// fatal records a fatal I/O failure, folding in any pending transport
// errors, and makes the stream unusable. Callers hold s.mu.
func (s *TunnelStream) fatal(op string, err error) error {
	if pend := s.takePending(); pend != nil {
		err = errors.Join(err, pend)
	}
	serr := NewStreamError(op, errors.Join(err, ErrTunnelUnusable))
	s.ioErr = serr
	s.logger.Error("tunnel stream failed",
		observability.String("op", op),
		observability.Error(err),
	)
	return serr
}

// Read fills p with decrypted data. It blocks until the buffer is full, the
// peer closes the tunnel, or an error occurs; a clean close is reported as
// io.EOF alongside any bytes read.
func (s *TunnelStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0

	// Drain the peek buffer first.
	if len(s.peekBuf) > 0 {
		n := copy(p, s.peekBuf)
		s.peekBuf = s.peekBuf[n:]
		total += n
	}

	for total < len(p) {
		n, err := s.engineRead(p[total:])
		total += n
		if err == nil {
			continue
		}
		switch classifyIOResult(err) {
		case ioClosed:
			s.eof = true
			return total, io.EOF
		default:
			return total, s.fatal("read", err)
		}
	}

	s.metrics.RecordBytes(s.owner.role, total, 0)
	return total, nil
}

// Write encrypts and writes all of p.
func (s *TunnelStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return 0, err
	}

	n, err := s.engineWrite(p)
	if err != nil {
		if classifyIOResult(err) == ioClosed {
			s.eof = true
			return n, NewStreamError("write", ErrPeerClosed)
		}
		return n, s.fatal("write", err)
	}

	s.metrics.RecordBytes(s.owner.role, 0, n)
	return n, nil
}

// Peek returns decrypted data without consuming it. When the peek buffer is
// empty it reads ahead opportunistically, only if the underlying stream has
// data that can be consumed without blocking.
func (s *TunnelStream) Peek() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return nil, err
	}

	if len(s.peekBuf) == 0 && !s.eof && s.stream.DataAvailableForRead() {
		buf := make([]byte, peekBufferSize)
		n, err := s.engineRead(buf)
		if n > 0 {
			s.peekBuf = buf[:n]
		}
		if err != nil {
			switch classifyIOResult(err) {
			case ioClosed:
				s.eof = true
			default:
				return nil, s.fatal("peek", err)
			}
		}
	}

	return s.peekBuf, nil
}

// Flush pushes buffered writes down to the transport. The engine writes
// records through immediately, so only the underlying stream is flushed.
func (s *TunnelStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUsable(); err != nil {
		return err
	}

	if err := s.stream.Flush(); err != nil {
		return s.fatal("flush", err)
	}
	return nil
}

// LeastAvailable reports how many decrypted bytes can be read without
// blocking.
func (s *TunnelStream) LeastAvailable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peekBuf)
}

// DataAvailableForRead reports whether a read would return immediately.
func (s *TunnelStream) DataAvailableForRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.peekBuf) > 0 {
		return true
	}
	return !s.eof && s.stream.DataAvailableForRead()
}

// Empty reports whether the tunnel has been cleanly closed with no
// decrypted data left.
func (s *TunnelStream) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof && len(s.peekBuf) == 0
}

// Close finalizes the tunnel. It implements io.Closer for Stream layering.
func (s *TunnelStream) Close() error {
	return s.Finalize()
}

// Finalize shuts the tunnel down, sending a close notification to the peer
// on a best-effort basis. The underlying stream is closed only when the
// stream was created with close-on-finalize. Finalize is idempotent.
func (s *TunnelStream) Finalize() error {
	if !s.finalized.CompareAndSwap(false, true) {
		return nil
	}

	if s.passThrough {
		_ = s.adapter.Close()
	} else if err := s.conn.Close(); err != nil {
		// The notification could not be delivered; the peer will see an
		// unclean close.
		s.logger.Debug("close notification not delivered",
			observability.Error(err),
		)
	}
	_ = s.takePending()

	if state, err := ensureProcessState(); err == nil {
		state.unregister(s.slot)
	}
	s.metrics.RecordStreamClosed(s.owner.role)

	s.logger.Debug("tunnel stream finalized",
		observability.String("role", s.owner.role.String()),
	)

	return nil
}
