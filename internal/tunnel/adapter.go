package tunnel

import (
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Stream is the abstract bidirectional byte stream a tunnel is layered over.
// Implementations are expected to block in Read and Write; timeouts, if any,
// belong to the implementation.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer

	// Flush pushes buffered writes to the transport.
	Flush() error

	// LeastAvailable reports how many bytes can be read without blocking.
	// Zero means nothing is buffered; more data may still arrive.
	LeastAvailable() int

	// DataAvailableForRead reports whether a read would return immediately.
	DataAvailableForRead() bool

	// Empty reports whether no more data will ever arrive.
	Empty() bool
}

// tunnelAddr is the synthetic address reported by the adapter. The engine
// only uses it for error messages.
type tunnelAddr struct{}

func (tunnelAddr) Network() string { return "tunnel" }
func (tunnelAddr) String() string  { return "tunnel" }

// streamAdapter bridges a Stream to the engine's transport boundary
// (net.Conn). The engine must never see an exception-like failure it cannot
// handle, so every underlying error is also captured into the owning
// stream's pending-error queue before being returned.
type streamAdapter struct {
	owner       *TunnelStream
	underlying  Stream
	closeOnFree atomic.Bool
	closed      atomic.Bool
}

var _ net.Conn = (*streamAdapter)(nil)

// newStreamAdapter creates an adapter bound 1:1 to its owning stream.
func newStreamAdapter(owner *TunnelStream, underlying Stream, closeOnFree bool) *streamAdapter {
	a := &streamAdapter{
		owner:      owner,
		underlying: underlying,
	}
	a.closeOnFree.Store(closeOnFree)
	return a
}

// Read reads at most min(len(b), LeastAvailable()) bytes when data is
// buffered, otherwise it blocks on the underlying stream for at least one
// byte.
func (a *streamAdapter) Read(b []byte) (int, error) {
	if a.closed.Load() {
		return 0, net.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	if least := a.underlying.LeastAvailable(); least > 0 && least < len(b) {
		b = b[:least]
	}

	n, err := a.underlying.Read(b)
	if err != nil && err != io.EOF {
		a.owner.capturePending(err)
	}
	return n, err
}

// Write writes the full buffer to the underlying stream.
func (a *streamAdapter) Write(b []byte) (int, error) {
	if a.closed.Load() {
		return 0, net.ErrClosed
	}

	written := 0
	for written < len(b) {
		n, err := a.underlying.Write(b[written:])
		written += n
		if err != nil {
			a.owner.capturePending(err)
			return written, err
		}
		if n == 0 {
			err = io.ErrShortWrite
			a.owner.capturePending(err)
			return written, err
		}
	}
	return written, nil
}

// PendingBytes answers the engine's bytes-pending query.
func (a *streamAdapter) PendingBytes() int {
	return a.underlying.LeastAvailable()
}

// CloseOnFree reports whether the underlying stream is released on close.
func (a *streamAdapter) CloseOnFree() bool {
	return a.closeOnFree.Load()
}

// SetCloseOnFree configures whether closing the adapter closes the
// underlying stream.
func (a *streamAdapter) SetCloseOnFree(close bool) {
	a.closeOnFree.Store(close)
}

// Flush is a no-op success; actual flushing is caller-driven.
func (a *streamAdapter) Flush() error {
	return nil
}

// Close releases the underlying stream only when close-on-free is set.
// Repeated closes are harmless.
func (a *streamAdapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if a.closeOnFree.Load() {
		return a.underlying.Close()
	}
	return nil
}

// LocalAddr returns a synthetic address.
func (a *streamAdapter) LocalAddr() net.Addr { return tunnelAddr{} }

// RemoteAddr returns a synthetic address.
func (a *streamAdapter) RemoteAddr() net.Addr { return tunnelAddr{} }

// Deadlines are not supported by the abstract stream; the engine's deadline
// calls are accepted and ignored.
func (a *streamAdapter) SetDeadline(time.Time) error      { return nil }
func (a *streamAdapter) SetReadDeadline(time.Time) error  { return nil }
func (a *streamAdapter) SetWriteDeadline(time.Time) error { return nil }
