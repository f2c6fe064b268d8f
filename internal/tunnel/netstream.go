package tunnel

import (
	"bufio"
	"io"
	"net"
	"sync/atomic"
)

// NetStream adapts a net.Conn to the Stream interface. Reads are buffered so
// LeastAvailable and DataAvailableForRead can report without blocking;
// writes go straight to the connection.
type NetStream struct {
	conn   net.Conn
	reader *bufio.Reader
	eof    atomic.Bool
}

var _ Stream = (*NetStream)(nil)

// NewNetStream wraps a network connection as a Stream.
func NewNetStream(conn net.Conn) *NetStream {
	return &NetStream{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Read reads from the buffered connection.
func (s *NetStream) Read(p []byte) (int, error) {
	n, err := s.reader.Read(p)
	if err == io.EOF {
		s.eof.Store(true)
	}
	return n, err
}

// Write writes directly to the connection.
func (s *NetStream) Write(p []byte) (int, error) {
	return s.conn.Write(p)
}

// Flush is a no-op; writes are unbuffered.
func (s *NetStream) Flush() error {
	return nil
}

// LeastAvailable reports the number of buffered bytes.
func (s *NetStream) LeastAvailable() int {
	return s.reader.Buffered()
}

// DataAvailableForRead reports whether buffered data is ready.
func (s *NetStream) DataAvailableForRead() bool {
	return s.reader.Buffered() > 0
}

// Empty reports whether the connection hit EOF with no data buffered.
func (s *NetStream) Empty() bool {
	return s.eof.Load() && s.reader.Buffered() == 0
}

// Close closes the connection.
func (s *NetStream) Close() error {
	return s.conn.Close()
}
