package wspp

import (
	"bufio"
	"bytes"
	"io"
	"net"
)

// Transport is the byte-stream abstraction the core is driven over: a
// blocking read/write/close surface with no knowledge of WebSocket
// framing. The accept loop that produces the underlying socket, and any
// TLS termination, live outside this package.
//
// Timers are not part of this interface: Go's time.Timer is already a
// first-class cancelable value, so the session arms one directly rather
// than routing it through a driver method (see SPEC_FULL.md, section 6).
type Transport interface {
	// ReadUntil reads until delim has been seen on the stream and returns
	// everything read up to and including delim; bytes after delim stay
	// unread. Used for the handshake.
	ReadUntil(delim []byte) ([]byte, error)
	// ReadExact reads exactly n bytes.
	ReadExact(n int) ([]byte, error)
	// ReadAtLeast reads at least n bytes into a buffer sized len(buf),
	// returning the number of bytes read.
	ReadAtLeast(buf []byte, n int) (int, error)
	// Write writes p in full.
	Write(p []byte) error
	// Shutdown closes both halves of the transport.
	Shutdown() error
	// RemoteAddr identifies the peer, for logging.
	RemoteAddr() string
}

// netConnTransport adapts a net.Conn + buffered reader to Transport, the
// way pepnova-9-go-websocket-server's startServer/handleConnection pairs a
// net.Conn with a *bufio.Reader, and betamos-Go-Websocket's Conn pairs one
// with a *bufio.ReadWriter.
type netConnTransport struct {
	conn net.Conn
	br   *bufio.Reader
}

// newNetConnTransport wraps conn with a buffered reader sized for typical
// handshake + frame-header reads.
func newNetConnTransport(conn net.Conn) *netConnTransport {
	return &netConnTransport{conn: conn, br: bufio.NewReaderSize(conn, 4096)}
}

func (t *netConnTransport) ReadUntil(delim []byte) ([]byte, error) {
	var out bytes.Buffer
	for {
		b, err := t.br.ReadByte()
		if err != nil {
			return out.Bytes(), NewTransportError("read_until", err)
		}
		out.WriteByte(b)
		if bytes.HasSuffix(out.Bytes(), delim) {
			return out.Bytes(), nil
		}
	}
}

func (t *netConnTransport) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t.br, buf); err != nil {
		return nil, NewTransportError("read_exact", err)
	}
	return buf, nil
}

func (t *netConnTransport) ReadAtLeast(buf []byte, n int) (int, error) {
	total, err := io.ReadAtLeast(t.br, buf, n)
	if err != nil {
		return total, NewTransportError("read_at_least", err)
	}
	return total, nil
}

func (t *netConnTransport) Write(p []byte) error {
	if _, err := t.conn.Write(p); err != nil {
		return NewTransportError("write", err)
	}
	return nil
}

func (t *netConnTransport) Shutdown() error {
	return t.conn.Close()
}

func (t *netConnTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}
