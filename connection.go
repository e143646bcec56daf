package interop

import (
	"context"
	"io"
	"net"
)

// A Stream is one bidirectional stream. Close ends the sending side only; the peer then reads end-of-stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	StreamID() int64
	CancelRead(code uint64)
	CancelWrite(code uint64)
}

type ConnectionInfo struct {
	Version     uint32
	CipherSuite uint16
	ALPN        string
	Resumed     bool
	Used0RTT    bool
}

// Connection is the capability the orchestration needs from a transport connection. It is implemented once per
// transport backend.
type Connection interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	// HandshakeComplete is closed once the handshake is confirmed.
	HandshakeComplete() <-chan struct{}
	// Info is only meaningful after HandshakeComplete is closed.
	Info() ConnectionInfo
	CloseWithError(code uint64, reason string) error
	// Context is cancelled when the connection is closed, for any reason.
	Context() context.Context
	RemoteAddr() net.Addr
}

type Dialer interface {
	// Dial returns once the handshake is confirmed, or, when early is set, as soon as early data can be sent.
	Dial(ctx context.Context, address, serverName string, early bool) (Connection, error)
}

type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}
