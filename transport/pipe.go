package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
)

type PipeEventKind int

const (
	PipeDial PipeEventKind = iota
	PipeOpen
	PipeClose
)

func (k PipeEventKind) String() string {
	switch k {
	case PipeDial:
		return "dial"
	case PipeOpen:
		return "open"
	case PipeClose:
		return "close"
	}
	return fmt.Sprintf("PipeEventKind(%d)", int(k))
}

// A PipeEvent is one entry of the log a PipeNetwork keeps of what happened on it, in order.
type PipeEvent struct {
	Kind     PipeEventKind
	Conn     int
	Address  string
	Early    bool
	StreamID int64
}

func (e PipeEvent) String() string {
	return fmt.Sprintf("%s conn=%d addr=%s stream=%d", e.Kind, e.Conn, e.Address, e.StreamID)
}

// PipeNetwork is an in-memory transport. Its connections carry streams over io.Pipe and behave like QUIC ones as
// far as the agents can tell: handshake, session resumption, 0-RTT and application close.
type PipeNetwork struct {
	Version        uint32
	CipherSuite    uint16
	HandshakeDelay time.Duration // Time an early connection stays unconfirmed
	Reject0RTT     bool

	lock      sync.Mutex
	listeners map[string]*PipeListener
	resumable map[string]bool
	events    []PipeEvent
	links     int
	active    int
	maxActive map[int]int
}

func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{
		Version:     QUICVersion1,
		CipherSuite: tls.TLS_AES_128_GCM_SHA256,
		listeners:   make(map[string]*PipeListener),
		resumable:   make(map[string]bool),
		maxActive:   make(map[int]int),
	}
}

func (n *PipeNetwork) log(e PipeEvent) {
	n.lock.Lock()
	n.events = append(n.events, e)
	n.lock.Unlock()
}

func (n *PipeNetwork) Events() []PipeEvent {
	n.lock.Lock()
	defer n.lock.Unlock()
	return append([]PipeEvent(nil), n.events...)
}

// MaxConcurrentStreams returns the largest number of client streams that were running at once on connection conn.
func (n *PipeNetwork) MaxConcurrentStreams(conn int) int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.maxActive[conn]
}

// Listen registers a listener at address. Connections dialed to an address nobody listens on fail.
func (n *PipeNetwork) Listen(address string) (*PipeListener, error) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if _, ok := n.listeners[address]; ok {
		return nil, errors.Errorf("address %s already in use", address)
	}
	l := &PipeListener{network: n, address: address, accept: make(chan *pipeConn), closed: make(chan struct{})}
	n.listeners[address] = l
	return l, nil
}

func (n *PipeNetwork) Dial(ctx context.Context, address, serverName string, early bool) (Connection, error) {
	n.lock.Lock()
	l, ok := n.listeners[address]
	resumed := n.resumable[serverName]
	n.resumable[serverName] = true
	index := n.links
	n.links++
	n.lock.Unlock()

	if !ok {
		return nil, errors.Errorf("no listener at %s", address)
	}

	used0RTT := early && resumed && !n.Reject0RTT
	link := newPipeLink(n, index, address, ConnectionInfo{
		Version:     n.Version,
		CipherSuite: n.CipherSuite,
		ALPN:        ALPNTokens[0],
		Resumed:     resumed,
		Used0RTT:    used0RTT,
	})

	select {
	case l.accept <- link.ends[1]:
	case <-l.closed:
		return nil, errors.Errorf("no listener at %s", address)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n.log(PipeEvent{Kind: PipeDial, Conn: index, Address: address, Early: early, StreamID: -1})

	if early && resumed {
		go func() {
			select {
			case <-time.After(n.HandshakeDelay):
				close(link.handshake)
			case <-link.ctx.Done():
			}
		}()
	} else {
		close(link.handshake)
	}
	return link.ends[0], nil
}

type PipeListener struct {
	network   *PipeNetwork
	address   string
	accept    chan *pipeConn
	closed    chan struct{}
	closeOnce sync.Once
}

func (l *PipeListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.closed:
		return nil, errors.New("listener closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr(l.address) }

func (l *PipeListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.lock.Lock()
		delete(l.network.listeners, l.address)
		l.network.lock.Unlock()
	})
	return nil
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// A pipeLink is the state shared by both ends of a connection.
type pipeLink struct {
	network   *PipeNetwork
	index     int
	address   string
	info      ConnectionInfo
	handshake chan struct{}
	ends      [2]*pipeConn

	ctx    context.Context
	cancel context.CancelCauseFunc

	lock      sync.Mutex
	closeErr  *CloseError
	closedBy  int
	streams   []*pipeStream
	nextID    [2]int64
	active    int
	closeOnce sync.Once
}

func newPipeLink(n *PipeNetwork, index int, address string, info ConnectionInfo) *pipeLink {
	link := &pipeLink{network: n, index: index, address: address, info: info, handshake: make(chan struct{})}
	link.ctx, link.cancel = context.WithCancelCause(context.Background())
	link.nextID = [2]int64{0, 1}
	for side := range link.ends {
		link.ends[side] = &pipeConn{link: link, side: side, incoming: make(chan *pipeStream, 1024)}
	}
	return link
}

func (l *pipeLink) errorFor(side int) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closeErr == nil {
		return nil
	}
	return &CloseError{Remote: l.closedBy != side, Code: l.closeErr.Code, Reason: l.closeErr.Reason}
}

func (l *pipeLink) close(side int, code uint64, reason string) {
	l.closeOnce.Do(func() {
		l.lock.Lock()
		l.closeErr = &CloseError{Code: code, Reason: reason}
		l.closedBy = side
		streams := l.streams
		l.lock.Unlock()

		// Closing the writers unblocks every reader. Directions already finished keep their end of stream.
		for _, s := range streams {
			for end := range s.writers {
				s.writers[end].CloseWithError(&CloseError{Remote: side == end, Code: code, Reason: reason})
			}
		}
		l.network.log(PipeEvent{Kind: PipeClose, Conn: l.index, Address: l.address, StreamID: -1})
		l.cancel(l.closeErr)
	})
}

func (l *pipeLink) streamStarted() {
	l.network.lock.Lock()
	defer l.network.lock.Unlock()
	l.active++
	if l.active > l.network.maxActive[l.index] {
		l.network.maxActive[l.index] = l.active
	}
}

func (l *pipeLink) streamEnded() {
	l.network.lock.Lock()
	l.active--
	l.network.lock.Unlock()
}

// pipeConn is one end of a pipeLink: side 0 is the client, side 1 the server.
type pipeConn struct {
	link     *pipeLink
	side     int
	incoming chan *pipeStream
}

func (c *pipeConn) OpenStream(ctx context.Context) (Stream, error) {
	if err := c.link.errorFor(c.side); err != nil {
		return nil, err
	}
	c.link.lock.Lock()
	id := c.link.nextID[c.side]
	c.link.nextID[c.side] += 4
	s := newPipeStream(c.link, id, c.side)
	c.link.streams = append(c.link.streams, s)
	c.link.lock.Unlock()

	if c.side == 0 {
		c.link.streamStarted()
	}
	c.link.network.log(PipeEvent{Kind: PipeOpen, Conn: c.link.index, Address: c.link.address, StreamID: id})

	peer := c.link.ends[1-c.side]
	select {
	case peer.incoming <- s:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.end(c.side), nil
}

func (c *pipeConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.incoming:
		return s.end(c.side), nil
	case <-c.link.ctx.Done():
		return nil, c.link.errorFor(c.side)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) HandshakeComplete() <-chan struct{} { return c.link.handshake }
func (c *pipeConn) Info() ConnectionInfo               { return c.link.info }

func (c *pipeConn) CloseWithError(code uint64, reason string) error {
	c.link.close(c.side, code, reason)
	return nil
}

func (c *pipeConn) Context() context.Context { return c.link.ctx }
func (c *pipeConn) RemoteAddr() net.Addr     { return pipeAddr(c.link.address) }

// StreamResetError is what a read returns after the peer cancelled its sending side, or a write after the peer
// cancelled its receiving side.
type StreamResetError struct {
	StreamID int64
	Code     uint64
	Remote   bool
}

func (e *StreamResetError) Error() string {
	return fmt.Sprintf("stream %d reset with code 0x%x (remote: %t)", e.StreamID, e.Code, e.Remote)
}

// pipeStream carries the two directions of a stream: readers[i] and writers[i] are the ends held by side i.
type pipeStream struct {
	link    *pipeLink
	id      int64
	opener  int
	readers [2]*io.PipeReader
	writers [2]*io.PipeWriter

	lock sync.Mutex
	done [2]bool // Receiving and sending directions of the opener are over
}

func newPipeStream(link *pipeLink, id int64, opener int) *pipeStream {
	s := &pipeStream{link: link, id: id, opener: opener}
	r0, w1 := io.Pipe()
	r1, w0 := io.Pipe()
	s.readers = [2]*io.PipeReader{r0, r1}
	s.writers = [2]*io.PipeWriter{w0, w1}
	return s
}

func (s *pipeStream) end(side int) *pipeStreamEnd {
	return &pipeStreamEnd{stream: s, side: side}
}

func (s *pipeStream) finish(side int, direction int) {
	if side != s.opener || s.opener != 0 {
		return
	}
	s.lock.Lock()
	if s.done[direction] {
		s.lock.Unlock()
		return
	}
	s.done[direction] = true
	ended := s.done[0] && s.done[1]
	s.lock.Unlock()
	if ended {
		s.link.streamEnded()
	}
}

type pipeStreamEnd struct {
	stream *pipeStream
	side   int
}

func (e *pipeStreamEnd) StreamID() int64 { return e.stream.id }

func (e *pipeStreamEnd) Read(p []byte) (int, error) {
	n, err := e.stream.readers[e.side].Read(p)
	if err != nil {
		e.stream.finish(e.side, 0)
		if err == io.ErrClosedPipe {
			err = e.closedError()
		}
	}
	return n, err
}

func (e *pipeStreamEnd) Write(p []byte) (int, error) {
	n, err := e.stream.writers[e.side].Write(p)
	if err == io.ErrClosedPipe {
		err = e.closedError()
	}
	return n, err
}

func (e *pipeStreamEnd) closedError() error {
	if err := e.stream.link.errorFor(e.side); err != nil {
		return err
	}
	return errors.Errorf("stream %d is closed", e.stream.id)
}

func (e *pipeStreamEnd) Close() error {
	e.stream.finish(e.side, 1)
	return e.stream.writers[e.side].Close()
}

func (e *pipeStreamEnd) CancelRead(code uint64) {
	e.stream.finish(e.side, 0)
	e.stream.readers[e.side].CloseWithError(&StreamResetError{StreamID: e.stream.id, Code: code, Remote: false})
}

func (e *pipeStreamEnd) CancelWrite(code uint64) {
	e.stream.finish(e.side, 1)
	e.stream.writers[e.side].CloseWithError(&StreamResetError{StreamID: e.stream.id, Code: code, Remote: true})
}
