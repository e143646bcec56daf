// Package transport binds the connection capability the agents use to concrete transports: QUIC through quic-go,
// and an in-memory network used by tests.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	"github.com/quic-go/quic-go/qlog"
	"github.com/sirupsen/logrus"
)

const maxIdleTimeout = 30 * time.Second

// Options are the transport parameters derived from a scenario profile.
type Options struct {
	Versions           []uint32 // Empty means every version quic-go supports
	MaxIncomingStreams int64    // Zero keeps the quic-go default
	Allow0RTT          bool
	RequireRetry       bool
	QlogDir            string
	Logger             *logrus.Entry
}

// OptionsFor derives the transport options of a profile.
func OptionsFor(profile *ScenarioProfile) Options {
	return Options{
		Versions:           profile.Versions(),
		MaxIncomingStreams: int64(profile.MaxConcurrentStreams),
		Allow0RTT:          profile.Use0RTT,
		RequireRetry:       profile.RequireRetry,
	}
}

func (o Options) logger() *logrus.Entry {
	if o.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return o.Logger
}

func (o Options) quicConfig() *quic.Config {
	conf := &quic.Config{
		MaxIdleTimeout: maxIdleTimeout,
		Allow0RTT:      o.Allow0RTT,
	}
	for _, v := range o.Versions {
		conf.Versions = append(conf.Versions, quic.Version(v))
	}
	if o.MaxIncomingStreams > 0 {
		conf.MaxIncomingStreams = o.MaxIncomingStreams
	}
	if o.QlogDir != "" {
		conf.Tracer = qlogTracer(o.QlogDir, o.logger())
	}
	return conf
}

func qlogTracer(dir string, logger *logrus.Entry) func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer {
	return func(_ context.Context, p logging.Perspective, connID quic.ConnectionID) *logging.ConnectionTracer {
		role := "server"
		if p == logging.PerspectiveClient {
			role = "client"
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.WithError(err).Warn("Cannot create qlog directory")
			return nil
		}
		name := filepath.Join(dir, fmt.Sprintf("%s_%s.sqlog", connID, role))
		f, err := os.Create(name)
		if err != nil {
			logger.WithError(err).Warnf("Cannot create qlog file %s", name)
			return nil
		}
		logger.Debugf("Writing qlog to %s", name)
		return qlog.NewConnectionTracer(&bufferedFile{Writer: bufio.NewWriter(f), f: f}, p, connID)
	}
}

type bufferedFile struct {
	*bufio.Writer
	f *os.File
}

func (b *bufferedFile) Close() error {
	if err := b.Flush(); err != nil {
		b.f.Close()
		return err
	}
	return b.f.Close()
}

// Client dials QUIC connections from a single UDP socket.
type Client struct {
	transport *quic.Transport
	udpConn   *net.UDPConn
	tlsConf   *tls.Config
	conf      *quic.Config
	logger    *logrus.Entry
}

func NewClient(opts Options, tlsConf *tls.Config) (*Client, error) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, errors.Wrap(err, "opening UDP socket")
	}
	return &Client{
		transport: &quic.Transport{Conn: udpConn},
		udpConn:   udpConn,
		tlsConf:   tlsConf,
		conf:      opts.quicConfig(),
		logger:    opts.logger(),
	}, nil
}

func (c *Client) Dial(ctx context.Context, address, serverName string, early bool) (Connection, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", address)
	}
	tlsConf := c.tlsConf.Clone()
	tlsConf.ServerName = serverName

	var conn *quic.Conn
	if early {
		conn, err = c.transport.DialEarly(ctx, addr, tlsConf, c.conf)
	} else {
		conn, err = c.transport.Dial(ctx, addr, tlsConf, c.conf)
	}
	if err != nil {
		return nil, normalize(err)
	}
	c.logger.WithField("early", early).Debugf("Dialed %s (%s)", address, serverName)
	return &connection{conn: conn}, nil
}

func (c *Client) Close() error {
	err := c.transport.Close()
	c.udpConn.Close()
	return err
}

// Server accepts QUIC connections on one UDP socket. Connections are handed out before their handshake completes,
// so that 0-RTT requests are served as soon as they arrive.
type Server struct {
	transport *quic.Transport
	listener  *quic.EarlyListener
	udpConn   *net.UDPConn
}

func Listen(address string, opts Options, tlsConf *tls.Config) (*Server, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving %s", address)
	}
	udpConn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", address)
	}
	tr := &quic.Transport{Conn: udpConn}
	if opts.RequireRetry {
		tr.VerifySourceAddress = func(net.Addr) bool { return true }
	}
	ln, err := tr.ListenEarly(tlsConf, opts.quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, errors.Wrap(err, "starting QUIC listener")
	}
	opts.logger().WithField("retry", opts.RequireRetry).Infof("Listening on %s", udpConn.LocalAddr())
	return &Server{transport: tr, listener: ln, udpConn: udpConn}, nil
}

func (s *Server) Accept(ctx context.Context) (Connection, error) {
	conn, err := s.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Close stops accepting connections. Connections already accepted keep running until Shutdown.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Shutdown releases the socket, terminating any connection still open without notifying the peer.
func (s *Server) Shutdown() error {
	s.listener.Close()
	err := s.transport.Close()
	s.udpConn.Close()
	return err
}

type connection struct {
	conn *quic.Conn
}

func (c *connection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, normalize(err)
	}
	return &stream{Stream: s}, nil
}

func (c *connection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, normalize(err)
	}
	return &stream{Stream: s}, nil
}

func (c *connection) HandshakeComplete() <-chan struct{} { return c.conn.HandshakeComplete() }

func (c *connection) Info() ConnectionInfo {
	state := c.conn.ConnectionState()
	return ConnectionInfo{
		Version:     uint32(state.Version),
		CipherSuite: state.TLS.CipherSuite,
		ALPN:        state.TLS.NegotiatedProtocol,
		Resumed:     state.TLS.DidResume,
		Used0RTT:    state.Used0RTT,
	}
}

func (c *connection) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *connection) Context() context.Context { return c.conn.Context() }
func (c *connection) RemoteAddr() net.Addr     { return c.conn.RemoteAddr() }

type stream struct {
	*quic.Stream
}

func (s *stream) StreamID() int64 { return int64(s.Stream.StreamID()) }

func (s *stream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	if err != nil && err != io.EOF {
		err = normalize(err)
	}
	return n, err
}

func (s *stream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	return n, normalize(err)
}

func (s *stream) CancelRead(code uint64)  { s.Stream.CancelRead(quic.StreamErrorCode(code)) }
func (s *stream) CancelWrite(code uint64) { s.Stream.CancelWrite(quic.StreamErrorCode(code)) }

// normalize maps the quic-go errors the agents act upon to their transport independent counterparts.
func normalize(err error) error {
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return &CloseError{Remote: appErr.Remote, Code: uint64(appErr.ErrorCode), Reason: appErr.ErrorMessage}
	}
	if errors.Is(err, quic.Err0RTTRejected) {
		return errors.Wrap(ErrEarlyDataRejected, err.Error())
	}
	return err
}
