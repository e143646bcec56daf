package agents

import (
	"context"
	"crypto/tls"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/pkg/errors"
)

// The DispatchAgent serves one connection accepted by the server. It accepts the streams opened by the client and
// hands each of them to a StreamAgent running concurrently. When the connection ends, or the agent is stopped, it
// waits for the running streams before closing the session.
type DispatchAgent struct {
	BaseAgent
	Root          *storage.Root
	Trace         *Trace
	ShutdownGrace time.Duration // Time left to running streams once the agent is stopped
	session       *Session
}

func (a *DispatchAgent) Run(session *Session) {
	a.Init("DispatchAgent", session)
	a.session = session
	conn := session.Connection()

	ctx, cancel := context.WithCancel(conn.Context())
	go func() {
		select {
		case <-a.close:
		case <-ctx.Done():
		}
		cancel()
	}()

	go a.confirm(conn)

	go func() {
		defer a.Logger.Debug("Agent terminated")
		defer close(a.closed)
		defer cancel()

		for {
			h, err := session.AcceptStream(ctx)
			if err != nil {
				a.logEnd(err)
				break
			}
			a.Logger.Debugf("Accepted stream %d", h.ID)
			sa := &StreamAgent{Root: a.Root, Trace: a.Trace, Logger: a.Logger}
			go sa.Serve(h)
		}

		session.SetState(Draining)
		a.drain()
		if err := session.Close(NoError, ""); err != nil {
			a.Logger.WithError(err).Debug("Error while closing the session")
		}
	}()
}

// confirm checks the negotiated parameters once the handshake completes. A connection that does not satisfy the
// profile is closed.
func (a *DispatchAgent) confirm(conn Connection) {
	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		a.session.Confirm(errors.Wrap(context.Cause(conn.Context()), "connection closed during the handshake"))
		return
	}

	info := conn.Info()
	if !a.session.Profile.Ciphers.Permits(info.CipherSuite) {
		err := errors.Wrapf(ErrCipherMismatch, "%s negotiated", tls.CipherSuiteName(info.CipherSuite))
		a.Logger.WithError(err).Warn("Closing connection")
		a.session.Confirm(err)
		conn.CloseWithError(CipherMismatch, err.Error())
		return
	}
	a.Logger.Infof("Connection from %s established (version 0x%08x, %s, 0-RTT: %t)", conn.RemoteAddr(), info.Version, tls.CipherSuiteName(info.CipherSuite), info.Used0RTT)
	a.session.Confirm(nil)
}

func (a *DispatchAgent) drain() {
	ctx := context.Background()
	var cancel context.CancelFunc = func() {}
	select {
	case <-a.close:
		if a.ShutdownGrace > 0 {
			ctx, cancel = context.WithTimeout(ctx, a.ShutdownGrace)
		}
	default:
	}
	defer cancel()

	if err := a.session.Streams.Wait(ctx); err != nil {
		a.Logger.Warnf("Cancelling streams %v after the shutdown grace period", a.session.Streams.Open())
		a.session.Streams.CancelAll(InternalError)
		a.session.Streams.Wait(context.Background())
	}
}

func (a *DispatchAgent) logEnd(err error) {
	select {
	case <-a.close:
		a.Logger.Debug("Stopped accepting streams")
		return
	default:
	}
	if IsGracefulClose(err) {
		a.Logger.Debug("Connection closed by the client")
	} else {
		a.Logger.WithError(err).Info("Connection terminated")
	}
}
