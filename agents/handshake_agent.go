package agents

import (
	"context"
	"crypto/tls"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/pkg/errors"
)

// The HandshakeAgent establishes the connection of a client session. When the session starts in 0-RTT mode, the
// connection is handed over as soon as early data can be sent, and the agent keeps watching for the handshake
// confirmation, which resolves the session confirmation one way or the other.
type HandshakeAgent struct {
	BaseAgent
	Dialer  Dialer
	Info    ConnectionInfo // Set once the handshake completed
	session *Session
}

func (a *HandshakeAgent) Run(session *Session) {
	a.Init("HandshakeAgent", session)
	a.session = session
}

// Establish dials the session's group. Errors are ConnectFailures, after which the session is Closed.
func (a *HandshakeAgent) Establish(ctx context.Context) error {
	group := a.session.Group
	early := a.session.Profile.EarlyDataFor(group)

	conn, err := a.Dialer.Dial(ctx, group.Address(), group.ServerName(), early)
	if err != nil {
		return a.fail(err)
	}
	a.session.Attach(conn)

	if early {
		a.session.SetState(EarlyDataSent)
		a.Logger.Infof("Connected to %s, early data can be sent", group.Address())
		go a.awaitConfirmation(conn)
		return nil
	}

	info := conn.Info()
	if err := a.verify(info); err != nil {
		conn.CloseWithError(CipherMismatch, err.Error())
		<-conn.Context().Done()
		return a.fail(err)
	}
	a.Logger.Infof("Connected to %s (version 0x%08x, %s, resumed: %t)", group.Address(), info.Version, tls.CipherSuiteName(info.CipherSuite), info.Resumed)
	a.Info = info
	a.session.Confirm(nil)
	a.stop()
	return nil
}

func (a *HandshakeAgent) awaitConfirmation(conn Connection) {
	defer a.stop()
	group := a.session.Group

	select {
	case <-conn.HandshakeComplete():
	case <-conn.Context().Done():
		err := &ConnectFailure{Group: group.Index, Address: group.Address(), Err: errors.Wrap(context.Cause(conn.Context()), "connection closed before the handshake completed")}
		a.Logger.WithError(err).Error("Handshake failed")
		a.session.Confirm(err)
		return
	case <-a.close:
		a.session.Confirm(ErrSessionClosed)
		return
	}

	info := conn.Info()
	a.Info = info
	err := a.verify(info)
	if err == nil && !info.Used0RTT {
		err = errors.Wrapf(ErrEarlyDataRejected, "resumed: %t", info.Resumed)
	}
	if err != nil {
		failure := &ConnectFailure{Group: group.Index, Address: group.Address(), Err: err}
		a.Logger.WithError(failure).Error("Early data was not accepted")
		a.session.Confirm(failure)
		a.session.Streams.CancelAll(EarlyDataAborted)
		if errors.Is(err, ErrCipherMismatch) {
			conn.CloseWithError(CipherMismatch, err.Error())
		}
		return
	}

	a.Logger.Infof("Early data accepted by %s (version 0x%08x, %s)", group.Address(), info.Version, tls.CipherSuiteName(info.CipherSuite))
	a.session.Confirm(nil)
}

func (a *HandshakeAgent) verify(info ConnectionInfo) error {
	if !a.session.Profile.Ciphers.Permits(info.CipherSuite) {
		return errors.Wrapf(ErrCipherMismatch, "%s negotiated, %s required", tls.CipherSuiteName(info.CipherSuite), a.session.Profile.Ciphers)
	}
	return nil
}

func (a *HandshakeAgent) fail(err error) error {
	group := a.session.Group
	failure := &ConnectFailure{Group: group.Index, Address: group.Address(), Err: err}
	a.Logger.WithError(err).Errorf("Could not connect to %s", group.Address())
	a.session.Abort(failure)
	a.stop()
	return failure
}

// stop terminates the agent once it has nothing left to watch.
func (a *HandshakeAgent) stop() {
	select {
	case <-a.closed:
	default:
		close(a.closed)
	}
}
