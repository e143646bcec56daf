package agents

import (
	"context"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
)

// The ClosingAgent drains a session: it waits for every stream task registered in the session arena to finish,
// then closes the connection with the given application error code and waits for the transport to confirm it.
// Stopping the agent cuts the wait short and cancels the remaining streams.
type ClosingAgent struct {
	BaseAgent
	ErrorCode    uint64
	ReasonPhrase string
	DrainTimeout time.Duration // Zero waits for as long as the streams need
	Err          error
	session      *Session
}

func (a *ClosingAgent) Run(session *Session) {
	a.Init("ClosingAgent", session)
	a.session = session

	var ctx context.Context
	var cancel context.CancelFunc
	if a.DrainTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), a.DrainTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	go func() {
		defer a.Logger.Debug("Agent terminated")
		defer close(a.closed)
		defer cancel()

		go func() {
			select {
			case <-a.close:
				cancel()
			case <-ctx.Done():
			}
		}()

		session.SetState(Draining)
		if err := session.Streams.Wait(ctx); err != nil {
			open := session.Streams.Open()
			a.Logger.Warnf("Cancelling %d streams still open: %v", len(open), open)
			session.Streams.CancelAll(InternalError)
		}
		a.Err = session.Close(a.ErrorCode, a.ReasonPhrase)
		a.Logger.WithField("code", a.ErrorCode).Debugf("Session closed after %d streams", session.Streams.Opened())
	}()
}
