package agents

import (
	"context"
	"net/http"
	"net/url"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/http09"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// The HTTP09Agent runs one stream task per request on its session. Tasks run concurrently, at most
// MaxConcurrentStreams at a time when the profile sets it, and each persists the body it receives.
type HTTP09Agent struct {
	BaseAgent
	Downloads            *storage.Downloads
	session              *Session
	streams              *semaphore.Weighted
	httpResponseReceived *Broadcaster //type: RequestUnit
}

func (a *HTTP09Agent) Run(session *Session) {
	a.Init("HTTP09Agent", session)
	a.session = session
	a.httpResponseReceived = NewBroadcaster(1000)
	if n := session.Profile.MaxConcurrentStreams; n > 0 {
		a.streams = semaphore.NewWeighted(int64(n))
	}

	go func() {
		defer a.Logger.Debug("Agent terminated")
		defer close(a.closed)
		<-a.close
		a.httpResponseReceived.Close()
	}()
}

// SendRequest starts the stream task fetching resource. The returned channel receives its RequestUnit once the
// task is over, whatever the outcome.
func (a *HTTP09Agent) SendRequest(ctx context.Context, resource *url.URL) chan RequestUnit {
	responseChan := make(chan RequestUnit, 1)

	go func() {
		unit := NewRequestUnit(resource.String(), a.session.Group.Index)
		a.fetch(ctx, resource, &unit)
		if unit.Status == Succeeded {
			a.Logger.Infof("A %d-byte long response on stream %d is complete", unit.BytesTransferred, unit.StreamID)
		} else {
			a.Logger.WithError(unit.Cause).Warnf("Request for %s failed", unit.Resource)
		}
		a.httpResponseReceived.Submit(unit)
		responseChan <- unit
	}()

	return responseChan
}

func (a *HTTP09Agent) HTTPResponseReceived() *Broadcaster { return a.httpResponseReceived }

func (a *HTTP09Agent) fetch(ctx context.Context, resource *url.URL, unit *RequestUnit) {
	if a.streams != nil {
		if err := a.streams.Acquire(ctx, 1); err != nil {
			unit.Fail(&StreamFailure{StreamID: -1, Resource: unit.Resource, Err: err})
			return
		}
		defer a.streams.Release(1)
	}

	select {
	case <-a.session.Confirmed():
		if err := a.session.AwaitConfirmation(ctx); err != nil {
			unit.Fail(&StreamFailure{StreamID: -1, Resource: unit.Resource, Err: err})
			return
		}
	default:
	}

	h, err := a.session.OpenStream(ctx, unit.Resource)
	if err != nil {
		unit.Fail(&StreamFailure{StreamID: -1, Resource: unit.Resource, Err: a.cause(ctx, err)})
		return
	}
	defer h.Done()
	unit.StreamID = h.ID
	unit.Status = InFlight

	n, err := a.exchange(ctx, h.Stream(), resource)
	if err != nil {
		unit.Fail(&StreamFailure{StreamID: h.ID, Resource: unit.Resource, Err: a.cause(ctx, err)})
		return
	}
	unit.Succeed(n)
}

// exchange sends the request and persists the response body. The download is only committed once the session is
// confirmed, so that nothing received over rejected early data is ever written.
func (a *HTTP09Agent) exchange(ctx context.Context, s Stream, resource *url.URL) (int64, error) {
	if err := http09.WriteRequest(s, RequestPath(resource)); err != nil {
		return 0, errors.Wrap(err, "sending request")
	}
	if err := s.Close(); err != nil {
		return 0, errors.Wrap(err, "finishing request")
	}

	status, body, err := http09.ReadResponse(s)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		s.CancelRead(NoError)
		return 0, ErrNotFound
	default:
		s.CancelRead(NoError)
		return 0, errors.Wrapf(ErrMalformedResponse, "unexpected status %d", status)
	}

	download, err := a.Downloads.Create(DownloadName(resource))
	if err != nil {
		s.CancelRead(InternalError)
		return 0, err
	}
	n, err := download.ReadFrom(body)
	if err != nil {
		download.Discard()
		return n, errors.Wrap(err, "receiving body")
	}
	if err := a.session.AwaitConfirmation(ctx); err != nil {
		download.Discard()
		return n, err
	}
	if err := download.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

// cause prefers the reason the session failed to be confirmed over the stream error it led to.
func (a *HTTP09Agent) cause(ctx context.Context, err error) error {
	if cerr := a.session.AwaitConfirmation(ctx); cerr != nil {
		return cerr
	}
	return err
}
