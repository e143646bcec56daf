package agents

import (
	"io"
	"net/http"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/http09"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A StreamAgent answers the request carried by one stream accepted by the server. It owns the stream until Serve
// returns, and no failure on the stream ever reaches the connection.
type StreamAgent struct {
	Root   *storage.Root
	Trace  *Trace
	Logger *logrus.Entry
}

func (a *StreamAgent) Serve(h *StreamHandle) {
	defer h.Done()
	s := h.Stream()
	logger := a.Logger.WithField("stream", h.ID)

	req, err := http09.ReadRequest(s)
	switch {
	case errors.Is(err, ErrUnsupportedMethod):
		logger.WithError(&ServerRequestError{StreamID: h.ID, Path: req.Path, Err: err}).Warn("Ignoring request")
		s.Close()
		a.count(func(st *ServerStats) { st.Unsupported++ })
		return
	case errors.Is(err, ErrMalformedRequest):
		logger.WithError(&ServerRequestError{StreamID: h.ID, Err: err}).Warn("Resetting stream")
		s.CancelWrite(ProtocolError)
		s.CancelRead(ProtocolError)
		a.count(func(st *ServerStats) { st.Malformed++ })
		return
	case err != nil:
		logger.WithError(err).Info("Could not read request")
		s.CancelWrite(InternalError)
		a.count(func(st *ServerStats) { st.Failed++ })
		return
	}

	file, size, err := a.Root.Open(req.Path)
	if err != nil {
		logger.WithError(&ServerRequestError{StreamID: h.ID, Path: req.Path, Err: err}).Info("Answering not found")
		if err := http09.WriteStatus(s, http.StatusNotFound); err != nil {
			s.CancelWrite(InternalError)
			a.count(func(st *ServerStats) { st.Failed++ })
			return
		}
		s.Close()
		a.count(func(st *ServerStats) { st.NotFound++ })
		return
	}
	defer file.Close()

	n, err := a.send(s, file)
	if err != nil {
		logger.WithError(err).Warnf("Sending %s failed after %d bytes", req.Path, n)
		s.CancelWrite(InternalError)
		a.count(func(st *ServerStats) { st.Failed++ })
		return
	}
	logger.Debugf("Served %s (%d of %d bytes)", req.Path, n, size)
	a.count(func(st *ServerStats) { st.Served++ })
}

// send writes the status line then the body in chunks of at most SendChunkSize bytes, and finishes the stream.
func (a *StreamAgent) send(s Stream, body io.Reader) (int64, error) {
	if err := http09.WriteStatus(s, http.StatusOK); err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(struct{ io.Writer }{s}, struct{ io.Reader }{body}, make([]byte, SendChunkSize))
	if err != nil {
		return n, err
	}
	return n, s.Close()
}

func (a *StreamAgent) count(update func(s *ServerStats)) {
	if a.Trace != nil {
		a.Trace.CountServed(update)
	}
}
