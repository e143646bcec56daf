package agents

import (
	"context"
	"sync"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const DefaultShutdownGrace = 5 * time.Second

// A Server dispatches the connections accepted on its listener, each one in its own session.
type Server struct {
	Listener      Listener
	Root          *storage.Root
	Profile       *ScenarioProfile
	Events        *Broadcaster
	Trace         *Trace
	Logger        *logrus.Entry
	ShutdownGrace time.Duration

	lock   sync.Mutex
	active map[*ConnectionAgents]bool
}

// Serve accepts connections until ctx is done, then stops accepting, lets the running connections finish their
// streams and returns. Only a failing listener makes it return an error.
func (s *Server) Serve(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	s.lock.Lock()
	s.active = make(map[*ConnectionAgents]bool)
	s.lock.Unlock()

	var connections errgroup.Group
	var acceptErr error
	for index := 0; ; index++ {
		conn, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = errors.Wrap(err, "accepting connections")
			}
			break
		}

		session := NewSession(ServerRole, ConnectionGroup{Index: index}, s.Profile, s.Events, logger)
		session.Attach(conn)
		if s.Trace != nil {
			s.Trace.CountServed(func(st *ServerStats) { st.Connections++ })
		}
		dispatch := &DispatchAgent{Root: s.Root, Trace: s.Trace, ShutdownGrace: s.grace()}
		connAgents := AttachAgentsToSession(session, dispatch)
		s.track(connAgents, true)

		connections.Go(func() error {
			dispatch.Join()
			s.track(connAgents, false)
			return nil
		})
	}

	logger.Info("Shutting down, waiting for running connections")
	s.Listener.Close()
	s.lock.Lock()
	for c := range s.active {
		go c.StopAll()
	}
	s.lock.Unlock()
	connections.Wait()
	return acceptErr
}

func (s *Server) grace() time.Duration {
	if s.ShutdownGrace == 0 {
		return DefaultShutdownGrace
	}
	return s.ShutdownGrace
}

func (s *Server) track(c *ConnectionAgents, active bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if active {
		s.active[c] = true
	} else {
		delete(s.active, c)
	}
}
