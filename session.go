package interop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type SessionState int

const (
	Connecting SessionState = iota
	EarlyDataSent
	Established
	Draining
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case EarlyDataSent:
		return "early_data_sent"
	case Established:
		return "established"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

func (s SessionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SessionEvent is submitted on the events Broadcaster at every state transition.
type SessionEvent struct {
	Session string
	Role    Role
	Group   int
	State   SessionState
	Err     error
	At      time.Time
}

// A Session owns one transport connection and the arena of the streams running on it.
type Session struct {
	ID      string
	Role    Role
	Group   ConnectionGroup
	Profile *ScenarioProfile
	Streams *Streams
	Logger  *logrus.Entry

	conn   Connection
	events *Broadcaster

	lock       sync.Mutex
	state      SessionState
	confirmed  chan struct{}
	confirmErr error
	confirm    sync.Once
}

func NewSession(role Role, group ConnectionGroup, profile *ScenarioProfile, events *Broadcaster, logger *logrus.Entry) *Session {
	id := uuid.New().String()
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Session{
		ID:        id,
		Role:      role,
		Group:     group,
		Profile:   profile,
		Streams:   NewStreams(),
		Logger:    logger.WithFields(logrus.Fields{"session": id[:8], "group": group.Index}),
		events:    events,
		state:     Connecting,
		confirmed: make(chan struct{}),
	}
}

// Attach binds the transport connection to the session. It is called exactly once, by whoever established it.
func (s *Session) Attach(conn Connection) {
	s.lock.Lock()
	s.conn = conn
	s.lock.Unlock()
}

func (s *Session) Connection() Connection {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.conn
}

func (s *Session) State() SessionState {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// SetState moves the session forward in its lifecycle. Transitions backwards are ignored.
func (s *Session) SetState(state SessionState) {
	s.transition(state, nil)
}

func (s *Session) transition(state SessionState, err error) {
	s.lock.Lock()
	if state <= s.state {
		s.lock.Unlock()
		return
	}
	previous := s.state
	s.state = state
	s.lock.Unlock()

	if err != nil {
		s.Logger.WithError(err).Debugf("Session %s -> %s", previous, state)
	} else {
		s.Logger.Debugf("Session %s -> %s", previous, state)
	}
	s.events.Submit(SessionEvent{Session: s.ID, Role: s.Role, Group: s.Group.Index, State: state, Err: err, At: time.Now()})
}

// Confirm resolves the handshake confirmation. A nil error moves the session to Established, anything else is
// kept as the reason every waiter on AwaitConfirmation fails with. Only the first call has an effect.
func (s *Session) Confirm(err error) {
	s.confirm.Do(func() {
		s.lock.Lock()
		s.confirmErr = err
		s.lock.Unlock()
		if err == nil {
			s.SetState(Established)
		}
		close(s.confirmed)
	})
}

func (s *Session) Confirmed() <-chan struct{} { return s.confirmed }

func (s *Session) AwaitConfirmation(ctx context.Context) error {
	select {
	case <-s.confirmed:
		s.lock.Lock()
		defer s.lock.Unlock()
		return s.confirmErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OpenStream opens a new stream on the session's connection and registers it in the arena.
func (s *Session) OpenStream(ctx context.Context, resource string) (*StreamHandle, error) {
	conn := s.Connection()
	if conn == nil || s.State() >= Draining {
		return nil, ErrSessionClosed
	}
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "opening stream")
	}
	return s.Streams.Add(stream, resource), nil
}

// AcceptStream waits for the peer to open a stream and registers it in the arena.
func (s *Session) AcceptStream(ctx context.Context) (*StreamHandle, error) {
	conn := s.Connection()
	if conn == nil {
		return nil, ErrSessionClosed
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return s.Streams.Add(stream, ""), nil
}

// Close tears the connection down with the given application error code and marks the session Closed. It does
// not wait for the stream tasks; see the ClosingAgent for the graceful path.
func (s *Session) Close(code uint64, reason string) error {
	var err error
	if conn := s.Connection(); conn != nil {
		err = conn.CloseWithError(code, reason)
		<-conn.Context().Done()
	}
	s.Confirm(ErrSessionClosed)
	s.transition(Closed, err)
	return err
}

// Abort marks a session whose connection could not be established as Closed.
func (s *Session) Abort(err error) {
	s.Confirm(err)
	s.transition(Closed, err)
}
