package agents

import (
	"sync"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/sirupsen/logrus"
)

// An Agent is a concurrent worker attached to a Session. Run starts it, Stop asks it to terminate and Join waits
// until it has.
type Agent interface {
	Name() string
	Init(name string, session *Session)
	Run(session *Session)
	Stop()
	Join()
}

type BaseAgent struct {
	name   string
	Logger *logrus.Entry
	close  chan bool
	closed chan bool
}

func (a *BaseAgent) Name() string { return a.name }

func (a *BaseAgent) Init(name string, session *Session) {
	a.name = name
	a.Logger = session.Logger.WithField("agent", name)
	a.Logger.Debug("Agent started")
	a.close = make(chan bool)
	a.closed = make(chan bool)
}

func (a *BaseAgent) Stop() {
	select {
	case <-a.close:
	default:
		close(a.close)
	}
}

func (a *BaseAgent) Join() {
	<-a.closed
}

// ConnectionAgents is the set of agents running on one Session.
type ConnectionAgents struct {
	session *Session
	lock    sync.Mutex
	agents  map[string]Agent
	order   []Agent
}

func AttachAgentsToSession(session *Session, agents ...Agent) *ConnectionAgents {
	c := ConnectionAgents{session: session, agents: make(map[string]Agent)}

	for _, a := range agents {
		c.Add(a)
	}

	return &c
}

func (c *ConnectionAgents) Add(agent Agent) {
	agent.Run(c.session)
	c.lock.Lock()
	c.agents[agent.Name()] = agent
	c.order = append(c.order, agent)
	c.lock.Unlock()
}

func (c *ConnectionAgents) Get(name string) Agent {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.agents[name]
}

func (c *ConnectionAgents) Session() *Session { return c.session }

// StopAll stops the agents in the reverse order they were added.
func (c *ConnectionAgents) StopAll() {
	c.lock.Lock()
	agents := append([]Agent(nil), c.order...)
	c.lock.Unlock()
	for i := len(agents) - 1; i >= 0; i-- {
		agents[i].Stop()
		agents[i].Join()
	}
}

// CloseSession gracefully closes the session once its streams are done, then stops every agent.
func (c *ConnectionAgents) CloseSession(errorCode uint64, reasonPhrase string) error {
	a := &ClosingAgent{ErrorCode: errorCode, ReasonPhrase: reasonPhrase}
	c.Add(a)
	a.Join()
	c.StopAll()
	return a.Err
}
