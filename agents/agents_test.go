package agents

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net/url"
	"testing"
	"time"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/scenarii"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/QUIC-Tracker/quic-interop/transport"
	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serverAddress = "server:4433"

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func profile(t *testing.T, name string) *ScenarioProfile {
	p, err := scenarii.DefaultTable().Resolve(name)
	require.NoError(t, err)
	return p
}

func urls(t *testing.T, raw ...string) []*url.URL {
	var resources []*url.URL
	for _, r := range raw {
		u, err := url.Parse(r)
		require.NoError(t, err)
		resources = append(resources, u)
	}
	return resources
}

type harness struct {
	network     *transport.PipeNetwork
	fs          afero.Fs
	downloads   *storage.Downloads
	serverTrace *Trace
	stopServer  func()
}

// newHarness starts a server on an in-memory network, serving files from /www.
func newHarness(t *testing.T, p *ScenarioProfile, files map[string][]byte) *harness {
	h := &harness{network: transport.NewPipeNetwork(), fs: afero.NewMemMapFs()}
	for name, content := range files {
		require.NoError(t, afero.WriteFile(h.fs, "/www/"+name, content, 0644))
	}
	var err error
	h.downloads, err = storage.NewDownloads(h.fs, "/downloads")
	require.NoError(t, err)

	listener, err := h.network.Listen(serverAddress)
	require.NoError(t, err)
	h.serverTrace = NewTrace(p.Name, ServerRole)
	server := &Server{
		Listener:      listener,
		Root:          storage.NewRoot(h.fs, "/www"),
		Profile:       p,
		Trace:         h.serverTrace,
		Logger:        testLogger(),
		ShutdownGrace: time.Second,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	var once bool
	h.stopServer = func() {
		if once {
			return
		}
		once = true
		cancel()
		assert.NoError(t, <-done)
	}
	t.Cleanup(h.stopServer)
	return h
}

func (h *harness) run(t *testing.T, p *ScenarioProfile, resources []*url.URL) (ProcessOutcome, *Trace) {
	events := NewBroadcaster(1000)
	defer events.Close()
	trace := NewTrace(p.Name, ClientRole)
	trace.AttachTo(events)

	runner := &Runner{Dialer: h.network, Downloads: h.downloads, Profile: p, Events: events, Logger: testLogger()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return runner.Run(ctx, resources, trace), trace
}

func (h *harness) downloaded(t *testing.T, name string) []byte {
	data, err := h.downloads.ReadFile(name)
	require.NoError(t, err, name)
	return data
}

func eventsOf(events []transport.PipeEvent, kind transport.PipeEventKind) []transport.PipeEvent {
	var out []transport.PipeEvent
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestTransferOverOneConnection(t *testing.T) {
	p := profile(t, "transfer")
	h := newHarness(t, p, map[string][]byte{"4433/file1": []byte("first file"), "4433/file2": []byte("second file")})

	outcome, trace := h.run(t, p, urls(t, "https://server/4433/file1", "https://server/4433/file2"))
	require.True(t, outcome.OK(), spew.Sdump(outcome))
	assert.Equal(t, 2, outcome.Succeeded)

	events := h.network.Events()
	assert.Len(t, eventsOf(events, transport.PipeDial), 1, spew.Sdump(events))
	opens := eventsOf(events, transport.PipeOpen)
	require.Len(t, opens, 2)
	assert.Equal(t, 0, opens[0].Conn)
	assert.Equal(t, 0, opens[1].Conn)

	assert.Equal(t, "first file", string(h.downloaded(t, "file1")))
	assert.Equal(t, "second file", string(h.downloaded(t, "file2")))

	require.Len(t, trace.Sessions, 1)
	var states []SessionState
	for _, c := range trace.Sessions[0].History {
		states = append(states, c.State)
	}
	assert.Equal(t, []SessionState{Established, Draining, Closed}, states)
	for _, u := range trace.Units {
		assert.Equal(t, Succeeded, u.Status)
		assert.True(t, IsBidiClient(uint64(u.StreamID)))
	}
}

func TestOneConnectionPerRequest(t *testing.T) {
	p := profile(t, "multiconnect")
	h := newHarness(t, p, map[string][]byte{"a": []byte("a"), "b": []byte("b"), "c": []byte("c")})

	outcome, _ := h.run(t, p, urls(t, "https://server:4433/a", "https://server:4433/b", "https://server:4433/c"))
	require.True(t, outcome.OK(), spew.Sdump(outcome))

	events := h.network.Events()
	assert.Len(t, eventsOf(events, transport.PipeDial), 3)
	assert.Len(t, eventsOf(events, transport.PipeClose), 3)
	conns := map[int]int{}
	for _, e := range eventsOf(events, transport.PipeOpen) {
		conns[e.Conn]++
	}
	assert.Len(t, conns, 3)
	for _, n := range conns {
		assert.Equal(t, 1, n)
	}
}

func TestRoundTrip(t *testing.T) {
	p := profile(t, "transfer")
	content := make([]byte, 3*SendChunkSize+123)
	_, err := rand.Read(content)
	require.NoError(t, err)
	h := newHarness(t, p, map[string][]byte{"large.bin": content})

	outcome, trace := h.run(t, p, urls(t, "https://server:4433/large.bin"))
	require.True(t, outcome.OK(), spew.Sdump(outcome))
	got := h.downloaded(t, "large.bin")
	assert.Equal(t, len(content), len(got))
	assert.True(t, bytes.Equal(content, got))
	assert.EqualValues(t, len(content), trace.Units[0].BytesTransferred)

	h.stopServer()
	assert.Equal(t, 1, h.serverTrace.Server.Served)
	assert.Equal(t, 1, h.serverTrace.Server.Connections)
}

func TestPartialFailureIsolation(t *testing.T) {
	p := profile(t, "transfer")
	h := newHarness(t, p, map[string][]byte{"one": []byte("1"), "three": []byte("3")})

	outcome, _ := h.run(t, p, urls(t, "https://server:4433/one", "https://server:4433/two", "https://server:4433/three"))
	assert.False(t, outcome.OK())
	assert.Equal(t, ExitUnitsFailed, outcome.ExitCode())
	assert.Equal(t, 2, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "https://server:4433/two", outcome.Failures[0].Resource)
	assert.True(t, errors.Is(outcome.Failures[0].Cause, ErrNotFound))

	assert.False(t, h.downloads.Exists("two"))
	assert.Equal(t, "1", string(h.downloaded(t, "one")))
	assert.Equal(t, "3", string(h.downloaded(t, "three")))

	h.stopServer()
	assert.Equal(t, 2, h.serverTrace.Server.Served)
	assert.Equal(t, 1, h.serverTrace.Server.NotFound)
}

func TestFirstGroupClosesBeforeOthersStart(t *testing.T) {
	p := profile(t, "resumption")
	h := newHarness(t, p, map[string][]byte{"1": []byte("1"), "2": []byte("2"), "3": []byte("3")})

	outcome, _ := h.run(t, p, urls(t, "https://server:4433/1", "https://server:4433/2", "https://server:4433/3"))
	require.True(t, outcome.OK(), spew.Sdump(outcome))

	events := h.network.Events()
	firstClose := -1
	for i, e := range events {
		if e.Kind == transport.PipeClose && e.Conn == 0 {
			firstClose = i
			break
		}
	}
	require.NotEqual(t, -1, firstClose, spew.Sdump(events))
	for i, e := range events {
		if e.Conn != 0 {
			assert.Greater(t, i, firstClose, "event %s happened before the first session closed", e)
		}
	}
	assert.Len(t, eventsOf(events, transport.PipeDial), 2)
}

func TestZeroRTTAccepted(t *testing.T) {
	p := profile(t, "zerortt")
	h := newHarness(t, p, map[string][]byte{"1": []byte("1"), "2": []byte("2"), "3": []byte("3")})
	h.network.HandshakeDelay = 20 * time.Millisecond

	outcome, trace := h.run(t, p, urls(t, "https://server:4433/1", "https://server:4433/2", "https://server:4433/3"))
	require.True(t, outcome.OK(), spew.Sdump(outcome))

	dials := eventsOf(h.network.Events(), transport.PipeDial)
	require.Len(t, dials, 2)
	assert.False(t, dials[0].Early)
	assert.True(t, dials[1].Early)

	require.Len(t, trace.Sessions, 2)
	var states []SessionState
	for _, c := range trace.Sessions[1].History {
		states = append(states, c.State)
	}
	assert.Equal(t, []SessionState{EarlyDataSent, Established, Draining, Closed}, states)
}

func TestZeroRTTRejected(t *testing.T) {
	p := profile(t, "zerortt")
	h := newHarness(t, p, map[string][]byte{"first": []byte("1"), "second": []byte("2"), "third": []byte("3")})
	h.network.Reject0RTT = true
	h.network.HandshakeDelay = 20 * time.Millisecond

	outcome, _ := h.run(t, p, urls(t, "https://server:4433/first", "https://server:4433/second", "https://server:4433/third"))
	assert.Equal(t, 1, outcome.Succeeded)
	assert.Equal(t, 2, outcome.Failed)
	for _, u := range outcome.Failures {
		assert.Equal(t, 1, u.Group)
		assert.True(t, errors.Is(u.Cause, ErrEarlyDataRejected), "%v", u.Cause)
	}

	assert.True(t, h.downloads.Exists("first"))
	assert.False(t, h.downloads.Exists("second"))
	assert.False(t, h.downloads.Exists("third"))
	entries, err := afero.ReadDir(h.fs, "/downloads")
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no partial download may be left behind")
}

func TestMaxConcurrentStreams(t *testing.T) {
	p := &ScenarioProfile{Name: "capped", Grouping: SingleShared, MaxConcurrentStreams: 2}
	files := map[string][]byte{}
	var raw []string
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		files[name] = bytes.Repeat([]byte(name), 2*SendChunkSize)
		raw = append(raw, "https://server:4433/"+name)
	}
	h := newHarness(t, p, files)

	outcome, _ := h.run(t, p, urls(t, raw...))
	require.True(t, outcome.OK(), spew.Sdump(outcome))
	assert.LessOrEqual(t, h.network.MaxConcurrentStreams(0), 2)
	assert.Len(t, eventsOf(h.network.Events(), transport.PipeOpen), 6)
}

func TestConnectFailureIsIsolated(t *testing.T) {
	p := profile(t, "multiconnect")
	h := newHarness(t, p, map[string][]byte{"ok": []byte("ok")})

	outcome, trace := h.run(t, p, urls(t, "https://server:4433/ok", "https://elsewhere:4433/ko"))
	assert.Equal(t, 1, outcome.Succeeded)
	require.Len(t, outcome.Failures, 1)
	var cf *ConnectFailure
	require.True(t, errors.As(outcome.Failures[0].Cause, &cf))
	assert.Equal(t, "elsewhere:4433", cf.Address)
	assert.Equal(t, 1, cf.Group)

	for _, s := range trace.Sessions {
		last := s.History[len(s.History)-1]
		assert.Equal(t, Closed, last.State)
		if s.Group == 1 {
			assert.NotEmpty(t, last.Error)
		}
	}
}

func TestCipherMismatch(t *testing.T) {
	p := profile(t, "chacha20")
	h := newHarness(t, p, map[string][]byte{"file": []byte("data")})
	h.network.CipherSuite = tls.TLS_AES_128_GCM_SHA256

	outcome, _ := h.run(t, p, urls(t, "https://server:4433/file"))
	require.Len(t, outcome.Failures, 1)
	assert.True(t, errors.Is(outcome.Failures[0].Cause, ErrCipherMismatch))
	assert.False(t, h.downloads.Exists("file"))

	h.network.CipherSuite = tls.TLS_CHACHA20_POLY1305_SHA256
	outcome, _ = h.run(t, p, urls(t, "https://server:4433/file"))
	assert.True(t, outcome.OK(), spew.Sdump(outcome))
}

func TestEmptyRequestList(t *testing.T) {
	p := profile(t, "transfer")
	h := newHarness(t, p, nil)
	outcome, trace := h.run(t, p, nil)
	assert.True(t, outcome.OK())
	assert.Equal(t, ExitOK, outcome.ExitCode())
	assert.Empty(t, trace.Units)
	assert.Empty(t, h.network.Events())
}

func TestHTTP09AgentNotifiesResponses(t *testing.T) {
	p := profile(t, "transfer")
	h := newHarness(t, p, map[string][]byte{"a": []byte("a")})
	group := Partition(urls(t, "https://server/a", "https://server/missing"), p)[0]

	session := NewSession(ClientRole, group, p, nil, testLogger())
	handshake := &HandshakeAgent{Dialer: h.network}
	connAgents := AttachAgentsToSession(session, handshake)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handshake.Establish(ctx))

	agent := &HTTP09Agent{Downloads: h.downloads}
	connAgents.Add(agent)
	received := agent.HTTPResponseReceived().RegisterNewChan(10)
	for _, res := range group.Resources {
		<-agent.SendRequest(ctx, res)
	}

	statuses := map[string]UnitStatus{}
	agent.HTTPResponseReceived().Sync(received, func(i interface{}) {
		u := i.(RequestUnit)
		statuses[u.Resource] = u.Status
	})
	assert.Equal(t, map[string]UnitStatus{"https://server/a": Succeeded, "https://server/missing": Failed}, statuses)
	assert.NoError(t, connAgents.CloseSession(NoError, ""))
	assert.Equal(t, Closed, session.State())
}
