package interop

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceRecordsSessions(t *testing.T) {
	events := NewBroadcaster(100)
	defer events.Close()
	trace := NewTrace("transfer", ClientRole)
	trace.AttachTo(events)

	first := NewSession(ClientRole, ConnectionGroup{Index: 1}, &ScenarioProfile{}, events, nil)
	second := NewSession(ClientRole, ConnectionGroup{Index: 0}, &ScenarioProfile{}, events, nil)
	first.Confirm(nil)
	second.Abort(errors.New("refused"))

	aggregator := NewAggregator(trace)
	aggregator.Go(func() []RequestUnit {
		u := NewRequestUnit("https://server/b", 1)
		u.Succeed(10)
		return []RequestUnit{u}
	})
	failed := NewRequestUnit("https://server/a", 0)
	failed.Fail(errors.New("refused"))
	aggregator.Add(failed)

	outcome := aggregator.Wait()
	assert.Equal(t, outcome, aggregator.Wait())
	assert.Equal(t, 1, outcome.Succeeded)
	assert.Equal(t, 1, outcome.Failed)
	assert.Equal(t, ExitUnitsFailed, outcome.ExitCode())
	assert.Equal(t, ExitUnitsFailed, trace.ErrorCode)

	require.Len(t, trace.Units, 2, spew.Sdump(trace.Units))
	assert.Equal(t, 0, trace.Units[0].Group)
	require.Len(t, trace.Sessions, 2)
	assert.Equal(t, second.ID, trace.Sessions[0].ID)
	assert.Equal(t, Closed, trace.Sessions[0].History[0].State)
	assert.Equal(t, "refused", trace.Sessions[0].History[0].Error)
	assert.Equal(t, Established, trace.Sessions[1].History[0].State)

	var buf bytes.Buffer
	require.NoError(t, trace.WriteJSON(&buf))
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	units := decoded["units"].([]interface{})
	assert.Equal(t, "failed", units[0].(map[string]interface{})["status"])
	assert.Equal(t, "refused", units[0].(map[string]interface{})["error"])
	assert.Nil(t, decoded["server"])
}

func TestServerTraceCounts(t *testing.T) {
	trace := NewTrace("transfer", ServerRole)
	trace.CountServed(func(s *ServerStats) { s.Served++ })
	trace.CountServed(func(s *ServerStats) { s.NotFound++ })
	outcome := trace.Complete()
	assert.True(t, outcome.OK())
	assert.Equal(t, ExitOK, outcome.ExitCode())
	assert.Equal(t, 1, trace.Server.Served)
	assert.Equal(t, 1, trace.Server.NotFound)
}

func TestOutcomePrint(t *testing.T) {
	u := NewRequestUnit("https://server/missing", 0)
	u.Fail(ErrNotFound)
	var buf bytes.Buffer
	ProcessOutcome{Succeeded: 2, Failed: 1, Failures: []RequestUnit{u}}.Print(&buf)
	out := buf.String()
	assert.True(t, strings.Contains(out, "https://server/missing (group 0): resource not found"), out)
	assert.True(t, strings.Contains(out, "1 of 3 requests failed"), out)

	buf.Reset()
	ProcessOutcome{Succeeded: 3}.Print(&buf)
	assert.Contains(t, buf.String(), "All 3 requests succeeded")
}
