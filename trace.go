package interop

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

type UnitStatus int

const (
	Pending UnitStatus = iota
	InFlight
	Succeeded
	Failed
)

func (s UnitStatus) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("UnitStatus(%d)", int(s))
}

func (s UnitStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// A RequestUnit is one requested resource and what happened to it. It is owned by the stream task processing it
// until that task hands it to the Trace.
type RequestUnit struct {
	Resource         string     `json:"resource"`
	Group            int        `json:"group"`
	StreamID         int64      `json:"stream_id"`
	Status           UnitStatus `json:"status"`
	Cause            error      `json:"-"`
	BytesTransferred int64      `json:"bytes_transferred"`
}

func NewRequestUnit(resource string, group int) RequestUnit {
	return RequestUnit{Resource: resource, Group: group, StreamID: -1, Status: Pending}
}

func (u *RequestUnit) Succeed(n int64) {
	u.Status = Succeeded
	u.BytesTransferred = n
	u.Cause = nil
}

func (u *RequestUnit) Fail(cause error) {
	u.Status = Failed
	u.Cause = cause
}

func (u RequestUnit) MarshalJSON() ([]byte, error) {
	type unit RequestUnit
	out := struct {
		unit
		Error string `json:"error,omitempty"`
	}{unit: unit(u)}
	if u.Cause != nil {
		out.Error = u.Cause.Error()
	}
	return json.Marshal(out)
}

type StateChange struct {
	State SessionState `json:"state"`
	At    int64        `json:"at"` // milliseconds since the trace started
	Error string       `json:"error,omitempty"`
}

type SessionRecord struct {
	ID      string        `json:"id"`
	Group   int           `json:"group"`
	Role    Role          `json:"role"`
	History []StateChange `json:"history"`
}

// ServerStats counts what a server did with the streams it accepted.
type ServerStats struct {
	Connections int `json:"connections"`
	Served      int `json:"served"`
	NotFound    int `json:"not_found"`
	Malformed   int `json:"malformed"`
	Unsupported int `json:"unsupported"`
	Failed      int `json:"failed"`
}

// Trace is the record of one run, for either role.
type Trace struct {
	Scenario  string           `json:"scenario"`
	Role      Role             `json:"role"`
	StartedAt int64            `json:"started_at"`
	Duration  uint64           `json:"duration"`
	ErrorCode int              `json:"error_code"`
	Units     []RequestUnit    `json:"units,omitempty"`
	Sessions  []*SessionRecord `json:"sessions,omitempty"`
	Server    *ServerStats     `json:"server,omitempty"`

	lock     sync.Mutex
	start    time.Time
	sessions map[string]*SessionRecord
	events   *Broadcaster
	input    chan interface{}
	marker   *syncMarker
	recorded chan struct{}
}

func NewTrace(scenario string, role Role) *Trace {
	now := time.Now()
	t := &Trace{
		Scenario:  scenario,
		Role:      role,
		StartedAt: now.Unix(),
		start:     now,
		sessions:  make(map[string]*SessionRecord),
	}
	if role == ServerRole {
		t.Server = new(ServerStats)
	}
	return t
}

// AttachTo records every SessionEvent submitted on events until Complete is called.
func (t *Trace) AttachTo(events *Broadcaster) {
	t.events = events
	t.input = events.RegisterNewChan(1000)
	t.marker = &syncMarker{seq: -1}
	t.recorded = make(chan struct{})
	marker := t.marker
	go func() {
		defer close(t.recorded)
		for i := range t.input {
			if i == marker {
				return
			}
			if e, ok := i.(SessionEvent); ok {
				t.record(e)
			}
		}
	}()
}

func (t *Trace) record(e SessionEvent) {
	t.lock.Lock()
	defer t.lock.Unlock()
	r, ok := t.sessions[e.Session]
	if !ok {
		r = &SessionRecord{ID: e.Session, Group: e.Group, Role: e.Role}
		t.sessions[e.Session] = r
		t.Sessions = append(t.Sessions, r)
	}
	change := StateChange{State: e.State, At: e.At.Sub(t.start).Milliseconds()}
	if e.Err != nil {
		change.Error = e.Err.Error()
	}
	r.History = append(r.History, change)
}

func (t *Trace) AddUnits(units ...RequestUnit) {
	t.lock.Lock()
	t.Units = append(t.Units, units...)
	t.lock.Unlock()
}

// CountServed updates the server counters under the trace lock.
func (t *Trace) CountServed(update func(s *ServerStats)) {
	t.lock.Lock()
	if t.Server == nil {
		t.Server = new(ServerStats)
	}
	update(t.Server)
	t.lock.Unlock()
}

// Complete stops recording, flushes the pending session events and computes the outcome of the run.
func (t *Trace) Complete() ProcessOutcome {
	if t.events != nil {
		t.events.Submit(t.marker)
		<-t.recorded
		t.events.Unregister(t.input)
		t.events = nil
	}

	t.lock.Lock()
	t.Duration = uint64(time.Since(t.start).Milliseconds())
	sort.SliceStable(t.Units, func(i, j int) bool { return t.Units[i].Group < t.Units[j].Group })
	sort.SliceStable(t.Sessions, func(i, j int) bool { return t.Sessions[i].Group < t.Sessions[j].Group })
	t.lock.Unlock()

	outcome := t.Outcome()
	t.lock.Lock()
	t.ErrorCode = outcome.ExitCode()
	t.lock.Unlock()
	return outcome
}

// Outcome counts the units recorded so far.
func (t *Trace) Outcome() ProcessOutcome {
	t.lock.Lock()
	defer t.lock.Unlock()
	outcome := ProcessOutcome{}
	for _, u := range t.Units {
		if u.Status == Succeeded {
			outcome.Succeeded++
		} else {
			outcome.Failed++
			outcome.Failures = append(outcome.Failures, u)
		}
	}
	return outcome
}

func (t *Trace) WriteJSON(w io.Writer) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(t)
}

// ProcessOutcome is the aggregate result of a run.
type ProcessOutcome struct {
	Succeeded int
	Failed    int
	Failures  []RequestUnit
}

func (o ProcessOutcome) OK() bool { return o.Failed == 0 }

func (o ProcessOutcome) ExitCode() int {
	if o.OK() {
		return ExitOK
	}
	return ExitUnitsFailed
}

// Print writes a human readable summary, one line per failed unit.
func (o ProcessOutcome) Print(w io.Writer) {
	ok := color.New(color.FgGreen, color.Bold)
	ko := color.New(color.FgRed, color.Bold)
	for _, u := range o.Failures {
		ko.Fprint(w, "  FAILED: ")
		fmt.Fprintf(w, "%s (group %d): %v\n", u.Resource, u.Group, u.Cause)
	}
	if o.OK() {
		ok.Fprintf(w, "All %d requests succeeded\n", o.Succeeded)
	} else {
		ko.Fprintf(w, "%d of %d requests failed\n", o.Failed, o.Succeeded+o.Failed)
	}
}
