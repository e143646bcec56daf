package agents

import (
	"context"
	"net/url"

	. "github.com/QUIC-Tracker/quic-interop"
	"github.com/QUIC-Tracker/quic-interop/storage"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// A Runner fetches a batch of resources as a client, following the connection grouping of its profile.
type Runner struct {
	Dialer    Dialer
	Downloads *storage.Downloads
	Profile   *ScenarioProfile
	Events    *Broadcaster
	Logger    *logrus.Entry
}

// Run partitions the resources into connection groups and fetches every group. A carved-out first group runs to
// completion, its session closed, before any other group starts. The other groups run concurrently. Failures are
// recorded in the trace and never interrupt sibling groups.
func (r *Runner) Run(ctx context.Context, resources []*url.URL, trace *Trace) ProcessOutcome {
	logger := r.logger()
	groups := Partition(resources, r.Profile)
	logger.Infof("Running scenario %s: %d resources over %d connections", r.Profile.Name, len(resources), len(groups))
	if logger.Logger.IsLevelEnabled(logrus.DebugLevel) {
		logger.Debugf("Profile: %s", spew.Sdump(r.Profile))
	}

	aggregator := NewAggregator(trace)
	if len(groups) > 0 && groups[0].Sequential {
		aggregator.Add(r.RunGroup(ctx, groups[0])...)
		groups = groups[1:]
	}
	for _, g := range groups {
		g := g
		aggregator.Go(func() []RequestUnit { return r.RunGroup(ctx, g) })
	}
	return aggregator.Wait()
}

// RunGroup fetches the resources of one group over one session and returns once the session is closed.
func (r *Runner) RunGroup(ctx context.Context, group ConnectionGroup) []RequestUnit {
	session := NewSession(ClientRole, group, r.Profile, r.Events, r.logger())
	handshake := &HandshakeAgent{Dialer: r.Dialer}
	connAgents := AttachAgentsToSession(session, handshake)

	if err := handshake.Establish(ctx); err != nil {
		connAgents.StopAll()
		units := make([]RequestUnit, len(group.Resources))
		for i, res := range group.Resources {
			units[i] = NewRequestUnit(res.String(), group.Index)
			units[i].Fail(&StreamFailure{StreamID: -1, Resource: units[i].Resource, Err: err})
		}
		return units
	}

	http := &HTTP09Agent{Downloads: r.Downloads}
	connAgents.Add(http)

	var responses []chan RequestUnit
	for _, res := range group.Resources {
		responses = append(responses, http.SendRequest(ctx, res))
	}
	units := make([]RequestUnit, 0, len(responses))
	for _, c := range responses {
		units = append(units, <-c)
	}

	code, reason := NoError, ""
	if err := session.AwaitConfirmation(ctx); err != nil {
		code, reason = EarlyDataAborted, err.Error()
	}
	if err := connAgents.CloseSession(code, reason); err != nil {
		session.Logger.WithError(err).Debug("Error while closing the session")
	}
	return units
}

func (r *Runner) logger() *logrus.Entry {
	if r.Logger == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return r.Logger
}
