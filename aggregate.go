package interop

import (
	"sync"

	"golang.org/x/sync/errgroup"
)

// An Aggregator collects the units produced by concurrently running tasks into a Trace. Tasks never fail as such:
// whatever goes wrong is recorded in the units they return.
type Aggregator struct {
	trace *Trace
	group errgroup.Group
	once  sync.Once
}

func NewAggregator(trace *Trace) *Aggregator {
	return &Aggregator{trace: trace}
}

func (a *Aggregator) Go(task func() []RequestUnit) {
	a.group.Go(func() error {
		a.trace.AddUnits(task()...)
		return nil
	})
}

// Add records units produced outside of any task, such as those of a group that could not be dialed.
func (a *Aggregator) Add(units ...RequestUnit) {
	a.trace.AddUnits(units...)
}

// Wait blocks until every task has returned and computes the outcome of the run. The trace is completed on the
// first call only.
func (a *Aggregator) Wait() ProcessOutcome {
	a.group.Wait()
	a.once.Do(func() { a.trace.Complete() })
	return a.trace.Outcome()
}
