package interop

import (
	"context"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

func IsBidi(streamId uint64) bool   { return streamId&2 == 0 }
func IsUni(streamId uint64) bool    { return streamId&2 == 2 }
func IsClient(streamId uint64) bool { return streamId&1 == 0 }
func IsServer(streamId uint64) bool { return streamId&1 == 1 }

func IsBidiClient(streamId uint64) bool { return IsBidi(streamId) && IsClient(streamId) }
func IsBidiServer(streamId uint64) bool { return IsBidi(streamId) && IsServer(streamId) }

// GetMaxBidiClient returns the id of the n-th client-initiated bidirectional stream.
func GetMaxBidiClient(n uint64) uint64 { return 0 + n*4 }
func GetMaxBidiServer(n uint64) uint64 { return 1 + n*4 }

// A StreamHandle is the arena entry of one stream task. The task owning the stream marks it done when it is
// finished with it, whatever the outcome.
type StreamHandle struct {
	ID       int64
	Resource string
	stream   Stream
	streams  *Streams
	once     sync.Once
}

func (h *StreamHandle) Stream() Stream { return h.stream }

func (h *StreamHandle) Done() {
	h.once.Do(func() { h.streams.release(h.ID) })
}

// Streams is the arena of the stream tasks running on one session, indexed by stream id. The session uses it to
// wait for its streams before closing, or to cancel them all at once.
type Streams struct {
	lock    sync.Mutex
	handles map[int64]*StreamHandle
	open    mapset.Set[int64]
	opened  int
	idle    chan struct{}
}

func NewStreams() *Streams {
	s := &Streams{
		handles: make(map[int64]*StreamHandle),
		open:    mapset.NewThreadUnsafeSet[int64](),
		idle:    make(chan struct{}),
	}
	close(s.idle)
	return s
}

func (s *Streams) Add(stream Stream, resource string) *StreamHandle {
	h := &StreamHandle{ID: stream.StreamID(), Resource: resource, stream: stream, streams: s}
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.open.Cardinality() == 0 {
		s.idle = make(chan struct{})
	}
	s.handles[h.ID] = h
	s.open.Add(h.ID)
	s.opened++
	return h
}

func (s *Streams) release(id int64) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if !s.open.Contains(id) {
		return
	}
	s.open.Remove(id)
	if s.open.Cardinality() == 0 {
		close(s.idle)
	}
}

func (s *Streams) Get(id int64) (*StreamHandle, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Open returns the ids of the streams whose tasks are still running, in ascending order.
func (s *Streams) Open() []int64 {
	s.lock.Lock()
	ids := s.open.ToSlice()
	s.lock.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Opened is the number of streams ever added to the arena.
func (s *Streams) Opened() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.opened
}

// Wait blocks until no stream task is running.
func (s *Streams) Wait(ctx context.Context) error {
	for {
		s.lock.Lock()
		idle := s.idle
		s.lock.Unlock()
		select {
		case <-idle:
			s.lock.Lock()
			done := s.open.Cardinality() == 0
			s.lock.Unlock()
			if done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelAll aborts both directions of every stream still running. The owning tasks observe the cancellation as an
// error on their next read or write and mark their handle done.
func (s *Streams) CancelAll(code uint64) {
	s.lock.Lock()
	var handles []*StreamHandle
	for _, id := range s.open.ToSlice() {
		handles = append(handles, s.handles[id])
	}
	s.lock.Unlock()
	for _, h := range handles {
		h.stream.CancelWrite(code)
		h.stream.CancelRead(code)
	}
}
