package interop

import (
	"sync"

	"github.com/dustin/go-broadcast"
)

// Broadcaster fans events out to every registered channel, in submission order.
type Broadcaster struct {
	broadcast.Broadcaster
	lock     sync.Mutex
	channels []chan interface{}
}

func NewBroadcaster(buflen int) *Broadcaster {
	return &Broadcaster{Broadcaster: broadcast.NewBroadcaster(buflen)}
}

func (b *Broadcaster) RegisterNewChan(size int) chan interface{} {
	c := make(chan interface{}, size)
	b.lock.Lock()
	b.channels = append(b.channels, c)
	b.lock.Unlock()
	b.Register(c)
	return c
}

// Submit is a no-op on a nil Broadcaster, so that observers stay optional.
func (b *Broadcaster) Submit(m interface{}) {
	if b == nil {
		return
	}
	b.Broadcaster.Submit(m)
}

// Sync returns once every event submitted before the call has been delivered to c, which must have been obtained
// from RegisterNewChan. Events read from c in the meantime are handed to consume.
func (b *Broadcaster) Sync(c chan interface{}, consume func(interface{})) {
	marker := &syncMarker{}
	b.Submit(marker)
	for i := range c {
		if i == marker {
			return
		}
		if _, ok := i.(*syncMarker); ok {
			continue
		}
		consume(i)
	}
}

type syncMarker struct{ seq int }

func (b *Broadcaster) Close() error {
	b.lock.Lock()
	channels := b.channels
	b.channels = nil
	b.lock.Unlock()
	for _, c := range channels {
		b.Unregister(c)
	}
	return b.Broadcaster.Close()
}
