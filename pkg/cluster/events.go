package cluster

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventPeersReloaded EventType = "peers_reloaded"
	EventHealthChanged EventType = "health_changed"
)

// Event describes a change observed by the node. Only the fields relevant to
// the event type are populated.
type Event struct {
	Type EventType
	At   time.Time
	// Peers is the new peer list for EventPeersReloaded.
	Peers []string
	// Status and Previous are cluster verdicts for EventHealthChanged.
	Status   string
	Previous string
}

// Subscribe returns a channel of events. The channel is buffered and closed
// when ctx is done. Events are dropped for slow consumers.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	c.eb.add(ch)
	go func() {
		<-ctx.Done()
		c.eb.remove(ch)
		close(ch)
	}()
	return ch
}

type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	delete(e.subs, ch)
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
