package offline

import (
	"sync"
	"time"
)

// Message types sent to application instances.
const (
	MessageSyncComplete = "SYNC_COMPLETE"
	MessageActivated    = "ACTIVATED"
)

// Message is one notification to all open application instances.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Succeeded int       `json:"succeeded,omitempty"`
	Failed    int       `json:"failed,omitempty"`
}

// Broadcaster fans a Message out to every subscriber.
// Publish never blocks: a subscriber that is not keeping up misses messages
// rather than stalling the publisher.
type Broadcaster struct {
	mutex sync.Mutex
	subs  map[chan Message]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs: make(map[chan Message]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called when the subscriber goes away.
func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 8)
	b.mutex.Lock()
	b.subs[ch] = struct{}{}
	b.mutex.Unlock()
	cancel := func() {
		b.mutex.Lock()
		delete(b.subs, ch)
		b.mutex.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Publish(msg Message) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
}
