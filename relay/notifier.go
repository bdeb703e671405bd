package relay

import (
	"sync"
	"sync/atomic"

	"smsrelay/metrics"
)

// Notifier fans out state-changed signals. Slow subscribers miss signals
// rather than block the dispatcher.
type Notifier struct {
	metrics *metrics.Metrics
	count   atomic.Int64

	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

// NewNotifier creates a Notifier.
func NewNotifier(m *metrics.Metrics) *Notifier {
	return &Notifier{
		metrics: m,
		subs:    make(map[int]chan struct{}),
	}
}

// StateChanged records and broadcasts one state change.
func (n *Notifier) StateChanged() {
	n.count.Add(1)
	n.metrics.StateChanged()

	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Count reports how many state changes have been signalled.
func (n *Notifier) Count() int64 {
	return n.count.Load()
}

// Subscribe returns a channel that receives a value per state change (best
// effort, buffer 1) and a function that unsubscribes and closes it.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
			close(ch)
		})
	}
}
