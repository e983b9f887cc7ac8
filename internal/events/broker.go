package events

import "sync"

// subscriberBufferSize is the channel buffer for each subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 256

// Broker fans events out to live subscribers, per run and across all runs.
// It is a Sink and is safe for concurrent use.
//
// Finished runs are retained as closed markers so that late subscribers get
// a closed channel instead of blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	all    *topic
}

type topic struct {
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newTopic() *topic {
	return &topic{subs: make(map[int]chan Event)}
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		all:    newTopic(),
	}
}

// Subscribe returns a channel receiving the events of runID, or of every run
// when runID is empty, and an unsubscribe function. Subscribing to a finished
// run returns a closed channel.
func (b *Broker) Subscribe(runID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.all
	if runID != "" {
		var ok bool
		t, ok = b.topics[runID]
		if !ok {
			t = newTopic()
			b.topics[runID] = t
		}
	}

	ch := make(chan Event, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(c)
		}
	}
}

// Emit publishes e to the subscribers of its run and to the all-runs
// subscribers. A terminal event closes the run's topic.
func (b *Broker) Emit(e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	publish(b.all, e)

	t, ok := b.topics[e.RunID]
	if !ok {
		t = newTopic()
		b.topics[e.RunID] = t
	}
	if t.closed {
		return nil
	}
	publish(t, e)

	if e.Type.IsTerminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
	return nil
}

func publish(t *topic, e Event) {
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Drop for slow subscribers to avoid blocking execution.
		}
	}
}
