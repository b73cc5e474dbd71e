// Package inproc is an in-process topic bus backing the default Pub/Sub
// Gateway backend, built directly on github.com/cskr/pubsub — the same
// library backing the teacher's production Hub (domain.Context.Hub
// *pubsub.PubSub).
package inproc

import (
	"encoding/json"
	"sync"

	cskrpubsub "github.com/cskr/pubsub"

	"github.com/wskit-go/wskit/logger"
	"github.com/wskit-go/wskit/pubsub"
)

// subscriberBufferSize is the per-subscriber channel capacity passed to
// cskr/pubsub.New, matching the buffer size the hand-rolled bus used
// before it was wired onto cskr/pubsub.
const subscriberBufferSize = 64

// Bus is an in-process publish/subscribe hub. Sub returns a channel of raw
// published bytes; Pub fans out to every subscriber of a topic, dropping
// the message for a subscriber whose channel is full rather than blocking
// the publisher. Internally this adapts cskr/pubsub.PubSub's chan
// interface{} surface and its any-typed Pub(msg, topics...) argument order
// to the typed []byte envelopes pubsub.Backend moves, and layers exact
// per-topic subscriber counts on top since PubSub itself does not expose
// them.
type Bus struct {
	ps *cskrpubsub.PubSub

	mu     sync.Mutex
	raw    map[chan []byte]chan interface{}
	counts map[string]int
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		ps:     cskrpubsub.New(subscriberBufferSize),
		raw:    make(map[chan []byte]chan interface{}),
		counts: make(map[string]int),
	}
}

// Sub returns a buffered channel that receives every message published to
// any of topics.
func (b *Bus) Sub(topics ...string) chan []byte {
	rawCh := b.ps.Sub(topics...)
	out := make(chan []byte, subscriberBufferSize)

	b.mu.Lock()
	b.raw[out] = rawCh
	for _, topic := range topics {
		b.counts[topic]++
	}
	b.mu.Unlock()

	go func() {
		defer func() {
			close(out)
			b.mu.Lock()
			delete(b.raw, out)
			b.mu.Unlock()
		}()
		for msg := range rawCh {
			data, ok := msg.([]byte)
			if !ok {
				continue
			}
			select {
			case out <- data:
			default:
				logger.Debug("inproc: dropping message for slow subscriber")
			}
		}
	}()
	return out
}

// Unsub removes ch from topics, delegating to PubSub.Unsub on the
// underlying raw channel. cskr/pubsub closes the raw channel once it is no
// longer subscribed to anything (or immediately when topics is empty),
// which in turn drains and closes ch via the forwarding goroutine started
// in Sub.
func (b *Bus) Unsub(ch chan []byte, topics ...string) {
	b.mu.Lock()
	rawCh, ok := b.raw[ch]
	if !ok {
		b.mu.Unlock()
		return
	}
	for _, topic := range topics {
		if b.counts[topic] > 0 {
			b.counts[topic]--
			if b.counts[topic] == 0 {
				delete(b.counts, topic)
			}
		}
	}
	b.mu.Unlock()
	b.ps.Unsub(rawCh, topics...)
}

// Pub delivers data to every subscriber of topic via PubSub.TryPub, which
// does not block the publisher when a subscriber's channel is full.
func (b *Bus) Pub(topic string, data []byte) int {
	b.mu.Lock()
	matched := b.counts[topic]
	b.mu.Unlock()
	b.ps.TryPub(data, topic)
	return matched
}

// SubscriberCount reports how many channels are currently subscribed to
// topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[topic]
}

// Shutdown stops the underlying PubSub dispatch goroutine and closes every
// subscriber channel. No further Sub/Pub/Unsub calls are valid afterward.
func (b *Bus) Shutdown() {
	b.ps.Shutdown()
}

// Backend adapts a Bus to pubsub.Backend, reporting exact subscriber counts
// since Bus always knows them precisely.
type Backend struct {
	bus *Bus
}

// NewBackend wraps bus as a pubsub.Backend.
func NewBackend(bus *Bus) *Backend {
	return &Backend{bus: bus}
}

// Publish implements pubsub.Backend.
func (b *Backend) Publish(topic string, data []byte) (pubsub.PublishReport, error) {
	matched := b.bus.Pub(topic, data)
	return pubsub.PublishReport{Capability: pubsub.CapabilityExact, Matched: matched}, nil
}

// Topic is a typed convenience wrapper identifying a bus topic by name and
// payload type, mirroring a generic Topic[T]/Publish[T] layer over the
// untyped Sub/Pub/Unsub surface.
type Topic[T any] struct {
	Name string
}

// NewTopic constructs a typed Topic handle.
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

// Publish marshals data as JSON and publishes it on topic, catching
// publisher type mismatches at compile time the way the teacher's
// Publish[T]/EventBus pair does for its any-typed channels.
func Publish[T any](bus *Bus, topic Topic[T], data T) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	bus.Pub(topic.Name, raw)
	return nil
}

// Subscribe returns a channel of decoded T values for topic and a remover
// function. Messages that fail to decode as T are logged and dropped
// rather than delivered as zero values.
func Subscribe[T any](bus *Bus, topic Topic[T]) (<-chan T, func()) {
	raw := bus.Sub(topic.Name)
	out := make(chan T, cap(raw))
	go func() {
		defer close(out)
		for data := range raw {
			var v T
			if err := json.Unmarshal(data, &v); err != nil {
				logger.Debug("inproc: dropping undecodable message on topic %q: %v", topic.Name, err)
				continue
			}
			out <- v
		}
	}()
	return out, func() { bus.Unsub(raw, topic.Name) }
}
