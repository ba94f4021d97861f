// Package sink implements the downstream delivery side of the agent:
// a named-channel registry of write targets, a ring-buffered batching
// sink, and the Kafka sink built on top of it.
package sink

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Sink is a named downstream destination for already-encoded envelopes.
// Write must not block the caller indefinitely; a sink that needs
// backpressure should buffer internally (see RingSink).
type Sink interface {
	Write(channel string, item string) error
}

// Registry is the channel -> Sink lookup every Task's Output field names.
// A channel is registered at most once; re-registration is a no-op.
type Registry struct {
	log      *zap.Logger
	mu       sync.Mutex
	sinks    map[string]Sink
	newKafka func(channel string) (Sink, error)
}

// NewRegistry returns a Registry pre-populated with "fake" and "counter"
// channels, always available without any control-plane configuration.
func NewRegistry(log *zap.Logger) *Registry {
	r := &Registry{log: log, sinks: make(map[string]Sink)}
	r.Register("fake", NewFakeSink(log))
	r.Register("counter", NewCounterSink(log))
	r.newKafka = func(channel string) (Sink, error) { return NewKafkaSink(log, channel) }
	return r
}

// Register associates channel with s, unless a sink is already registered
// under that name.
func (r *Registry) Register(channel string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sinks[channel]; exists {
		return
	}
	r.sinks[channel] = s
}

// Contains reports whether channel already has a registered sink.
func (r *Registry) Contains(channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sinks[channel]
	return ok
}

// SetKafkaFactory overrides how EnsureKafka constructs a Kafka sink.
// Tests use this to avoid dialing a real broker; production code never
// needs to call it.
func (r *Registry) SetKafkaFactory(factory func(channel string) (Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newKafka = factory
}

// EnsureKafka lazily registers a Kafka sink for channel when channel
// names one (begins with "kafka") and isn't already registered. Called
// before a control-plane Task naming that channel is enqueued.
func (r *Registry) EnsureKafka(channel string) error {
	if !strings.HasPrefix(channel, "kafka") {
		return nil
	}
	if r.Contains(channel) {
		return nil
	}
	s, err := r.newKafka(channel)
	if err != nil {
		return err
	}
	r.Register(channel, s)
	return nil
}

// Write delivers item to channel's sink. A missing channel or a sink
// write failure is logged and dropped here, never retried or propagated:
// a slow or broken downstream must never stall the Tailer that called
// this.
func (r *Registry) Write(channel string, item string) error {
	r.mu.Lock()
	s, ok := r.sinks[channel]
	r.mu.Unlock()
	if !ok {
		if item != "" {
			r.log.Warn("sink: channel not registered, dropping item", zap.String("channel", channel))
		}
		return nil
	}
	if err := s.Write(channel, item); err != nil {
		r.log.Warn("sink: write failed", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}
