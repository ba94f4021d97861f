package sink

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// FakeSink records every item it receives, for tests to assert against.
// It is always registered under the "fake" channel name so tests never
// need to stand up a real downstream sink.
type FakeSink struct {
	log *zap.Logger

	mu       sync.Mutex
	messages []string
}

// NewFakeSink constructs an empty FakeSink.
func NewFakeSink(log *zap.Logger) *FakeSink {
	return &FakeSink{log: log}
}

// Write appends item to the recorded messages.
func (f *FakeSink) Write(channel string, item string) error {
	f.mu.Lock()
	f.messages = append(f.messages, item)
	f.mu.Unlock()
	f.log.Debug("fake sink received item", zap.String("channel", channel))
	return nil
}

// Messages returns a copy of every item recorded so far.
func (f *FakeSink) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.messages))
	copy(out, f.messages)
	return out
}

// CounterSink only counts items, logging every 10000th write. It exists
// for load testing a pipeline without paying for message storage.
type CounterSink struct {
	log   *zap.Logger
	count uint64
}

// NewCounterSink constructs a CounterSink starting at zero.
func NewCounterSink(log *zap.Logger) *CounterSink {
	return &CounterSink{log: log}
}

// Write increments the counter.
func (c *CounterSink) Write(channel string, item string) error {
	n := atomic.AddUint64(&c.count, 1)
	if n%10000 == 0 {
		c.log.Info("counter sink milestone", zap.Uint64("count", n))
	}
	return nil
}

// Count returns the number of items written so far.
func (c *CounterSink) Count() uint64 {
	return atomic.LoadUint64(&c.count)
}
