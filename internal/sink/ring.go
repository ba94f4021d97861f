package sink

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ringCapacity, batchSize, flushInterval, and spinSleep size the ring
// buffer: a 10240-slot ring, batches of 5 or 1s, millisecond-scale
// spin-sleep on full/empty.
const (
	ringCapacity  = 10240
	batchSize     = 5
	flushInterval = time.Second
	spinSleep     = time.Millisecond
)

var errRingClosed = errors.New("sink: ring is closed")

// RingSink buffers items in a fixed-size ring and flushes them in
// batches on a dedicated goroutine, decoupling a slow downstream (flush)
// from the caller of Write. It underlies KafkaSink but takes flush as a
// plain function so it can be reused by any batching sink.
type RingSink struct {
	log   *zap.Logger
	flush func(batch []string) error

	mu                 sync.Mutex
	buf                []string
	head, tail, length int

	closeOnce sync.Once
	done      chan struct{}
	stopped   chan struct{}
}

// NewRingSink starts the flush goroutine immediately; Close must be
// called to stop it and flush anything still buffered.
func NewRingSink(log *zap.Logger, flush func(batch []string) error) *RingSink {
	r := &RingSink{
		log:     log,
		flush:   flush,
		buf:     make([]string, ringCapacity),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

// Write blocks, spin-sleeping, until there is room in the ring. It
// returns errRingClosed if Close is called while a writer is waiting.
func (r *RingSink) Write(channel string, item string) error {
	for {
		r.mu.Lock()
		if r.length < ringCapacity {
			r.buf[r.tail] = item
			r.tail = (r.tail + 1) % ringCapacity
			r.length++
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-r.done:
			return errRingClosed
		default:
		}
		time.Sleep(spinSleep)
	}
}

func (r *RingSink) pop() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.length == 0 {
		return "", false
	}
	item := r.buf[r.head]
	r.buf[r.head] = ""
	r.head = (r.head + 1) % ringCapacity
	r.length--
	return item, true
}

func (r *RingSink) run() {
	defer close(r.stopped)
	batch := make([]string, 0, batchSize)
	lastFlush := time.Now()

	for {
		item, ok := r.pop()
		if ok {
			batch = append(batch, item)
		} else {
			select {
			case <-r.done:
				for {
					item, ok := r.pop()
					if !ok {
						break
					}
					batch = append(batch, item)
				}
				r.flushIfAny(batch)
				return
			default:
			}
			time.Sleep(spinSleep)
		}

		if len(batch) >= batchSize || time.Since(lastFlush) >= flushInterval {
			r.flushIfAny(batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}
	}
}

func (r *RingSink) flushIfAny(batch []string) {
	if len(batch) == 0 {
		return
	}
	toFlush := make([]string, len(batch))
	copy(toFlush, batch)
	if err := r.flush(toFlush); err != nil {
		r.log.Warn("ring sink: flush failed", zap.Int("batchSize", len(toFlush)), zap.Error(err))
	}
}

// Close stops the flush goroutine after it drains and flushes whatever
// remains buffered. It blocks until that final flush completes.
func (r *RingSink) Close() {
	r.closeOnce.Do(func() { close(r.done) })
	<-r.stopped
}
