// Package tailer owns the set of currently-open log files and pumps their
// newly appended bytes into a sink, wrapped in the wire envelope.
package tailer

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/pod"
)

const envelopeVersion = "v1.0.0"

// PodOffsets is the slice of PodStore a Tailer needs: it never calls
// Update — the caller that decides a Pod should run or stop owns that
// transition — only IncrOffset and, on RemoveEvent, Delete.
type PodOffsets interface {
	IncrOffset(path string, lastOffset int64)
	Delete(path string)
}

// Sink is the narrow write capability a Tailer needs from a sink
// registry: a channel name and an already-encoded payload.
type Sink interface {
	Write(channel string, payload string) error
}

type openFile struct {
	poke chan struct{}
	done chan struct{}
}

// Tailer is the "FileReaderWriter": for each open path it owns exactly one
// reader goroutine and one file handle.
type Tailer struct {
	log   *zap.Logger
	pods  PodOffsets
	sinks Sink

	mu        sync.Mutex
	openFiles map[string]openFile
}

// New constructs a Tailer bound to pods for offset bookkeeping and sinks
// for envelope delivery.
func New(log *zap.Logger, pods PodOffsets, sinks Sink) *Tailer {
	return &Tailer{
		log:       log,
		pods:      pods,
		sinks:     sinks,
		openFiles: make(map[string]openFile),
	}
}

// IsOpen reports whether p.Path currently has a live reader.
func (t *Tailer) IsOpen(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.openFiles[path]
	return ok
}

// OpenEvent opens p.Path if it isn't already open; otherwise a no-op.
func (t *Tailer) OpenEvent(p pod.Pod) {
	t.open(p)
}

// CloseEvent terminates the reader for p.Path, if any, and evicts it from
// openFiles. The PodStore row itself is left alone.
func (t *Tailer) CloseEvent(p pod.Pod) {
	t.evict(p.Path)
}

// RemoveEvent is CloseEvent plus telling PodStore to forget the row
// entirely — used when the underlying container has disappeared.
func (t *Tailer) RemoveEvent(p pod.Pod) {
	t.evict(p.Path)
	t.pods.Delete(p.Path)
}

// WriteEvent pokes the reader for p.Path if it is open; if not open, the
// notification is dropped — a write to a file nobody is tailing yet is
// simply missed until whatever opens it drains from the current offset.
func (t *Tailer) WriteEvent(p pod.Pod) {
	t.mu.Lock()
	of, ok := t.openFiles[p.Path]
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case of.poke <- struct{}{}:
	default:
		// a poke is already pending; the reader will see the latest EOF
		// when it wakes, so coalescing is safe.
	}
}

func (t *Tailer) evict(path string) {
	t.mu.Lock()
	of, ok := t.openFiles[path]
	if ok {
		delete(t.openFiles, path)
	}
	t.mu.Unlock()
	if ok {
		close(of.done)
	}
}

// open holds t.mu from the membership check until the reader is
// registered, so concurrent OpenEvents for one path start one reader.
func (t *Tailer) open(p pod.Pod) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.openFiles[p.Path]; exists {
		return
	}

	f, err := os.Open(p.Path)
	if err != nil {
		t.log.Warn("tailer: failed to open log file", zap.String("path", p.Path), zap.Error(err))
		return
	}
	if _, err := f.Seek(p.Offset, io.SeekStart); err != nil {
		t.log.Warn("tailer: failed to seek", zap.String("path", p.Path), zap.Int64("offset", p.Offset), zap.Error(err))
		f.Close()
		return
	}

	lr := &lineReader{f: f}
	lines, consumed, err := lr.readAvailableLines()
	if err != nil {
		t.log.Warn("tailer: failed to drain log file", zap.String("path", p.Path), zap.Error(err))
	}
	for _, line := range lines {
		t.deliver(p, line)
	}
	if consumed > 0 {
		t.pods.IncrOffset(p.Path, consumed)
	}

	of := openFile{poke: make(chan struct{}, 1), done: make(chan struct{})}
	t.openFiles[p.Path] = of

	go t.readLoop(p, lr, of)
}

func (t *Tailer) readLoop(p pod.Pod, lr *lineReader, of openFile) {
	defer lr.f.Close()
	for {
		select {
		case <-of.done:
			return
		case <-of.poke:
			lines, consumed, err := lr.readAvailableLines()
			if err != nil {
				t.log.Warn("tailer: read error", zap.String("path", p.Path), zap.Error(err))
				continue
			}
			for _, line := range lines {
				t.deliver(p, line)
			}
			if consumed > 0 {
				t.pods.IncrOffset(p.Path, consumed)
			}
		}
	}
}

func (t *Tailer) deliver(p pod.Pod, line string) {
	encoded := encode(p, line)
	if encoded == "" {
		return
	}
	if err := t.sinks.Write(p.Output, encoded); err != nil {
		t.log.Warn("tailer: sink write failed", zap.String("channel", p.Output), zap.String("path", p.Path), zap.Error(err))
	}
}

type envelope struct {
	Custom  envelopeCustom `json:"custom"`
	Message string         `json:"message"`
}

type envelopeCustom struct {
	NodeID      string   `json:"nodeId"`
	Container   string   `json:"container"`
	ServiceName string   `json:"serviceName"`
	IPs         []string `json:"ips"`
	Version     string   `json:"version"`
}

// encode wraps line in the wire envelope. An empty line encodes to an
// empty string, which deliver treats as "nothing to write".
func encode(p pod.Pod, line string) string {
	if line == "" {
		return ""
	}
	env := envelope{
		Custom: envelopeCustom{
			NodeID:      p.PodName,
			Container:   p.Container,
			ServiceName: p.ServiceName,
			IPs:         p.IPs,
			Version:     envelopeVersion,
		},
		Message: line,
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return ""
	}
	return string(raw)
}

// lineReader incrementally reads whole lines out of a file, holding any
// trailing partial line in buf across calls so a line split across two
// reads is never delivered early.
type lineReader struct {
	f   *os.File
	buf []byte
}

// readAvailableLines reads every byte currently available (up to the
// file's present EOF) and returns the complete lines among them. Bytes
// after the last newline are retained in buf for the next call.
func (lr *lineReader) readAvailableLines() (lines []string, consumed int64, err error) {
	chunk := make([]byte, 64*1024)
	for {
		n, readErr := lr.f.Read(chunk)
		if n > 0 {
			lr.buf = append(lr.buf, chunk[:n]...)
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return nil, 0, readErr
		}
		if n == 0 {
			break
		}
	}

	for {
		idx := bytes.IndexByte(lr.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(lr.buf[:idx+1])
		lines = append(lines, line)
		consumed += int64(len(line))
		lr.buf = lr.buf[idx+1:]
	}
	return lines, consumed, nil
}
