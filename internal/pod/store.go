package pod

import (
	"sync"

	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/bus"
	"github.com/yametech/harvest-agent/internal/queue"
)

// Event names dispatched on a Store's Bus.
const (
	EventInsert = "insert"
	EventOpen   = "open"
	EventClose  = "close"
)

type commandKind int

const (
	cmdInsert commandKind = iota
	cmdUpdate
	cmdDeleteByPath
	cmdDeleteByNsPod
	cmdIncrOffset
)

type command struct {
	kind       commandKind
	pod        Pod
	path       string
	namespace  string
	podName    string
	lastOffset int64
}

// Store is the authoritative map of log path to Pod. All mutations are
// serialized through a single consumer goroutine reading from an unbounded
// queue; reads take a short read lock directly against the map.
type Store struct {
	log *zap.Logger
	bus *bus.Bus[Pod]

	mu   sync.RWMutex
	pods map[string]Pod

	cmds *queue.Unbounded[command]
	done chan struct{}
}

// New constructs a Store and starts its consumer goroutine. Close must be
// called to stop it.
func New(log *zap.Logger) *Store {
	s := &Store{
		log:  log,
		bus:  bus.New[Pod](func(name string, err error) { log.Error("pod store listener panic", zap.String("event", name), zap.Error(err)) }),
		pods: make(map[string]Pod),
		cmds: queue.New[command](),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// OnInsert, OnOpen, OnClose register listeners for the Store's three
// dispatched events. They exist as typed convenience wrappers around
// Bus.Register so callers never need to know the string event names.
func (s *Store) OnInsert(l bus.Listener[Pod]) { s.bus.Register(EventInsert, l) }
func (s *Store) OnOpen(l bus.Listener[Pod])   { s.bus.Register(EventOpen, l) }
func (s *Store) OnClose(l bus.Listener[Pod])  { s.bus.Register(EventClose, l) }

// Insert posts a full Pod to be inserted under its Path. Fire-and-forget.
func (s *Store) Insert(p Pod) { s.cmds.Push(command{kind: cmdInsert, pod: p.Clone()}) }

// Update posts a partial Pod (identified by Path) to be merged into the
// existing entry, inserting it if absent. Fire-and-forget.
func (s *Store) Update(p Pod) { s.cmds.Push(command{kind: cmdUpdate, pod: p.Clone()}) }

// Delete posts removal of the Pod at path. Fire-and-forget.
func (s *Store) Delete(path string) { s.cmds.Push(command{kind: cmdDeleteByPath, path: path}) }

// DeleteByNsPod posts removal of every Pod matching (namespace, podName).
// Fire-and-forget.
func (s *Store) DeleteByNsPod(namespace, podName string) {
	s.cmds.Push(command{kind: cmdDeleteByNsPod, namespace: namespace, podName: podName})
}

// IncrOffset posts a byte-count increment for the Pod at path.
// Fire-and-forget.
func (s *Store) IncrOffset(path string, lastOffset int64) {
	s.cmds.Push(command{kind: cmdIncrOffset, path: path, lastOffset: lastOffset})
}

// Get returns the Pod at path, if present.
func (s *Store) Get(path string) (Pod, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pods[path]
	return p, ok
}

// SliceByNsPod returns every Pod currently matching (namespace, podName).
func (s *Store) SliceByNsPod(namespace, podName string) []Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Pod
	for _, p := range s.pods {
		if p.MatchesNsPod(namespace, podName) {
			out = append(out, p.Clone())
		}
	}
	return out
}

// Snapshot returns every Pod currently in the store, for the read API.
func (s *Store) Snapshot() []Pod {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pod, 0, len(s.pods))
	for _, p := range s.pods {
		out = append(out, p.Clone())
	}
	return out
}

// PodUploadStart sets IsUpload=true and State=Running on every Pod matching
// (namespace, podName) that is not already in that state.
func (s *Store) PodUploadStart(namespace, podName string) {
	for _, p := range s.SliceByNsPod(namespace, podName) {
		if p.IsUpload && p.State == StateRunning {
			continue
		}
		p.IsUpload = true
		p.State = StateRunning
		s.Update(p)
	}
}

// PodUploadStop sets IsUpload=false and State=Stopped on every Pod matching
// (namespace, podName).
func (s *Store) PodUploadStop(namespace, podName string) {
	for _, p := range s.SliceByNsPod(namespace, podName) {
		p.IsUpload = false
		p.State = StateStopped
		s.Update(p)
	}
}

// Close drains the in-flight command queue and stops the consumer
// goroutine. It blocks until the goroutine has exited.
func (s *Store) Close() {
	s.cmds.Close()
	<-s.done
}

func (s *Store) run() {
	defer close(s.done)
	for {
		cmd, ok := s.cmds.Pop()
		if !ok {
			return
		}
		s.apply(cmd)
	}
}

func (s *Store) apply(cmd command) {
	switch cmd.kind {
	case cmdInsert:
		s.mu.Lock()
		s.pods[cmd.pod.Path] = cmd.pod
		s.mu.Unlock()
		s.bus.Dispatch(EventInsert, cmd.pod)

	case cmdUpdate:
		s.mu.Lock()
		existing, present := s.pods[cmd.pod.Path]
		if !present {
			s.pods[cmd.pod.Path] = cmd.pod
			existing = cmd.pod
		} else {
			existing.MergeMutableFields(cmd.pod)
			s.pods[cmd.pod.Path] = existing
		}
		s.mu.Unlock()

		switch existing.State {
		case StateRunning:
			s.bus.Dispatch(EventOpen, existing)
		case StateStopped:
			s.bus.Dispatch(EventClose, existing)
		}

	case cmdDeleteByPath:
		s.mu.Lock()
		delete(s.pods, cmd.path)
		s.mu.Unlock()

	case cmdDeleteByNsPod:
		s.mu.Lock()
		for path, p := range s.pods {
			if p.MatchesNsPod(cmd.namespace, cmd.podName) {
				delete(s.pods, path)
			}
		}
		s.mu.Unlock()

	case cmdIncrOffset:
		s.mu.Lock()
		if p, ok := s.pods[cmd.path]; ok {
			p.LastOffset = cmd.lastOffset
			p.Offset += cmd.lastOffset
			s.pods[cmd.path] = p
		}
		s.mu.Unlock()

	default:
		s.log.Error("pod store: unreachable command kind", zap.Int("kind", int(cmd.kind)))
	}
}
