package task

import (
	"sync"

	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/bus"
	"github.com/yametech/harvest-agent/internal/pod"
	"github.com/yametech/harvest-agent/internal/queue"
)

// Event names dispatched on a Store's Bus.
const (
	EventRun  = "run"
	EventStop = "stop"
)

type commandKind int

const (
	cmdRun commandKind = iota
	cmdStop
)

type command struct {
	kind commandKind
	task Task
}

// Store holds upload intents keyed by PodName and fans them out over every
// currently matching PodStore row. It is the join point between "the
// control plane wants pod X uploaded" and "here are the Pod rows that
// actually are X right now".
type Store struct {
	log  *zap.Logger
	pods *pod.Store
	bus  *bus.Bus[Task]

	mu    sync.RWMutex
	tasks map[string]Task

	cmds *queue.Unbounded[command]
	done chan struct{}
}

// New constructs a Store bound to pods for its joins and starts its
// consumer goroutine. Close must be called to stop it.
func New(log *zap.Logger, pods *pod.Store) *Store {
	s := &Store{
		log:   log,
		pods:  pods,
		bus:   bus.New[Task](func(name string, err error) { log.Error("task store listener panic", zap.String("event", name), zap.Error(err)) }),
		tasks: make(map[string]Task),
		cmds:  queue.New[command](),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// OnRun, OnStop register listeners for the Store's two dispatched events.
func (s *Store) OnRun(l bus.Listener[Task])  { s.bus.Register(EventRun, l) }
func (s *Store) OnStop(l bus.Listener[Task]) { s.bus.Register(EventStop, l) }

// Run posts a Run intent. Fire-and-forget.
func (s *Store) Run(t Task) { s.cmds.Push(command{kind: cmdRun, task: t.Clone()}) }

// Stop posts a Stop intent. Fire-and-forget.
func (s *Store) Stop(t Task) { s.cmds.Push(command{kind: cmdStop, task: t.Clone()}) }

// Get returns the stored Task for podName, if present.
func (s *Store) Get(podName string) (Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[podName]
	return t, ok
}

// Snapshot returns every Task currently held, for the read API.
func (s *Store) Snapshot() []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	return out
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
		switch cmd.kind {
		case cmdRun:
			s.applyRun(cmd.task)
		case cmdStop:
			s.applyStop(cmd.task)
		default:
			s.log.Error("task store: unreachable command kind", zap.Int("kind", int(cmd.kind)))
		}
	}
}

// applyRun joins task against every currently-known Pod matching
// (namespace, podName). For each match it merges the task's template
// fields, flips the pod to uploading+running, stores the (last-write-wins)
// Task keyed by PodName, and dispatches TaskRun once per matched Pod.
func (s *Store) applyRun(t Task) {
	matches := s.pods.SliceByNsPod(t.Namespace, t.PodName)
	if len(matches) == 0 {
		s.log.Debug("task run: no pod currently matches, task not stored",
			zap.String("namespace", t.Namespace), zap.String("podName", t.PodName))
	}
	for _, p := range matches {
		tmpl := t.template(true, pod.StateRunning)
		tmpl.Offset = p.Offset // PodStore is the sole writer of offset
		p.MergeMutableFields(tmpl)
		s.pods.Update(p)

		run := t.Clone()
		run.Pod = p

		s.mu.Lock()
		s.tasks[t.PodName] = run
		s.mu.Unlock()

		s.bus.Dispatch(EventRun, run)
	}
}

// applyStop is the symmetric counterpart of applyRun: it un-uploads and
// stops every currently matching Pod and dispatches TaskStop per match.
// The Task itself is retained (not deleted) so a later Run for the same
// pod name reuses and overwrites it.
func (s *Store) applyStop(t Task) {
	matches := s.pods.SliceByNsPod(t.Namespace, t.PodName)
	for _, p := range matches {
		tmpl := t.template(false, pod.StateStopped)
		tmpl.Offset = p.Offset // PodStore is the sole writer of offset
		p.MergeMutableFields(tmpl)
		s.pods.Update(p)

		stop := t.Clone()
		stop.Pod = p

		s.mu.Lock()
		s.tasks[t.PodName] = stop
		s.mu.Unlock()

		s.bus.Dispatch(EventStop, stop)
	}
}
