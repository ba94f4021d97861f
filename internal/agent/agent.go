// Package agent wires every component — Scanner, PodStore, TaskStore,
// Tailer, sinks, the control-plane ingester, and the read API — into one
// explicit value with no package-level state.
package agent

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/api"
	"github.com/yametech/harvest-agent/internal/config"
	"github.com/yametech/harvest-agent/internal/controlplane"
	"github.com/yametech/harvest-agent/internal/pod"
	"github.com/yametech/harvest-agent/internal/scanner"
	"github.com/yametech/harvest-agent/internal/sink"
	"github.com/yametech/harvest-agent/internal/tailer"
	"github.com/yametech/harvest-agent/internal/task"
)

// DefaultListenAddr is the bind address for the read API when no
// --listen flag overrides it.
const DefaultListenAddr = ":8080"

// Agent owns every long-lived component and the seven reconciler-glue
// listeners (plus the cross-store join listener) that bind them together.
type Agent struct {
	log *zap.Logger
	cfg config.Config

	pods    *pod.Store
	tasks   *task.Store
	scanner *scanner.Scanner
	tailer  *tailer.Tailer
	sinks   *sink.Registry
	ingest  *controlplane.Ingester

	httpServer *http.Server
}

// New constructs every component and wires the reconciler glue. Nothing
// runs yet; call Start to begin scanning, watching, and serving.
func New(log *zap.Logger, cfg config.Config, listenAddr string) *Agent {
	if listenAddr == "" {
		listenAddr = DefaultListenAddr
	}

	pods := pod.New(log.Named("pod"))
	tasks := task.New(log.Named("task"), pods)
	sinks := sink.NewRegistry(log.Named("sink"))
	tl := tailer.New(log.Named("tailer"), pods, sinks)
	sc := scanner.New(log.Named("scanner"), cfg.Namespace, cfg.DockerDir, scanner.DefaultShards)
	ingest := controlplane.New(log.Named("controlplane"), cfg.APIServer, cfg.Host, tasks, sinks)

	a := &Agent{
		log:     log,
		cfg:     cfg,
		pods:    pods,
		tasks:   tasks,
		scanner: sc,
		tailer:  tl,
		sinks:   sinks,
		ingest:  ingest,
	}

	router := api.NewRouter(log.Named("api"), pods, tasks)
	a.httpServer = &http.Server{Addr: listenAddr, Handler: router}

	a.wireReconcilerGlue()
	return a
}

// wireReconcilerGlue registers the listeners that keep PodStore,
// TaskStore, the Scanner, and the Tailer converging on each other
// without any of them calling one another directly.
func (a *Agent) wireReconcilerGlue() {
	// Scanner.Create(LogSource): insert the discovered Pod; if a Task
	// already names this pod and that task's last-merged Pod is
	// uploading, poke the (possibly not-yet-open) reader rather than
	// opening it directly — WriteEvent is a no-op if nothing has opened
	// the file yet, and OnInsert below handles that case.
	a.scanner.OnCreate(func(ls scanner.LogSource) {
		p := ls.ToPod()
		a.pods.Insert(p)
		if t, ok := a.tasks.Get(p.PodName); ok && t.Pod.IsUpload {
			a.tailer.WriteEvent(p)
		}
	})

	// Scanner.Write(LogSource): poke the reader for this path, if open.
	a.scanner.OnWrite(func(ls scanner.LogSource) {
		a.tailer.WriteEvent(pod.Pod{Path: ls.Path})
	})

	// Scanner.Close(LogSource): the underlying log file is gone for
	// good. Evict the reader and drop the row directly — this is the
	// only path that destroys a Pod outside of an explicit Delete, so
	// it must not go through PodStore.Update/Close (that path is for
	// Task-driven stops, which keep the row around for a later Run).
	a.scanner.OnClose(func(ls scanner.LogSource) {
		a.tailer.RemoveEvent(pod.Pod{Path: ls.Path})
	})

	// PodStore.Open(pod): start tailing.
	a.pods.OnOpen(func(p pod.Pod) {
		a.tailer.OpenEvent(p)
	})

	// PodStore.Close(pod): a Task-driven Stop merged this row to
	// Stopped. Stop tailing but keep the row — a later Run must still
	// find it via SliceByNsPod and reopen at its preserved offset.
	// Destruction is Scanner.OnClose's job above, never this one's.
	a.pods.OnClose(func(p pod.Pod) {
		a.tailer.CloseEvent(p)
	})

	// PodStore.Insert(pod): re-evaluate any existing Task naming this
	// pod by posting it to TaskStore.Run again, so the freshly inserted
	// row gets the task's output and Running state before it is opened.
	// Only a Task stored by an earlier Run that matched at least one Pod
	// is found here: a Run that matched no Pod stores nothing, so a Pod
	// first discovered after such a Run is not opened until another Run
	// names it.
	a.pods.OnInsert(func(p pod.Pod) {
		if t, ok := a.tasks.Get(p.PodName); ok && t.Pod.IsUpload {
			a.tasks.Run(t)
		}
	})

	// TaskStore.Run/Stop: start or stop tailing the Pod the task was
	// matched and merged against.
	a.tasks.OnRun(func(t task.Task) {
		a.tailer.OpenEvent(t.Pod)
	})
	a.tasks.OnStop(func(t task.Task) {
		a.tailer.CloseEvent(t.Pod)
	})
}

// Start runs the initial filesystem scan, then starts the filesystem
// watcher, control-plane ingester, and read API concurrently. It blocks
// until ctx is canceled, returning the first fatal error encountered (if
// any); transient and per-event errors are handled internally and never
// reach here.
func (a *Agent) Start(ctx context.Context) error {
	discovered, err := a.scanner.Prepare()
	if err != nil {
		return fmt.Errorf("agent: initial scan of %s: %w", a.cfg.DockerDir, err)
	}
	for _, ls := range discovered {
		a.pods.Insert(ls.ToPod())
	}
	a.log.Info("initial scan complete", zap.Int("discovered", len(discovered)))

	errs := make(chan error, 3)

	go func() {
		if err := a.scanner.WatchStart(ctx); err != nil {
			errs <- fmt.Errorf("agent: scanner watch: %w", err)
		}
	}()

	go func() {
		if err := a.ingest.Run(ctx); err != nil {
			errs <- fmt.Errorf("agent: control-plane ingester: %w", err)
		}
	}()

	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- fmt.Errorf("agent: read api: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

// Stop shuts down the read API and drains both stores' command queues.
// ctx bounds only the read API shutdown; the store drains are not
// bounded by it. The scanner watcher and ingester stop on Start's ctx;
// Tailer reader goroutines take no context and are not stopped here.
func (a *Agent) Stop(ctx context.Context) {
	if err := a.httpServer.Shutdown(ctx); err != nil {
		a.log.Warn("agent: read api shutdown error", zap.Error(err))
	}
	a.tasks.Close()
	a.pods.Close()
}
