// Package scanner discovers container log files under a root directory,
// resolves each to the container/pod/service metadata the runtime recorded
// for it, and emits Create/Write/Close events describing what changed.
package scanner

import (
	"context"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/bus"
	"github.com/yametech/harvest-agent/internal/pod"
)

// Event names dispatched on a Scanner's Bus.
const (
	EventCreate = "create"
	EventWrite  = "write"
	EventClose  = "close"
)

// DefaultShards is the number of independently-locked cache partitions.
// Two keeps lock contention low without the bookkeeping overhead of a
// larger, dynamically-sized shard set; production deployments with very
// large container counts per node may want to tune this higher.
const DefaultShards = 2

// LogSource is the Scanner's event payload: a filesystem observation
// projected into a Pod-shaped record. Write and Close events only ever
// populate Path; Create events carry the fully-resolved record.
type LogSource struct {
	ServiceName   string
	Namespace     string
	PodName       string
	ContainerName string
	Path          string
	IPs           []string
}

// ToPod projects a LogSource into a fresh, Ready-state Pod.
func (ls LogSource) ToPod() pod.Pod {
	return pod.Pod{
		ServiceName: ls.ServiceName,
		Namespace:   ls.Namespace,
		PodName:     ls.PodName,
		Container:   ls.ContainerName,
		Path:        ls.Path,
		IPs:         append([]string(nil), ls.IPs...),
		State:       pod.StateReady,
	}
}

type fileKind int

const (
	kindOther fileKind = iota
	kindLog
	kindMeta
)

func classify(path string) fileKind {
	switch {
	case strings.HasSuffix(path, ".log"):
		return kindLog
	case strings.HasSuffix(path, "config.v2.json"):
		return kindMeta
	default:
		return kindOther
	}
}

// shard is one independently-locked partition of the log-path -> metadata
// cache. A present key with a nil value is a placeholder: the log file was
// observed before its companion metadata file.
type shard struct {
	mu      sync.RWMutex
	entries map[string]*ContainerMeta
}

func newShard() *shard {
	return &shard{entries: make(map[string]*ContainerMeta)}
}

// Scanner watches root for container log/metadata files and emits typed
// events over its Bus as they appear, change, or disappear.
type Scanner struct {
	log       *zap.Logger
	namespace string
	root      string
	bus       *bus.Bus[LogSource]
	shards    []*shard
}

// New constructs a Scanner. shardCount must be >= 1; callers outside tests
// should pass DefaultShards.
func New(log *zap.Logger, namespace, root string, shardCount int) *Scanner {
	if shardCount < 1 {
		shardCount = DefaultShards
	}
	shards := make([]*shard, shardCount)
	for i := range shards {
		shards[i] = newShard()
	}
	return &Scanner{
		log:       log,
		namespace: namespace,
		root:      root,
		bus:       bus.New[LogSource](func(name string, err error) { log.Error("scanner listener panic", zap.String("event", name), zap.Error(err)) }),
		shards:    shards,
	}
}

// OnCreate, OnWrite, OnClose register listeners for the Scanner's three
// dispatched events.
func (s *Scanner) OnCreate(l bus.Listener[LogSource]) { s.bus.Register(EventCreate, l) }
func (s *Scanner) OnWrite(l bus.Listener[LogSource])  { s.bus.Register(EventWrite, l) }
func (s *Scanner) OnClose(l bus.Listener[LogSource])  { s.bus.Register(EventClose, l) }

func (s *Scanner) shardFor(path string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return s.shards[int(h.Sum32())%len(s.shards)]
}

// cacheInsertMeta stores meta under logPath, dropping it silently if its
// namespace doesn't match the agent's configured namespace: this agent
// is only ever authoritative for pods in its own namespace.
func (s *Scanner) cacheInsertMeta(logPath string, meta ContainerMeta) {
	if meta.Namespace != s.namespace {
		return
	}
	sh := s.shardFor(logPath)
	sh.mu.Lock()
	sh.entries[logPath] = &meta
	sh.mu.Unlock()
}

// cacheInsertPlaceholder records that a log file was seen at logPath with
// no metadata resolved yet, unless an entry (placeholder or real) already
// exists.
func (s *Scanner) cacheInsertPlaceholder(logPath string) {
	sh := s.shardFor(logPath)
	sh.mu.Lock()
	if _, exists := sh.entries[logPath]; !exists {
		sh.entries[logPath] = nil
	}
	sh.mu.Unlock()
}

func (s *Scanner) cacheGet(logPath string) (ContainerMeta, bool) {
	sh := s.shardFor(logPath)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	meta, ok := sh.entries[logPath]
	if !ok || meta == nil {
		return ContainerMeta{}, false
	}
	return *meta, true
}

func (s *Scanner) cacheEvict(logPath string) {
	sh := s.shardFor(logPath)
	sh.mu.Lock()
	delete(sh.entries, logPath)
	sh.mu.Unlock()
}

func logSourceFromMeta(meta ContainerMeta) LogSource {
	return LogSource{
		ServiceName:   meta.ServiceName,
		Namespace:     meta.Namespace,
		PodName:       meta.PodName,
		ContainerName: meta.ContainerName,
		Path:          meta.LogPath,
	}
}

// Prepare walks root once, populating the metadata cache, and returns one
// LogSource per (Log, Meta) pair whose Meta's namespace matches the
// agent's configured namespace. It does not start watching for further
// changes; call WatchStart for that.
func (s *Scanner) Prepare() ([]LogSource, error) {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		switch classify(path) {
		case kindMeta:
			meta, err := parseContainerMeta(path)
			if err != nil {
				s.log.Warn("scanner: failed to parse container metadata, skipping", zap.String("path", path), zap.Error(err))
				return nil
			}
			s.cacheInsertMeta(meta.LogPath, meta)
		case kindLog:
			s.cacheInsertPlaceholder(path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanner: walk %s: %w", s.root, err)
	}

	var result []LogSource
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, meta := range sh.entries {
			if meta != nil {
				result = append(result, logSourceFromMeta(*meta))
			}
		}
		sh.mu.RUnlock()
	}
	return result, nil
}

// WatchStart subscribes to recursive filesystem events under root and
// dispatches Create/Write/Close events until ctx is canceled or an
// unrecoverable watcher error occurs.
func (s *Scanner) WatchStart(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("scanner: create watcher: %w", err)
	}
	defer watcher.Close()

	if err := addRecursive(watcher, s.root); err != nil {
		return fmt.Errorf("scanner: watch %s: %w", s.root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(watcher, ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("scanner: watcher error", zap.Error(err))
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (s *Scanner) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				s.log.Warn("scanner: failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
		}
		s.handleCreate(ev.Name)
	}
	if ev.Op&fsnotify.Write != 0 {
		s.handleWrite(ev.Name)
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		s.handleRemove(ev.Name)
	}
}

func (s *Scanner) handleCreate(path string) {
	switch classify(path) {
	case kindMeta:
		meta, err := parseContainerMeta(path)
		if err != nil {
			s.log.Warn("scanner: failed to parse container metadata on create", zap.String("path", path), zap.Error(err))
			return
		}
		s.cacheInsertMeta(meta.LogPath, meta)
		if ls, ok := s.cacheGet(meta.LogPath); ok {
			s.bus.Dispatch(EventCreate, logSourceFromMeta(ls))
		}
	case kindLog:
		if meta, ok := s.cacheGet(path); ok {
			s.bus.Dispatch(EventCreate, logSourceFromMeta(meta))
		} else {
			s.cacheInsertPlaceholder(path)
		}
	}
}

func (s *Scanner) handleWrite(path string) {
	switch classify(path) {
	case kindMeta:
		meta, err := parseContainerMeta(path)
		if err != nil {
			s.log.Warn("scanner: failed to parse container metadata on write", zap.String("path", path), zap.Error(err))
			return
		}
		s.cacheInsertMeta(meta.LogPath, meta)
	case kindLog:
		s.bus.Dispatch(EventWrite, LogSource{Path: path})
	}
}

// handleRemove evicts the path from the cache and, for a log file,
// dispatches Close. A removed log file must never be treated as a
// write: there is nothing left to read, and a reader woken by a Write
// poke after the file is gone would simply see EOF forever.
func (s *Scanner) handleRemove(path string) {
	switch classify(path) {
	case kindMeta:
		s.cacheEvict(path)
	case kindLog:
		s.cacheEvict(path)
		s.bus.Dispatch(EventClose, LogSource{Path: path})
	}
}
