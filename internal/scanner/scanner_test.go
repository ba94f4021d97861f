package scanner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition never became true")
}

func writeConfigV2(t *testing.T, dir, logPath, namespace, podName, containerName, serviceName string) string {
	t.Helper()
	doc := map[string]any{
		"LogPath": logPath,
		"Config": map[string]any{
			"Labels": map[string]string{
				labelNamespace:     namespace,
				labelPodName:       podName,
				labelContainerName: containerName,
				labelServiceName:   serviceName,
			},
		},
	}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(dir, "config.v2.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestPrepareMatchesLogAgainstMeta(t *testing.T) {
	root := t.TempDir()
	containerDir := filepath.Join(root, "abc123")
	require.NoError(t, os.MkdirAll(containerDir, 0o755))

	logPath := filepath.Join(containerDir, "abc123.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello\n"), 0o644))
	writeConfigV2(t, containerDir, logPath, "ns", "web-0", "web", "web-svc")

	s := New(zaptest.NewLogger(t), "ns", root, DefaultShards)
	got, err := s.Prepare()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "web-0", got[0].PodName)
	assert.Equal(t, "web-svc", got[0].ServiceName)
	assert.Equal(t, logPath, got[0].Path)
}

func TestPrepareDropsForeignNamespace(t *testing.T) {
	root := t.TempDir()
	containerDir := filepath.Join(root, "abc123")
	require.NoError(t, os.MkdirAll(containerDir, 0o755))

	logPath := filepath.Join(containerDir, "abc123.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello\n"), 0o644))
	writeConfigV2(t, containerDir, logPath, "other-ns", "web-0", "web", "web-svc")

	s := New(zaptest.NewLogger(t), "ns", root, DefaultShards)
	got, err := s.Prepare()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPrepareLeavesUnmatchedLogAsPlaceholder(t *testing.T) {
	root := t.TempDir()
	containerDir := filepath.Join(root, "abc123")
	require.NoError(t, os.MkdirAll(containerDir, 0o755))

	logPath := filepath.Join(containerDir, "abc123.log")
	require.NoError(t, os.WriteFile(logPath, []byte("hello\n"), 0o644))

	s := New(zaptest.NewLogger(t), "ns", root, DefaultShards)
	got, err := s.Prepare()
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok := s.cacheGet(logPath)
	assert.False(t, ok, "a log with no metadata is a placeholder, not a resolved entry")
}

func TestWatchStartDispatchesCreateOnceMetaArrives(t *testing.T) {
	root := t.TempDir()
	containerDir := filepath.Join(root, "abc123")
	require.NoError(t, os.MkdirAll(containerDir, 0o755))
	logPath := filepath.Join(containerDir, "abc123.log")
	require.NoError(t, os.WriteFile(logPath, []byte(""), 0o644))

	s := New(zaptest.NewLogger(t), "ns", root, DefaultShards)
	var created []LogSource
	s.OnCreate(func(ls LogSource) { created = append(created, ls) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchStart(ctx)
	time.Sleep(20 * time.Millisecond) // let the watcher register before the write below

	writeConfigV2(t, containerDir, logPath, "ns", "web-0", "web", "web-svc")
	// The Create dispatch comes from the metadata file's own Create event
	// once it parses; rewriting the log file only produces a Write event.
	require.NoError(t, os.WriteFile(logPath, []byte("x"), 0o644))

	waitFor(t, func() bool { return len(created) >= 1 })
	assert.Equal(t, "web-0", created[0].PodName)
}

func TestWatchStartDispatchesCloseNotWriteOnRemove(t *testing.T) {
	root := t.TempDir()
	containerDir := filepath.Join(root, "abc123")
	require.NoError(t, os.MkdirAll(containerDir, 0o755))
	logPath := filepath.Join(containerDir, "abc123.log")
	require.NoError(t, os.WriteFile(logPath, []byte(""), 0o644))
	writeConfigV2(t, containerDir, logPath, "ns", "web-0", "web", "web-svc")

	s := New(zaptest.NewLogger(t), "ns", root, DefaultShards)
	var writes, closes []LogSource
	s.OnWrite(func(ls LogSource) { writes = append(writes, ls) })
	s.OnClose(func(ls LogSource) { closes = append(closes, ls) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.WatchStart(ctx)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, os.Remove(logPath))
	waitFor(t, func() bool { return len(closes) == 1 })
	assert.Empty(t, writes, "a removed log file must dispatch Close, never Write")
	assert.Equal(t, logPath, closes[0].Path)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, kindLog, classify("/var/lib/docker/containers/abc/abc.log"))
	assert.Equal(t, kindMeta, classify("/var/lib/docker/containers/abc/config.v2.json"))
	assert.Equal(t, kindOther, classify("/var/lib/docker/containers/abc/hostconfig.json"))
}
