package pod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	return s
}

// waitFor polls until cond returns true or the deadline elapses, to
// synchronize against the store's async single-consumer goroutine without
// sleeping a fixed, flake-prone duration.
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

func TestInsertThenGet(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log", Namespace: "ns", PodName: "web-0"})

	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return ok })

	p, ok := s.Get("/a.log")
	require.True(t, ok)
	assert.Equal(t, "ns", p.Namespace)
}

func TestUpdateMergesMutableFieldsOnly(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log", Namespace: "ns", PodName: "web-0", Container: "web"})
	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return ok })

	s.Update(Pod{Path: "/a.log", IsUpload: true, State: StateRunning, Offset: 4})
	waitFor(t, func() bool { p, _ := s.Get("/a.log"); return p.State == StateRunning })

	p, _ := s.Get("/a.log")
	assert.True(t, p.IsUpload)
	assert.EqualValues(t, 4, p.Offset)
	assert.Equal(t, "ns", p.Namespace, "identity fields survive merge")
	assert.Equal(t, "web", p.Container, "identity fields survive merge")
}

func TestUpdateEmitsOpenAndClose(t *testing.T) {
	s := newTestStore(t)
	var opened, closed []Pod
	s.OnOpen(func(p Pod) { opened = append(opened, p) })
	s.OnClose(func(p Pod) { closed = append(closed, p) })

	s.Insert(Pod{Path: "/a.log"})
	s.Update(Pod{Path: "/a.log", State: StateRunning})
	waitFor(t, func() bool { return len(opened) == 1 })

	s.Update(Pod{Path: "/a.log", State: StateStopped})
	waitFor(t, func() bool { return len(closed) == 1 })

	assert.Equal(t, "/a.log", opened[0].Path)
	assert.Equal(t, "/a.log", closed[0].Path)
}

func TestInsertEmitsInsertEvent(t *testing.T) {
	s := newTestStore(t)
	var got []Pod
	s.OnInsert(func(p Pod) { got = append(got, p) })

	s.Insert(Pod{Path: "/a.log", PodName: "web-0"})
	waitFor(t, func() bool { return len(got) == 1 })

	assert.Equal(t, "web-0", got[0].PodName)
}

func TestDeleteByPath(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log"})
	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return ok })

	s.Delete("/a.log")
	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return !ok })
}

func TestDeleteByNsPodRemovesAllMatches(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log", Namespace: "ns", PodName: "web-0", Container: "c1"})
	s.Insert(Pod{Path: "/b.log", Namespace: "ns", PodName: "web-0", Container: "c2"})
	s.Insert(Pod{Path: "/c.log", Namespace: "ns", PodName: "other"})
	waitFor(t, func() bool { return len(s.Snapshot()) == 3 })

	s.DeleteByNsPod("ns", "web-0")
	waitFor(t, func() bool { return len(s.Snapshot()) == 1 })

	remaining := s.Snapshot()
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].PodName)
}

func TestIncrOffsetAccumulatesAndTracksLast(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log"})
	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return ok })

	s.IncrOffset("/a.log", 2)
	s.IncrOffset("/a.log", 3)
	waitFor(t, func() bool { p, _ := s.Get("/a.log"); return p.Offset == 5 })

	p, _ := s.Get("/a.log")
	assert.EqualValues(t, 5, p.Offset)
	assert.EqualValues(t, 3, p.LastOffset)
}

func TestPodUploadStartAndStop(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log", Namespace: "ns", PodName: "web-0"})
	waitFor(t, func() bool { _, ok := s.Get("/a.log"); return ok })

	s.PodUploadStart("ns", "web-0")
	waitFor(t, func() bool { p, _ := s.Get("/a.log"); return p.State == StateRunning })
	p, _ := s.Get("/a.log")
	assert.True(t, p.IsUpload)

	s.PodUploadStop("ns", "web-0")
	waitFor(t, func() bool { p, _ := s.Get("/a.log"); return p.State == StateStopped })
	p, _ = s.Get("/a.log")
	assert.False(t, p.IsUpload)
}

func TestSliceByNsPod(t *testing.T) {
	s := newTestStore(t)
	s.Insert(Pod{Path: "/a.log", Namespace: "ns", PodName: "web-0"})
	s.Insert(Pod{Path: "/b.log", Namespace: "ns", PodName: "other"})
	waitFor(t, func() bool { return len(s.Snapshot()) == 2 })

	got := s.SliceByNsPod("ns", "web-0")
	require.Len(t, got, 1)
	assert.Equal(t, "/a.log", got[0].Path)
}
