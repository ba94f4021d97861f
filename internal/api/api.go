// Package api serves the agent's read-only HTTP surface: pod and task
// snapshots for operators and monitoring.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/pod"
	"github.com/yametech/harvest-agent/internal/task"
)

// PodSnapshotter is the slice of pod.Store the API needs.
type PodSnapshotter interface {
	Snapshot() []pod.Pod
}

// TaskSnapshotter is the slice of task.Store the API needs.
type TaskSnapshotter interface {
	Snapshot() []task.Task
}

// NewRouter builds the agent's read API: GET /pods, GET /tasks, and a
// catch-all 404 handler. The read API never fails — an empty store
// yields an empty JSON array, never null or an error.
func NewRouter(log *zap.Logger, pods PodSnapshotter, tasks TaskSnapshotter) *mux.Router {
	r := mux.NewRouter()
	r.Use(loggingMiddleware(log))

	r.HandleFunc("/pods", podsHandler(pods)).Methods(http.MethodGet)
	r.HandleFunc("/tasks", tasksHandler(tasks)).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	return r
}

func podsHandler(pods PodSnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := pods.Snapshot()
		if snapshot == nil {
			snapshot = []pod.Pod{}
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func tasksHandler(tasks TaskSnapshotter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snapshot := tasks.Snapshot()
		if snapshot == nil {
			snapshot = []task.Task{}
		}
		writeJSON(w, http.StatusOK, snapshot)
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{
		"status": "error",
		"reason": "Resource was not found.",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// loggingMiddleware logs each request that matches a route at debug
// level tagged with a per-request correlation ID, so a slow or erroring
// request can be picked out of interleaved concurrent request logs.
// mux does not run middleware for the NotFoundHandler, so 404 responses
// are neither logged here nor given an X-Request-Id.
func loggingMiddleware(log *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := uuid.NewString()
			log.Debug("api request", zap.String("requestId", reqID), zap.String("method", r.Method), zap.String("path", r.URL.Path))
			w.Header().Set("X-Request-Id", reqID)
			next.ServeHTTP(w, r)
		})
	}
}
