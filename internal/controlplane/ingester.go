// Package controlplane ingests run/stop directives from the central
// control plane over server-sent events and turns them into TaskStore
// calls.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/vito/go-sse/sse"
	"go.uber.org/zap"

	"github.com/yametech/harvest-agent/internal/sink"
	"github.com/yametech/harvest-agent/internal/task"
)

const (
	opRun  = "run"
	opStop = "stop"
)

type wirePod struct {
	Node   string   `json:"node"`
	Pod    string   `json:"pod"`
	IPs    []string `json:"ips"`
	Offset int64    `json:"offset"`
}

type wireEvent struct {
	Op          string    `json:"op"`
	Namespace   string    `json:"ns"`
	ServiceName string    `json:"service_name"`
	Rules       string    `json:"rules"`
	Output      string    `json:"output"`
	Pods        []wirePod `json:"pods"`
}

func (e wireEvent) hasNodeEvent(host string) bool {
	for _, p := range e.Pods {
		if p.Node == host {
			return true
		}
	}
	return false
}

// TaskSink is the slice of task.Store an Ingester needs.
type TaskSink interface {
	Run(t task.Task)
	Stop(t task.Task)
}

// Ingester streams control-plane events over SSE and converts each
// relevant one into Run/Stop calls on a TaskStore.
type Ingester struct {
	log   *zap.Logger
	addr  string
	host  string
	tasks TaskSink
	sinks *sink.Registry
}

// New constructs an Ingester that will connect to addr once Run is
// called, filtering events to those naming host.
func New(log *zap.Logger, addr, host string, tasks TaskSink, sinks *sink.Registry) *Ingester {
	return &Ingester{log: log, addr: addr, host: host, tasks: tasks, sinks: sinks}
}

// Run connects to addr and processes events until ctx is canceled or the
// stream ends. It does not reconnect on disconnect; a caller that wants
// that should call Run again after it returns.
func (ig *Ingester) Run(ctx context.Context) error {
	source, err := sse.Connect(ig.addr, true, nil)
	if err != nil {
		return fmt.Errorf("controlplane: connect to %s: %w", ig.addr, err)
	}
	defer source.Close()

	go func() {
		<-ctx.Done()
		source.Close()
	}()

	for {
		event, err := source.Next()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("controlplane: read event: %w", err)
		}
		ig.handle(event.Data)
	}
}

// handle parses and reacts to a single SSE payload. Malformed JSON,
// irrelevant events, and unknown ops are logged and skipped — never
// fatal, since one bad event on the stream must not take down ingestion
// of every event after it.
func (ig *Ingester) handle(raw []byte) {
	var we wireEvent
	if err := json.Unmarshal(raw, &we); err != nil {
		ig.log.Warn("controlplane: malformed event, skipping", zap.Error(err), zap.ByteString("data", raw))
		return
	}
	if !we.hasNodeEvent(ig.host) {
		return
	}

	if strings.HasPrefix(we.Output, "kafka") {
		if err := ig.sinks.EnsureKafka(we.Output); err != nil {
			ig.log.Warn("controlplane: failed to register kafka sink, dropping event",
				zap.String("output", we.Output), zap.Error(err))
			return
		}
	}

	for _, p := range we.Pods {
		t := task.Task{
			Namespace:   we.Namespace,
			PodName:     p.Pod,
			ServiceName: we.ServiceName,
			Filter:      we.Rules,
			Output:      we.Output,
			IPs:         append([]string(nil), p.IPs...),
			Offset:      p.Offset,
		}
		switch we.Op {
		case opRun:
			ig.tasks.Run(t)
		case opStop:
			ig.tasks.Stop(t)
		default:
			ig.log.Warn("controlplane: unknown op, skipping", zap.String("op", we.Op))
		}
	}
}
