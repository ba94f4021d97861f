// Package task holds the control-plane upload intent: the Task type and
// the single-writer TaskStore that joins Tasks against PodStore rows.
package task

import "github.com/yametech/harvest-agent/internal/pod"

// Task is a control-plane directive to upload all Pods matching
// (Namespace, PodName) to Output. It embeds a Pod template carrying the
// fields that get merged into every matching Pod.
type Task struct {
	Namespace   string   `json:"namespace"`
	PodName     string   `json:"podName"`
	ServiceName string   `json:"serviceName"`
	Filter      string   `json:"filter"`
	Output      string   `json:"output"`
	IPs         []string `json:"ips"`
	Offset      int64    `json:"offset"`
	// Pod is the last Pod this task was matched and merged against; it is
	// what the reconciler glue hands to the Tailer on TaskRun/TaskStop.
	Pod pod.Pod `json:"pod"`
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	clone := t
	clone.IPs = append([]string(nil), t.IPs...)
	clone.Pod = t.Pod.Clone()
	return clone
}

// template projects a Task's own fields onto a Pod template carrying the
// given upload intent, used to merge into matching PodStore rows via
// Pod.MergeMutableFields.
func (t Task) template(isUpload bool, state pod.State) pod.Pod {
	return pod.Pod{
		Namespace:   t.Namespace,
		PodName:     t.PodName,
		ServiceName: t.ServiceName,
		Filter:      t.Filter,
		Output:      t.Output,
		IPs:         append([]string(nil), t.IPs...),
		Offset:      t.Offset,
		IsUpload:    isUpload,
		State:       state,
	}
}
