package events

import (
	"sort"
	"time"
)

// Kind classifies a model change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
	KindDeleted  Kind = "deleted"
)

// Field names carried in Original/Modified maps.
const (
	FieldState          = "state"
	FieldEffectiveState = "effective_state"
	FieldNumCores       = "num_cores"
	FieldMemory         = "memory"
	FieldSwapSize       = "swap_size"
	FieldCPULimit       = "cpu_limit"
	FieldLifecycle      = "lifecycle"
	FieldContainer      = "container_id"
)

// ConfigFields are the VM settings pushed to the agent with UpdateVM.
var ConfigFields = []string{FieldCPULimit, FieldMemory, FieldNumCores, FieldSwapSize}

// ModelEvent describes a change to a compute record.
type ModelEvent struct {
	Kind        Kind           `json:"kind"`
	ComputeID   string         `json:"compute_id"`
	Name        string         `json:"name"`
	Virtual     bool           `json:"virtual"`
	ContainerID string         `json:"container_id,omitempty"`
	Original    map[string]any `json:"original,omitempty"`
	Modified    map[string]any `json:"modified,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Changed returns the modified field names in sorted order.
func (e ModelEvent) Changed() []string {
	keys := make([]string, 0, len(e.Modified))
	for k := range e.Modified {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TopicModel is the event bus topic carrying ModelEvent values.
const TopicModel = "model.computes"
