package claire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Runtime is the worker-specific payload inside a keepalive: a closed
// tagged sum encoded in JSON as a single-key object, the key being the
// variant name. At most one case is set. An unknown tag decodes to the
// empty Runtime without failing the enclosing keepalive.
type Runtime struct {
	Basic  *RuntimeBasic  `json:"-"`
	Worker *RuntimeWorker `json:"-"`
}

// RuntimeBasic is the default free-form status payload.
type RuntimeBasic struct {
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// RuntimeWorker is the status payload of queue-draining workers.
type RuntimeWorker struct {
	QueueDepth     uint64 `json:"queue_depth"`
	TasksProcessed uint64 `json:"tasks_processed"`
	LastError      string `json:"last_error,omitempty"`
}

const (
	runtimeTagBasic  = "basic"
	runtimeTagWorker = "worker"
)

// Empty reports whether no variant case is set.
func (r Runtime) Empty() bool {
	return r.Basic == nil && r.Worker == nil
}

func (r Runtime) MarshalJSON() ([]byte, error) {
	switch {
	case r.Basic != nil:
		return json.Marshal(map[string]*RuntimeBasic{runtimeTagBasic: r.Basic})
	case r.Worker != nil:
		return json.Marshal(map[string]*RuntimeWorker{runtimeTagWorker: r.Worker})
	default:
		return []byte("null"), nil
	}
}

func (r *Runtime) UnmarshalJSON(data []byte) error {
	*r = Runtime{}
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("runtime variant: %w", err)
	}
	if raw, ok := tagged[runtimeTagBasic]; ok {
		var v RuntimeBasic
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("runtime variant %q: %w", runtimeTagBasic, err)
		}
		r.Basic = &v
		return nil
	}
	if raw, ok := tagged[runtimeTagWorker]; ok {
		var v RuntimeWorker
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("runtime variant %q: %w", runtimeTagWorker, err)
		}
		r.Worker = &v
		return nil
	}
	// Unknown tag: keep the keepalive, drop the runtime.
	return nil
}
