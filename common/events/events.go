package events

import (
	"encoding/json"
	"fmt"
)

// Event types published on run:{run_id} channels.
const (
	TypeWorkflowStart  = "workflow_start"
	TypeNodeStart      = "node_start"
	TypeNodeFinish     = "node_finish"
	TypeWorkflowFinish = "workflow_finish"
	TypeError          = "error"
)

// Event is one per-run state transition. Subscribers read until they see
// a terminal event (workflow_finish or error) or an idle timeout.
type Event struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

// Terminal reports whether the event closes the stream.
func (e *Event) Terminal() bool {
	return e.Type == TypeWorkflowFinish || e.Type == TypeError
}

// Encode marshals the event for the wire.
func (e *Event) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return raw, nil
}

// Decode parses a wire message into an Event.
func Decode(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// RunChannel returns the pub/sub channel for a run.
func RunChannel(runID string) string {
	return "run:" + runID
}

// WorkflowStart builds the run-opened event.
func WorkflowStart(runID string) *Event {
	return &Event{Type: TypeWorkflowStart, Data: map[string]interface{}{"run_id": runID}}
}

// NodeStart builds the node-started event.
func NodeStart(nodeID, nodeType string) *Event {
	return &Event{Type: TypeNodeStart, Data: map[string]interface{}{
		"node_id":   nodeID,
		"node_type": nodeType,
	}}
}

// NodeFinish builds the node-completed event with its output snapshot.
func NodeFinish(nodeID, nodeType string, output map[string]interface{}) *Event {
	return &Event{Type: TypeNodeFinish, Data: map[string]interface{}{
		"node_id":   nodeID,
		"node_type": nodeType,
		"output":    output,
	}}
}

// WorkflowFinish builds the terminal success event carrying final outputs.
func WorkflowFinish(outputs map[string]interface{}) *Event {
	data := make(map[string]interface{}, len(outputs))
	for k, v := range outputs {
		data[k] = v
	}
	return &Event{Type: TypeWorkflowFinish, Data: data}
}

// Error builds the terminal failure event. nodeID may be empty for
// run-level faults.
func Error(nodeID, message string) *Event {
	data := map[string]interface{}{"message": message}
	if nodeID != "" {
		data["node_id"] = nodeID
	}
	return &Event{Type: TypeError, Data: data}
}
