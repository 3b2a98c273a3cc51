package engine

import (
	"errors"
	"fmt"
)

// Validation errors are fatal and never retried.
var (
	ErrGraphCycle      = errors.New("graph contains a cycle")
	ErrBadTriggerCount = errors.New("graph must have exactly one trigger node")
	ErrIsolatedNode    = errors.New("node not reachable from trigger")
)

// NodeError wraps a node-level failure with its origin.
type NodeError struct {
	NodeID   string
	NodeType string
	Err      error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

// TimeoutError marks a node or run deadline expiration. Message always
// contains "timed out" so stream consumers can classify it.
type TimeoutError struct {
	NodeID string // empty for run-level timeouts
	Limit  string
}

func (e *TimeoutError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s timed out after %s", e.NodeID, e.Limit)
	}
	return fmt.Sprintf("workflow timed out after %s", e.Limit)
}

// IsTimeout reports whether err is a node or workflow timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
