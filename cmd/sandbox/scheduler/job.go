// Package scheduler implements the sandbox's fair dispatcher: a
// three-level feedback queue with per-tenant round-robin, aging
// promotions and an autoscaled worker pool.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// Priority orders the feedback queue buckets. Lower value dispatches
// first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the three buckets.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ErrOverloaded rejects submissions when total queue depth exceeds the
// configured maximum. Surfaced as HTTP 503.
var ErrOverloaded = errors.New("scheduler queue full")

// Job is one code execution request.
type Job struct {
	ID            string
	Code          string
	Inputs        map[string]interface{}
	Timeout       time.Duration
	Priority      Priority
	EnableNetwork bool
	TenantID      string

	enqueuedAt time.Time
	done       chan *Result
}

// Result is the outcome of one job execution.
type Result struct {
	Success         bool                   `json:"success"`
	Result          map[string]interface{} `json:"result,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ErrorType       string                 `json:"error_type,omitempty"`
	ExecutionTimeMS float64                `json:"execution_time_ms"`
	MemoryUsedMB    float64                `json:"memory_used_mb"`
}

// WaitTime reports how long the job has been queued.
func (j *Job) WaitTime(now time.Time) time.Duration {
	return now.Sub(j.enqueuedAt)
}
