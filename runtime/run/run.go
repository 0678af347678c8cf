// Package run defines the durable record of a slide analysis run and the
// store abstraction the workflow engine persists through. A record mirrors
// the run's externally visible state: its inputs, lifecycle status, the
// append-only step log, and the final summary or error. Stores are injected
// into the engine; nothing in this module holds run state in a process-wide
// singleton.
package run

import (
	"context"
	"time"
)

type (
	// Record is the durable metadata of one analysis run. It is written
	// after every step transition, so readers see the step log grow while
	// the run executes.
	Record struct {
		// RunID uniquely identifies the run.
		RunID string
		// SlidePath is the slide file the run analyzes.
		SlidePath string
		// Task is the caller-supplied analysis task description.
		Task string
		// Status is the run's lifecycle state.
		Status Status
		// CurrentStep names the pipeline step that last executed.
		CurrentStep string
		// Steps is the append-only execution log, in step order.
		Steps []StepEntry
		// Summary holds the final human-readable analysis summary.
		Summary string
		// Error holds the failure message when Status is failed.
		Error string
		// StartedAt records when the run began.
		StartedAt time.Time
		// UpdatedAt records when the record was last written.
		UpdatedAt time.Time
		// Labels stores caller-provided metadata (tenant, priority, etc.).
		Labels map[string]string
		// Metadata stores implementation-specific metadata (e.g., the
		// progress card id mirroring this run).
		Metadata map[string]any
	}

	// StepEntry is one entry of the step log: the step's name, when it
	// finished, and an opaque result payload. Entries are never mutated
	// after insertion.
	StepEntry struct {
		Step      string         `json:"step"`
		Timestamp time.Time      `json:"timestamp"`
		Result    map[string]any `json:"result,omitempty"`
	}

	// Store persists run records for status reporting and lookup.
	// Implementations must be safe for concurrent use.
	Store interface {
		Upsert(ctx context.Context, record Record) error
		Load(ctx context.Context, runID string) (Record, error)
		List(ctx context.Context) ([]Record, error)
	}

	// Status represents the lifecycle state of a run.
	Status string
)

const (
	// StatusPending indicates the run has been accepted but not started yet.
	StatusPending Status = "pending"
	// StatusRunning indicates the run is actively executing.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run failed permanently.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
