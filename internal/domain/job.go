package domain

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrIllegalTransition is returned when a state change would break monotonic ordering
var ErrIllegalTransition = errors.New("illegal state transition")

// Operation is the kind of engine invocation a job performs
type Operation string

const (
	OperationTrim  Operation = "TRIM"
	OperationMerge Operation = "MERGE"
)

// JobState represents the state of a transcode job
type JobState string

const (
	JobStatePending   JobState = "PENDING"
	JobStateRunning   JobState = "RUNNING"
	JobStateSucceeded JobState = "SUCCEEDED"
	JobStateFailed    JobState = "FAILED"
)

// Terminal reports whether no further transitions are possible
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

var jobTransitions = map[JobState][]JobState{
	JobStatePending: {JobStateRunning, JobStateFailed},
	JobStateRunning: {JobStateSucceeded, JobStateFailed},
}

// TranscodeJob is one in-flight invocation of the external engine.
// It lives in memory for the duration of the request that spawned it.
type TranscodeJob struct {
	ID         uuid.UUID
	Operation  Operation
	Inputs     []string
	Start      time.Duration
	Duration   time.Duration
	OutputPath string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time

	mu    sync.Mutex
	state JobState
}

// NewTranscodeJob creates a pending job
func NewTranscodeJob(op Operation, inputs []string, outputPath string) *TranscodeJob {
	return &TranscodeJob{
		ID:         uuid.New(),
		Operation:  op,
		Inputs:     append([]string(nil), inputs...),
		OutputPath: outputPath,
		CreatedAt:  time.Now().UTC(),
		state:      JobStatePending,
	}
}

// State returns the current job state
func (j *TranscodeJob) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Transition moves the job to the next state
func (j *TranscodeJob) Transition(to JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, allowed := range jobTransitions[j.state] {
		if allowed != to {
			continue
		}
		now := time.Now().UTC()
		switch {
		case to == JobStateRunning:
			j.StartedAt = &now
		case to.Terminal():
			j.FinishedAt = &now
		}
		j.state = to
		return nil
	}
	return fmt.Errorf("%w: job %s %s -> %s", ErrIllegalTransition, j.ID, j.state, to)
}

// FlowState is the coordinator-level state of one trim or merge request
type FlowState string

const (
	FlowReceived        FlowState = "RECEIVED"
	FlowInputsValidated FlowState = "INPUTS_VALIDATED"
	FlowExecuting       FlowState = "EXECUTING"
	FlowCommitted       FlowState = "COMMITTED"
	FlowRejected        FlowState = "REJECTED"
)

var flowTransitions = map[FlowState][]FlowState{
	FlowReceived:        {FlowInputsValidated, FlowRejected},
	FlowInputsValidated: {FlowExecuting, FlowRejected},
	FlowExecuting:       {FlowCommitted, FlowRejected},
}

// CanAdvance reports whether from -> to is a legal flow transition
func CanAdvance(from, to FlowState) bool {
	for _, allowed := range flowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
