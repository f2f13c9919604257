package types

import (
	"sort"
	"time"
)

// RunState is a state of the rollout state machine
type RunState string

const (
	RunPlanning         RunState = "planning"
	RunWaveExecuting    RunState = "wave-executing"
	RunWaveVerifying    RunState = "wave-verifying"
	RunCompleted        RunState = "completed"
	RunAborted          RunState = "aborted"
	RunConflictRejected RunState = "conflict-rejected"
	RunFailed           RunState = "failed" // pre-apply error, nothing applied
)

// Terminal reports whether no further transitions can happen
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunAborted, RunConflictRejected, RunFailed:
		return true
	}
	return false
}

// RunOutcome summarizes how much of a run reached the cluster
type RunOutcome string

const (
	OutcomeNothingApplied   RunOutcome = "nothing-applied"
	OutcomePartiallyApplied RunOutcome = "partially-applied"
	OutcomeFullyApplied     RunOutcome = "fully-applied"
)

// WaveResult is the outcome of one wave
type WaveResult string

const (
	WaveSucceeded WaveResult = "succeeded"
	WaveAborted   WaveResult = "aborted"
	WaveSkipped   WaveResult = "not-attempted"
)

// OperationResult is the outcome of one operation
type OperationResult string

const (
	OpResultApplied   OperationResult = "applied"
	OpResultFailed    OperationResult = "failed"
	OpResultUnhealthy OperationResult = "unhealthy"
	OpResultSkipped   OperationResult = "not-attempted"
)

// InstanceStatus is the convergence status of one (node, service) pair
type InstanceStatus string

const (
	InstanceConverged    InstanceStatus = "converged"
	InstanceFailed       InstanceStatus = "failed"
	InstanceNotAttempted InstanceStatus = "not-attempted"
	InstanceBlocked      InstanceStatus = "blocked"
)

// OperationReport records what happened to one operation
type OperationReport struct {
	Kind    OperationKind   `json:"kind" yaml:"kind"`
	Node    NodeID          `json:"node" yaml:"node"`
	Service string          `json:"service" yaml:"service"`
	Result  OperationResult `json:"result" yaml:"result"`
	Error   string          `json:"error,omitempty" yaml:"error,omitempty"`
}

// WaveReport records what happened to one wave
type WaveReport struct {
	Index      int                `json:"index" yaml:"index"`
	Name       string             `json:"name" yaml:"name"`
	Result     WaveResult         `json:"result" yaml:"result"`
	Operations []*OperationReport `json:"operations" yaml:"operations"`
}

// InstanceReport is the final state of one (node, service) pair
type InstanceReport struct {
	Node    NodeID         `json:"node" yaml:"node"`
	Service string         `json:"service" yaml:"service"`
	Status  InstanceStatus `json:"status" yaml:"status"`
	Reason  string         `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Transition records one state machine step
type Transition struct {
	From RunState  `json:"from" yaml:"from"`
	To   RunState  `json:"to" yaml:"to"`
	At   time.Time `json:"at" yaml:"at"`
}

// RunReport is the structured result of a run
type RunReport struct {
	RunID       string            `json:"run_id" yaml:"run_id"`
	Project     string            `json:"project" yaml:"project"`
	Version     uint64            `json:"version" yaml:"version"`
	State       RunState          `json:"state" yaml:"state"`
	Outcome     RunOutcome        `json:"outcome" yaml:"outcome"`
	StoppedAt   int               `json:"stopped_at_wave,omitempty" yaml:"stopped_at_wave,omitempty"`
	Error       string            `json:"error,omitempty" yaml:"error,omitempty"`
	Waves       []*WaveReport     `json:"waves,omitempty" yaml:"waves,omitempty"`
	Instances   []*InstanceReport `json:"instances,omitempty" yaml:"instances,omitempty"`
	Warnings    []string          `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Transitions []Transition      `json:"transitions,omitempty" yaml:"transitions,omitempty"`
	StartedAt   time.Time         `json:"started_at" yaml:"started_at"`
	FinishedAt  time.Time         `json:"finished_at" yaml:"finished_at"`
}

// Applied returns every operation report with an applied result
func (r *RunReport) Applied() []*OperationReport {
	var applied []*OperationReport
	for _, w := range r.Waves {
		for _, op := range w.Operations {
			if op.Result == OpResultApplied {
				applied = append(applied, op)
			}
		}
	}
	return applied
}

// Instance returns the report for one pair, or nil
func (r *RunReport) Instance(node NodeID, service string) *InstanceReport {
	for _, in := range r.Instances {
		if in.Node == node && in.Service == service {
			return in
		}
	}
	return nil
}

func sortStrings(s []string) {
	sort.Strings(s)
}
