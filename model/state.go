package model

import "github.com/fleetconductor/conductor/core"

// jobTransitions encodes Job.status's state machine (§3). "deleted" is a
// sink reachable from any non-running state via soft-delete; running
// requires force (enforced by the caller, not here).
var jobTransitions = map[Status][]Status{
	StatusDraft:     {StatusScheduled, StatusRunning, StatusDeleted},
	StatusScheduled: {StatusRunning, StatusDeleted},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusDeleted},
	StatusCompleted: {StatusDeleted},
	StatusFailed:    {StatusDeleted},
	StatusCancelled: {StatusDeleted},
}

// executionTransitions is Execution.status's state machine; Branch.status
// is identical (§3).
var executionTransitions = map[Status][]Status{
	StatusScheduled: {StatusRunning},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
}

func transitionAllowed(table map[Status][]Status, from, to Status) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ValidateJobTransition reports a StateConflict if from->to is illegal.
func ValidateJobTransition(from, to Status, force bool) error {
	if to == StatusDeleted && from == StatusRunning && !force {
		return core.NewStateConflictError("Job.transition", "", "cannot delete a running job without force")
	}
	if to == StatusDeleted {
		return nil // force, or already-non-running: always permitted
	}
	if !transitionAllowed(jobTransitions, from, to) {
		return core.NewStateConflictError("Job.transition", "", string(from)+" -> "+string(to)+" is not a legal transition")
	}
	return nil
}

// ValidateExecutionTransition reports a StateConflict if from->to is illegal.
// Branch shares the same table.
func ValidateExecutionTransition(from, to Status) error {
	if !transitionAllowed(executionTransitions, from, to) {
		return core.NewStateConflictError("Execution.transition", "", string(from)+" -> "+string(to)+" is not a legal transition")
	}
	return nil
}

// RollupExecutionStatus applies §3's rollup rule over terminal Branch
// statuses: any failed branch fails the execution; all completed succeeds;
// otherwise (a mix including cancelled but no failures) it's cancelled.
func RollupExecutionStatus(branches []Branch) Status {
	if len(branches) == 0 {
		return StatusCompleted
	}
	anyFailed := false
	allCompleted := true
	for _, b := range branches {
		if b.Status == StatusFailed {
			anyFailed = true
		}
		if b.Status != StatusCompleted {
			allCompleted = false
		}
	}
	if anyFailed {
		return StatusFailed
	}
	if allCompleted {
		return StatusCompleted
	}
	return StatusCancelled
}

// CountOutcomes tallies terminal Branch statuses into the Execution's
// summary counters (§3 invariant 5).
func CountOutcomes(branches []Branch) (successful, failed, cancelled int) {
	for _, b := range branches {
		switch b.Status {
		case StatusCompleted:
			successful++
		case StatusFailed:
			failed++
		case StatusCancelled:
			cancelled++
		}
	}
	return
}
