package taskmanager

import (
	"fmt"

	"hivecore/internal/domain"
)

var allowedTransitions = map[domain.TaskRunStatus]map[domain.TaskRunStatus]struct{}{
	domain.TaskRunCreated: {
		domain.TaskRunScheduled: {},
		domain.TaskRunPending:   {},
		domain.TaskRunStopped:   {},
	},
	domain.TaskRunPending: {
		domain.TaskRunScheduled: {},
		domain.TaskRunStopped:   {},
	},
	domain.TaskRunScheduled: {
		domain.TaskRunAwaitingAgent: {},
		domain.TaskRunStopped:       {},
	},
	domain.TaskRunAwaitingAgent: {
		domain.TaskRunExecuting: {},
		domain.TaskRunFailed:    {},
		domain.TaskRunScheduled: {},
		domain.TaskRunStopped:   {},
	},
	domain.TaskRunExecuting: {
		domain.TaskRunCompleted: {},
		domain.TaskRunFailed:    {},
		domain.TaskRunScheduled: {},
		domain.TaskRunStopped:   {},
	},
	domain.TaskRunFailed: {
		domain.TaskRunScheduled: {},
		domain.TaskRunStopped:   {},
	},
	domain.TaskRunStopped: {
		domain.TaskRunScheduled: {},
		domain.TaskRunPending:   {},
		domain.TaskRunCreated:   {},
	},
	domain.TaskRunCompleted: {},
}

// ValidateStatus reports whether status is part of the run state machine.
func ValidateStatus(status domain.TaskRunStatus) error {
	if _, ok := allowedTransitions[status]; !ok {
		return fmt.Errorf("invalid task run status: %q", status)
	}
	return nil
}

// ValidateTransition checks a single status change against the state machine.
func ValidateTransition(from, to domain.TaskRunStatus) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// retryDecision reports whether a failed attempt is retried, given the number
// of retries already spent.
func retryDecision(attempt, maxRetries int) bool {
	return maxRetries > 0 && attempt < maxRetries
}
