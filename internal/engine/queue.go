package engine

import "github.com/sagaworks/orchestrator/internal/domain"

// compensationQueue derives the reverse-order queue of currently
// SUCCEEDED steps used both by the step executor (when a failure
// triggers compensation) and by intake's cancel path: the definition's
// ordered steps, filtered to those in succeeded, then reversed. Queue
// order is head-first, so the last step to succeed is compensated
// first.
func compensationQueue(def *domain.WorkflowDefinition, succeeded map[string]bool) []string {
	var inOrder []string
	for _, step := range def.Steps {
		if succeeded[step.StepID] {
			inOrder = append(inOrder, step.StepID)
		}
	}
	reversed := make([]string, len(inOrder))
	for i, id := range inOrder {
		reversed[len(inOrder)-1-i] = id
	}
	return reversed
}

// succeededStepIDs collects the set of step ids currently SUCCEEDED
// for a run, from its full RunStep listing.
func succeededStepIDs(steps []domain.RunStep) map[string]bool {
	out := make(map[string]bool, len(steps))
	for _, s := range steps {
		if s.Status == domain.RunStepSucceeded {
			out[s.StepID] = true
		}
	}
	return out
}
