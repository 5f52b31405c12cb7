package lifecycle

import (
	"slices"

	"github.com/ashita-ai/jikken/internal/model"
)

// forward lists the pipeline edges. Pause, resume and kill edges are derived
// in Allowed.
var forward = map[model.ExperimentStatus][]model.ExperimentStatus{
	model.StatusDraft:             {model.StatusScoring, model.StatusPlanning, model.StatusExecuting},
	model.StatusSignalDetected:    {model.StatusScoring},
	model.StatusScoring:           {model.StatusPlanning, model.StatusScoringFailed, model.StatusDiscarded},
	model.StatusScoringFailed:     {model.StatusScoring},
	model.StatusPlanning:          {model.StatusBuilding, model.StatusPlanningFailed},
	model.StatusPlanningFailed:    {model.StatusPlanning},
	model.StatusBuilding:          {model.StatusAwaitingApproval, model.StatusBuildingFailed},
	model.StatusBuildingFailed:    {model.StatusBuilding},
	model.StatusAwaitingApproval:  {model.StatusApproved, model.StatusRejected, model.StatusExpired},
	model.StatusRejected:          {model.StatusPlanning},
	model.StatusApproved:          {model.StatusExecuting},
	model.StatusExecuting:         {model.StatusCollectingMetrics, model.StatusCompleted, model.StatusExecutionFailed},
	model.StatusExecutionFailed:   {model.StatusExecuting},
	model.StatusCollectingMetrics: {model.StatusEvaluating},
	model.StatusEvaluating:        {model.StatusIterating, model.StatusCompleted},
	model.StatusIterating:         {model.StatusPlanning, model.StatusExecuting},
}

// Allowed reports whether the table permits from -> to. Same-state moves and
// anything leaving a terminal state are never allowed.
func Allowed(from, to model.ExperimentStatus) bool {
	if from == to || from.IsTerminal() || !to.Valid() {
		return false
	}
	switch {
	case to == model.StatusKilled:
		return true
	case to == model.StatusPaused:
		return from.IsPausable()
	case from == model.StatusPaused:
		return to.IsPausable()
	}
	return slices.Contains(forward[from], to)
}

// ValidTargets returns every status reachable from from in one step.
func ValidTargets(from model.ExperimentStatus) []model.ExperimentStatus {
	var out []model.ExperimentStatus
	for _, to := range model.AllStatuses {
		if Allowed(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// StageFor maps a working status to the stage that runs in it.
func StageFor(s model.ExperimentStatus) (model.StageType, bool) {
	switch s {
	case model.StatusScoring:
		return model.StageScoring, true
	case model.StatusPlanning:
		return model.StagePlanning, true
	case model.StatusBuilding:
		return model.StageBuilding, true
	case model.StatusExecuting:
		return model.StageExecuting, true
	case model.StatusCollectingMetrics:
		return model.StageCollectingMetrics, true
	case model.StatusEvaluating:
		return model.StageEvaluating, true
	}
	return "", false
}

// FailedStateFor maps a stage to the experiment status entered when it
// exhausts its attempts. Stages without a failed variant return false.
func FailedStateFor(t model.StageType) (model.ExperimentStatus, bool) {
	switch t {
	case model.StageScoring:
		return model.StatusScoringFailed, true
	case model.StagePlanning:
		return model.StatusPlanningFailed, true
	case model.StageBuilding:
		return model.StatusBuildingFailed, true
	case model.StageExecuting:
		return model.StatusExecutionFailed, true
	}
	return "", false
}

// RetryStateFor maps a failed status back to the status that reruns its stage.
func RetryStateFor(s model.ExperimentStatus) (model.ExperimentStatus, bool) {
	switch s {
	case model.StatusScoringFailed:
		return model.StatusScoring, true
	case model.StatusPlanningFailed:
		return model.StatusPlanning, true
	case model.StatusBuildingFailed:
		return model.StatusBuilding, true
	case model.StatusExecutionFailed:
		return model.StatusExecuting, true
	}
	return "", false
}

var stageJobs = map[model.ExperimentStatus]struct {
	kind  model.JobKind
	queue string
}{
	model.StatusScoring:           {model.JobStageScoring, model.QueueAI},
	model.StatusPlanning:          {model.JobStagePlanning, model.QueueAI},
	model.StatusBuilding:          {model.JobStageBuilding, model.QueueAI},
	model.StatusExecuting:         {model.JobStageExecuting, model.QueueOutbound},
	model.StatusCollectingMetrics: {model.JobStageCollectingMetrics, model.QueueMetrics},
	model.StatusEvaluating:        {model.JobStageEvaluating, model.QueueAI},
	model.StatusIterating:         {model.JobExperimentIterate, model.QueueExperiments},
}

// jobFor returns the single unit of work scheduled by entering to. Human
// gates and terminal states schedule nothing.
func jobFor(exp model.Experiment, to model.ExperimentStatus, hasSteps bool) (model.Job, bool) {
	spec, ok := stageJobs[to]
	if !ok {
		return model.Job{}, false
	}
	if to == model.StatusExecuting && hasSteps {
		spec.kind, spec.queue = model.JobPlaybookStart, model.QueueExperiments
	}
	return model.Job{
		Queue:        spec.queue,
		Kind:         spec.kind,
		ExperimentID: exp.ID,
		TeamID:       exp.TeamID,
		Payload:      map[string]any{"iteration": exp.CurrentIteration},
		MaxAttempts:  3,
	}, true
}
