package designflow

import "time"

// Stage identifies one step of the design pipeline state machine.
type Stage string

const (
	StageInitializing        Stage = "initializing"
	StageParsingRequirements Stage = "parsing_requirements"
	StageSelectingTankType   Stage = "selecting_tank_type"
	StageSelectingMaterials  Stage = "selecting_materials"
	StageRunningOptimization Stage = "running_optimization"
	StageEvaluatingDesigns   Stage = "evaluating_designs"
	StageSelectingOptimal    Stage = "selecting_optimal"
	StageRunningAnalyses     Stage = "running_analyses"
	StageCheckingCompliance  Stage = "checking_compliance"
	StageValidatingDesign    Stage = "validating_design"
	StageGeneratingExport    Stage = "generating_export"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"

	// StagePaused is orthogonal to the pipeline: it is reachable from any
	// non-terminal stage and resumes back into a non-terminal stage.
	StagePaused Stage = "paused"
)

// stageDef describes the static properties of a single stage. Weight is the
// stage's share of overall progress (all weights sum to 100) and Estimate is
// the fixed duration heuristic used for ETA computation. Next is the
// allowed-successor set; entries that point backward in stage space are
// rollback edges and are ordinary transitions.
type stageDef struct {
	Weight   int
	Estimate time.Duration
	Next     []Stage
}

var stageTable = map[Stage]stageDef{
	StageInitializing: {
		Weight:   2,
		Estimate: 2 * time.Second,
		Next:     []Stage{StageParsingRequirements, StageFailed},
	},
	StageParsingRequirements: {
		Weight:   5,
		Estimate: 10 * time.Second,
		Next:     []Stage{StageSelectingTankType, StageFailed},
	},
	StageSelectingTankType: {
		Weight:   4,
		Estimate: 5 * time.Second,
		Next:     []Stage{StageSelectingMaterials, StageFailed},
	},
	StageSelectingMaterials: {
		Weight:   5,
		Estimate: 5 * time.Second,
		Next:     []Stage{StageRunningOptimization, StageFailed},
	},
	StageRunningOptimization: {
		Weight:   30,
		Estimate: 120 * time.Second,
		Next:     []Stage{StageEvaluatingDesigns, StageFailed},
	},
	StageEvaluatingDesigns: {
		Weight:   10,
		Estimate: 20 * time.Second,
		Next:     []Stage{StageSelectingOptimal, StageRunningOptimization, StageFailed},
	},
	StageSelectingOptimal: {
		Weight:   4,
		Estimate: 5 * time.Second,
		Next:     []Stage{StageRunningAnalyses, StageFailed},
	},
	StageRunningAnalyses: {
		Weight:   20,
		Estimate: 60 * time.Second,
		Next:     []Stage{StageCheckingCompliance, StageFailed},
	},
	StageCheckingCompliance: {
		Weight:   8,
		Estimate: 15 * time.Second,
		Next:     []Stage{StageValidatingDesign, StageSelectingMaterials, StageFailed},
	},
	StageValidatingDesign: {
		Weight:   6,
		Estimate: 10 * time.Second,
		Next:     []Stage{StageGeneratingExport, StageRunningOptimization, StageFailed},
	},
	StageGeneratingExport: {
		Weight:   6,
		Estimate: 15 * time.Second,
		Next:     []Stage{StageCompleted, StageFailed},
	},
	StageCompleted: {},
	StageFailed:    {},
}

// milestoneStages is the static subset of stages at which the orchestrator
// creates checkpoints after the stage completes.
var milestoneStages = map[Stage]bool{
	StageSelectingMaterials: true,
	StageSelectingOptimal:   true,
	StageCheckingCompliance: true,
	StageGeneratingExport:   true,
}

// totalStageWeight is the sum of all stage weights (100 by construction).
const totalStageWeight = 100

// ValidStage reports whether s is a member of the fixed stage set.
func ValidStage(s Stage) bool {
	if s == StagePaused {
		return true
	}
	_, ok := stageTable[s]
	return ok
}

// IsTerminal reports whether s is a terminal stage.
func IsTerminal(s Stage) bool {
	return s == StageCompleted || s == StageFailed
}

// IsMilestone reports whether a checkpoint is taken when s completes.
func IsMilestone(s Stage) bool {
	return milestoneStages[s]
}

// AllowedSuccessors returns the allowed-successor set for s, excluding the
// orthogonal paused stage. The returned slice must not be modified.
func AllowedSuccessors(s Stage) []Stage {
	return stageTable[s].Next
}

// StageWeight returns the progress weight for s.
func StageWeight(s Stage) int {
	return stageTable[s].Weight
}

// StageEstimate returns the fixed duration estimate for s.
func StageEstimate(s Stage) time.Duration {
	return stageTable[s].Estimate
}

// PipelineStages lists the pipeline stages in their canonical forward order,
// excluding terminal stages and paused.
func PipelineStages() []Stage {
	return []Stage{
		StageInitializing,
		StageParsingRequirements,
		StageSelectingTankType,
		StageSelectingMaterials,
		StageRunningOptimization,
		StageEvaluatingDesigns,
		StageSelectingOptimal,
		StageRunningAnalyses,
		StageCheckingCompliance,
		StageValidatingDesign,
		StageGeneratingExport,
	}
}
