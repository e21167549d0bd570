package executors

import "github.com/deepnoodle-ai/designflow"

// Pipeline returns the full built-in executor set for the tank design
// pipeline, ready to pass to an orchestrator. Exports are written under
// outputDir.
func Pipeline(outputDir string) []designflow.StageExecutor {
	return []designflow.StageExecutor{
		NewRequirementParser(),
		NewTankTypeSelector(),
		NewMaterialSelector(),
		NewOptimizationRunner(),
		NewDesignEvaluator(),
		NewOptimalSelector(),
		NewStructuralAnalyzer(),
		NewWindLoadAnalyzer(),
		NewComplianceChecker(),
		NewDesignValidator(),
		NewExportGenerator(outputDir),
	}
}
