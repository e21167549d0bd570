package executors

import (
	"context"
	"fmt"
	"math"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// finalDesign rebuilds the selected design from session results.
type finalDesign struct {
	DiameterM   float64
	HeightM     float64
	ThicknessMM float64
	MassKg      float64
	Cost        float64
}

func designFromResults(inputs map[string]any) (*finalDesign, error) {
	diameter, ok := toFloat(inputs["design.diameter_m"])
	if !ok {
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required result: design.diameter_m")
	}
	height, _ := toFloat(inputs["design.height_m"])
	thickness, _ := toFloat(inputs["design.thickness_mm"])
	mass, _ := toFloat(inputs["design.mass_kg"])
	cost, _ := toFloat(inputs["design.cost"])
	return &finalDesign{
		DiameterM:   diameter,
		HeightM:     height,
		ThicknessMM: thickness,
		MassKg:      mass,
		Cost:        cost,
	}, nil
}

// StructuralAnalyzer computes the hoop stress utilization of the selected
// design at the bottom course.
type StructuralAnalyzer struct{}

func NewStructuralAnalyzer() *StructuralAnalyzer {
	return &StructuralAnalyzer{}
}

func (a *StructuralAnalyzer) Name() string { return "structural-analyzer" }

func (a *StructuralAnalyzer) Stage() designflow.Stage { return designflow.StageRunningAnalyses }

func (a *StructuralAnalyzer) Optional() bool { return false }

func (a *StructuralAnalyzer) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	design, err := designFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	yield, ok := toFloat(sc.Inputs["material.yield_mpa"])
	if !ok {
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required result: material.yield_mpa")
	}

	pressureKPa := reqs.PressureKPa + 9.81*design.HeightM
	wallM := (design.ThicknessMM - corrosionAllowanceMM) / 1000
	if wallM <= 0 {
		return nil, recovery.NewError(recovery.KindValidation,
			"shell thickness does not exceed the corrosion allowance")
	}
	hoopKPa := pressureKPa * (design.DiameterM / 2) / wallM
	utilization := hoopKPa / (yield * 1000 * designAllowableFraction)

	return &designflow.StageResult{Outputs: map[string]any{
		"analysis.hoop_stress_mpa":   round2(hoopKPa / 1000),
		"analysis.stress_util":       round2(utilization),
		"analysis.structural_passed": utilization <= 1.0,
	}}, nil
}

// WindLoadAnalyzer estimates overturning stability against wind load. It is
// optional: sessions without a site wind speed lose this analysis but keep
// going.
type WindLoadAnalyzer struct{}

func NewWindLoadAnalyzer() *WindLoadAnalyzer {
	return &WindLoadAnalyzer{}
}

func (a *WindLoadAnalyzer) Name() string { return "wind-load-analyzer" }

func (a *WindLoadAnalyzer) Stage() designflow.Stage { return designflow.StageRunningAnalyses }

func (a *WindLoadAnalyzer) Optional() bool { return true }

func (a *WindLoadAnalyzer) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	windSpeed, ok := toFloat(sc.Inputs["site.wind_speed_ms"])
	if !ok || windSpeed <= 0 {
		return nil, recovery.NewError(recovery.KindDegradable,
			"site wind speed unavailable, skipping wind load analysis")
	}
	design, err := designFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}

	// Drag on the projected shell area versus the resisting moment of the
	// empty shell weight.
	dynamicPressure := 0.5 * 1.225 * windSpeed * windSpeed
	overturning := dynamicPressure * design.DiameterM * design.HeightM * (design.HeightM / 2)
	resisting := design.MassKg * 9.81 * (design.DiameterM / 2)
	ratio := math.Inf(1)
	if overturning > 0 {
		ratio = resisting / overturning
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"analysis.wind_safety_ratio": round2(ratio),
		"analysis.wind_passed":       ratio >= 1.5,
	}}, nil
}

// minShellThicknessMM is the minimum nominal shell thickness accepted by the
// supported standards.
const minShellThicknessMM = 5.0

// ComplianceChecker verifies the selected design against the applicable
// rules: minimum shell thickness, structural utilization, and the stated
// budget. Its violation count feeds the compliance_resolution branch point.
type ComplianceChecker struct{}

func NewComplianceChecker() *ComplianceChecker {
	return &ComplianceChecker{}
}

func (c *ComplianceChecker) Name() string { return "compliance-checker" }

func (c *ComplianceChecker) Stage() designflow.Stage { return designflow.StageCheckingCompliance }

func (c *ComplianceChecker) Optional() bool { return false }

func (c *ComplianceChecker) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	design, err := designFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}

	var violations []string
	if design.ThicknessMM < minShellThicknessMM {
		violations = append(violations, fmt.Sprintf(
			"shell thickness %.1f mm below the %.1f mm minimum", design.ThicknessMM, minShellThicknessMM))
	}
	if passed, ok := sc.Inputs["analysis.structural_passed"].(bool); ok && !passed {
		violations = append(violations, "structural utilization exceeds the allowable stress")
	}
	if passed, ok := sc.Inputs["analysis.wind_passed"].(bool); ok && !passed {
		violations = append(violations, "wind overturning safety ratio below 1.5")
	}
	if mediumIsCorrosive(reqs.Medium) {
		if index, _ := toFloat(sc.Inputs["material.grade_index"]); !materialGrades[int(index)].CorrosionRes {
			violations = append(violations, fmt.Sprintf(
				"medium %q requires a corrosion-resistant material grade", reqs.Medium))
		}
	}
	if reqs.Budget > 0 && design.Cost > reqs.Budget {
		violations = append(violations, fmt.Sprintf(
			"estimated cost %.0f exceeds the %.0f budget", design.Cost, reqs.Budget))
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"compliance_violations": len(violations),
		"compliance.findings":   violations,
	}}, nil
}

// capacityToleranceFraction is the accepted deviation between the required
// capacity and the capacity of the final geometry.
const capacityToleranceFraction = 0.02

// DesignValidator cross-checks the final geometry against the original
// requirements. Its validation_passed output feeds the validation_resolution
// branch point.
type DesignValidator struct{}

func NewDesignValidator() *DesignValidator {
	return &DesignValidator{}
}

func (v *DesignValidator) Name() string { return "design-validator" }

func (v *DesignValidator) Stage() designflow.Stage { return designflow.StageValidatingDesign }

func (v *DesignValidator) Optional() bool { return false }

func (v *DesignValidator) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	design, err := designFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}

	radius := design.DiameterM / 2
	achieved := math.Pi * radius * radius * design.HeightM
	deviation := math.Abs(achieved-reqs.CapacityM3) / reqs.CapacityM3

	passed := deviation <= capacityToleranceFraction
	if violations, _ := toFloat(sc.Inputs["compliance_violations"]); violations > 0 {
		passed = false
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"validation.capacity_m3":       round2(achieved),
		"validation.deviation_percent": round2(deviation * 100),
		"validation_passed":            passed,
	}}, nil
}
