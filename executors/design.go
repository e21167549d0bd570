package executors

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// materialGrade describes a shell material option, ordered from cheapest to
// strongest so compliance-driven rework can upgrade deterministically.
type materialGrade struct {
	Grade        string
	YieldMPa     float64
	DensityKgM3  float64
	CostPerKg    float64
	CorrosionRes bool
}

var materialGrades = []materialGrade{
	{Grade: "A36 carbon steel", YieldMPa: 250, DensityKgM3: 7850, CostPerKg: 0.9},
	{Grade: "304 stainless", YieldMPa: 215, DensityKgM3: 8000, CostPerKg: 3.2, CorrosionRes: true},
	{Grade: "316L stainless", YieldMPa: 205, DensityKgM3: 8000, CostPerKg: 4.1, CorrosionRes: true},
	{Grade: "2205 duplex", YieldMPa: 450, DensityKgM3: 7800, CostPerKg: 5.5, CorrosionRes: true},
}

// corrosiveMedia lists media that require a corrosion-resistant grade.
var corrosiveMedia = []string{"acid", "chemical", "brine", "seawater", "potable"}

// TankTypeSelector chooses the tank geometry family from the operating
// pressure and capacity.
type TankTypeSelector struct{}

func NewTankTypeSelector() *TankTypeSelector {
	return &TankTypeSelector{}
}

func (s *TankTypeSelector) Name() string { return "tank-type-selector" }

func (s *TankTypeSelector) Stage() designflow.Stage { return designflow.StageSelectingTankType }

func (s *TankTypeSelector) Optional() bool { return false }

func (s *TankTypeSelector) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	tankType := "vertical_cylindrical"
	switch {
	case reqs.PressureKPa > 1000:
		tankType = "spherical"
	case reqs.PressureKPa > 100:
		tankType = "horizontal_cylindrical"
	case reqs.CapacityM3 > 10000:
		tankType = "vertical_cylindrical_floating_roof"
	}
	return &designflow.StageResult{Outputs: map[string]any{
		"tank.type": tankType,
	}}, nil
}

// MaterialSelector picks the shell material grade. Corrosive media require a
// corrosion-resistant grade. When the compliance stage has routed the
// pipeline back here with recorded violations, the selection is upgraded to
// the next stronger grade.
type MaterialSelector struct{}

func NewMaterialSelector() *MaterialSelector {
	return &MaterialSelector{}
}

func (s *MaterialSelector) Name() string { return "material-selector" }

func (s *MaterialSelector) Stage() designflow.Stage { return designflow.StageSelectingMaterials }

func (s *MaterialSelector) Optional() bool { return false }

func (s *MaterialSelector) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}

	index := 0
	if mediumIsCorrosive(reqs.Medium) {
		index = 1
	}
	if current, ok := sc.Inputs["material.grade_index"]; ok {
		if violations, _ := toFloat(sc.Inputs["compliance_violations"]); violations > 0 {
			prev, _ := toFloat(current)
			index = int(prev) + 1
			if index >= len(materialGrades) {
				return nil, recovery.NewError(recovery.KindFatal,
					"no stronger material grade available to resolve compliance violations")
			}
		}
	}

	grade := materialGrades[index]
	return &designflow.StageResult{Outputs: map[string]any{
		"material.grade":       grade.Grade,
		"material.grade_index": index,
		"material.yield_mpa":   grade.YieldMPa,
		"material.density":     grade.DensityKgM3,
		"material.cost_per_kg": grade.CostPerKg,
	}}, nil
}

func mediumIsCorrosive(medium string) bool {
	for _, marker := range corrosiveMedia {
		if strings.Contains(medium, marker) {
			return true
		}
	}
	return false
}

// candidate is one optimization candidate design.
type candidate struct {
	DiameterM   float64 `json:"diameter_m"`
	HeightM     float64 `json:"height_m"`
	ThicknessMM float64 `json:"thickness_mm"`
	MassKg      float64 `json:"mass_kg"`
	Cost        float64 `json:"cost"`
	Feasible    bool    `json:"feasible"`
}

// designAllowableFraction is the fraction of yield strength usable as
// allowable stress.
const designAllowableFraction = 0.66

// corrosionAllowanceMM is added to every computed shell thickness.
const corrosionAllowanceMM = 1.5

// OptimizationRunner sweeps cylinder aspect ratios for the required capacity,
// sizing the shell for the combined hydrostatic and operating pressure at the
// bottom course. Each evaluated candidate is recorded as a partial result so
// an interrupted run keeps its progress.
type OptimizationRunner struct{}

func NewOptimizationRunner() *OptimizationRunner {
	return &OptimizationRunner{}
}

func (r *OptimizationRunner) Name() string { return "optimization-runner" }

func (r *OptimizationRunner) Stage() designflow.Stage { return designflow.StageRunningOptimization }

func (r *OptimizationRunner) Optional() bool { return false }

func (r *OptimizationRunner) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	reqs, err := requirementsFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	yield, ok := toFloat(sc.Inputs["material.yield_mpa"])
	if !ok {
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required result: material.yield_mpa")
	}
	density, _ := toFloat(sc.Inputs["material.density"])
	costPerKg, _ := toFloat(sc.Inputs["material.cost_per_kg"])

	pass, _ := toFloat(sc.Inputs["optimization.pass"])

	// Aspect ratio is height over diameter. Later passes sweep a finer grid.
	ratios := []float64{0.5, 0.8, 1.0, 1.2, 1.5, 2.0}
	if pass > 0 {
		ratios = []float64{0.4, 0.6, 0.8, 0.9, 1.0, 1.1, 1.3, 1.6, 1.8, 2.2}
	}

	candidates := make([]candidate, 0, len(ratios))
	for i, ratio := range ratios {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := sizeCylinder(reqs, ratio, yield, density, costPerKg)
		candidates = append(candidates, c)
		sc.SetPartial(fmt.Sprintf("optimization.candidate.%d", i), c)
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"optimization.candidates": candidates,
		"optimization.count":      len(candidates),
		"optimization.pass":       int(pass) + 1,
	}}, nil
}

func sizeCylinder(reqs *Requirements, ratio, yieldMPa, densityKgM3, costPerKg float64) candidate {
	// V = pi/4 * D^2 * H with H = ratio * D
	diameter := math.Cbrt(4 * reqs.CapacityM3 / (math.Pi * ratio))
	height := ratio * diameter

	// Design pressure at the bottom course: operating pressure plus the
	// hydrostatic head (water-equivalent density).
	pressureKPa := reqs.PressureKPa + 9.81*height
	allowableKPa := yieldMPa * 1000 * designAllowableFraction

	thicknessM := pressureKPa * (diameter / 2) / allowableKPa
	thicknessMM := thicknessM*1000 + corrosionAllowanceMM

	// Plate is ordered in half-millimeter increments, never below the
	// minimum course thickness.
	thicknessMM = math.Ceil(thicknessMM*2) / 2
	if thicknessMM < minShellThicknessMM {
		thicknessMM = minShellThicknessMM
	}

	shellArea := math.Pi*diameter*height + 2*math.Pi*(diameter/2)*(diameter/2)
	mass := shellArea * (thicknessMM / 1000) * densityKgM3
	cost := mass * costPerKg

	feasible := true
	if reqs.MaxDiameterM > 0 && diameter > reqs.MaxDiameterM {
		feasible = false
	}
	if reqs.MaxHeightM > 0 && height > reqs.MaxHeightM {
		feasible = false
	}
	return candidate{
		DiameterM:   round2(diameter),
		HeightM:     round2(height),
		ThicknessMM: round2(thicknessMM),
		MassKg:      round2(mass),
		Cost:        round2(cost),
		Feasible:    feasible,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// maxOptimizationPasses bounds the evaluate/reoptimize loop.
const maxOptimizationPasses = 3

// DesignEvaluator scores the optimization candidates and decides whether
// another optimization pass is worth requesting. Its outputs feed the
// design_acceptance branch point.
type DesignEvaluator struct{}

func NewDesignEvaluator() *DesignEvaluator {
	return &DesignEvaluator{}
}

func (e *DesignEvaluator) Name() string { return "design-evaluator" }

func (e *DesignEvaluator) Stage() designflow.Stage { return designflow.StageEvaluatingDesigns }

func (e *DesignEvaluator) Optional() bool { return false }

func (e *DesignEvaluator) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	candidates, err := candidatesFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	pass, _ := toFloat(sc.Inputs["optimization.pass"])

	feasible := 0
	for _, c := range candidates {
		if c.Feasible {
			feasible++
		}
	}

	// Ask for another pass only while a finer sweep could still help.
	reoptimize := feasible == 0 && int(pass) < maxOptimizationPasses
	if feasible == 0 && !reoptimize {
		return nil, recovery.NewError(recovery.KindFatal,
			fmt.Sprintf("no feasible design after %d optimization passes", int(pass)))
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"evaluation.feasible_count": feasible,
		"reoptimize_requested":      reoptimize,
	}}, nil
}

// OptimalSelector picks the cheapest feasible candidate as the final design.
type OptimalSelector struct{}

func NewOptimalSelector() *OptimalSelector {
	return &OptimalSelector{}
}

func (s *OptimalSelector) Name() string { return "optimal-selector" }

func (s *OptimalSelector) Stage() designflow.Stage { return designflow.StageSelectingOptimal }

func (s *OptimalSelector) Optional() bool { return false }

func (s *OptimalSelector) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	candidates, err := candidatesFromResults(sc.Inputs)
	if err != nil {
		return nil, err
	}
	feasible := make([]candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Feasible {
			feasible = append(feasible, c)
		}
	}
	if len(feasible) == 0 {
		return nil, recovery.NewError(recovery.KindFatal,
			"no feasible candidate to select")
	}
	sort.Slice(feasible, func(i, j int) bool { return feasible[i].Cost < feasible[j].Cost })
	best := feasible[0]

	return &designflow.StageResult{Outputs: map[string]any{
		"design.diameter_m":   best.DiameterM,
		"design.height_m":     best.HeightM,
		"design.thickness_mm": best.ThicknessMM,
		"design.mass_kg":      best.MassKg,
		"design.cost":         best.Cost,
	}}, nil
}

func candidatesFromResults(inputs map[string]any) ([]candidate, error) {
	switch v := inputs["optimization.candidates"].(type) {
	case []candidate:
		return v, nil
	case []any:
		// Candidates that round-tripped through a JSON-backed store come back
		// as generic maps.
		out := make([]candidate, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, recovery.NewError(recovery.KindValidation,
					fmt.Sprintf("invalid optimization candidate type %T", item))
			}
			diameter, _ := toFloat(m["diameter_m"])
			height, _ := toFloat(m["height_m"])
			thickness, _ := toFloat(m["thickness_mm"])
			mass, _ := toFloat(m["mass_kg"])
			cost, _ := toFloat(m["cost"])
			feasible, _ := m["feasible"].(bool)
			out = append(out, candidate{
				DiameterM:   diameter,
				HeightM:     height,
				ThicknessMM: thickness,
				MassKg:      mass,
				Cost:        cost,
				Feasible:    feasible,
			})
		}
		return out, nil
	default:
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required result: optimization.candidates")
	}
}
