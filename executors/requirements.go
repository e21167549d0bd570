// Package executors provides the built-in stage executors for the tank
// design pipeline. They are deterministic and idempotent, so the
// orchestrator may retry or re-run them after a checkpoint restore.
package executors

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// Requirements is the parsed requirement document for a storage tank.
type Requirements struct {
	CapacityM3  float64  `yaml:"capacity_m3" json:"capacity_m3"`
	PressureKPa float64  `yaml:"pressure_kpa" json:"pressure_kpa"`
	Medium      string   `yaml:"medium" json:"medium"`
	Standards   []string `yaml:"standards,omitempty" json:"standards,omitempty"`
	Budget      float64  `yaml:"budget,omitempty" json:"budget,omitempty"`

	// Site constraints bound the feasible geometry.
	MaxDiameterM float64 `yaml:"max_diameter_m,omitempty" json:"max_diameter_m,omitempty"`
	MaxHeightM   float64 `yaml:"max_height_m,omitempty" json:"max_height_m,omitempty"`
}

// RequirementParser parses the session's raw requirement document. It accepts
// either a YAML string under the "requirements" input or an already
// structured map. Malformed or contradictory requirements are validation
// errors and are not retried.
type RequirementParser struct{}

func NewRequirementParser() *RequirementParser {
	return &RequirementParser{}
}

func (p *RequirementParser) Name() string { return "requirement-parser" }

func (p *RequirementParser) Stage() designflow.Stage { return designflow.StageParsingRequirements }

func (p *RequirementParser) Optional() bool { return false }

func (p *RequirementParser) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	reqs, err := parseRequirements(sc.Inputs["requirements"])
	if err != nil {
		return nil, err
	}
	if err := validateRequirements(reqs); err != nil {
		return nil, err
	}
	return &designflow.StageResult{Outputs: map[string]any{
		"requirements.capacity_m3":    reqs.CapacityM3,
		"requirements.pressure_kpa":   reqs.PressureKPa,
		"requirements.medium":         reqs.Medium,
		"requirements.standards":      reqs.Standards,
		"requirements.budget":         reqs.Budget,
		"requirements.max_diameter_m": reqs.MaxDiameterM,
		"requirements.max_height_m":   reqs.MaxHeightM,
	}}, nil
}

func parseRequirements(raw any) (*Requirements, error) {
	var reqs Requirements
	switch v := raw.(type) {
	case nil:
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required input: requirements")
	case string:
		if err := yaml.Unmarshal([]byte(v), &reqs); err != nil {
			return nil, recovery.NewError(recovery.KindValidation,
				"malformed requirements document: "+err.Error())
		}
	case map[string]any:
		// Round-trip through YAML so both input shapes share one decoder.
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, recovery.NewError(recovery.KindValidation,
				"malformed requirements document: "+err.Error())
		}
		if err := yaml.Unmarshal(data, &reqs); err != nil {
			return nil, recovery.NewError(recovery.KindValidation,
				"malformed requirements document: "+err.Error())
		}
	default:
		return nil, recovery.NewError(recovery.KindValidation,
			fmt.Sprintf("invalid requirements input type %T", raw))
	}
	reqs.Medium = strings.TrimSpace(strings.ToLower(reqs.Medium))
	return &reqs, nil
}

func validateRequirements(reqs *Requirements) error {
	if reqs.CapacityM3 <= 0 {
		return recovery.NewError(recovery.KindValidation,
			"missing required field: capacity_m3 must be positive")
	}
	if reqs.Medium == "" {
		return recovery.NewError(recovery.KindValidation,
			"missing required field: medium")
	}
	if reqs.PressureKPa < 0 {
		return recovery.NewError(recovery.KindValidation,
			fmt.Sprintf("pressure_kpa out of range: %.1f must be non-negative", reqs.PressureKPa))
	}
	if reqs.MaxDiameterM > 0 && reqs.MaxHeightM > 0 {
		// A cylinder bounded by the site envelope caps achievable capacity.
		radius := reqs.MaxDiameterM / 2
		maxVolume := math.Pi * radius * radius * reqs.MaxHeightM
		if reqs.CapacityM3 > maxVolume {
			return recovery.NewError(recovery.KindValidation,
				fmt.Sprintf("contradictory requirements: capacity %.1f m3 exceeds the %.1f m3 site envelope",
					reqs.CapacityM3, maxVolume))
		}
	}
	return nil
}

// requirementsFromResults rebuilds the parsed requirements from session
// results, for downstream stages.
func requirementsFromResults(inputs map[string]any) (*Requirements, error) {
	capacity, ok := toFloat(inputs["requirements.capacity_m3"])
	if !ok {
		return nil, recovery.NewError(recovery.KindValidation,
			"missing required result: requirements.capacity_m3")
	}
	pressure, _ := toFloat(inputs["requirements.pressure_kpa"])
	medium, _ := inputs["requirements.medium"].(string)
	budget, _ := toFloat(inputs["requirements.budget"])
	maxDiameter, _ := toFloat(inputs["requirements.max_diameter_m"])
	maxHeight, _ := toFloat(inputs["requirements.max_height_m"])

	var standards []string
	switch v := inputs["requirements.standards"].(type) {
	case []string:
		standards = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				standards = append(standards, s)
			}
		}
	}
	return &Requirements{
		CapacityM3:   capacity,
		PressureKPa:  pressure,
		Medium:       medium,
		Standards:    standards,
		Budget:       budget,
		MaxDiameterM: maxDiameter,
		MaxHeightM:   maxHeight,
	}, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
