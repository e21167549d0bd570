package executors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/recovery"
)

func stageContext(stage designflow.Stage, inputs map[string]any) *designflow.StageContext {
	return designflow.NewStageContext("session-1", stage, inputs)
}

func requireKind(t *testing.T, err error, kind recovery.Kind) *recovery.Error {
	t.Helper()
	require.Error(t, err)
	var rerr *recovery.Error
	require.True(t, errors.As(err, &rerr), "error %v is not classified", err)
	require.Equal(t, kind, rerr.Kind)
	return rerr
}

const validRequirementsYAML = `
capacity_m3: 500
pressure_kpa: 900
medium: Water
standards: [API-650]
budget: 200000
max_diameter_m: 20
max_height_m: 20
`

func TestRequirementParserParsesYAML(t *testing.T) {
	parser := NewRequirementParser()
	result, err := parser.Execute(context.Background(), stageContext(parser.Stage(), map[string]any{
		"requirements": validRequirementsYAML,
	}))
	require.NoError(t, err)

	require.Equal(t, 500.0, result.Outputs["requirements.capacity_m3"])
	require.Equal(t, 900.0, result.Outputs["requirements.pressure_kpa"])
	require.Equal(t, "water", result.Outputs["requirements.medium"])
	require.Equal(t, []string{"API-650"}, result.Outputs["requirements.standards"])
	require.Equal(t, 200000.0, result.Outputs["requirements.budget"])
}

func TestRequirementParserAcceptsStructuredMap(t *testing.T) {
	parser := NewRequirementParser()
	result, err := parser.Execute(context.Background(), stageContext(parser.Stage(), map[string]any{
		"requirements": map[string]any{
			"capacity_m3":  250,
			"pressure_kpa": 50,
			"medium":       "  Diesel ",
		},
	}))
	require.NoError(t, err)
	require.Equal(t, 250.0, result.Outputs["requirements.capacity_m3"])
	require.Equal(t, "diesel", result.Outputs["requirements.medium"])
}

func TestRequirementParserValidation(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{
			name: "missing input",
			want: "missing required input",
		},
		{
			name:  "malformed yaml",
			input: "capacity_m3: [oops",
			want:  "malformed requirements document",
		},
		{
			name:  "wrong input type",
			input: 42,
			want:  "invalid requirements input type",
		},
		{
			name:  "zero capacity",
			input: "medium: water",
			want:  "capacity_m3 must be positive",
		},
		{
			name:  "missing medium",
			input: "capacity_m3: 100",
			want:  "missing required field: medium",
		},
		{
			name:  "negative pressure",
			input: "capacity_m3: 100\nmedium: water\npressure_kpa: -5",
			want:  "pressure_kpa out of range",
		},
		{
			name:  "capacity exceeds site envelope",
			input: "capacity_m3: 10000\nmedium: water\nmax_diameter_m: 4\nmax_height_m: 4",
			want:  "contradictory requirements",
		},
	}
	parser := NewRequirementParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inputs := map[string]any{}
			if tt.input != nil {
				inputs["requirements"] = tt.input
			}
			_, err := parser.Execute(context.Background(), stageContext(parser.Stage(), inputs))
			rerr := requireKind(t, err, recovery.KindValidation)
			require.Contains(t, rerr.Cause, tt.want)
		})
	}
}

func TestRequirementsFromResultsRoundTrip(t *testing.T) {
	parser := NewRequirementParser()
	result, err := parser.Execute(context.Background(), stageContext(parser.Stage(), map[string]any{
		"requirements": validRequirementsYAML,
	}))
	require.NoError(t, err)

	reqs, err := requirementsFromResults(result.Outputs)
	require.NoError(t, err)
	require.Equal(t, 500.0, reqs.CapacityM3)
	require.Equal(t, 900.0, reqs.PressureKPa)
	require.Equal(t, "water", reqs.Medium)
	require.Equal(t, []string{"API-650"}, reqs.Standards)
	require.Equal(t, 20.0, reqs.MaxDiameterM)
}

func TestRequirementsFromResultsToleratesStoreTypes(t *testing.T) {
	// Results loaded back from a JSON-backed store carry generic types.
	reqs, err := requirementsFromResults(map[string]any{
		"requirements.capacity_m3":  float64(100),
		"requirements.pressure_kpa": int(50),
		"requirements.medium":       "water",
		"requirements.standards":    []any{"API-650", "EN 14015"},
	})
	require.NoError(t, err)
	require.Equal(t, 50.0, reqs.PressureKPa)
	require.Equal(t, []string{"API-650", "EN 14015"}, reqs.Standards)

	_, err = requirementsFromResults(map[string]any{})
	requireKind(t, err, recovery.KindValidation)
}
