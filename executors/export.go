package executors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// ExportReport is the JSON document produced for a completed design.
type ExportReport struct {
	SessionID   string         `json:"session_id"`
	GeneratedAt time.Time      `json:"generated_at"`
	TankType    string         `json:"tank_type"`
	Design      map[string]any `json:"design"`
	Material    map[string]any `json:"material"`
	Analysis    map[string]any `json:"analysis"`
	Compliance  map[string]any `json:"compliance"`
	Validation  map[string]any `json:"validation"`
}

// ExportGenerator writes the final design package as a JSON report under the
// configured output directory.
type ExportGenerator struct {
	outputDir string
}

func NewExportGenerator(outputDir string) *ExportGenerator {
	return &ExportGenerator{outputDir: outputDir}
}

func (g *ExportGenerator) Name() string { return "export-generator" }

func (g *ExportGenerator) Stage() designflow.Stage { return designflow.StageGeneratingExport }

func (g *ExportGenerator) Optional() bool { return false }

func (g *ExportGenerator) Execute(ctx context.Context, sc *designflow.StageContext) (*designflow.StageResult, error) {
	if _, err := designFromResults(sc.Inputs); err != nil {
		return nil, err
	}
	tankType, _ := sc.Inputs["tank.type"].(string)
	report := ExportReport{
		SessionID:   sc.SessionID,
		GeneratedAt: time.Now(),
		TankType:    tankType,
		Design:      collectPrefix(sc.Inputs, "design."),
		Material:    collectPrefix(sc.Inputs, "material."),
		Analysis:    collectPrefix(sc.Inputs, "analysis."),
		Compliance:  collectPrefix(sc.Inputs, "compliance."),
		Validation:  collectPrefix(sc.Inputs, "validation."),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, recovery.WrapError(recovery.KindFatal, err)
	}

	dir := g.outputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, sc.SessionID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	return &designflow.StageResult{Outputs: map[string]any{
		"export.path": path,
	}}, nil
}

func collectPrefix(inputs map[string]any, prefix string) map[string]any {
	out := map[string]any{}
	for key, value := range inputs {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = value
		}
	}
	return out
}
