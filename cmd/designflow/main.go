package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepnoodle-ai/designflow"
	"github.com/deepnoodle-ai/designflow/executors"
)

// CLI configuration
type Config struct {
	RequirementsFile string
	DefinitionFile   string
	Inputs           map[string]interface{}
	OutputDir        string
	SessionsDir      string
	CheckpointsDir   string
	MetricsAddr      string
	Timeout          time.Duration
	Owner            string
	Verbose          bool
	JSON             bool
}

func main() {
	config := parseFlags()

	if config.RequirementsFile == "" {
		color.Red("Error: requirements file is required")
		flag.Usage()
		os.Exit(1)
	}
	requirements, err := os.ReadFile(config.RequirementsFile)
	if err != nil {
		color.Red("Error: cannot read requirements file '%s': %v", config.RequirementsFile, err)
		os.Exit(1)
	}

	logger := setupLogger(config)

	// Load the pipeline definition, if one was given
	definition := defaultDefinition()
	if config.DefinitionFile != "" {
		color.Blue("Loading definition from: %s", config.DefinitionFile)
		definition, err = designflow.LoadDefinition(context.Background(), config.DefinitionFile)
		if err != nil {
			log.Fatalf("Failed to load definition: %v", err)
		}
		color.Cyan("Definition: %s", definition.Name())
		if definition.Description() != "" {
			color.White("Description: %s", definition.Description())
		}
	}

	// Set up session state persistence
	var store designflow.StateStore
	if config.SessionsDir != "" {
		store, err = designflow.NewFileStateStore(config.SessionsDir)
		if err != nil {
			log.Fatalf("Failed to create state store: %v", err)
		}
		color.Blue("Sessions: %s", config.SessionsDir)
	} else {
		store = designflow.NewMemoryStateStore()
	}

	// Set up checkpointing
	var checkpointStore designflow.CheckpointStore
	if config.CheckpointsDir != "" {
		checkpointStore, err = designflow.NewFileCheckpointStore(config.CheckpointsDir)
		if err != nil {
			log.Fatalf("Failed to create checkpoint store: %v", err)
		}
		color.Blue("Checkpoints: %s", config.CheckpointsDir)
	} else {
		checkpointStore = designflow.NewMemoryCheckpointStore()
	}
	checkpoints, err := designflow.NewCheckpointManager(designflow.CheckpointManagerOptions{
		Store:  checkpointStore,
		States: store,
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to create checkpoint manager: %v", err)
	}

	var metrics *designflow.Metrics
	if config.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		metrics, err = designflow.NewMetrics(registry)
		if err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		go serveMetrics(config.MetricsAddr, registry)
		color.Blue("Metrics: http://%s/metrics", config.MetricsAddr)
	}

	orchestrator, err := definition.Orchestrator(designflow.OrchestratorOptions{
		Executors:   executors.Pipeline(config.OutputDir),
		Checkpoints: checkpoints,
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}
	defer orchestrator.Close()

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
		color.Yellow("Timeout: %v", config.Timeout)
	}

	inputs := map[string]any{"requirements": string(requirements)}
	for key, value := range config.Inputs {
		inputs[key] = value
	}

	session, err := orchestrator.StartSession(ctx, designflow.StartSessionOptions{
		Owner:  config.Owner,
		Inputs: inputs,
	})
	if err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}

	color.Green("Starting session %s...\n", session.ID())

	// Stream events while the pipeline runs
	subscription, err := orchestrator.Subscribe(session.ID())
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range subscription.Events() {
			printEvent(event)
		}
	}()

	startTime := time.Now()
	execErr := orchestrator.Execute(ctx, session.ID())
	duration := time.Since(startTime)

	orchestrator.Unsubscribe(subscription)
	<-done

	showResults(session, execErr, duration, config)
	if execErr != nil {
		os.Exit(1)
	}
}

func defaultDefinition() *designflow.Definition {
	definition, err := designflow.NewDefinition(context.Background(), designflow.DefinitionOptions{
		Name: "tank-design",
	})
	if err != nil {
		log.Fatalf("Failed to build default definition: %v", err)
	}
	return definition
}

func setupLogger(config *Config) *slog.Logger {
	if config.JSON {
		return designflow.NewJSONLogger()
	}
	level := slog.LevelWarn
	if config.Verbose {
		level = slog.LevelDebug
	}
	return designflow.NewLeveledLogger(level)
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		color.Red("Metrics server error: %v", err)
	}
}

func printEvent(event designflow.Event) {
	switch event.Kind {
	case designflow.EventStageChanged:
		color.Cyan("-> %s (%.0f%%)", event.Stage, event.Progress)
	case designflow.EventDecisionMade:
		if event.Decision != nil {
			color.Magenta("decision %s: %s (%s)",
				event.Decision.QuestionType, event.Decision.Selected.Label, event.Decision.Method)
		}
	case designflow.EventError:
		if event.Error != nil {
			color.Red("error in %s: %s", event.Error.OperationID, event.Error.Cause)
		}
	case designflow.EventPaused:
		color.Yellow("paused at %s", event.Stage)
	case designflow.EventResumed:
		color.Yellow("resumed into %s", event.Stage)
	case designflow.EventCompleted:
		color.Green("completed")
	case designflow.EventFailed:
		color.Red("failed")
	}
}

func showResults(session *designflow.Session, execErr error, duration time.Duration, config *Config) {
	fmt.Println()
	color.White("Execution finished in %v", duration)

	if config.JSON {
		summary := designflow.Summarize(session)
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			log.Fatalf("Failed to marshal summary: %v", err)
		}
		fmt.Println(string(data))
		return
	}

	if execErr != nil {
		color.Red("Error: %v", execErr)
		if report := session.Failure(); report != nil && report.LastCheckpointID != "" {
			color.Yellow("Last checkpoint: %s", report.LastCheckpointID)
		}
	} else {
		color.Green("Design pipeline successful!")
		if path, ok := session.Results()["export.path"].(string); ok {
			color.Magenta("Export: %s", path)
		}
	}
	fmt.Println()
	fmt.Print(designflow.FormatSummary(session))
}

func parseFlags() *Config {
	config := &Config{
		Inputs: make(map[string]interface{}),
	}

	flag.StringVar(&config.RequirementsFile, "requirements", "", "Path to the YAML requirements file (required)")
	flag.StringVar(&config.RequirementsFile, "r", "", "Path to the YAML requirements file (shorthand)")

	flag.StringVar(&config.DefinitionFile, "definition", "", "Path to a YAML pipeline definition file (optional)")
	flag.StringVar(&config.DefinitionFile, "d", "", "Path to a YAML pipeline definition file (shorthand)")

	var inputFlags stringSlice
	flag.Var(&inputFlags, "input", "Extra session input in format key=value (can be used multiple times)")
	flag.Var(&inputFlags, "i", "Extra session input in format key=value (shorthand)")

	flag.StringVar(&config.OutputDir, "output", ".", "Directory for the exported design package")
	flag.StringVar(&config.OutputDir, "o", ".", "Directory for the exported design package (shorthand)")

	flag.StringVar(&config.SessionsDir, "sessions", "", "Directory to persist session state (optional)")
	flag.StringVar(&config.CheckpointsDir, "checkpoints", "", "Directory to persist checkpoints (optional)")
	flag.StringVar(&config.MetricsAddr, "metrics", "", "Listen address for Prometheus metrics (optional, e.g. :9090)")
	flag.StringVar(&config.Owner, "owner", "", "Session owner id used for preference learning (optional)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Execution timeout (e.g., 30s, 5m, 1h)")
	flag.DurationVar(&config.Timeout, "t", 0, "Execution timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSON, "json", false, "Output results in JSON format")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Designflow CLI - Run the tank design pipeline

Usage: %s [options] -requirements <requirements.yaml>

Examples:
  # Run a design from a requirements document
  %s -requirements tank.yaml

  # Run with persistence, checkpoints, and a timeout
  %s -requirements tank.yaml -sessions ./sessions -checkpoints ./ckpts -timeout 5m

  # Run with a custom pipeline definition and metrics
  %s -requirements tank.yaml -definition pipeline.yaml -metrics :9090

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()

		fmt.Fprintf(os.Stderr, `
Requirements Format (YAML):
  capacity_m3:    required tank capacity in cubic meters
  pressure_kpa:   operating pressure in kPa (0 for atmospheric)
  medium:         stored medium (e.g. water, diesel, acid)
  standards:      list of applicable standards
  budget:         cost ceiling (optional)
  max_diameter_m: site diameter limit (optional)
  max_height_m:   site height limit (optional)

Input Format:
  Use -input key=value for extra session inputs (e.g. site.wind_speed_ms=40).
  Values are parsed as JSON if possible, otherwise as strings.

`)
	}

	flag.Parse()

	for _, input := range inputFlags {
		parts := strings.SplitN(input, "=", 2)
		if len(parts) != 2 {
			fmt.Fprintf(os.Stderr, "Error: invalid input format '%s'. Use key=value\n", input)
			os.Exit(1)
		}
		key, value := parts[0], parts[1]
		var parsedValue interface{}
		if err := json.Unmarshal([]byte(value), &parsedValue); err != nil {
			parsedValue = value
		}
		config.Inputs[key] = parsedValue
	}
	return config
}

// Custom flag type for handling multiple input values
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}
