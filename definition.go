package designflow

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepnoodle-ai/designflow/decision"
	"github.com/deepnoodle-ai/designflow/recovery"
)

// RetrySpec configures retry behavior for one error kind in a definition
// file. Durations are expressed as strings ("500ms", "30s").
type RetrySpec struct {
	MaxRetries  int     `yaml:"max_retries" json:"max_retries"`
	BaseDelay   string  `yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay    string  `yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	BackoffRate float64 `yaml:"backoff_rate,omitempty" json:"backoff_rate,omitempty"`
	Jitter      string  `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// BreakerSpec configures circuit breakers in a definition file.
type BreakerSpec struct {
	FailureThreshold int    `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     string `yaml:"reset_timeout,omitempty" json:"reset_timeout,omitempty"`
}

// DefinitionOptions is the YAML shape of a pipeline definition.
type DefinitionOptions struct {
	Name                string               `yaml:"name" json:"name"`
	Description         string               `yaml:"description,omitempty" json:"description,omitempty"`
	DefaultStageTimeout string               `yaml:"default_stage_timeout,omitempty" json:"default_stage_timeout,omitempty"`
	StageTimeouts       map[string]string    `yaml:"stage_timeouts,omitempty" json:"stage_timeouts,omitempty"`
	Rules               []decision.RuleSpec  `yaml:"rules,omitempty" json:"rules,omitempty"`
	Retry               map[string]RetrySpec `yaml:"retry,omitempty" json:"retry,omitempty"`
	CircuitBreaker      *BreakerSpec         `yaml:"circuit_breaker,omitempty" json:"circuit_breaker,omitempty"`
	PreferenceThreshold float64              `yaml:"preference_threshold,omitempty" json:"preference_threshold,omitempty"`
}

// Definition is a validated, compiled pipeline definition. It carries the
// tunable behavior of an orchestrator: stage timeouts, routing rules, retry
// policies, and circuit breaker settings.
type Definition struct {
	name                string
	description         string
	defaultStageTimeout time.Duration
	stageTimeouts       map[Stage]time.Duration
	rules               []decision.Rule
	policies            map[recovery.Kind]recovery.RetryPolicy
	breaker             recovery.BreakerConfig
	preferenceThreshold float64
}

// NewDefinition validates and compiles a definition.
func NewDefinition(ctx context.Context, opts DefinitionOptions) (*Definition, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("definition name required")
	}

	def := &Definition{
		name:                opts.Name,
		description:         opts.Description,
		stageTimeouts:       map[Stage]time.Duration{},
		policies:            recovery.DefaultPolicies(),
		breaker:             recovery.DefaultBreakerConfig(),
		preferenceThreshold: opts.PreferenceThreshold,
	}

	if opts.DefaultStageTimeout != "" {
		timeout, err := time.ParseDuration(opts.DefaultStageTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid default_stage_timeout: %w", err)
		}
		def.defaultStageTimeout = timeout
	}
	for name, value := range opts.StageTimeouts {
		stage := Stage(name)
		if !ValidStage(stage) {
			return nil, fmt.Errorf("stage_timeouts: unknown stage %q", name)
		}
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return nil, fmt.Errorf("stage_timeouts.%s: %w", name, err)
		}
		def.stageTimeouts[stage] = timeout
	}

	rules, err := decision.CompileRules(ctx, opts.Rules)
	if err != nil {
		return nil, err
	}
	def.rules = rules

	for name, spec := range opts.Retry {
		kind := recovery.Kind(name)
		if _, ok := def.policies[kind]; !ok {
			return nil, fmt.Errorf("retry: unknown error kind %q", name)
		}
		policy, err := compileRetrySpec(spec)
		if err != nil {
			return nil, fmt.Errorf("retry.%s: %w", name, err)
		}
		def.policies[kind] = policy
	}

	if opts.CircuitBreaker != nil {
		if opts.CircuitBreaker.FailureThreshold > 0 {
			def.breaker.FailureThreshold = opts.CircuitBreaker.FailureThreshold
		}
		if opts.CircuitBreaker.ResetTimeout != "" {
			timeout, err := time.ParseDuration(opts.CircuitBreaker.ResetTimeout)
			if err != nil {
				return nil, fmt.Errorf("circuit_breaker.reset_timeout: %w", err)
			}
			def.breaker.ResetTimeout = timeout
		}
	}
	return def, nil
}

func compileRetrySpec(spec RetrySpec) (recovery.RetryPolicy, error) {
	policy := recovery.RetryPolicy{
		MaxRetries:  spec.MaxRetries,
		BackoffRate: spec.BackoffRate,
	}
	if spec.BaseDelay != "" {
		delay, err := time.ParseDuration(spec.BaseDelay)
		if err != nil {
			return policy, fmt.Errorf("invalid base_delay: %w", err)
		}
		policy.BaseDelay = delay
	}
	if spec.MaxDelay != "" {
		delay, err := time.ParseDuration(spec.MaxDelay)
		if err != nil {
			return policy, fmt.Errorf("invalid max_delay: %w", err)
		}
		policy.MaxDelay = delay
	}
	switch spec.Jitter {
	case "", string(recovery.JitterNone):
		policy.Jitter = recovery.JitterNone
	case string(recovery.JitterFull):
		policy.Jitter = recovery.JitterFull
	default:
		return policy, fmt.Errorf("invalid jitter strategy %q", spec.Jitter)
	}
	return policy, nil
}

// LoadDefinition loads a pipeline definition from a YAML file.
func LoadDefinition(ctx context.Context, path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadDefinitionString(ctx, string(data))
}

// LoadDefinitionString loads a pipeline definition from a YAML string.
func LoadDefinitionString(ctx context.Context, data string) (*Definition, error) {
	var opts DefinitionOptions
	if err := yaml.Unmarshal([]byte(data), &opts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return NewDefinition(ctx, opts)
}

// Name returns the definition name.
func (d *Definition) Name() string {
	return d.name
}

// Description returns the definition description.
func (d *Definition) Description() string {
	return d.description
}

// Rules returns the compiled routing rules in declaration order.
func (d *Definition) Rules() []decision.Rule {
	return d.rules
}

// Orchestrator builds an orchestrator from the definition. Rules from the
// definition are tried before the built-in routing rules; the declared retry
// policies and breaker settings drive the recovery manager.
func (d *Definition) Orchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Logger == nil {
		opts.Logger = NewLogger()
	}
	if opts.Recovery == nil {
		opts.Recovery = recovery.NewManager(recovery.ManagerOptions{
			Breakers: recovery.NewBreakerRegistry(d.breaker),
			Policies: d.policies,
			Logger:   opts.Logger,
		})
	}
	if opts.Decisions == nil {
		opts.Decisions = decision.NewEngine(decision.EngineOptions{
			Rules:               append(append([]decision.Rule{}, d.rules...), DefaultRoutingRules()...),
			Recovery:            opts.Recovery,
			PreferenceThreshold: d.preferenceThreshold,
			Logger:              opts.Logger,
		})
	}
	if opts.StageTimeouts == nil {
		opts.StageTimeouts = d.stageTimeouts
	}
	if opts.DefaultStageTimeout <= 0 {
		opts.DefaultStageTimeout = d.defaultStageTimeout
	}
	return NewOrchestrator(opts)
}
