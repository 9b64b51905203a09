// Package pipelinedef parses YAML pipeline definitions and binds them to
// registered task implementations.
package pipelinedef

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/featureline-labs/featureline-go/internal/pipeline"
	"github.com/featureline-labs/featureline-go/internal/qualitygate"
)

// File is the YAML shape of a pipeline definition.
type File struct {
	Pipeline string     `yaml:"pipeline"`
	Tasks    []TaskSpec `yaml:"tasks"`
}

// Duration decodes YAML scalars like "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

type TaskSpec struct {
	ID        string     `yaml:"id"`
	DependsOn []string   `yaml:"depends_on"`
	Retry     RetrySpec  `yaml:"retry"`
	Timeout   Duration   `yaml:"timeout"`
	Optional  bool       `yaml:"optional"`
	Gates     []GateSpec `yaml:"gates"`
}

type RetrySpec struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BackoffBase       Duration `yaml:"backoff_base"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
}

type GateSpec struct {
	Metric    string  `yaml:"metric"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

// Parse decodes and validates a YAML definition. Graph-level validation
// (cycles, unknown dependencies) happens later at Submit.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

func (f File) Validate() error {
	if strings.TrimSpace(f.Pipeline) == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(f.Tasks) == 0 {
		return fmt.Errorf("pipeline %s has no tasks", f.Pipeline)
	}
	for _, t := range f.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return fmt.Errorf("pipeline %s has a task with no id", f.Pipeline)
		}
		if t.Retry.MaxAttempts < 0 {
			return fmt.Errorf("task %s: max_attempts must be >= 0", t.ID)
		}
		if t.Timeout < 0 {
			return fmt.Errorf("task %s: timeout must be >= 0", t.ID)
		}
		for _, g := range t.Gates {
			if err := gateCheck(g).Validate(); err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
	}
	return nil
}

// Bind resolves each task id against the registry and expands gates into
// dedicated gate tasks downstream of their source. A gate task is named
// <task>_gate and carries the source task's dependents through itself.
func Bind(f File, registry map[string]pipeline.TaskFunc) (pipeline.Definition, error) {
	def := pipeline.Definition{Pipeline: f.Pipeline}
	for _, spec := range f.Tasks {
		fn, ok := registry[spec.ID]
		if !ok {
			return pipeline.Definition{}, fmt.Errorf("pipeline %s: no implementation registered for task %s", f.Pipeline, spec.ID)
		}
		def.Tasks = append(def.Tasks, pipeline.TaskUnit{
			ID:        spec.ID,
			DependsOn: gatedDeps(f, spec.DependsOn),
			Run:       fn,
			Retry: pipeline.RetryPolicy{
				MaxAttempts:       spec.Retry.MaxAttempts,
				BackoffBase:       time.Duration(spec.Retry.BackoffBase),
				BackoffMultiplier: spec.Retry.BackoffMultiplier,
			},
			Timeout:  time.Duration(spec.Timeout),
			Optional: spec.Optional,
		})
		if len(spec.Gates) == 0 {
			continue
		}
		checks := make([]qualitygate.Check, 0, len(spec.Gates))
		for _, g := range spec.Gates {
			checks = append(checks, gateCheck(g))
		}
		def.Tasks = append(def.Tasks, pipeline.TaskUnit{
			ID:        spec.ID + "_gate",
			DependsOn: []string{spec.ID},
			Run:       qualitygate.GateTask(spec.ID, checks),
		})
	}
	return def, nil
}

// gatedDeps adds the gate of any gated dependency, so downstream tasks
// only start once the gate passes while still seeing the source output.
func gatedDeps(f File, deps []string) []string {
	gated := make(map[string]bool, len(f.Tasks))
	for _, t := range f.Tasks {
		if len(t.Gates) > 0 {
			gated[t.ID] = true
		}
	}
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		out = append(out, dep)
		if gated[dep] {
			out = append(out, dep+"_gate")
		}
	}
	return out
}

func gateCheck(g GateSpec) qualitygate.Check {
	return qualitygate.Check{
		Metric:    g.Metric,
		Op:        qualitygate.Comparator(g.Op),
		Threshold: g.Threshold,
		Severity:  qualitygate.Severity(g.Severity),
	}
}
