// Package config implements the runtime's typed configuration document:
// YAML loading, JSON Schema validation, and semantic-version compatibility
// checking, following profile_loader.go's YAML-load shape, the firewall
// package's jsonschema.Compiler wiring for validation, and
// pack/matrix.go's semver.NewConstraint pattern for version
// compatibility.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// PulseConfig configures the Liveness Monitor's pulse cadence.
type PulseConfig struct {
	IntervalTicks int `yaml:"interval_ticks" json:"interval_ticks"`
	GraceTicks    int `yaml:"grace_ticks" json:"grace_ticks"`
	MaxMissed     int `yaml:"max_missed" json:"max_missed"`
}

// StressWeights weights the Stress Monitor's composite formula inputs.
type StressWeights struct {
	Health    float64 `yaml:"health" json:"health"`
	Entropy   float64 `yaml:"entropy" json:"entropy"`
	Resources float64 `yaml:"resources" json:"resources"`
	SCI       float64 `yaml:"sci" json:"sci"`
}

// StressThresholds are the Low/Medium/High stress level boundaries.
type StressThresholds struct {
	Low    float64 `yaml:"low" json:"low"`
	Medium float64 `yaml:"medium" json:"medium"`
	High   float64 `yaml:"high" json:"high"`
}

// StressConfig configures the Stress Monitor.
type StressConfig struct {
	Weights    StressWeights    `yaml:"weights" json:"weights"`
	Thresholds StressThresholds `yaml:"thresholds" json:"thresholds"`
}

// SpawnLimits caps concurrent spawns per stress level.
type SpawnLimits struct {
	Low      int `yaml:"low" json:"low"`
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// SpawnConfig configures the Spawn Governor.
type SpawnConfig struct {
	Limits   SpawnLimits `yaml:"limits" json:"limits"`
	MaxDepth int         `yaml:"max_depth" json:"max_depth"`
}

// CircuitBreakerConfig configures the four named breakers' trip
// thresholds.
type CircuitBreakerConfig struct {
	Spawn        float64 `yaml:"spawn" json:"spawn"`
	Lineage      float64 `yaml:"lineage" json:"lineage"`
	SCIBroadcast float64 `yaml:"sci_broadcast" json:"sci_broadcast"`
	Allocation   float64 `yaml:"allocation" json:"allocation"`
}

// PipelineBudgets configures each pipeline stage's latency budget in
// milliseconds. DeliberationMS is accepted in the document but nothing
// reads it; the pipeline gives the Deliberation stage no budget of its
// own.
type PipelineBudgets struct {
	ReflexMS      int `yaml:"reflex_ms" json:"reflex_ms"`
	IntuitionMS   int `yaml:"intuition_ms" json:"intuition_ms"`
	CoherenceMS   int `yaml:"coherence_ms" json:"coherence_ms"`
	ArbiterMS     int `yaml:"arbiter_ms" json:"arbiter_ms"`
	DeliberationMS int `yaml:"deliberation_ms,omitempty" json:"deliberation_ms,omitempty"`
}

// CoherenceConfig configures the Coherence stage: the swarm coherence
// index and health composite floors, plus the maximum tolerated
// projected-entropy delta above which a request is rejected outright.
type CoherenceConfig struct {
	MinSCI          float64 `yaml:"min_sci" json:"min_sci"`
	MinHealth       float64 `yaml:"min_health" json:"min_health"`
	MaxEntropyDelta float64 `yaml:"max_entropy_delta" json:"max_entropy_delta"`
}

// IntuitionConfig configures the Intuition stage.
type IntuitionConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
}

// SandboxConfig configures the Sandbox Enforcer's escalation policy.
type SandboxConfig struct {
	ViolationThreshold    int  `yaml:"violation_threshold" json:"violation_threshold"`
	AutoEscalateOnCritical bool `yaml:"auto_escalate_on_critical" json:"auto_escalate_on_critical"`
}

// AuditConfig configures the Audit Log's durability and retention.
type AuditConfig struct {
	Durability   string `yaml:"durability" json:"durability"`
	RetentionDays int   `yaml:"retention_days" json:"retention_days"`
}

// OverrideConfig configures the Override Interface's latency bound.
type OverrideConfig struct {
	LatencyBudgetMS int `yaml:"latency_budget_ms" json:"latency_budget_ms"`
}

// RedisConfig configures the bus's Redis-backed dedup cache.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
}

// S3ArchiveConfig configures the Audit Log's cold-storage archival sink.
type S3ArchiveConfig struct {
	Bucket string `yaml:"bucket" json:"bucket"`
	Region string `yaml:"region" json:"region"`
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// WasiConfig configures the Sandbox Enforcer's WASI confinement limits.
type WasiConfig struct {
	MemoryLimitBytes int64 `yaml:"memory_limit_bytes" json:"memory_limit_bytes"`
	CPUTimeLimitMS   int   `yaml:"cpu_time_limit_ms" json:"cpu_time_limit_ms"`
}

// MotifLibraryConfig points at the externally-maintained Reflex motif
// pattern file. Pattern content is kept out of the main configuration
// document so it can be authored and rotated independently, without
// touching the rest of the runtime's operational tuning.
type MotifLibraryConfig struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// MotifEntry is one named pattern in the externally-supplied Reflex
// motif library, in its raw (pre-hash) form as authored.
type MotifEntry struct {
	PatternID string `yaml:"pattern_id" json:"pattern_id"`
	Content   string `yaml:"content" json:"content"`
	Reason    string `yaml:"reason" json:"reason"`
}

// MotifLibraryDocument is the schema of the file MotifLibraryConfig.Path
// points at.
type MotifLibraryDocument struct {
	Motifs []MotifEntry `yaml:"motifs" json:"motifs"`
}

// LoadMotifLibrary reads and parses the Reflex motif pattern file at
// path. Hashing raw content into pre-hashed anchors is the caller's job
// (pipeline.HashMotifContent), keeping this package ignorant of the
// pipeline's hashing scheme.
func LoadMotifLibrary(path string) ([]MotifEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read motif library %s: %w", path, err)
	}
	var doc MotifLibraryDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse motif library %s: %w", path, err)
	}
	return doc.Motifs, nil
}

// Document is the fully-typed runtime configuration, covering the
// governance-kernel configuration surface plus the domain-stack
// additions (Redis, S3 archival, WASI limits).
type Document struct {
	Version          string               `yaml:"version" json:"version"`
	Pulse            PulseConfig          `yaml:"pulse" json:"pulse"`
	Stress           StressConfig         `yaml:"stress" json:"stress"`
	Spawn            SpawnConfig          `yaml:"spawn" json:"spawn"`
	CircuitBreakers  CircuitBreakerConfig `yaml:"circuit_breakers" json:"circuit_breakers"`
	Pipeline         struct {
		Budgets PipelineBudgets `yaml:"budgets" json:"budgets"`
	} `yaml:"pipeline" json:"pipeline"`
	Coherence  CoherenceConfig  `yaml:"coherence" json:"coherence"`
	Intuition  IntuitionConfig  `yaml:"intuition" json:"intuition"`
	Sandbox    SandboxConfig    `yaml:"sandbox" json:"sandbox"`
	Audit      AuditConfig      `yaml:"audit" json:"audit"`
	Override   OverrideConfig   `yaml:"override" json:"override"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	S3Archive  S3ArchiveConfig  `yaml:"s3_archive" json:"s3_archive"`
	Wasi       WasiConfig       `yaml:"wasi" json:"wasi"`
	Motifs     MotifLibraryConfig `yaml:"motifs" json:"motifs"`
}

// Default returns the configuration document matching the runtime's
// stated defaults.
func Default() Document {
	return Document{
		Version: "1.0.0",
		Pulse:   PulseConfig{IntervalTicks: 10, GraceTicks: 5, MaxMissed: 3},
		Stress: StressConfig{
			Weights:    StressWeights{Health: 0.35, Entropy: 0.25, Resources: 0.20, SCI: 0.20},
			Thresholds: StressThresholds{Low: 0.25, Medium: 0.50, High: 0.75},
		},
		Spawn: SpawnConfig{Limits: SpawnLimits{Low: 100, Medium: 50, High: 10, Critical: 0}, MaxDepth: 12},
		CircuitBreakers: CircuitBreakerConfig{Spawn: 0.75, Lineage: 0.75, SCIBroadcast: 0.50, Allocation: 0.90},
		Pipeline: struct {
			Budgets PipelineBudgets `yaml:"budgets" json:"budgets"`
		}{Budgets: PipelineBudgets{ReflexMS: 10, IntuitionMS: 20, CoherenceMS: 30, ArbiterMS: 100}},
		Coherence: CoherenceConfig{MinSCI: 0.50, MinHealth: 0.50, MaxEntropyDelta: 0.80},
		Intuition: IntuitionConfig{SimilarityThreshold: 0.75},
		Sandbox:   SandboxConfig{ViolationThreshold: 3, AutoEscalateOnCritical: true},
		Audit:     AuditConfig{Durability: "SYNC", RetentionDays: 90},
		Override:  OverrideConfig{LatencyBudgetMS: 100},
		Wasi:      WasiConfig{MemoryLimitBytes: 64 << 20, CPUTimeLimitMS: 500},
	}
}

// Load reads and parses a YAML configuration document from path, then
// validates it against schema (compiled by Compile). A document that
// fails schema validation is never returned partially applied.
func Load(path string, schema *jsonschema.Schema) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if schema != nil {
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return Document{}, fmt.Errorf("config: reparse %s for validation: %w", path, err)
		}
		if err := schema.Validate(jsonify(generic)); err != nil {
			return Document{}, fmt.Errorf("config: schema validation failed for %s: %w", path, err)
		}
	}

	return doc, nil
}

// jsonify normalizes yaml.v3's decode result into the
// map[string]interface{}-only shape jsonschema.Validate requires,
// converting non-string map keys with fmt.Sprint, since YAML permits
// non-string map keys that JSON Schema does not.
func jsonify(v any) any {
	switch val := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[fmt.Sprint(k)] = jsonify(v)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			out[k] = jsonify(v)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			out[i] = jsonify(v)
		}
		return out
	default:
		return val
	}
}

// Compile compiles a JSON Schema document (as a raw JSON/YAML string)
// against Draft 2020-12, the same draft the firewall package pins for
// tool-parameter validation.
func Compile(schemaURL, schemaDoc string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaDoc)); err != nil {
		return nil, fmt.Errorf("config: load schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("config: compile schema: %w", err)
	}
	return compiled, nil
}

// CheckCompatible reports whether the version binaryVersion satisfies the
// semver constraint constraintExpr, the same semver.NewConstraint/
// NewVersion pairing used elsewhere to gate pack installation against
// kernel version. efmd doctor passes a configuration document's version
// and the range of document versions the binary supports.
func CheckCompatible(binaryVersion, constraintExpr string) (bool, error) {
	constraint, err := semver.NewConstraint(constraintExpr)
	if err != nil {
		return false, fmt.Errorf("config: invalid version constraint %q: %w", constraintExpr, err)
	}
	v, err := semver.NewVersion(binaryVersion)
	if err != nil {
		return false, fmt.Errorf("config: invalid binary version %q: %w", binaryVersion, err)
	}
	return constraint.Check(v), nil
}
