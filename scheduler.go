package rlm

import (
	"fmt"
	"math"
	"sort"
)

// OpKind classifies the operations the scheduler routes.
type OpKind string

const (
	OpCodeExecution      OpKind = "code_execution"
	OpLLMInference       OpKind = "llm_inference"
	OpContextCompression OpKind = "context_compression"
	OpModelLoading       OpKind = "model_loading"
)

// Operation is one unit of routable work.
type Operation struct {
	Kind     OpKind
	Language Language // set for OpCodeExecution
	Model    string   // set for OpLLMInference
}

// CodeExecution returns an operation requesting a runtime for lang.
func CodeExecution(lang Language) Operation {
	return Operation{Kind: OpCodeExecution, Language: lang}
}

// LLMInference returns an operation requesting inference with model.
// An empty model accepts any inference device.
func LLMInference(model string) Operation {
	return Operation{Kind: OpLLMInference, Model: model}
}

// ContextCompression returns an operation requesting answer folding.
func ContextCompression() Operation {
	return Operation{Kind: OpContextCompression}
}

// ModelLoading returns an operation requesting a model load slot.
func ModelLoading() Operation {
	return Operation{Kind: OpModelLoading}
}

func (op Operation) String() string {
	switch op.Kind {
	case OpCodeExecution:
		return fmt.Sprintf("%s(%s)", op.Kind, op.Language)
	case OpLLMInference:
		if op.Model != "" {
			return fmt.Sprintf("%s(%s)", op.Kind, op.Model)
		}
	}
	return string(op.Kind)
}

// Weights holds the scheduler's scoring weights. The sum of all four must be
// positive; NewScheduler validates this at construction. Score uses its fixed
// per-operation coefficients, so the configured weights do not change
// selection.
type Weights struct {
	Load       float64
	Latency    float64
	Cost       float64
	Throughput float64
}

// DefaultWeights mirror the per-operation formulas' built-in coefficients.
var DefaultWeights = Weights{Load: 0.3, Latency: 0.4, Cost: 0.0, Throughput: 0.3}

// Scheduler assigns operations to devices by scoring every healthy candidate
// and picking the best. Selection is deterministic: ties break by lower
// latency, then lexicographic device id.
type Scheduler struct {
	health  *HealthMonitor
	weights Weights
}

// NewScheduler creates a Scheduler over the given monitor's healthy set.
func NewScheduler(health *HealthMonitor, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{health: health, weights: DefaultWeights}
	for _, o := range opts {
		o(s)
	}
	if sum := s.weights.Load + s.weights.Latency + s.weights.Cost + s.weights.Throughput; sum <= 0 {
		return nil, &ErrInvalidInput{Field: "weights", Reason: fmt.Sprintf("sum %v must be > 0", sum)}
	}
	return s, nil
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerWeights replaces the default weights, which NewScheduler
// validates; Score's per-operation coefficients are unaffected.
func SchedulerWeights(w Weights) SchedulerOption {
	return func(s *Scheduler) { s.weights = w }
}

// Pick selects the single best healthy device for op, or returns ErrNoDevice
// when no healthy candidate supports it.
func (s *Scheduler) Pick(op Operation) (Device, error) {
	candidates := s.health.HealthyDevices()

	scored := make([]scoredDevice, 0, len(candidates))
	for _, d := range candidates {
		if !supports(d, op) {
			continue
		}
		scored = append(scored, scoredDevice{dev: d, score: Score(d, op)})
	}
	if len(scored) == 0 {
		return Device{}, &ErrNoDevice{Op: op.String()}
	}

	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.dev.LatencyMS != b.dev.LatencyMS {
			return a.dev.LatencyMS < b.dev.LatencyMS
		}
		return a.dev.ID < b.dev.ID
	})
	return scored[0].dev, nil
}

type scoredDevice struct {
	dev   Device
	score float64
}

// supports reports whether d can serve op at all. Compression and model
// loading have no capability requirement; code execution needs the runtime
// and inference needs the "llm" runtime plus the requested model.
func supports(d Device, op Operation) bool {
	switch op.Kind {
	case OpCodeExecution:
		return d.Supports(op.Language)
	case OpLLMInference:
		return d.Supports(LangLLM) && d.HasModel(op.Model)
	default:
		return true
	}
}

// Score computes the per-operation score of a device on a [0,1] scale.
// Non-finite results score 0 so a device reporting garbage metrics can never
// win selection.
func Score(d Device, op Operation) float64 {
	load := d.Load()
	latencyScore := 1 / (1 + float64(d.LatencyMS)/100)
	throughputScore := d.TokensPerSec / 100
	// +Inf is left uncapped so the non-finite check below rejects it.
	if throughputScore > 1 && !math.IsInf(throughputScore, 1) {
		throughputScore = 1
	}

	var score float64
	switch op.Kind {
	case OpCodeExecution:
		support := 0.0
		if d.Supports(op.Language) {
			support = 1
		}
		score = support*0.3 + (1-load)*0.3 + latencyScore*0.4
	case OpLLMInference:
		score = (1-load)*0.4 + throughputScore*0.6
	case OpContextCompression:
		score = 1 / (1 + float64(d.LatencyMS)/10)
	case OpModelLoading:
		score = 1 - load
	}

	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}
