// Package executor defines the stage executor boundary and its implementations.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/cuongbtq/dubbing-pipeline/internal/domain"
)

// Request is the input handed to a stage executor.
type Request struct {
	JobID          string            `json:"job_id"`
	Stage          domain.Stage      `json:"stage"`
	StageKey       string            `json:"stage_key"`
	SourceAudio    string            `json:"source_audio"`
	SourceLanguage string            `json:"source_language"`
	TargetLanguage string            `json:"target_language"`
	Segments       []domain.Segment  `json:"segments"`
	Artifacts      map[string]string `json:"artifacts"`
	Params         map[string]string `json:"params,omitempty"`
}

// Result is what a stage produced. Empty fields leave the job untouched.
type Result struct {
	Segments          []domain.Segment          `json:"segments,omitempty"`
	DetectedLanguages []domain.DetectedLanguage `json:"detected_languages,omitempty"`
	Artifacts         map[string]string         `json:"artifacts,omitempty"`
	Notes             []string                  `json:"notes,omitempty"`
}

// Executor runs one stage for one job. Implementations may block for minutes.
type Executor interface {
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req *Request) (*Result, error)

func (f Func) Execute(ctx context.Context, req *Request) (*Result, error) {
	return f(ctx, req)
}

type binding struct {
	executor Executor
	params   map[string]string
	timeout  time.Duration
}

// Registry maps each stage to its executor and static parameters.
type Registry struct {
	bindings map[domain.Stage]binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[domain.Stage]binding)}
}

// Register binds an executor to a stage. A zero timeout means no deadline.
func (r *Registry) Register(stage domain.Stage, exec Executor, params map[string]string, timeout time.Duration) {
	r.bindings[stage] = binding{executor: exec, params: params, timeout: timeout}
}

// RegisterAll binds the same executor to every stage.
func (r *Registry) RegisterAll(exec Executor) {
	for _, stage := range domain.AllStages() {
		r.Register(stage, exec, nil, 0)
	}
}

// Run invokes the executor bound to req.Stage with its parameters and timeout.
func (r *Registry) Run(ctx context.Context, req *Request) (*Result, error) {
	b, ok := r.bindings[req.Stage]
	if !ok {
		return nil, fmt.Errorf("no executor registered for %s", req.Stage)
	}
	if req.Params == nil && len(b.params) > 0 {
		req.Params = b.params
	}
	req.StageKey = req.Stage.Key()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	result, err := b.executor.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &Result{}
	}
	return result, nil
}

// Validate reports whether every stage has an executor.
func (r *Registry) Validate() error {
	for _, stage := range domain.AllStages() {
		if _, ok := r.bindings[stage]; !ok {
			return fmt.Errorf("no executor registered for %s", stage)
		}
	}
	return nil
}
