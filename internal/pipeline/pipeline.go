// Package pipeline runs the full generation sequence: render a workflow
// template, validate the document, submit it, track execution to completion,
// and fetch the finished artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/knowaveragejoe/discord-comfyui/internal/comfy"
	"github.com/knowaveragejoe/discord-comfyui/internal/metrics"
	"github.com/knowaveragejoe/discord-comfyui/internal/template"
	"github.com/knowaveragejoe/discord-comfyui/internal/workflow"
	"github.com/knowaveragejoe/discord-comfyui/pkg/types"
)

// ErrUnknownWorkflow reports a workflow name with no configured descriptor.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// Session serializes the generations of one logical user. The caller passes
// the same session through every generate call it wants serialized; the
// pipeline itself keeps no per-user registry and will happily run concurrent
// generations for distinct sessions.
type Session struct {
	mu sync.Mutex
}

// NewSession creates an independent serialization token.
func NewSession() *Session {
	return &Session{}
}

// Request describes one generation.
type Request struct {
	Workflow       string
	Prompt         string
	NegativePrompt string

	// Context carries additional template values (seed, steps, model name).
	Context map[string]any
}

// Result is a finished generation. Data is nil when the execution produced no
// artifact.
type Result struct {
	PromptID  string
	ModelName string
	Artifact  types.ArtifactRef
	Data      []byte
}

// Pipeline wires the template engine, per-workflow validators, and the
// transport client together.
type Pipeline struct {
	engine     *template.Engine
	validators map[string]*workflow.Validator
	client     *comfy.Client
	logger     *slog.Logger
}

// New builds a pipeline, compiling one validator per configured workflow.
func New(engine *template.Engine, descriptors map[string]workflow.Descriptor, client *comfy.Client, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validators := make(map[string]*workflow.Validator, len(descriptors))
	for name, desc := range descriptors {
		v, err := workflow.NewValidator(desc)
		if err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
		validators[name] = v
	}

	return &Pipeline{
		engine:     engine,
		validators: validators,
		client:     client,
		logger:     logger,
	}, nil
}

// Workflows returns the configured workflow names, sorted.
func (p *Pipeline) Workflows() []string {
	names := make([]string, 0, len(p.validators))
	for name := range p.validators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generate runs render → validate → submit → track → fetch for one request,
// holding the session for the whole sequence so a user's generations never
// overlap.
func (p *Pipeline) Generate(ctx context.Context, session *Session, req Request) (*Result, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	validator, ok := p.validators[req.Workflow]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, req.Workflow)
	}

	tplContext := make(map[string]any, len(req.Context)+2)
	for k, v := range req.Context {
		tplContext[k] = v
	}
	tplContext["positive_prompt"] = req.Prompt
	tplContext["negative_prompt"] = req.NegativePrompt

	doc, err := p.engine.Render(req.Workflow, tplContext)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(doc); err != nil {
		return nil, err
	}

	// The template normally substitutes the prompts, but the slots are set
	// explicitly as well so templates that hard-code prompt text still honor
	// the request.
	validator.SetPrompt(doc, "positive", req.Prompt)
	if req.NegativePrompt != "" {
		validator.SetPrompt(doc, "negative", req.NegativePrompt)
	}

	result := &Result{ModelName: validator.ModelName(doc)}

	// The stream must be connected before the graph is queued: the server
	// only delivers execution events live, so frames emitted before the dial
	// completes are lost. For a fast or cached execution that can include the
	// terminal frame itself.
	stream, err := p.client.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	start := time.Now()
	promptID, err := p.client.Submit(ctx, doc)
	if err != nil {
		return nil, err
	}
	result.PromptID = promptID

	tracker := comfy.NewTracker(p.logger)
	filename, err := tracker.Track(ctx, promptID, stream, p.observe)
	if err != nil {
		return nil, err
	}
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	if filename == "" {
		p.logger.Warn("execution finished without an artifact", slog.String("prompt_id", promptID))
		return result, nil
	}

	result.Artifact = tracker.Artifact()
	data, err := p.client.FetchArtifact(ctx, result.Artifact)
	if err != nil {
		return nil, err
	}
	result.Data = data
	return result, nil
}

// observe logs stream traffic at debug level. Events for other prompts pass
// through here too; they are only logged.
func (p *Pipeline) observe(ev *types.Event) {
	switch ev.Type {
	case types.EventProgress:
		p.logger.Debug("progress",
			slog.Int("value", ev.Progress.Value),
			slog.Int("max", ev.Progress.Max),
		)
	case types.EventPreviewImage:
		p.logger.Debug("preview image",
			slog.String("format", ev.Preview.Format),
			slog.Int("bytes", len(ev.Preview.Data)),
		)
	}
}
