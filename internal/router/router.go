// Package router classifies a user message as a structured tool action or a
// free-form question, and dispatches it.
//
// Classification is a single function-calling request. A tool_use answer
// runs the matching handler synchronously; a text answer always falls
// through to generation and its text is discarded. Tools that also explain
// themselves emit their tool_call event before any generated content.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/stream"
)

// ErrClassification wraps a failed classification call. The request fails
// as a whole; no tool is run.
var ErrClassification = errors.New("router: classification failed")

// DecisionKind tags a Decision.
type DecisionKind int

const (
	// DecisionAction is a resolved tool answered with JSON only.
	DecisionAction DecisionKind = iota + 1
	// DecisionCombined is a resolved tool whose action is followed by a
	// streamed explanation.
	DecisionCombined
	// DecisionUnknownTool means the classifier named a tool with no handler.
	DecisionUnknownTool
	// DecisionGenerate means no tool applies; the answer is generated.
	DecisionGenerate
)

// Streams reports whether the decision is answered with an event stream.
func (k DecisionKind) Streams() bool {
	return k == DecisionCombined || k == DecisionGenerate
}

// Decision is the router's verdict for one message.
type Decision struct {
	Kind       DecisionKind
	Invocation model.ToolInvocation
	Action     model.ActionResult
	Explain    *llm.GenerateRequest
}

// Answerer produces the free-form answer for a message that selected no
// tool.
type Answerer interface {
	Answer(ctx context.Context, query string) (llm.ChunkIterator, error)
}

// Router runs classification and dispatch.
type Router struct {
	classifier llm.Classifier
	registry   *Registry
	generator  llm.Generator
	fallback   Answerer
	pool       *stream.WorkerPool
	normalizer *stream.Normalizer
	logger     *slog.Logger
}

// Config wires a Router.
type Config struct {
	Classifier llm.Classifier
	Registry   *Registry
	Generator  llm.Generator // Streams explanations for combined tools.
	Fallback   Answerer      // Answers messages that selected no tool.
	Pool       *stream.WorkerPool
	Normalizer *stream.Normalizer
	Logger     *slog.Logger
}

// New creates a Router.
func New(cfg Config) *Router {
	return &Router{
		classifier: cfg.Classifier,
		registry:   cfg.Registry,
		generator:  cfg.Generator,
		fallback:   cfg.Fallback,
		pool:       cfg.Pool,
		normalizer: cfg.Normalizer,
		logger:     cfg.Logger,
	}
}

// Registry returns the tool registry.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Route classifies message and runs the selected handler, if any. It never
// calls the generation backend.
func (r *Router) Route(ctx context.Context, message string) (Decision, error) {
	cls, err := r.classifier.Classify(ctx, llm.ClassifyRequest{
		System:  SystemPrompt,
		Message: message,
		Tools:   r.registry.Specs(),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}

	if cls.Kind != llm.ClassToolUse {
		r.logger.Debug("router: no tool selected, generating")
		return Decision{Kind: DecisionGenerate}, nil
	}

	inv := cls.Tool
	if inv.Parameters == nil {
		inv.Parameters = map[string]any{}
	}
	h, ok := r.registry.Lookup(inv.ToolName)
	if !ok {
		r.logger.Warn("router: unknown tool", "tool", inv.ToolName)
		return Decision{
			Kind:       DecisionUnknownTool,
			Invocation: inv,
			Action:     model.ActionResult{Type: "error", Message: "Unknown tool: " + inv.ToolName},
		}, nil
	}

	out, err := h.Handle(ctx, inv)
	if err != nil {
		return Decision{}, fmt.Errorf("router: tool %s: %w", inv.ToolName, err)
	}
	r.logger.Info("router: tool selected", "tool", inv.ToolName, "resolved", out.Action.Resolved != nil && *out.Action.Resolved)

	d := Decision{Kind: DecisionAction, Invocation: inv, Action: out.Action}
	if out.Explain != nil {
		d.Kind = DecisionCombined
		d.Explain = out.Explain
	}
	return d, nil
}

// Stream answers a streaming decision. For combined tools the tool_call
// event is emitted first, then the explanation. For generation the
// fallback answers message. A backend that fails to start yields a single
// error event. The return value follows stream.Normalizer.Run.
func (r *Router) Stream(ctx context.Context, d Decision, message string, emit stream.Emitter) error {
	var open stream.OpenFunc
	switch d.Kind {
	case DecisionCombined:
		if err := emit(model.ToolCallEvent(d.Invocation)); err != nil {
			return stream.ErrClientGone
		}
		explain := *d.Explain
		open = func(ctx context.Context) (llm.ChunkIterator, error) {
			return r.generator.Stream(ctx, explain)
		}
	case DecisionGenerate:
		open = func(ctx context.Context) (llm.ChunkIterator, error) {
			return r.fallback.Answer(ctx, message)
		}
	default:
		return fmt.Errorf("router: decision %d does not stream", d.Kind)
	}
	return r.normalizer.Serve(ctx, r.pool, open, emit, nil)
}

// GeneratorAnswerer answers with the generation backend alone, without
// retrieval.
type GeneratorAnswerer struct {
	Generator llm.Generator
	System    string
	MaxTokens int
}

// Answer implements Answerer.
func (g GeneratorAnswerer) Answer(ctx context.Context, query string) (llm.ChunkIterator, error) {
	return g.Generator.Stream(ctx, llm.GenerateRequest{
		System:    g.System,
		Messages:  []model.Message{{Role: model.RoleUser, Content: query}},
		MaxTokens: g.MaxTokens,
	})
}
