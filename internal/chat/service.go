// Package chat runs the request pipeline shared by every chat endpoint:
// moderation, conversation history, generation and the streaming
// normalizer.
//
// Each operation returns before emitting anything when the request cannot
// be served (blocked message, unknown person, unreachable store), so the
// transport can still answer with a plain status code. Once the first event
// is emitted, failures are reported in-stream.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/router"
	"github.com/hai-labs/haigate/internal/stream"
)

// DefaultHistoryWindow is the number of stored messages sent back to the
// model as context.
const DefaultHistoryWindow = 20

var (
	// ErrKnowledgeDisabled is returned by Knowledge when no index is configured.
	ErrKnowledgeDisabled = errors.New("chat: knowledge search is not configured")
	// ErrUnavailable wraps failures of the moderation or history stores.
	ErrUnavailable = errors.New("chat: backing store unavailable")
	// ErrInvalidContext is returned for client-supplied turns that do not
	// alternate from a user turn to an assistant turn.
	ErrInvalidContext = errors.New("chat: invalid context")
)

// unavailable marks a store failure. Validation errors pass through.
func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, history.ErrInvalidKey) || errors.Is(err, history.ErrInvalidPattern) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// BlockedError is returned when moderation refuses a message. It carries
// the verdict for the client.
type BlockedError struct {
	Result model.ModerationResult
}

func (e *BlockedError) Error() string {
	return "chat: message blocked by moderation"
}

// Moderator is the moderation gate.
type Moderator interface {
	Check(ctx context.Context, userID, text string) (model.ModerationResult, error)
}

// KnowledgeBase streams retrieval-augmented answers.
type KnowledgeBase interface {
	Stream(ctx context.Context, query string, topK int) (llm.ChunkIterator, error)
}

// Admission is a message that passed the moderation gate. Text is the
// possibly masked message; Notice is set when it was masked.
type Admission struct {
	UserID string
	Text   string
	Notice *string
}

// DirectOptions carries the caller-supplied generation settings of a raw
// chat.
type DirectOptions struct {
	System      string
	Context     []model.Message // Earlier turns supplied by the client.
	MaxTokens   int
	Temperature *float64
}

// Config wires a Service.
type Config struct {
	Moderation    Moderator
	History       *history.Store
	Prompts       PromptSource
	Generator     llm.Generator
	Router        *router.Router
	Knowledge     KnowledgeBase // Optional.
	Pool          *stream.WorkerPool
	Normalizer    *stream.Normalizer // Buffered; raw chat uses an unbuffered copy.
	MaxTokens     int
	Temperature   float64
	HistoryWindow int
	Logger        *slog.Logger
}

// Service implements the chat operations.
type Service struct {
	moderation  Moderator
	history     *history.Store
	prompts     PromptSource
	generator   llm.Generator
	router      *router.Router
	knowledge   KnowledgeBase
	pool        *stream.WorkerPool
	buffered    *stream.Normalizer
	unbuffered  *stream.Normalizer
	maxTokens   int
	temperature float64
	window      int
	logger      *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	window := cfg.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Service{
		moderation:  cfg.Moderation,
		history:     cfg.History,
		prompts:     cfg.Prompts,
		generator:   cfg.Generator,
		router:      cfg.Router,
		knowledge:   cfg.Knowledge,
		pool:        cfg.Pool,
		buffered:    cfg.Normalizer,
		unbuffered:  cfg.Normalizer.Unbuffered(),
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		window:      window,
		logger:      cfg.Logger,
	}
}

// Admit runs message from userID through moderation. A refused message
// returns a *BlockedError; store failures wrap ErrUnavailable.
func (s *Service) Admit(ctx context.Context, userID, message string) (Admission, error) {
	res, err := s.moderation.Check(ctx, userID, message)
	if err != nil {
		return Admission{}, unavailable("moderation", err)
	}
	if !res.Allowed {
		return Admission{}, &BlockedError{Result: res}
	}
	text := message
	if res.Content != nil {
		text = *res.Content
	}
	return Admission{UserID: userID, Text: text, Notice: res.Notice}, nil
}

// PersonChat streams a persona reply and records the exchange in the
// caller's history with that person.
func (s *Service) PersonChat(ctx context.Context, a Admission, personID string, emit stream.Emitter) error {
	key, err := history.PersonKey(personID, a.UserID)
	if err != nil {
		return err
	}
	persona, err := s.prompts.Persona(ctx, personID)
	if err != nil {
		return err
	}
	return s.converse(ctx, key, persona.System, a.Text, emit)
}

// ChatbotChat streams an assistant reply and records the exchange in the
// caller's assistant history.
func (s *Service) ChatbotChat(ctx context.Context, a Admission, emit stream.Emitter) error {
	key, err := history.ChatbotKey(a.UserID)
	if err != nil {
		return err
	}
	return s.converse(ctx, key, ChatbotSystemPrompt, a.Text, emit)
}

func (s *Service) converse(ctx context.Context, key history.Key, system, text string, emit stream.Emitter) error {
	past, err := s.history.GetAll(ctx, key)
	if err != nil {
		return unavailable("history", err)
	}
	req := llm.GenerateRequest{
		System:      system,
		Messages:    append(contextWindow(past, s.window), model.Message{Role: model.RoleUser, Content: text}),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}

	record := func(ctx context.Context, reply string) error {
		if strings.TrimSpace(reply) == "" {
			s.logger.Warn("chat: empty reply not recorded", "key", key.String())
			return nil
		}
		return s.history.AppendExchange(ctx, key, text, reply)
	}
	return s.buffered.Serve(ctx, s.pool, func(ctx context.Context) (llm.ChunkIterator, error) {
		return s.generator.Stream(ctx, req)
	}, emit, record)
}

// contextWindow keeps the last n messages, starting at a user turn so the
// request alternates roles from the beginning.
func contextWindow(past []model.Message, n int) []model.Message {
	if len(past) > n {
		past = past[len(past)-n:]
	}
	for len(past) > 0 && past[0].Role != model.RoleUser {
		past = past[1:]
	}
	out := make([]model.Message, 0, len(past)+1)
	for _, m := range past {
		if m.Role == model.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Route classifies an admitted message.
func (s *Service) Route(ctx context.Context, a Admission) (router.Decision, error) {
	return s.router.Route(ctx, a.Text)
}

// StreamDecision streams a decision whose kind streams.
func (s *Service) StreamDecision(ctx context.Context, d router.Decision, a Admission, emit stream.Emitter) error {
	return s.router.Stream(ctx, d, a.Text, emit)
}

// CollectDecision answers a streaming decision as one JSON reply.
func (s *Service) CollectDecision(ctx context.Context, d router.Decision, a Admission) (model.AgentReply, error) {
	reply := model.AgentReply{Type: "message"}
	if d.Kind == router.DecisionCombined {
		action := d.Action
		reply.Action = &action
	}

	var (
		content strings.Builder
		failure string
	)
	err := s.router.Stream(ctx, d, a.Text, func(ev model.StreamEvent) error {
		switch ev.Type {
		case model.EventContent:
			content.WriteString(ev.Text)
		case model.EventCitations:
			reply.Citations = ev.Data
		case model.EventError:
			failure = ev.Message
		}
		return nil
	})
	if err != nil {
		if failure != "" {
			return model.AgentReply{}, &UpstreamError{Message: failure, Err: err}
		}
		return model.AgentReply{}, err
	}
	reply.Content = content.String()
	return reply, nil
}

// UpstreamError is a generation failure collected outside a stream.
// Message is safe to show to the client.
type UpstreamError struct {
	Message string
	Err     error
}

func (e *UpstreamError) Error() string { return "chat: upstream: " + e.Err.Error() }

func (e *UpstreamError) Unwrap() error { return e.Err }

// Direct streams a raw, unbuffered completion without history.
func (s *Service) Direct(ctx context.Context, a Admission, opts DirectOptions, emit stream.Emitter) error {
	system, turns, err := directPrompt(opts)
	if err != nil {
		return err
	}
	req := llm.GenerateRequest{
		System:      system,
		Messages:    append(turns, model.Message{Role: model.RoleUser, Content: a.Text}),
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	}
	if opts.MaxTokens > 0 && opts.MaxTokens < req.MaxTokens {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	return s.unbuffered.Serve(ctx, s.pool, func(ctx context.Context) (llm.ChunkIterator, error) {
		return s.generator.Stream(ctx, req)
	}, emit, nil)
}

// ValidateDirect checks the client-supplied context of a raw chat.
func ValidateDirect(opts DirectOptions) error {
	_, _, err := directPrompt(opts)
	return err
}

// directPrompt folds system turns into the system prompt, in order, and
// checks that the remaining turns alternate starting with a user turn and
// end with an assistant turn, so the new message continues them.
func directPrompt(opts DirectOptions) (string, []model.Message, error) {
	var system []string
	if opts.System != "" {
		system = append(system, opts.System)
	}
	turns := make([]model.Message, 0, len(opts.Context)+1)
	for i, m := range opts.Context {
		switch m.Role {
		case model.RoleSystem:
			system = append(system, m.Content)
			continue
		case model.RoleUser, model.RoleAssistant:
		default:
			return "", nil, fmt.Errorf("%w: message %d has role %q", ErrInvalidContext, i, m.Role)
		}
		want := model.RoleUser
		if len(turns)%2 == 1 {
			want = model.RoleAssistant
		}
		if m.Role != want {
			return "", nil, fmt.Errorf("%w: message %d is %s, expected %s", ErrInvalidContext, i, m.Role, want)
		}
		turns = append(turns, m)
	}
	if len(turns)%2 == 1 {
		return "", nil, fmt.Errorf("%w: context ends with a user turn", ErrInvalidContext)
	}
	return strings.Join(system, "\n\n"), turns, nil
}

// Knowledge streams a retrieval-augmented answer followed by its
// citations.
func (s *Service) Knowledge(ctx context.Context, a Admission, topK int, emit stream.Emitter) error {
	if s.knowledge == nil {
		return ErrKnowledgeDisabled
	}
	return s.unbuffered.Serve(ctx, s.pool, func(ctx context.Context) (llm.ChunkIterator, error) {
		return s.knowledge.Stream(ctx, a.Text, topK)
	}, emit, nil)
}

// History returns the caller's conversation with personID.
func (s *Service) History(ctx context.Context, userID, personID string) (history.Key, []model.Message, error) {
	key, err := history.PersonKey(personID, userID)
	if err != nil {
		return history.Key{}, nil, err
	}
	msgs, err := s.history.GetAll(ctx, key)
	return key, msgs, unavailable("history", err)
}

// ChatbotHistory returns the caller's assistant conversation.
func (s *Service) ChatbotHistory(ctx context.Context, userID string) (history.Key, []model.Message, error) {
	key, err := history.ChatbotKey(userID)
	if err != nil {
		return history.Key{}, nil, err
	}
	msgs, err := s.history.GetAll(ctx, key)
	return key, msgs, unavailable("history", err)
}

// DeleteHistory removes the caller's conversation with personID.
func (s *Service) DeleteHistory(ctx context.Context, userID, personID string) error {
	key, err := history.PersonKey(personID, userID)
	if err != nil {
		return err
	}
	return unavailable("history", s.history.DeleteKey(ctx, key))
}

// PurgeUser removes every conversation of userID.
func (s *Service) PurgeUser(ctx context.Context, userID string) (int, error) {
	n, err := s.history.PurgeUser(ctx, userID)
	return n, unavailable("history", err)
}

// PurgePattern removes every conversation matching pattern.
func (s *Service) PurgePattern(ctx context.Context, pattern string) (int, error) {
	n, err := s.history.DeleteByPattern(ctx, pattern)
	return n, unavailable("history", err)
}
