package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/router"
	"github.com/hai-labs/haigate/internal/storage"
	"github.com/hai-labs/haigate/internal/stream"
	"github.com/hai-labs/haigate/internal/testutil"
)

type fakeClassifier struct {
	result llm.Classification
	err    error
	got    llm.ClassifyRequest
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, req llm.ClassifyRequest) (llm.Classification, error) {
	f.calls++
	f.got = req
	return f.result, f.err
}

type fakeGenerator struct {
	chunks []llm.Chunk
	err    error
	calls  int
	got    llm.GenerateRequest
}

func (f *fakeGenerator) Stream(_ context.Context, req llm.GenerateRequest) (llm.ChunkIterator, error) {
	f.calls++
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return llm.NewSliceIterator(f.chunks...), nil
}

type fakeDirectory struct {
	people []model.Person
	err    error
}

func (f fakeDirectory) FindExact(_ context.Context, name string) (model.Person, error) {
	if f.err != nil {
		return model.Person{}, f.err
	}
	for _, p := range f.people {
		if p.Name == name {
			return p, nil
		}
	}
	return model.Person{}, storage.ErrNotFound
}

func (f fakeDirectory) FindContaining(_ context.Context, name string) (model.Person, error) {
	for _, p := range f.people {
		if strings.Contains(p.Name, name) {
			return p, nil
		}
	}
	return model.Person{}, storage.ErrNotFound
}

var people = fakeDirectory{people: []model.Person{
	{ID: "p-sejong", Name: "King Sejong the Great", Summary: "Fourth king of Joseon."},
	{ID: "p-yi", Name: "Yi Sun-sin"},
}}

type harness struct {
	classifier *fakeClassifier
	generator  *fakeGenerator
	fallback   *fakeGenerator
	router     *router.Router
}

func newHarness(t *testing.T, cls llm.Classification, dir router.PersonDirectory) *harness {
	t.Helper()
	reg, err := router.NewRegistry(
		router.NavigateToPerson{Directory: dir},
		router.RecommendPerson{Directory: dir},
	)
	require.NoError(t, err)

	h := &harness{
		classifier: &fakeClassifier{result: cls},
		generator:  &fakeGenerator{chunks: []llm.Chunk{llm.Text("Because "), llm.Text("he invented Hangul."), llm.Stop()}},
		fallback:   &fakeGenerator{chunks: []llm.Chunk{llm.Text("In 1592 "), llm.Text("the Imjin war began."), llm.Stop()}},
	}
	h.router = router.New(router.Config{
		Classifier: h.classifier,
		Registry:   reg,
		Generator:  h.generator,
		Fallback:   router.GeneratorAnswerer{Generator: h.fallback},
		Pool:       stream.NewWorkerPool(4),
		Normalizer: stream.NewNormalizer(stream.Options{BufferSize: 0}, testutil.TestLogger()),
		Logger:     testutil.TestLogger(),
	})
	return h
}

func toolUse(name string, params map[string]any) llm.Classification {
	return llm.Classification{Kind: llm.ClassToolUse, Tool: model.ToolInvocation{ToolName: name, Parameters: params}}
}

func collect(events *[]model.StreamEvent) stream.Emitter {
	return func(ev model.StreamEvent) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestClassificationCarriesToolSchemas(t *testing.T) {
	h := newHarness(t, llm.Classification{Kind: llm.ClassText}, people)
	_, err := h.router.Route(context.Background(), "hello")
	require.NoError(t, err)

	assert.Equal(t, router.SystemPrompt, h.classifier.got.System)
	assert.Equal(t, "hello", h.classifier.got.Message)
	require.Len(t, h.classifier.got.Tools, 2)
	assert.Equal(t, router.ToolNavigateToPerson, h.classifier.got.Tools[0].Name)
	assert.Equal(t, router.ToolRecommendPerson, h.classifier.got.Tools[1].Name)
}

func TestKnownToolNeverGenerates(t *testing.T) {
	h := newHarness(t, toolUse(router.ToolNavigateToPerson, map[string]any{"person_name": "Yi Sun-sin"}), people)

	d, err := h.router.Route(context.Background(), "let me talk to Yi Sun-sin")
	require.NoError(t, err)

	assert.Equal(t, router.DecisionAction, d.Kind)
	assert.False(t, d.Kind.Streams())
	assert.Equal(t, "tool_call", d.Action.Type)
	assert.Equal(t, router.ToolNavigateToPerson, d.Action.Action)
	assert.Equal(t, map[string]any{"person_name": "Yi Sun-sin"}, d.Action.Input)
	require.NotNil(t, d.Action.Person)
	assert.Equal(t, "p-yi", d.Action.Person.ID)
	require.NotNil(t, d.Action.Resolved)
	assert.True(t, *d.Action.Resolved)

	assert.Zero(t, h.generator.calls)
	assert.Zero(t, h.fallback.calls)
}

func TestNavigateFallsBackToSubstring(t *testing.T) {
	h := newHarness(t, toolUse(router.ToolNavigateToPerson, map[string]any{"person_name": "Sejong"}), people)

	d, err := h.router.Route(context.Background(), "talk to Sejong")
	require.NoError(t, err)
	require.NotNil(t, d.Action.Person)
	assert.Equal(t, "p-sejong", d.Action.Person.ID)
}

func TestNavigateUnresolvedStillActs(t *testing.T) {
	h := newHarness(t, toolUse(router.ToolNavigateToPerson, map[string]any{"person_name": "Napoleon"}), people)

	d, err := h.router.Route(context.Background(), "talk to Napoleon")
	require.NoError(t, err)
	assert.Equal(t, router.DecisionAction, d.Kind)
	assert.Nil(t, d.Action.Person)
	require.NotNil(t, d.Action.Resolved)
	assert.False(t, *d.Action.Resolved)
}

func TestDirectoryFailureFailsRequest(t *testing.T) {
	dir := fakeDirectory{err: errors.New("db down")}
	h := newHarness(t, toolUse(router.ToolNavigateToPerson, map[string]any{"person_name": "Yi"}), dir)

	_, err := h.router.Route(context.Background(), "talk to Yi")
	assert.Error(t, err)
	assert.Zero(t, h.generator.calls)
}

func TestUnknownToolIsStructuredError(t *testing.T) {
	h := newHarness(t, toolUse("launch_rocket", nil), people)

	d, err := h.router.Route(context.Background(), "launch")
	require.NoError(t, err)
	assert.Equal(t, router.DecisionUnknownTool, d.Kind)
	assert.Equal(t, model.ActionResult{Type: "error", Message: "Unknown tool: launch_rocket"}, d.Action)
	assert.Zero(t, h.generator.calls)
	assert.Zero(t, h.fallback.calls)
}

func TestTextClassificationAlwaysGenerates(t *testing.T) {
	for _, text := range []string{
		"",
		"I will search the knowledge base.",
		`{"type":"tool_call","action":"navigate_to_person"}`,
	} {
		h := newHarness(t, llm.Classification{Kind: llm.ClassText, Text: text}, people)

		d, err := h.router.Route(context.Background(), "what happened in 1592?")
		require.NoError(t, err)
		assert.Equal(t, router.DecisionGenerate, d.Kind, text)

		var events []model.StreamEvent
		require.NoError(t, h.router.Stream(context.Background(), d, "what happened in 1592?", collect(&events)))
		assert.Equal(t, 1, h.fallback.calls)
		assert.Equal(t, "what happened in 1592?", h.fallback.got.Messages[0].Content)

		var content strings.Builder
		for _, ev := range events {
			assert.NotEqual(t, model.EventToolCall, ev.Type)
			content.WriteString(ev.Text)
		}
		assert.Equal(t, "In 1592 the Imjin war began.", content.String())
		assert.NotContains(t, content.String(), "knowledge base", "classifier text is discarded")
		assert.Equal(t, model.EventDone, events[len(events)-1].Type)
	}
}

func TestClassificationFailureIsHard(t *testing.T) {
	h := newHarness(t, llm.Classification{}, people)
	h.classifier.err = errors.New("AccessDeniedException")

	_, err := h.router.Route(context.Background(), "hi")
	assert.ErrorIs(t, err, router.ErrClassification)
	assert.Equal(t, 1, h.classifier.calls, "no retry")
	assert.Zero(t, h.generator.calls)
	assert.Zero(t, h.fallback.calls)
}

func TestCombinedToolEmitsToolCallFirst(t *testing.T) {
	h := newHarness(t, toolUse(router.ToolRecommendPerson, map[string]any{
		"person_name": "King Sejong the Great",
		"topic":       "the invention of Hangul",
	}), people)

	d, err := h.router.Route(context.Background(), "who should I ask about Hangul?")
	require.NoError(t, err)
	assert.Equal(t, router.DecisionCombined, d.Kind)
	assert.True(t, d.Kind.Streams())
	assert.Zero(t, h.generator.calls, "route does not generate")

	var events []model.StreamEvent
	require.NoError(t, h.router.Stream(context.Background(), d, "who should I ask about Hangul?", collect(&events)))

	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, model.EventToolCall, events[0].Type)
	assert.Equal(t, router.ToolRecommendPerson, events[0].ToolName)
	for _, ev := range events[1 : len(events)-1] {
		assert.Equal(t, model.EventContent, ev.Type)
	}
	assert.Equal(t, model.EventDone, events[len(events)-1].Type)

	assert.Equal(t, 1, h.generator.calls)
	assert.Zero(t, h.fallback.calls)
	assert.Contains(t, h.generator.got.Messages[0].Content, "King Sejong the Great")
	assert.Contains(t, h.generator.got.Messages[0].Content, "Fourth king of Joseon.")
}

func TestStreamStartFailureEmitsOneError(t *testing.T) {
	h := newHarness(t, llm.Classification{Kind: llm.ClassText}, people)
	h.fallback.err = llm.ErrThrottled

	d, err := h.router.Route(context.Background(), "q")
	require.NoError(t, err)

	var events []model.StreamEvent
	err = h.router.Stream(context.Background(), d, "q", collect(&events))
	assert.ErrorIs(t, err, llm.ErrThrottled)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventError, events[0].Type)
}

func TestCombinedStartFailureKeepsToolEvent(t *testing.T) {
	h := newHarness(t, toolUse(router.ToolRecommendPerson, map[string]any{"person_name": "Yi Sun-sin", "topic": "naval battles"}), people)
	h.generator.err = errors.New("boom")

	d, err := h.router.Route(context.Background(), "q")
	require.NoError(t, err)

	var events []model.StreamEvent
	_ = h.router.Stream(context.Background(), d, "q", collect(&events))
	require.Len(t, events, 2)
	assert.Equal(t, model.EventToolCall, events[0].Type)
	assert.Equal(t, model.EventError, events[1].Type)
}

func TestStreamRejectsNonStreamingDecision(t *testing.T) {
	h := newHarness(t, llm.Classification{}, people)
	err := h.router.Stream(context.Background(), router.Decision{Kind: router.DecisionAction}, "q", collect(new([]model.StreamEvent)))
	assert.Error(t, err)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	_, err := router.NewRegistry(router.NavigateToPerson{}, router.NavigateToPerson{})
	assert.Error(t, err)
}

func TestRegistryLookup(t *testing.T) {
	reg, err := router.NewRegistry(router.NavigateToPerson{Directory: people})
	require.NoError(t, err)

	_, ok := reg.Lookup(router.ToolNavigateToPerson)
	assert.True(t, ok)
	_, ok = reg.Lookup(router.ToolRecommendPerson)
	assert.False(t, ok)
}
