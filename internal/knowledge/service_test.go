package knowledge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/llm"
)

type lengthEmbedder struct{}

func (lengthEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{float32(len(text)), 1}), nil
}

func (e lengthEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (lengthEmbedder) Dimensions() int { return 2 }

type memIndex struct {
	passages []Passage
	deleted  []string
	lastK    int
}

func (m *memIndex) Search(_ context.Context, _ []float32, limit int) ([]Passage, error) {
	m.lastK = limit
	if limit > len(m.passages) {
		limit = len(m.passages)
	}
	return m.passages[:limit], nil
}

func (m *memIndex) Upsert(_ context.Context, ps []Passage) error {
	m.passages = append(m.passages, ps...)
	return nil
}

func (m *memIndex) DeleteBySource(_ context.Context, source string) error {
	m.deleted = append(m.deleted, source)
	kept := m.passages[:0]
	for _, p := range m.passages {
		if p.Source != source {
			kept = append(kept, p)
		}
	}
	m.passages = kept
	return nil
}

type recordingGenerator struct {
	req    llm.GenerateRequest
	chunks []llm.Chunk
}

func (g *recordingGenerator) Stream(_ context.Context, req llm.GenerateRequest) (llm.ChunkIterator, error) {
	g.req = req
	return llm.NewSliceIterator(g.chunks...), nil
}

func drain(t *testing.T, it llm.ChunkIterator) []llm.Chunk {
	t.Helper()
	var out []llm.Chunk
	for {
		c, err := it.Next(context.Background())
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
		require.Less(t, len(out), 100, "iterator does not terminate")
	}
}

func newTestService(idx *memIndex, gen *recordingGenerator) *Service {
	return NewService(lengthEmbedder{}, idx, gen, 2, 256, slog.New(slog.DiscardHandler))
}

func TestStreamAppendsCitationsAfterText(t *testing.T) {
	idx := &memIndex{passages: []Passage{
		{Text: "Hangul was promulgated in 1446.", Source: "hangul.md", Title: "Hangul", Score: 0.9},
		{Text: "Sejong founded the Hall of Worthies.", Source: "sejong.md", Score: 0.8},
		{Text: "unused", Source: "x.md"},
	}}
	gen := &recordingGenerator{chunks: []llm.Chunk{llm.Text("In 1446."), llm.Stop()}}
	svc := newTestService(idx, gen)

	it, err := svc.Stream(context.Background(), "When was Hangul created?", 0)
	require.NoError(t, err)
	got := drain(t, it)

	require.Len(t, got, 4)
	assert.Equal(t, llm.Text("In 1446."), got[0])
	assert.Equal(t, llm.ChunkCitation, got[1].Kind)
	assert.Equal(t, "Hangul (hangul.md)", got[1].Citation.Source)
	assert.Equal(t, float32(0.9), got[1].Citation.Score)
	assert.Equal(t, "sejong.md", got[2].Citation.Source)
	assert.Equal(t, llm.ChunkStop, got[3].Kind)

	assert.Equal(t, 2, idx.lastK)
	assert.Contains(t, gen.req.System, "[1] Hangul was promulgated in 1446.")
	assert.Contains(t, gen.req.System, "[2] Sejong founded")
	assert.Equal(t, 256, gen.req.MaxTokens)
}

func TestStreamCitationsOnExhaustion(t *testing.T) {
	idx := &memIndex{passages: []Passage{{Text: "p", Source: "s"}}}
	gen := &recordingGenerator{chunks: []llm.Chunk{llm.Text("a"), llm.Text("b")}}
	svc := newTestService(idx, gen)

	it, err := svc.Stream(context.Background(), "q", 5)
	require.NoError(t, err)
	got := drain(t, it)

	require.Len(t, got, 3)
	assert.Equal(t, llm.ChunkCitation, got[2].Kind)
	assert.Equal(t, 5, idx.lastK)
}

func TestStreamWithoutPassages(t *testing.T) {
	gen := &recordingGenerator{chunks: []llm.Chunk{llm.Text("Unsure."), llm.Stop()}}
	svc := newTestService(&memIndex{}, gen)

	it, err := svc.Stream(context.Background(), "q", 0)
	require.NoError(t, err)
	got := drain(t, it)

	assert.Equal(t, []llm.Chunk{llm.Text("Unsure."), llm.Stop()}, got)
	assert.Contains(t, gen.req.System, "No reference passages")
}

func TestStreamRejectsEmptyQuery(t *testing.T) {
	svc := newTestService(&memIndex{}, &recordingGenerator{})
	_, err := svc.Stream(context.Background(), "   ", 0)
	assert.ErrorIs(t, err, ErrEmptyQuery)
}

func TestStreamCapsTopK(t *testing.T) {
	idx := &memIndex{}
	svc := newTestService(idx, &recordingGenerator{})
	_, err := svc.Stream(context.Background(), "q", 500)
	require.NoError(t, err)
	assert.Equal(t, MaxTopK, idx.lastK)
}

func TestIngestReplacesSource(t *testing.T) {
	idx := &memIndex{}
	svc := newTestService(idx, &recordingGenerator{})
	ctx := context.Background()

	n, err := svc.Ingest(ctx, []Document{{Source: "sejong.md", Title: "Sejong", PersonID: "p-sejong", Text: "One.\n\nTwo."}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = svc.Ingest(ctx, []Document{{Source: "sejong.md", Text: "Replaced."}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, idx.passages, 1)
	assert.Equal(t, "Replaced.", idx.passages[0].Text)
	assert.Equal(t, PassageID("sejong.md", 0), idx.passages[0].ID)
	assert.Equal(t, []float32{9, 1}, idx.passages[0].Embedding)
	assert.Equal(t, []string{"sejong.md", "sejong.md"}, idx.deleted)

	_, err = svc.Ingest(ctx, []Document{{Text: "no source"}})
	assert.Error(t, err)
}

func TestChunkText(t *testing.T) {
	assert.Empty(t, chunkText("  \n\n ", 10))
	assert.Equal(t, []string{"ab\n\ncd"}, chunkText("ab\n\ncd", 10))
	assert.Equal(t, []string{"abcdef", "ghij"}, chunkText("abcdef\n\nghij", 8))

	long := strings.Repeat("가", 25)
	chunks := chunkText(long, 10)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 10)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}
