// Package knowledge answers questions from a passage index: the query is
// embedded, the nearest passages are retrieved from Qdrant, and the
// generator answers from them. The passages travel back as citations after
// the answer text.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hai-labs/haigate/internal/llm"
	"github.com/hai-labs/haigate/internal/model"
)

const (
	DefaultTopK = 4
	MaxTopK     = 20

	// maxPassageRunes bounds the size of an ingested chunk.
	maxPassageRunes = 800
)

// ErrEmptyQuery is returned when the query has no text.
var ErrEmptyQuery = errors.New("knowledge: empty query")

// Index is the passage store.
type Index interface {
	Search(ctx context.Context, embedding []float32, limit int) ([]Passage, error)
	Upsert(ctx context.Context, passages []Passage) error
	DeleteBySource(ctx context.Context, source string) error
}

// Document is a source text to ingest.
type Document struct {
	Source   string `json:"source"`
	Title    string `json:"title,omitempty"`
	PersonID string `json:"person_id,omitempty"`
	Text     string `json:"text"`
}

// Service retrieves passages and streams grounded answers.
type Service struct {
	embedder  Embedder
	index     Index
	generator llm.Generator
	topK      int
	maxTokens int
	logger    *slog.Logger
}

// NewService creates a Service. topK <= 0 selects DefaultTopK.
func NewService(embedder Embedder, index Index, generator llm.Generator, topK, maxTokens int, logger *slog.Logger) *Service {
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Service{
		embedder:  embedder,
		index:     index,
		generator: generator,
		topK:      min(topK, MaxTopK),
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Retrieve returns the passages nearest to query.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) ([]Passage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = s.topK
	}
	topK = min(topK, MaxTopK)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.index.Search(ctx, vec.Slice(), topK)
}

// Stream answers query from the topK nearest passages. The returned
// iterator yields the answer text, then one citation chunk per passage.
func (s *Service) Stream(ctx context.Context, query string, topK int) (llm.ChunkIterator, error) {
	passages, err := s.Retrieve(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("knowledge: retrieved passages", "count", len(passages))

	src, err := s.generator.Stream(ctx, llm.GenerateRequest{
		System:    groundedPrompt(passages),
		Messages:  []model.Message{{Role: model.RoleUser, Content: query}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return nil, err
	}

	cites := make([]model.Citation, len(passages))
	for i, p := range passages {
		source := p.Source
		if p.Title != "" {
			source = p.Title + " (" + p.Source + ")"
		}
		cites[i] = model.Citation{Text: p.Text, Source: source, Score: p.Score}
	}
	return &citingIterator{src: src, citations: cites}, nil
}

// Answer streams a grounded answer with the default passage count.
func (s *Service) Answer(ctx context.Context, query string) (llm.ChunkIterator, error) {
	return s.Stream(ctx, query, 0)
}

// Ingest chunks and embeds docs, replacing any passages previously
// ingested from the same sources. It returns the number of passages
// written.
func (s *Service) Ingest(ctx context.Context, docs []Document) (int, error) {
	total := 0
	for _, d := range docs {
		if d.Source == "" {
			return total, fmt.Errorf("knowledge: document without source")
		}
		chunks := chunkText(d.Text, maxPassageRunes)
		if len(chunks) == 0 {
			continue
		}
		vecs, err := s.embedder.EmbedBatch(ctx, chunks)
		if err != nil {
			return total, fmt.Errorf("knowledge: embed %s: %w", d.Source, err)
		}
		passages := make([]Passage, len(chunks))
		for i, c := range chunks {
			passages[i] = Passage{
				ID:        PassageID(d.Source, i),
				Text:      c,
				Source:    d.Source,
				Title:     d.Title,
				PersonID:  d.PersonID,
				Embedding: vecs[i].Slice(),
			}
		}
		if err := s.index.DeleteBySource(ctx, d.Source); err != nil {
			return total, err
		}
		if err := s.index.Upsert(ctx, passages); err != nil {
			return total, err
		}
		total += len(passages)
		s.logger.Info("knowledge: ingested document", "source", d.Source, "passages", len(passages))
	}
	return total, nil
}

func groundedPrompt(passages []Passage) string {
	var b strings.Builder
	b.WriteString("You answer questions about Korean history and historical figures. ")
	if len(passages) == 0 {
		b.WriteString("No reference passages were found; say so if you are unsure.")
		return b.String()
	}
	b.WriteString("Answer from the numbered passages below. If they do not contain the answer, say so.\n")
	for i, p := range passages {
		fmt.Fprintf(&b, "\n[%d] %s", i+1, p.Text)
	}
	return b.String()
}

// chunkText splits text on blank lines and packs paragraphs into chunks of
// at most limit runes. A single longer paragraph is split on rune
// boundaries.
func chunkText(text string, limit int) []string {
	var (
		out []string
		cur strings.Builder
		n   int
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
		n = 0
	}
	for _, para := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		pn := utf8.RuneCountInString(para)
		if n > 0 && n+2+pn > limit {
			flush()
		}
		for pn > limit {
			r := []rune(para)
			cur.WriteString(string(r[:limit]))
			flush()
			para = string(r[limit:])
			pn -= limit
		}
		if n > 0 {
			cur.WriteString("\n\n")
			n += 2
		}
		cur.WriteString(para)
		n += pn
	}
	flush()
	return out
}

// citingIterator passes src through and yields the citations once src
// stops.
type citingIterator struct {
	src       llm.ChunkIterator
	citations []model.Citation
	next      int
	end       error // io.EOF or nil for a stop chunk
	ended     bool
}

func (it *citingIterator) Next(ctx context.Context) (llm.Chunk, error) {
	if !it.ended {
		c, err := it.src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			it.ended, it.end = true, io.EOF
		case err != nil:
			return llm.Chunk{}, err
		case c.Kind == llm.ChunkStop:
			it.ended = true
		default:
			return c, nil
		}
	}
	if it.next < len(it.citations) {
		c := llm.Cite(it.citations[it.next])
		it.next++
		return c, nil
	}
	if it.end != nil {
		return llm.Chunk{}, it.end
	}
	it.end = io.EOF
	return llm.Stop(), nil
}

func (it *citingIterator) Close() error {
	return it.src.Close()
}
