package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"
)

// passageNamespace seeds deterministic point ids so re-ingesting a document
// replaces its passages instead of duplicating them.
var passageNamespace = uuid.MustParse("6f1c8f5e-3f0a-4d8e-9a53-2b1e5d7c9a10")

// PassageID returns the point id of chunk n of source.
func PassageID(source string, n int) uuid.UUID {
	return uuid.NewSHA1(passageNamespace, []byte(source+"#"+strconv.Itoa(n)))
}

// Passage is one retrievable text chunk.
type Passage struct {
	ID        uuid.UUID
	Text      string
	Source    string
	Title     string
	PersonID  string // Optional; the person the passage is about.
	Score     float32
	Embedding []float32
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex stores passages in a Qdrant collection over gRPC.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // *error
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, gRPC port and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("knowledge: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("knowledge: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex connects to Qdrant.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection when missing and makes sure the
// payload indexes exist. CreateFieldIndex is idempotent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("knowledge: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("knowledge: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"source", "person_id"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("knowledge: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// Search returns up to limit passages nearest to embedding, best first.
func (q *QdrantIndex) Search(ctx context.Context, embedding []float32, limit int) ([]Passage, error) {
	if limit <= 0 {
		limit = DefaultTopK
	}
	fetch := uint64(limit) //nolint:gosec // limit is bounded by MaxTopK
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Limit:          &fetch,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant query: %w", err)
	}

	out := make([]Passage, 0, len(scored))
	for _, sp := range scored {
		id, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			q.logger.Warn("qdrant: invalid UUID in point ID", "id", sp.GetId().String())
			continue
		}
		payload := sp.GetPayload()
		out = append(out, Passage{
			ID:       id,
			Text:     payload["text"].GetStringValue(),
			Source:   payload["source"].GetStringValue(),
			Title:    payload["title"].GetStringValue(),
			PersonID: payload["person_id"].GetStringValue(),
			Score:    sp.GetScore(),
		})
	}
	return out, nil
}

// Upsert inserts or replaces passages. Each passage must carry its
// embedding.
func (q *QdrantIndex) Upsert(ctx context.Context, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		payload := map[string]any{
			"text":   p.Text,
			"source": p.Source,
		}
		if p.Title != "" {
			payload["title"] = p.Title
		}
		if p.PersonID != "" {
			payload["person_id"] = p.PersonID
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(p.ID.String()),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("knowledge: qdrant upsert %d points: %w", len(passages), err)
	}
	return nil
}

// DeleteBySource removes every passage ingested from source.
func (q *QdrantIndex) DeleteBySource(ctx context.Context, source string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: &qdrant.Filter{
					Must: []*qdrant.Condition{qdrant.NewMatch("source", source)},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("knowledge: qdrant delete source %s: %w", source, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for five
// seconds and concurrent checks share one gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight shares the first caller's work, so the check runs on its
	// own context rather than any one caller's.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("knowledge: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
