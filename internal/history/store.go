// Package history persists conversation logs in Redis lists.
//
// Each conversation is one list keyed by Key. Appends reset a sliding expiry,
// so idle conversations vanish on their own; deletion is whole-key only.
// Redis serializes writes per key, so no application-level locking is used.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/telemetry"
)

// DefaultTTL is the sliding expiry applied by Append.
const DefaultTTL = 6 * time.Hour

// scanBatch is the COUNT hint for SCAN during pattern deletes.
const scanBatch = 500

// ErrInvalidPattern is returned when a purge pattern does not target a
// conversation namespace.
var ErrInvalidPattern = errors.New("history: pattern must target a conversation namespace")

// Store is the Redis-backed history log.
type Store struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	logger  *slog.Logger
	corrupt metric.Int64Counter
}

// NewStore creates a Store. ttl <= 0 selects DefaultTTL.
func NewStore(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		rdb:     rdb,
		ttl:     ttl,
		logger:  logger,
		corrupt: telemetry.Counter("haigate/history", "haigate.history.corrupt_entries", "History entries skipped because they failed to decode"),
	}
}

// TTL returns the sliding expiry used by Append.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Append adds msg to the end of the log and resets its expiry.
func (s *Store) Append(ctx context.Context, key Key, msg model.Message) error {
	return s.AppendWithTTL(ctx, key, msg, s.ttl)
}

// AppendWithTTL adds msg and sets the expiry to ttl. ttl <= 0 leaves the
// current expiry untouched.
func (s *Store) AppendWithTTL(ctx context.Context, key Key, msg model.Message, ttl time.Duration) error {
	if !msg.Role.Valid() {
		return fmt.Errorf("history: append: unknown role %q", msg.Role)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: encode message: %w", err)
	}

	k := key.String()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, raw)
		if ttl > 0 {
			pipe.Expire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append %s: %w", k, err)
	}
	return nil
}

// AppendExchange records a user message and the assistant reply in one
// transaction so a reader never sees the question without its answer.
func (s *Store) AppendExchange(ctx context.Context, key Key, user, assistant string) error {
	u, err := json.Marshal(model.Message{Role: model.RoleUser, Content: user})
	if err != nil {
		return fmt.Errorf("history: encode message: %w", err)
	}
	a, err := json.Marshal(model.Message{Role: model.RoleAssistant, Content: assistant})
	if err != nil {
		return fmt.Errorf("history: encode message: %w", err)
	}

	k := key.String()
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, k, u, a)
		pipe.Expire(ctx, k, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("history: append exchange %s: %w", k, err)
	}
	return nil
}

// GetAll returns the whole log in order. A missing key yields an empty
// slice. Entries that fail to decode are skipped and counted.
func (s *Store) GetAll(ctx context.Context, key Key) ([]model.Message, error) {
	msgs := []model.Message{}
	err := s.each(ctx, key, func(entry []byte) error {
		var m model.Message
		if err := json.Unmarshal(entry, &m); err != nil {
			return err
		}
		if !m.Role.Valid() {
			return fmt.Errorf("unknown role %q", m.Role)
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetDebate returns a debate room transcript in order, with the same
// skipping rules as GetAll. Entries are not filtered by type.
func (s *Store) GetDebate(ctx context.Context, key Key) ([]model.DebateMessage, error) {
	msgs := []model.DebateMessage{}
	err := s.each(ctx, key, func(entry []byte) error {
		var m model.DebateMessage
		if err := json.Unmarshal(entry, &m); err != nil {
			return err
		}
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// each reads the whole list under key and hands every entry to decode.
// Entries decode rejects are logged, counted and skipped.
func (s *Store) each(ctx context.Context, key Key, decode func([]byte) error) error {
	k := key.String()
	raw, err := s.rdb.LRange(ctx, k, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("history: read %s: %w", k, err)
	}
	for i, entry := range raw {
		if err := decode([]byte(entry)); err != nil {
			s.corrupt.Add(ctx, 1, metric.WithAttributes(attribute.String("namespace", key.Namespace)))
			s.logger.Warn("history: skipping corrupt entry", "key", k, "index", i, "error", err)
		}
	}
	return nil
}

// DeleteKey removes one conversation.
func (s *Store) DeleteKey(ctx context.Context, key Key) error {
	k := key.String()
	if err := s.rdb.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("history: delete %s: %w", k, err)
	}
	return nil
}

// DeleteByPattern removes every conversation matching a glob pattern and
// returns how many keys were deleted. Keys are found with SCAN so large
// keyspaces do not block the server. The pattern must begin with a
// conversation namespace.
func (s *Store) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	if !strings.HasPrefix(pattern, NamespacePerson+":") && !strings.HasPrefix(pattern, NamespaceChatbot+":") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
	}

	deleted := 0
	batch := make([]string, 0, scanBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rdb.Del(ctx, batch...).Result()
		if err != nil {
			return err
		}
		deleted += int(n)
		batch = batch[:0]
		return nil
	}

	iter := s.rdb.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("history: delete by pattern %q: %w", pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("history: scan %q: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("history: delete by pattern %q: %w", pattern, err)
	}

	s.logger.Info("history: deleted by pattern", "pattern", pattern, "deleted", deleted)
	return deleted, nil
}

// PurgeUser removes every conversation belonging to userID.
func (s *Store) PurgeUser(ctx context.Context, userID string) (int, error) {
	patterns, err := UserPatterns(userID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, p := range patterns {
		n, err := s.DeleteByPattern(ctx, p)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Ping checks that Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
