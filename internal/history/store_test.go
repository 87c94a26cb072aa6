package history_test

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hai-labs/haigate/internal/history"
	"github.com/hai-labs/haigate/internal/model"
	"github.com/hai-labs/haigate/internal/testutil"
)

func mustKey(t *testing.T, personID, userID string) history.Key {
	t.Helper()
	k, err := history.PersonKey(personID, userID)
	require.NoError(t, err)
	return k
}

func TestKeyFormat(t *testing.T) {
	k := mustKey(t, "sejong", "u-1")
	assert.Equal(t, "aiperson:chat:sejong:u-1", k.String())

	c, err := history.ChatbotKey("u-1")
	require.NoError(t, err)
	assert.Equal(t, "chatbot:chat:default:u-1", c.String())
}

func TestKeyRejectsBadComponents(t *testing.T) {
	for _, tc := range []struct{ subject, user string }{
		{"", "u"},
		{"p", ""},
		{"p:x", "u"},
		{"p", "u*"},
		{"p", "u?"},
	} {
		_, err := history.NewKey(history.NamespacePerson, tc.subject, tc.user)
		assert.ErrorIs(t, err, history.ErrInvalidKey, "subject=%q user=%q", tc.subject, tc.user)
	}
}

func TestAppendThenGetAllPreservesOrder(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "hi"}))
	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleAssistant, Content: "hello"}))

	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "hi"},
		{Role: model.RoleAssistant, Content: "hello"},
	}, got)
}

func TestGetAllMissingKeyIsEmpty(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())

	got, err := s.GetAll(context.Background(), mustKey(t, "nobody", "u1"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAppendResetsSlidingTTL(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, time.Hour, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "a"}))
	assert.Equal(t, time.Hour, mr.TTL(k.String()))

	mr.FastForward(50 * time.Minute)
	assert.Equal(t, 10*time.Minute, mr.TTL(k.String()))

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleAssistant, Content: "b"}))
	assert.Equal(t, time.Hour, mr.TTL(k.String()), "append must reset the expiry")

	mr.FastForward(61 * time.Minute)
	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Empty(t, got, "log expires after ttl of inactivity")
}

func TestAppendWithTTLZeroKeepsExpiry(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, time.Hour, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "a"}))
	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.AppendWithTTL(ctx, k, model.Message{Role: model.RoleUser, Content: "b"}, 0))
	assert.Equal(t, 30*time.Minute, mr.TTL(k.String()))
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	err := s.Append(context.Background(), mustKey(t, "p", "u"), model.Message{Role: "robot", Content: "x"})
	assert.Error(t, err)
}

func TestGetAllSkipsCorruptEntries(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "first"}))
	_, err := mr.Push(k.String(), "{not json", `{"role":"wizard","content":"x"}`)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleAssistant, Content: "last"}))

	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "first"},
		{Role: model.RoleAssistant, Content: "last"},
	}, got)
}

func TestGetDebateSkipsUndecodableEntries(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	k, err := history.DebateKey("room-7")
	require.NoError(t, err)
	assert.Equal(t, "debate:room:room-7:messages", k.String())

	_, err = mr.Push(k.String(),
		`{"type":"ENTER","sender":"kim","message":"kim joined"}`,
		"{not json",
		`{"type":"CHAT","sender":"kim","message":"Hangul freed the people."}`,
	)
	require.NoError(t, err)

	got, err := s.GetDebate(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, []model.DebateMessage{
		{Type: "ENTER", Sender: "kim", Message: "kim joined"},
		{Type: "CHAT", Sender: "kim", Message: "Hangul freed the people."},
	}, got)

	empty, err := s.GetDebate(context.Background(), history.Key{Namespace: history.NamespaceDebate, Subject: "none", User: "messages"})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDebateKeyRejectsPatterns(t *testing.T) {
	for _, room := range []string{"", "r:1", "r*"} {
		_, err := history.DebateKey(room)
		assert.ErrorIs(t, err, history.ErrInvalidKey, room)
	}
}

func TestAppendExchange(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.AppendExchange(ctx, k, "q", "a"))
	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, Content: "a"},
	}, got)
}

func TestConcurrentAppendsAllLand(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "x"}))
		}()
	}
	wg.Wait()

	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Len(t, got, 20)
}

func TestDeleteKey(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	k := mustKey(t, "p1", "u1")

	require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "x"}))
	require.NoError(t, s.DeleteKey(ctx, k))
	got, err := s.GetAll(ctx, k)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDeleteByPatternAndPurgeUser(t *testing.T) {
	mr, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	msg := model.Message{Role: model.RoleUser, Content: "x"}

	for _, p := range []string{"p1", "p2", "p3"} {
		require.NoError(t, s.Append(ctx, mustKey(t, p, "u1"), msg))
	}
	require.NoError(t, s.Append(ctx, mustKey(t, "p1", "u2"), msg))
	chat, err := history.ChatbotKey("u1")
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, chat, msg))
	mr.Set("moderation:warn:u1", "1")

	n, err := s.PurgeUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.True(t, mr.Exists("aiperson:chat:p1:u2"), "other users are untouched")
	assert.True(t, mr.Exists("moderation:warn:u1"), "non-history keys are untouched")
	assert.False(t, mr.Exists("chatbot:chat:default:u1"))
}

func TestDeleteByPatternRejectsForeignNamespace(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	for _, p := range []string{"*", "moderation:*", ""} {
		_, err := s.DeleteByPattern(context.Background(), p)
		assert.ErrorIs(t, err, history.ErrInvalidPattern, "pattern %q", p)
	}
}

func TestDeleteByPatternManyKeys(t *testing.T) {
	_, rdb := testutil.NewMiniRedis(t)
	s := history.NewStore(rdb, 0, testutil.TestLogger())
	ctx := context.Background()
	for i := range 1200 {
		k, err := history.PersonKey("p", "u"+strconv.Itoa(i))
		require.NoError(t, err)
		require.NoError(t, s.Append(ctx, k, model.Message{Role: model.RoleUser, Content: "x"}))
	}
	n, err := s.DeleteByPattern(ctx, "aiperson:chat:p:*")
	require.NoError(t, err)
	assert.Equal(t, 1200, n)
}
