// ABOUTME: Tests for branch matching, state-aware routing, and per-update failure isolation

package router

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/metrics"
)

type awaitingName struct{}

func (awaitingName) StateName() string { return "awaiting_name" }

func testCodec() *dialogue.Codec {
	return dialogue.NewCodec(dialogue.VariantOf[awaitingName]())
}

// countingStore wraps a store and counts reads.
type countingStore struct {
	dialogue.Store
	gets atomic.Int32
	err  error
}

func (c *countingStore) Get(ctx context.Context, scope string, chatID int64) (dialogue.State, bool, error) {
	c.gets.Add(1)
	if c.err != nil {
		return nil, false, c.err
	}
	return c.Store.Get(ctx, scope, chatID)
}

func textUpdate(chatID int64, text string) telego.Update {
	return telego.Update{
		UpdateID: 1,
		Message: &telego.Message{
			MessageID: 10,
			Chat:      telego.Chat{ID: chatID, Type: telego.ChatTypePrivate},
			From:      &telego.User{ID: chatID},
			Text:      text,
		},
	}
}

func callbackUpdate(chatID int64, data string) telego.Update {
	return telego.Update{
		UpdateID:      2,
		CallbackQuery: &telego.CallbackQuery{ID: "cb", From: telego.User{ID: chatID}, Data: data},
	}
}

func nopHandler(context.Context, *Event) error { return nil }

func TestRoute_FirstMatchWins(t *testing.T) {
	r := New([]Branch{
		{Name: "start", When: []Predicate{Command("start")}, Handle: nopHandler},
		{Name: "any-text", When: []Predicate{HasText()}, Handle: nopHandler},
		{Name: "never", When: []Predicate{Command("start")}, Handle: nopHandler},
	}, Options{})

	inv, ok, err := r.Route(context.Background(), textUpdate(1, "/start hello"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "start", inv.Branch)
	assert.Equal(t, "hello", inv.Event.Capture("args"))

	inv, ok, err = r.Route(context.Background(), textUpdate(1, "plain"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "any-text", inv.Branch)
	assert.Empty(t, inv.Event.Capture("args"))

	assert.Equal(t, []string{"start", "any-text", "never"}, r.Branches())
}

func TestRoute_Unmatched(t *testing.T) {
	r := New([]Branch{
		{Name: "cb", When: []Predicate{CallbackData("create")}, Handle: nopHandler},
	}, Options{})

	_, ok, err := r.Route(context.Background(), textUpdate(1, "hello"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRoute_StateFetchedOnce(t *testing.T) {
	store := &countingStore{Store: dialogue.NewMemoryStore(testCodec())}
	require.NoError(t, store.Set(context.Background(), "svc", 5, awaitingName{}))

	r := New([]Branch{
		{Name: "start-only", When: []Predicate{InState(dialogue.StartName)}, Handle: nopHandler},
		{Name: "named", When: []Predicate{InState("awaiting_name"), HasText()}, Handle: nopHandler},
	}, Options{Scope: "svc", States: store})

	inv, ok, err := r.Route(context.Background(), textUpdate(5, "Ada"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "named", inv.Branch)
	assert.Equal(t, int32(1), store.gets.Load())
	require.NotNil(t, inv.Event.Dialogue)
	assert.Equal(t, awaitingName{}, inv.Event.State)

	inv, ok, err = r.Route(context.Background(), textUpdate(6, "Ada"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "start-only", inv.Branch)
}

func TestRoute_StoreFailure(t *testing.T) {
	store := &countingStore{Store: dialogue.NewMemoryStore(testCodec()), err: errors.New("connection refused")}
	r := New([]Branch{{Name: "any", Handle: nopHandler}}, Options{Scope: "svc", States: store})

	_, _, err := r.Route(context.Background(), textUpdate(1, "x"))
	assert.ErrorContains(t, err, "connection refused")
}

func TestRoute_CorruptStateIsReset(t *testing.T) {
	store := dialogue.NewMemoryStore(testCodec())
	store.SetRaw("svc", 9, []byte(`{"state":"gone"}`))

	var informed []int64
	r := New([]Branch{
		{Name: "start", When: []Predicate{InState(dialogue.StartName)}, Handle: nopHandler},
	}, Options{
		Scope:  "svc",
		States: store,
		OnStateReset: func(_ context.Context, chatID int64) {
			informed = append(informed, chatID)
		},
	})

	inv, ok, err := r.Route(context.Background(), textUpdate(9, "hi"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "start", inv.Branch)
	assert.Equal(t, []int64{9}, informed)

	_, exists, err := store.Get(context.Background(), "svc", 9)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestDispatch_IsolatesFailures(t *testing.T) {
	m := metrics.New(metrics.NewRegistry(), "test")
	var after atomic.Int32

	r := New([]Branch{
		{Name: "boom", When: []Predicate{Command("boom")}, Handle: func(context.Context, *Event) error {
			panic("exploded")
		}},
		{Name: "fail", When: []Predicate{Command("fail")}, Handle: func(context.Context, *Event) error {
			return errors.New("send failed")
		}},
		{Name: "ok", When: []Predicate{Command("ok")}, Handle: func(context.Context, *Event) error {
			after.Add(1)
			return nil
		}},
	}, Options{Metrics: m})

	ctx := context.Background()
	assert.NotPanics(t, func() { r.Dispatch(ctx, textUpdate(1, "/boom")) })
	r.Dispatch(ctx, textUpdate(1, "/fail"))
	r.Dispatch(ctx, textUpdate(1, "/ok"))
	r.Dispatch(ctx, textUpdate(1, "unrouted"))

	assert.Equal(t, int32(1), after.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatched.WithLabelValues("boom", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatched.WithLabelValues("fail", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatched.WithLabelValues("ok", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Unmatched))
}

type reportedFailure struct {
	chatID int64
	err    error
}

func TestDispatch_ReportsFailuresToChat(t *testing.T) {
	var reported []reportedFailure
	onError := func(_ context.Context, chatID int64, err error) {
		reported = append(reported, reportedFailure{chatID, err})
	}
	sendFailed := errors.New("send failed")

	r := New([]Branch{
		{Name: "fail", When: []Predicate{Command("fail")}, Handle: func(context.Context, *Event) error {
			return sendFailed
		}},
		{Name: "boom", When: []Predicate{Command("boom")}, Handle: func(context.Context, *Event) error {
			panic("exploded")
		}},
		{Name: "ok", Handle: nopHandler},
	}, Options{OnError: onError})

	ctx := context.Background()
	r.Dispatch(ctx, textUpdate(3, "/fail"))
	r.Dispatch(ctx, textUpdate(4, "/boom"))
	r.Dispatch(ctx, textUpdate(5, "/ok"))

	require.Len(t, reported, 2)
	assert.Equal(t, int64(3), reported[0].chatID)
	assert.ErrorIs(t, reported[0].err, sendFailed)
	assert.Equal(t, int64(4), reported[1].chatID)
	assert.ErrorContains(t, reported[1].err, "exploded")
}

func TestDispatch_ReportsStateStoreFailure(t *testing.T) {
	m := metrics.New(metrics.NewRegistry(), "test")
	store := &countingStore{Store: dialogue.NewMemoryStore(testCodec()), err: errors.New("connection refused")}

	var reported []reportedFailure
	var ran atomic.Int32
	r := New([]Branch{{Name: "any", Handle: func(context.Context, *Event) error {
		ran.Add(1)
		return nil
	}}}, Options{
		Scope:   "svc",
		States:  store,
		Metrics: m,
		OnError: func(_ context.Context, chatID int64, err error) {
			reported = append(reported, reportedFailure{chatID, err})
		},
	})

	r.Dispatch(context.Background(), textUpdate(7, "hi"))

	assert.Zero(t, ran.Load())
	require.Len(t, reported, 1)
	assert.Equal(t, int64(7), reported[0].chatID)
	assert.ErrorContains(t, reported[0].err, "connection refused")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Dispatched.WithLabelValues("", "route_error")))
}

func TestDispatch_FailureWithoutChatIsNotReported(t *testing.T) {
	called := false
	r := New([]Branch{{Name: "fail", Handle: func(context.Context, *Event) error {
		return errors.New("nope")
	}}}, Options{OnError: func(context.Context, int64, error) { called = true }})

	r.Dispatch(context.Background(), telego.Update{UpdateID: 9, InlineQuery: &telego.InlineQuery{ID: "q"}})
	assert.False(t, called)
}

func TestPredicates(t *testing.T) {
	event := func(u telego.Update) *Event {
		e := &Event{Update: u, Captures: map[string]string{}}
		return e
	}

	t.Run("command with mention", func(t *testing.T) {
		e := event(textUpdate(1, "/Start@relay_bot now"))
		assert.True(t, Command("start")(e))
		assert.Equal(t, "now", e.Capture("args"))
	})

	t.Run("bare slash is not a command", func(t *testing.T) {
		assert.False(t, AnyCommand()(event(textUpdate(1, "/"))))
		assert.False(t, AnyCommand()(event(textUpdate(1, "hello"))))
	})

	t.Run("callback prefix capture", func(t *testing.T) {
		e := event(callbackUpdate(1, "bot:abc"))
		assert.True(t, CallbackPrefix("bot:")(e))
		assert.Equal(t, "abc", e.Capture("payload"))
		assert.False(t, CallbackData("bot")(e))
	})

	t.Run("text matches named groups", func(t *testing.T) {
		e := event(textUpdate(1, "target 42"))
		assert.True(t, TextMatches(regexp.MustCompile(`^target (?P<id>\d+)$`))(e))
		assert.Equal(t, "42", e.Capture("id"))
	})

	t.Run("private chat", func(t *testing.T) {
		group := textUpdate(-100, "hi")
		group.Message.Chat.Type = telego.ChatTypeGroup
		assert.False(t, PrivateChat()(event(group)))
		assert.True(t, PrivateChat()(event(textUpdate(1, "hi"))))
		assert.True(t, Not(PrivateChat())(event(group)))
	})

	t.Run("parse command", func(t *testing.T) {
		name, args, ok := ParseCommand("/id")
		assert.True(t, ok)
		assert.Equal(t, "id", name)
		assert.Empty(t, args)
	})
}
