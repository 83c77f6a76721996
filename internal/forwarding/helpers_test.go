package forwarding

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/store"
)

const (
	testToken  = "123456:ABCdef_ghi-jkl"
	targetChat = int64(-100123)
	userChat   = int64(555)
	baseURL    = "https://relay.example/"
)

var updateSeq atomic.Int64

type fixture struct {
	store *store.MockStore
	bots  *chatapi.FakeFactory
	svc   *Service
	relay *Relay
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMockStore()
	bots := chatapi.NewFakeFactory()
	svc := NewService(ServiceOptions{Store: st, Bots: bots, WebhookBaseURL: baseURL})
	return &fixture{
		store: st,
		bots:  bots,
		svc:   svc,
		relay: NewRelay(RelayOptions{Service: svc, Bots: bots}),
	}
}

// createBot registers testToken and returns it with its fake client.
func (f *fixture) createBot(t *testing.T) (*store.Bot, *chatapi.FakeClient) {
	t.Helper()
	bot, err := f.svc.CreateBot(context.Background(), testToken, targetChat, userChat)
	require.NoError(t, err)
	return bot, f.bots.Client(testToken)
}

func nextUpdateID() int {
	return int(updateSeq.Add(1))
}

func privateMessage(chatID int64, messageID int, text string) telego.Update {
	return telego.Update{
		UpdateID: nextUpdateID(),
		Message: &telego.Message{
			MessageID: messageID,
			Chat:      telego.Chat{ID: chatID, Type: telego.ChatTypePrivate},
			From:      &telego.User{ID: chatID, FirstName: "Ada", LastName: "Lovelace"},
			Text:      text,
		},
	}
}

func targetReply(messageID, repliedTo int, text string) telego.Update {
	return telego.Update{
		UpdateID: nextUpdateID(),
		Message: &telego.Message{
			MessageID:      messageID,
			Chat:           telego.Chat{ID: targetChat, Type: telego.ChatTypeSupergroup},
			From:           &telego.User{ID: 77, FirstName: "Staff"},
			Text:           text,
			ReplyToMessage: &telego.Message{MessageID: repliedTo, Chat: telego.Chat{ID: targetChat}},
		},
	}
}

func callback(chatID int64, data string) telego.Update {
	return telego.Update{
		UpdateID: nextUpdateID(),
		CallbackQuery: &telego.CallbackQuery{
			ID:   "cb",
			From: telego.User{ID: chatID},
			Message: &telego.Message{
				MessageID: 1,
				Chat:      telego.Chat{ID: chatID, Type: telego.ChatTypePrivate},
			},
			Data: data,
		},
	}
}

// denyAll is a limiter that always refuses.
type denyAll struct{}

func (denyAll) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{}, nil
}
