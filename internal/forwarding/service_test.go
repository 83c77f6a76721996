// ABOUTME: Tests for bot creation, webhook registration, and the forward mapping records

package forwarding

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/store"
)

func TestGenerateSecret(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		secret, err := GenerateSecret()
		require.NoError(t, err)
		assert.Len(t, secret, SecretLength)
		assert.Regexp(t, `^[A-Za-z0-9]+$`, secret)
		assert.False(t, seen[secret], "secrets must not repeat")
		seen[secret] = true
	}
}

func TestValidToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"123456:ABCdef_ghi-jkl", true},
		{"1:a", true},
		{"123456:", false},
		{":abc", false},
		{"abc:def", false},
		{"123456:abc def", false},
		{"123456:abc!", false},
		{" 123456:abc", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidToken(tt.token))
		})
	}
}

func TestCreateBot_RegistersWebhook(t *testing.T) {
	f := newFixture(t)

	bot, client := f.createBot(t)

	assert.Len(t, bot.Secret, SecretLength)
	assert.Equal(t, 1, client.LogOuts)
	require.Len(t, client.Webhooks, 1)
	assert.Equal(t, "https://relay.example/webhook/"+testToken, client.Webhooks[0].URL)
	assert.Equal(t, bot.Secret, client.Webhooks[0].SecretToken)

	stored, err := f.store.GetBotByToken(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, stored.ID)
	assert.Equal(t, targetChat, stored.TargetChatID)
	assert.Equal(t, userChat, stored.OwnerID)
}

func TestCreateBot_InvalidToken(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateBot(context.Background(), "not-a-token", targetChat, userChat)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCreateBot_DuplicateToken(t *testing.T) {
	f := newFixture(t)
	f.createBot(t)

	_, err := f.svc.CreateBot(context.Background(), testToken, targetChat, userChat)
	assert.ErrorIs(t, err, store.ErrDuplicateBot)
}

func TestCreateBot_LogOutFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.bots.Client(testToken).LogOutErr = errors.New("already logged out")

	_, client := f.createBot(t)
	assert.Len(t, client.Webhooks, 1)
}

func TestCreateBot_WebhookFailureRollsBack(t *testing.T) {
	sqlStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer sqlStore.Close()

	for name, st := range map[string]store.Store{"mock": store.NewMockStore(), "sqlite": sqlStore} {
		t.Run(name, func(t *testing.T) {
			bots := chatapi.NewFakeFactory()
			bots.Client(testToken).WebhookErr = errors.New("bad webhook url")
			svc := NewService(ServiceOptions{Store: st, Bots: bots, WebhookBaseURL: baseURL})

			_, err := svc.CreateBot(context.Background(), testToken, targetChat, userChat)
			assert.ErrorIs(t, err, ErrWebhookRegistration)
			assert.NotErrorIs(t, err, ErrBotNotFound)

			registered, err := svc.TokenRegistered(context.Background(), testToken)
			require.NoError(t, err)
			assert.False(t, registered, "failed registration must not leave a record")
		})
	}
}

func TestCreateBot_SlowWebhookDoesNotBlockForwards(t *testing.T) {
	sqlStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer sqlStore.Close()

	ctx := context.Background()
	bots := chatapi.NewFakeFactory()
	svc := NewService(ServiceOptions{Store: sqlStore, Bots: bots, WebhookBaseURL: baseURL})

	existing, err := svc.CreateBot(ctx, testToken, targetChat, userChat)
	require.NoError(t, err)

	const slowToken = "654321:slow_token"
	entered := make(chan struct{})
	release := make(chan struct{})
	bots.Client(slowToken).Configure(func(c *chatapi.FakeClient) {
		c.OnSetWebhook = func(context.Context) {
			close(entered)
			<-release
		}
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var createErr error
	go func() {
		defer wg.Done()
		_, createErr = svc.CreateBot(ctx, slowToken, targetChat, userChat)
	}()
	<-entered

	start := time.Now()
	for i := range 20 {
		_, err := svc.RecordForward(ctx, existing.ID, userChat, int64(i+1), int64(500+i))
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	close(release)
	wg.Wait()
	require.NoError(t, createErr)
}

func TestCreateBot_ConcurrentForwards(t *testing.T) {
	sqlStore, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	defer sqlStore.Close()

	ctx := context.Background()
	svc := NewService(ServiceOptions{Store: sqlStore, Bots: chatapi.NewFakeFactory(), WebhookBaseURL: baseURL})
	bot, err := svc.CreateBot(ctx, testToken, targetChat, userChat)
	require.NoError(t, err)

	const forwards = 200
	errs := make(chan error, forwards)
	var wg sync.WaitGroup
	for i := range forwards {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordForward(ctx, bot.ID, userChat, int64(i+1), int64(1000+i))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestRegisterWebhook_UnknownBot(t *testing.T) {
	f := newFixture(t)

	err := f.svc.RegisterWebhook(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrBotNotFound)
	assert.NotErrorIs(t, err, ErrWebhookRegistration)
}

func TestRegisterWebhook_Again(t *testing.T) {
	f := newFixture(t)
	bot, client := f.createBot(t)

	require.NoError(t, f.svc.RegisterWebhook(context.Background(), bot.ID))
	assert.Len(t, client.Webhooks, 2)
	assert.Equal(t, 2, client.LogOuts)
}

func TestRegisterWebhook_ClientFactoryFailure(t *testing.T) {
	f := newFixture(t)
	bot, _ := f.createBot(t)
	f.bots.Err = errors.New("bad token")

	err := f.svc.RegisterWebhook(context.Background(), bot.ID)
	assert.ErrorIs(t, err, ErrWebhookRegistration)
}

func TestRecordForward_ResolveRoundTrip(t *testing.T) {
	f := newFixture(t)
	bot, _ := f.createBot(t)
	ctx := context.Background()

	rec, err := f.svc.RecordForward(ctx, bot.ID, userChat, 10, 2001)
	require.NoError(t, err)
	assert.Equal(t, int64(2001), rec.ForwardMessageID)

	got, err := f.svc.ResolveByForwardID(ctx, bot.ID, 2001)
	require.NoError(t, err)
	assert.Equal(t, userChat, got.SourceChatID)
	assert.Equal(t, int64(10), got.SourceMessageID)

	_, err = f.svc.ResolveByForwardID(ctx, bot.ID, 2002)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordForward_RejectsPlaceholderIDs(t *testing.T) {
	f := newFixture(t)
	bot, _ := f.createBot(t)

	_, err := f.svc.RecordForward(context.Background(), bot.ID, userChat, 10, 0)
	assert.ErrorIs(t, err, ErrInvalidForwardID)

	_, err = f.svc.ResolveByForwardID(context.Background(), bot.ID, 0)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordForward_UnknownBot(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RecordForward(context.Background(), "missing", userChat, 10, 2001)
	assert.ErrorIs(t, err, ErrBotNotFound)
}

func TestBotByToken(t *testing.T) {
	f := newFixture(t)
	bot, _ := f.createBot(t)

	got, err := f.svc.BotByToken(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, got.ID)

	_, err = f.svc.BotByToken(context.Background(), "9:nope")
	assert.ErrorIs(t, err, ErrBotNotFound)
}
