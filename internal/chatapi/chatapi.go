// ABOUTME: The chat API surface handlers depend on, satisfied by *telego.Bot
// ABOUTME: A Factory hands out clients for dynamically registered bot tokens

package chatapi

import (
	"context"
	"fmt"
	"sync"

	"github.com/mymmrac/telego"
)

// Client is the subset of the bot API the relay calls.
type Client interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	CopyMessage(ctx context.Context, params *telego.CopyMessageParams) (*telego.MessageID, error)
	AnswerCallbackQuery(ctx context.Context, params *telego.AnswerCallbackQueryParams) error
	SetWebhook(ctx context.Context, params *telego.SetWebhookParams) error
	LogOut(ctx context.Context) error
}

var _ Client = (*telego.Bot)(nil)

// Factory returns a client authenticated with token.
type Factory interface {
	ForToken(token string) (Client, error)
}

// TelegoFactory builds and caches telego bots per token.
type TelegoFactory struct {
	apiServer string

	mu   sync.Mutex
	bots map[string]*telego.Bot
}

var _ Factory = (*TelegoFactory)(nil)

// NewTelegoFactory returns a factory whose bots talk to apiServer.
func NewTelegoFactory(apiServer string) *TelegoFactory {
	return &TelegoFactory{apiServer: apiServer, bots: make(map[string]*telego.Bot)}
}

// NewBot creates a single telego bot for token.
func NewBot(token, apiServer string) (*telego.Bot, error) {
	opts := []telego.BotOption{telego.WithDiscardLogger()}
	if apiServer != "" {
		opts = append(opts, telego.WithAPIServer(apiServer))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot client: %w", err)
	}
	return bot, nil
}

func (f *TelegoFactory) ForToken(token string) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if bot, ok := f.bots[token]; ok {
		return bot, nil
	}

	bot, err := NewBot(token, f.apiServer)
	if err != nil {
		return nil, err
	}
	f.bots[token] = bot
	return bot, nil
}
