// ABOUTME: Recording in-memory chat API client for tests
// ABOUTME: Assigns increasing message ids and can be told to fail each call

package chatapi

import (
	"context"
	"sync"

	"github.com/mymmrac/telego"
)

// FakeClient records every call. Set the *Err fields to make calls fail.
type FakeClient struct {
	mu       sync.Mutex
	nextID   int
	Sent     []*telego.SendMessageParams
	Copied   []*telego.CopyMessageParams
	Answered []*telego.AnswerCallbackQueryParams
	Webhooks []*telego.SetWebhookParams
	LogOuts  int

	SendErr    error
	CopyErr    error
	WebhookErr error
	LogOutErr  error

	// OnSetWebhook runs before SetWebhook records anything, outside the lock
	OnSetWebhook func(ctx context.Context)
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient returns a client whose first message id is 1001.
func NewFakeClient() *FakeClient {
	return &FakeClient{nextID: 1000}
}

func (f *FakeClient) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.Sent = append(f.Sent, params)
	f.nextID++
	return &telego.Message{MessageID: f.nextID, Chat: telego.Chat{ID: params.ChatID.ID}, Text: params.Text}, nil
}

func (f *FakeClient) CopyMessage(_ context.Context, params *telego.CopyMessageParams) (*telego.MessageID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CopyErr != nil {
		return nil, f.CopyErr
	}
	f.Copied = append(f.Copied, params)
	f.nextID++
	return &telego.MessageID{MessageID: f.nextID}, nil
}

func (f *FakeClient) AnswerCallbackQuery(_ context.Context, params *telego.AnswerCallbackQueryParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Answered = append(f.Answered, params)
	return nil
}

func (f *FakeClient) SetWebhook(ctx context.Context, params *telego.SetWebhookParams) error {
	f.mu.Lock()
	hook := f.OnSetWebhook
	f.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.WebhookErr != nil {
		return f.WebhookErr
	}
	f.Webhooks = append(f.Webhooks, params)
	return nil
}

func (f *FakeClient) LogOut(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LogOuts++
	return f.LogOutErr
}

// Configure mutates the client under its lock, for clients already in use by another goroutine.
func (f *FakeClient) Configure(fn func(c *FakeClient)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// LastID returns the most recently assigned message id.
func (f *FakeClient) LastID() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID
}

// Texts returns the text of every sent message, in order.
func (f *FakeClient) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, len(f.Sent))
	for i, p := range f.Sent {
		texts[i] = p.Text
	}
	return texts
}

// FakeFactory hands out one FakeClient per token.
type FakeFactory struct {
	mu      sync.Mutex
	clients map[string]*FakeClient
	Err     error
}

var _ Factory = (*FakeFactory)(nil)

// NewFakeFactory returns an empty factory.
func NewFakeFactory() *FakeFactory {
	return &FakeFactory{clients: make(map[string]*FakeClient)}
}

func (f *FakeFactory) ForToken(token string) (Client, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Client(token), nil
}

// Client returns the fake for token, creating it on first use.
func (f *FakeFactory) Client(token string) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[token]
	if !ok {
		c = NewFakeClient()
		f.clients[token] = c
	}
	return c
}
