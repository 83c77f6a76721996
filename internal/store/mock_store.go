// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	bots     map[string]*Bot     // keyed by bot ID
	tokens   map[string]string   // token -> bot ID
	messages map[string]*Message // keyed by "botID:forwardID"

	// Set to make the next write fail
	FailWrites error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		bots:     make(map[string]*Bot),
		tokens:   make(map[string]string),
		messages: make(map[string]*Message),
	}
}

func messageKey(botID string, forwardID int64) string {
	return fmt.Sprintf("%s:%d", botID, forwardID)
}

// CreateBot stores a new bot.
func (m *MockStore) CreateBot(ctx context.Context, bot *Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, ok := m.tokens[bot.Token]; ok {
		return ErrDuplicateBot
	}
	for _, b := range m.bots {
		if b.Secret == bot.Secret {
			return ErrDuplicateBot
		}
	}

	if bot.ID == "" {
		bot.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if bot.CreatedAt.IsZero() {
		bot.CreatedAt = now
	}
	if bot.UpdatedAt.IsZero() {
		bot.UpdatedAt = now
	}

	// Make a copy to avoid external modification
	b := *bot
	m.bots[b.ID] = &b
	m.tokens[b.Token] = b.ID
	return nil
}

// GetBot retrieves a bot by ID.
func (m *MockStore) GetBot(ctx context.Context, id string) (*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bots[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

// GetBotByToken retrieves a bot by token.
func (m *MockStore) GetBotByToken(ctx context.Context, token string) (*Bot, error) {
	m.mu.RLock()
	id, ok := m.tokens[token]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetBot(ctx, id)
}

// ListBotsByOwner returns the owner's bots, oldest first.
func (m *MockStore) ListBotsByOwner(ctx context.Context, ownerID int64) ([]*Bot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bots []*Bot
	for _, b := range m.bots {
		if b.OwnerID == ownerID {
			cp := *b
			bots = append(bots, &cp)
		}
	}
	sort.Slice(bots, func(i, j int) bool {
		if bots[i].CreatedAt.Equal(bots[j].CreatedAt) {
			return bots[i].ID < bots[j].ID
		}
		return bots[i].CreatedAt.Before(bots[j].CreatedAt)
	})
	return bots, nil
}

// RecordMessage stores a forward mapping.
func (m *MockStore) RecordMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	if _, ok := m.bots[msg.BotID]; !ok {
		return ErrNotFound
	}
	key := messageKey(msg.BotID, msg.ForwardMessageID)
	if _, ok := m.messages[key]; ok {
		return ErrDuplicateMessage
	}

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = now
	}

	cp := *msg
	m.messages[key] = &cp
	return nil
}

// DeleteBot removes a bot and its mappings.
func (m *MockStore) DeleteBot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailWrites != nil {
		return m.FailWrites
	}
	bot, ok := m.bots[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.tokens, bot.Token)
	delete(m.bots, id)
	for key, msg := range m.messages {
		if msg.BotID == id {
			delete(m.messages, key)
		}
	}
	return nil
}

// GetMessageByForwardID retrieves a forward mapping.
func (m *MockStore) GetMessageByForwardID(ctx context.Context, botID string, forwardMessageID int64) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[messageKey(botID, forwardMessageID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *msg
	return &cp, nil
}

// WithTx snapshots the store and restores the snapshot if fn fails.
// Concurrent writers are not isolated from each other.
func (m *MockStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	m.mu.RLock()
	bots := maps.Clone(m.bots)
	tokens := maps.Clone(m.tokens)
	messages := maps.Clone(m.messages)
	m.mu.RUnlock()

	if err := fn(m); err != nil {
		m.mu.Lock()
		m.bots, m.tokens, m.messages = bots, tokens, messages
		m.mu.Unlock()
		return err
	}
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
