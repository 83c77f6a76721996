// ABOUTME: Store interface and data types for forwarding-bot persistence
// ABOUTME: Defines Bot and Message records and the transactional Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateBot is returned when a bot token (or secret) is already registered
var ErrDuplicateBot = errors.New("bot already registered")

// ErrDuplicateMessage is returned when a forward id is already mapped for a bot
var ErrDuplicateMessage = errors.New("forward message already recorded")

// Bot is a user-registered forwarding bot. Messages sent to it privately are relayed
// into TargetChatID; replies there are relayed back.
type Bot struct {
	ID           string
	Token        string
	Secret       string // webhook secret, generated server-side
	TargetChatID int64
	OwnerID      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message maps a source message to the copy a bot sent into its target chat.
type Message struct {
	ID               string
	BotID            string
	SourceChatID     int64
	SourceMessageID  int64
	ForwardMessageID int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store defines the persistence operations for forwarding bots
type Store interface {
	// CreateBot inserts a bot. Returns ErrDuplicateBot if the token is taken.
	CreateBot(ctx context.Context, bot *Bot) error
	// GetBot returns ErrNotFound for unknown ids.
	GetBot(ctx context.Context, id string) (*Bot, error)
	// GetBotByToken returns ErrNotFound for unknown tokens.
	GetBotByToken(ctx context.Context, token string) (*Bot, error)
	// DeleteBot removes a bot and its forward mappings. Returns ErrNotFound for unknown ids.
	DeleteBot(ctx context.Context, id string) error
	// ListBotsByOwner returns the owner's bots, oldest first.
	ListBotsByOwner(ctx context.Context, ownerID int64) ([]*Bot, error)

	// RecordMessage inserts a forward mapping.
	RecordMessage(ctx context.Context, msg *Message) error
	// GetMessageByForwardID returns ErrNotFound when the bot never forwarded that id.
	GetMessageByForwardID(ctx context.Context, botID string, forwardMessageID int64) (*Message, error)

	// WithTx runs fn against a view of the store bound to one transaction. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	Close() error
}
