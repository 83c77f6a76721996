// ABOUTME: Dialogue state store interface and the per-chat handle handlers use
// ABOUTME: Keys are namespaced by scope so services never share one chat's state

package dialogue

import (
	"context"
	"errors"
	"strconv"
)

// Store keeps exactly one State per (scope, chat). Absent state is not an error.
type Store interface {
	// Get returns the stored state and true, or nil and false when none is stored.
	Get(ctx context.Context, scope string, chatID int64) (State, bool, error)
	// Set overwrites the stored state; the last write wins.
	Set(ctx context.Context, scope string, chatID int64, s State) error
	// Remove deletes the stored state, returning ErrNotFound when there was none.
	Remove(ctx context.Context, scope string, chatID int64) error
}

// Key returns the storage key for a chat within scope.
func Key(scope string, chatID int64) string {
	return scope + "-" + strconv.FormatInt(chatID, 10)
}

// Dialogue binds a Store to one chat within one scope.
type Dialogue struct {
	store  Store
	scope  string
	chatID int64
}

// New returns the handle for chatID within scope.
func New(store Store, scope string, chatID int64) *Dialogue {
	return &Dialogue{store: store, scope: scope, chatID: chatID}
}

// ChatID returns the chat this handle is bound to.
func (d *Dialogue) ChatID() int64 {
	return d.chatID
}

// Get returns the current state, or nil when the chat is at the start.
func (d *Dialogue) Get(ctx context.Context) (State, error) {
	s, ok, err := d.store.Get(ctx, d.scope, d.chatID)
	if err != nil || !ok {
		return nil, err
	}
	return s, nil
}

// Update replaces the current state.
func (d *Dialogue) Update(ctx context.Context, s State) error {
	return d.store.Set(ctx, d.scope, d.chatID, s)
}

// Exit returns the chat to the start. Exiting an already-empty dialogue is not an error.
func (d *Dialogue) Exit(ctx context.Context) error {
	if err := d.store.Remove(ctx, d.scope, d.chatID); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}
