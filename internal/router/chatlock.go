// ABOUTME: Per-chat mutual exclusion so one chat's updates run one at a time
// ABOUTME: A process-local keyed mutex, or a Redis lock shared by all replicas

package router

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ChatLocker serializes work per chat. The returned func releases the lock.
type ChatLocker interface {
	Lock(ctx context.Context, chatID int64) (func(), error)
}

type chatMutex struct {
	mu   sync.Mutex
	refs int
}

// LocalChatLocker is a keyed mutex whose entries are dropped when unused.
type LocalChatLocker struct {
	mu    sync.Mutex
	chats map[int64]*chatMutex
}

// NewLocalChatLocker returns an empty locker.
func NewLocalChatLocker() *LocalChatLocker {
	return &LocalChatLocker{chats: make(map[int64]*chatMutex)}
}

// Lock blocks until chatID is free. It does not observe ctx once waiting.
func (l *LocalChatLocker) Lock(_ context.Context, chatID int64) (func(), error) {
	l.mu.Lock()
	m, ok := l.chats[chatID]
	if !ok {
		m = &chatMutex{}
		l.chats[chatID] = m
	}
	m.refs++
	l.mu.Unlock()

	m.mu.Lock()

	return func() {
		m.mu.Unlock()

		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.chats, chatID)
		}
		l.mu.Unlock()
	}, nil
}

// size reports the number of chats currently held or awaited.
func (l *LocalChatLocker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}

// RedisChatLocker holds a redsync mutex per chat, shared across replicas of a service.
type RedisChatLocker struct {
	rs     *redsync.Redsync
	scope  string
	expiry time.Duration
}

// NewRedisChatLocker locks keys "lock:<scope>-<chat>" on client. expiry bounds how long a
// crashed holder can block the chat.
func NewRedisChatLocker(client redis.UniversalClient, scope string, expiry time.Duration) *RedisChatLocker {
	return &RedisChatLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		scope:  scope,
		expiry: expiry,
	}
}

func (l *RedisChatLocker) Lock(ctx context.Context, chatID int64) (func(), error) {
	name := "lock:" + l.scope + "-" + strconv.FormatInt(chatID, 10)
	mutex := l.rs.NewMutex(name,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(int(l.expiry/(100*time.Millisecond))+1),
		redsync.WithRetryDelay(100*time.Millisecond),
	)

	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("lock chat %d: %w", chatID, err)
	}

	return func() {
		// Release even when the handler context is already done.
		_, _ = mutex.UnlockContext(context.WithoutCancel(ctx))
	}, nil
}
