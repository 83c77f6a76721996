// ABOUTME: Receive loop that feeds routed updates to a bounded pool of handler goroutines
// ABOUTME: On stop it drains in-flight handlers before closing the update source

package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"

	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/updates"
)

// Source is the update stream the dispatcher drains.
type Source interface {
	Next(ctx context.Context) (telego.Update, error)
	Stop() error
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// Workers bounds concurrently running handlers
	Workers        int
	HandlerTimeout time.Duration
	// Locker serializes handlers per chat when set
	Locker  ChatLocker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher runs one receive loop and offloads each update to its own goroutine.
type Dispatcher struct {
	router *Router
	source Source
	opts   DispatcherOptions
	logger *slog.Logger
}

// NewDispatcher wires router to source.
func NewDispatcher(router *Router, source Source, opts DispatcherOptions) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		router: router,
		source: source,
		opts:   opts,
		logger: logger.With("component", "dispatcher"),
	}
}

// Run receives until ctx is cancelled or the source closes, waits for running handlers,
// and then stops the source.
func (d *Dispatcher) Run(ctx context.Context) error {
	sem := make(chan struct{}, d.opts.Workers)
	var wg sync.WaitGroup

	d.logger.Info("dispatcher started", "workers", d.opts.Workers)

receive:
	for {
		update, err := d.source.Next(ctx)
		if err != nil {
			if !errors.Is(err, updates.ErrClosed) {
				d.logger.Error("update source failed", "error", err)
			}
			break
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			d.logger.Warn("stopping with update not dispatched", "update_id", update.UpdateID)
			break receive
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			d.handle(update)
		}()
	}

	d.logger.Info("dispatcher draining in-flight handlers")
	wg.Wait()

	return d.source.Stop()
}

// handle runs one update. Its context derives from the update, not from Run's ctx, so a
// stop signal lets it finish.
func (d *Dispatcher) handle(update telego.Update) {
	ctx := update.Context()
	if d.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.HandlerTimeout)
		defer cancel()
	}

	if d.opts.Locker != nil {
		if chatID, ok := updates.ChatID(update); ok {
			unlock, err := d.opts.Locker.Lock(ctx, chatID)
			if err != nil {
				d.logger.ErrorContext(ctx, "could not acquire chat lock", "chat_id", chatID, "error", err)
				if d.opts.Metrics != nil {
					d.opts.Metrics.UpdatesDropped.WithLabelValues("chat_lock").Inc()
				}
				d.router.notify(ctx, update, err)
				return
			}
			defer unlock()
		}
	}

	if d.opts.Metrics != nil {
		d.opts.Metrics.InFlight.Inc()
		defer d.opts.Metrics.InFlight.Dec()
	}

	d.router.Dispatch(ctx, update)
}
