// ABOUTME: Dispatch router mapping (dialogue state, update shape) to a handler
// ABOUTME: An ordered static branch table; first match wins, failures are isolated per update

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/updates"
)

// Event is what predicates inspect and handlers receive.
type Event struct {
	Update telego.Update
	// ChatID is zero when HasChat is false
	ChatID  int64
	HasChat bool
	// State is nil when the chat is at the start
	State dialogue.State
	// Captures holds values extracted by the matching branch's predicates
	Captures map[string]string
	// Dialogue is nil when the router has no state store or the update has no chat
	Dialogue *dialogue.Dialogue
}

// Capture returns a value set by a predicate, or "".
func (e *Event) Capture(key string) string {
	return e.Captures[key]
}

// Predicate reports whether an event matches. It may record captures on the event.
type Predicate func(e *Event) bool

// Handler runs for a matched event.
type Handler func(ctx context.Context, e *Event) error

// Branch pairs predicates with a handler. All predicates must match.
type Branch struct {
	Name   string
	When   []Predicate
	Handle Handler
}

// Invocation is a routed event ready to run.
type Invocation struct {
	Branch string
	Event  *Event
	handle Handler
}

// Run calls the branch handler.
func (i *Invocation) Run(ctx context.Context) error {
	return i.handle(ctx, i.Event)
}

// Options configures a Router.
type Options struct {
	// Scope namespaces dialogue state, normally the service name
	Scope  string
	States dialogue.Store
	// OnStateReset is called after an undecodable state was discarded for a chat
	OnStateReset func(ctx context.Context, chatID int64)
	// OnError is called when routing or a handler fails for an update from a chat.
	// Handlers that already told the user return nil, so this only sees unreported failures.
	OnError func(ctx context.Context, chatID int64, err error)
	Tracer  trace.Tracer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router routes updates through its branch table.
type Router struct {
	branches []Branch
	opts     Options
	tracer   trace.Tracer
	logger   *slog.Logger
}

// New builds a router over branches, evaluated in order.
func New(branches []Branch, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("router")
	}

	return &Router{
		branches: branches,
		opts:     opts,
		tracer:   tracer,
		logger:   logger.With("component", "router"),
	}
}

// Branches returns the branch names in evaluation order.
func (r *Router) Branches() []string {
	names := make([]string, len(r.branches))
	for i, b := range r.branches {
		names[i] = b.Name
	}
	return names
}

// Route finds the first branch matching u. The chat's dialogue state is fetched once.
// It returns false when nothing matches, and an error only when state could not be read.
func (r *Router) Route(ctx context.Context, u telego.Update) (*Invocation, bool, error) {
	event := &Event{Update: u}
	event.ChatID, event.HasChat = updates.ChatID(u)

	if r.opts.States != nil && event.HasChat {
		event.Dialogue = dialogue.New(r.opts.States, r.opts.Scope, event.ChatID)

		state, err := event.Dialogue.Get(ctx)
		switch {
		case errors.Is(err, dialogue.ErrCorruptState):
			r.resetState(ctx, event, err)
		case err != nil:
			return nil, false, fmt.Errorf("load dialogue state: %w", err)
		default:
			event.State = state
		}
	}

	for i := range r.branches {
		b := &r.branches[i]
		event.Captures = make(map[string]string)
		if matchAll(b.When, event) {
			return &Invocation{Branch: b.Name, Event: event, handle: b.Handle}, true, nil
		}
	}

	event.Captures = nil
	return nil, false, nil
}

// resetState discards an unreadable state so the chat starts over.
func (r *Router) resetState(ctx context.Context, event *Event, cause error) {
	r.logger.WarnContext(ctx, "resetting unreadable dialogue state", "chat_id", event.ChatID, "error", cause)

	if err := event.Dialogue.Exit(ctx); err != nil {
		r.logger.ErrorContext(ctx, "failed to reset dialogue state", "chat_id", event.ChatID, "error", err)
	}
	if r.opts.OnStateReset != nil {
		r.opts.OnStateReset(ctx, event.ChatID)
	}
}

func matchAll(preds []Predicate, e *Event) bool {
	for _, p := range preds {
		if !p(e) {
			return false
		}
	}
	return true
}

// Dispatch routes and runs u. Failures and panics are logged and handed to OnError;
// they never escape.
func (r *Router) Dispatch(ctx context.Context, u telego.Update) {
	ctx, span := r.tracer.Start(ctx, "router.Dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.Int("telegram.update_id", u.UpdateID)),
	)
	defer span.End()

	inv, ok, err := r.Route(ctx, u)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.ErrorContext(ctx, "routing failed", "update_id", u.UpdateID, "error", err)
		r.count("", "route_error")
		r.notify(ctx, u, err)
		return
	}
	if !ok {
		r.logger.DebugContext(ctx, "no branch matched", "update_id", u.UpdateID)
		if r.opts.Metrics != nil {
			r.opts.Metrics.Unmatched.Inc()
		}
		return
	}

	span.SetAttributes(attribute.String("router.branch", inv.Branch))
	start := time.Now()

	err = r.run(ctx, inv)

	if r.opts.Metrics != nil {
		r.opts.Metrics.HandlerDuration.WithLabelValues(inv.Branch).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.ErrorContext(ctx, "handler failed",
			"branch", inv.Branch,
			"update_id", u.UpdateID,
			"chat_id", inv.Event.ChatID,
			"error", err,
		)
		r.count(inv.Branch, "error")
		r.notify(ctx, u, err)
		return
	}
	r.count(inv.Branch, "ok")
}

func (r *Router) notify(ctx context.Context, u telego.Update, err error) {
	if r.opts.OnError == nil {
		return
	}
	if chatID, ok := updates.ChatID(u); ok {
		r.opts.OnError(ctx, chatID, err)
	}
}

// run invokes the handler, converting a panic into an error.
func (r *Router) run(ctx context.Context, inv *Invocation) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ErrorContext(ctx, "handler panicked", "branch", inv.Branch, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return inv.Run(ctx)
}

func (r *Router) count(branch, outcome string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.Dispatched.WithLabelValues(branch, outcome).Inc()
	}
}
