// ABOUTME: The basic worker's utility commands: /start, /id, /remake, and action replies
// ABOUTME: Stateless; the router for this module runs without a dialogue store

package basic

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math/rand/v2"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/router"
)

// Replies with fixed text.
const (
	TextHello       = "Hello!"
	TextNeedsTarget = "Please reply to a message"
	TextFailed      = "Sorry, something went wrong. Please try again."
	textRemadeFn    = "Remade! You were born in <b>%s, %s</b>."
)

// Options configures a Module.
type Options struct {
	Client chatapi.Client
	// Areas replaces the embedded /remake list when set
	Areas []Area
	// Pick returns a random index below n; rand.IntN when nil
	Pick   func(n int) int
	Tracer trace.Tracer
	Logger *slog.Logger
}

// Module is the basic worker capability.
type Module struct {
	client chatapi.Client
	areas  []Area
	pick   func(n int) int
	tracer trace.Tracer
	logger *slog.Logger
}

// New creates the module answering through opts.Client.
func New(opts Options) *Module {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("basic")
	}
	areas := opts.Areas
	if len(areas) == 0 {
		areas = embeddedAreas
	}
	pick := opts.Pick
	if pick == nil {
		pick = rand.IntN
	}
	return &Module{
		client: opts.Client,
		areas:  areas,
		pick:   pick,
		tracer: tracer,
		logger: logger.With("component", "basic"),
	}
}

// Branches returns the routing table. /start only answers in private chats; action
// replies only make sense in groups.
func (m *Module) Branches() []router.Branch {
	group := router.Not(router.PrivateChat())
	return []router.Branch{
		{
			Name:   "basic.start",
			When:   []router.Predicate{router.PrivateChat(), router.Command("start")},
			Handle: m.handleStart,
		},
		{
			Name:   "basic.id",
			When:   []router.Predicate{router.Command("id")},
			Handle: m.handleID,
		},
		{
			Name:   "basic.remake",
			When:   []router.Predicate{router.Command("remake")},
			Handle: m.handleRemake,
		},
		{
			Name:   "basic.action",
			When:   []router.Predicate{router.AnyCommand(), group},
			Handle: m.handleAction,
		},
		{
			Name:   "basic.action_text",
			When:   []router.Predicate{router.HasText(), router.Not(router.AnyCommand()), group, isReply},
			Handle: m.handleTextAction,
		},
	}
}

func isReply(e *router.Event) bool {
	return e.Update.Message != nil && e.Update.Message.ReplyToMessage != nil
}

// OnError apologises in the chat for a failure no handler reported.
func (m *Module) OnError(ctx context.Context, chatID int64, cause error) {
	if _, err := m.client.SendMessage(ctx, tu.Message(tu.ID(chatID), TextFailed)); err != nil {
		m.logger.ErrorContext(ctx, "failed to report error", "chat_id", chatID, "cause", cause, "error", err)
	}
}

func (m *Module) handleStart(ctx context.Context, e *router.Event) error {
	_, err := m.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), TextHello))
	return err
}

func (m *Module) handleID(ctx context.Context, e *router.Event) error {
	msg := e.Update.Message
	text, err := RenderID(msg)
	if err != nil {
		return err
	}

	_, err = m.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), text).
		WithParseMode(telego.ModeHTML).
		WithReplyParameters(&telego.ReplyParameters{MessageID: msg.MessageID}))
	return err
}

func (m *Module) handleRemake(ctx context.Context, e *router.Event) error {
	ctx, span := m.tracer.Start(ctx, "basic.remake")
	defer span.End()

	area := m.areas[m.pick(len(m.areas))]
	span.SetAttributes(attribute.String("basic.area.country", area.Country))
	m.logger.DebugContext(ctx, "remade", "chat_id", e.ChatID, "city", area.City, "country", area.Country)

	text := fmt.Sprintf(textRemadeFn, html.EscapeString(area.City), html.EscapeString(area.Country))
	_, err := m.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), text).
		WithParseMode(telego.ModeHTML).
		WithReplyParameters(&telego.ReplyParameters{MessageID: e.Update.Message.MessageID}))
	return err
}

func (m *Module) handleAction(ctx context.Context, e *router.Event) error {
	ctx, span := m.tracer.Start(ctx, "basic.action")
	defer span.End()

	msg := e.Update.Message
	if !NeedsReply(msg.Text) {
		span.SetAttributes(attribute.Bool("basic.action", false))
		return nil
	}
	span.SetAttributes(attribute.Bool("basic.action", true))

	if msg.ReplyToMessage == nil {
		_, err := m.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), TextNeedsTarget).
			WithReplyParameters(&telego.ReplyParameters{MessageID: msg.MessageID}))
		return err
	}
	return m.sendAction(ctx, e)
}

// handleTextAction treats a plain reply starting with "$" or a Han character as an
// action. Everything else is ordinary chatter and stays silent.
func (m *Module) handleTextAction(ctx context.Context, e *router.Event) error {
	if !NeedsReply(e.Update.Message.Text) {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "basic.action_text")
	defer span.End()
	return m.sendAction(ctx, e)
}

func (m *Module) sendAction(ctx context.Context, e *router.Event) error {
	msg := e.Update.Message
	sender, target := msg.From, msg.ReplyToMessage.From
	if sender == nil || target == nil {
		m.logger.DebugContext(ctx, "action without a user on both sides", "chat_id", e.ChatID)
		return nil
	}

	text, err := RenderAction(msg.Text, sender, target)
	if err != nil {
		return err
	}

	_, err = m.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), text).WithParseMode(telego.ModeHTML))
	return err
}
