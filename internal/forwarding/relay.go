// ABOUTME: Relays private messages into a bot's target chat and target-chat replies back
// ABOUTME: Send first, then persist the mapping; every failure is reported in the chat it came from

package forwarding

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/metrics"
	"github.com/2389/coven-relay/internal/ratelimit"
	"github.com/2389/coven-relay/internal/store"
)

// Replies sent to the chat that triggered a relay.
const (
	MsgSent         = "Message sent."
	MsgNotFound     = "Message not found."
	MsgRateLimited  = "You are sending messages too quickly. Please wait a moment."
	msgFailedPrefix = "Error handling message: "
)

// RelayOptions configures a Relay.
type RelayOptions struct {
	Service *Service
	Bots    chatapi.Factory
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
}

// Relay handles updates delivered to forwarding bots.
type Relay struct {
	svc     *Service
	bots    chatapi.Factory
	limiter ratelimit.Limiter
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(opts RelayOptions) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("forwarding")
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &Relay{
		svc:     opts.Service,
		bots:    opts.Bots,
		limiter: limiter,
		metrics: opts.Metrics,
		tracer:  tracer,
		logger:  logger.With("component", "forwarding.relay"),
	}
}

// HandleUpdate relays one update for bot. Failures are reported in the originating
// chat; an error is returned only when that report could not be delivered either.
func (r *Relay) HandleUpdate(ctx context.Context, bot *store.Bot, u telego.Update) error {
	msg := u.Message
	if msg == nil {
		r.logger.DebugContext(ctx, "ignoring non-message update", "bot_id", bot.ID, "update_id", u.UpdateID)
		return nil
	}

	client, err := r.bots.ForToken(bot.Token)
	if err != nil {
		return fmt.Errorf("bot client: %w", err)
	}

	var direction string
	switch {
	case msg.Chat.ID == bot.TargetChatID:
		if msg.ReplyToMessage == nil {
			return nil
		}
		direction = "reply"
	case msg.Chat.Type == telego.ChatTypePrivate:
		direction = "forward"
	default:
		r.logger.DebugContext(ctx, "ignoring message outside source and target chats", "bot_id", bot.ID, "chat_id", msg.Chat.ID)
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "forwarding.relay."+direction, trace.WithAttributes(
		attribute.String("forwarding.bot_id", bot.ID),
		attribute.Int64("telegram.chat_id", msg.Chat.ID),
	))
	defer span.End()

	var reply string
	if direction == "reply" {
		reply, err = r.reply(ctx, client, bot, msg)
	} else {
		reply, err = r.forward(ctx, client, bot, msg)
	}

	if err != nil {
		span.RecordError(err)
		r.count(direction, "error")
		r.logger.ErrorContext(ctx, "relay failed", "direction", direction, "bot_id", bot.ID, "chat_id", msg.Chat.ID, "error", err)
		reply = msgFailedPrefix + err.Error()
	} else if reply != "" {
		r.count(direction, "ok")
	}
	if reply == "" {
		return nil
	}

	if _, sendErr := client.SendMessage(ctx, tu.Message(tu.ID(msg.Chat.ID), reply).
		WithReplyParameters(&telego.ReplyParameters{MessageID: msg.MessageID, AllowSendingWithoutReply: true}),
	); sendErr != nil {
		return errors.Join(err, fmt.Errorf("reporting to chat %d: %w", msg.Chat.ID, sendErr))
	}
	return nil
}

// forward copies a private message into the target chat and records the mapping.
// An empty reply means the message was deliberately skipped.
func (r *Relay) forward(ctx context.Context, client chatapi.Client, bot *store.Bot, msg *telego.Message) (string, error) {
	if msg.From == nil || msg.From.IsBot {
		return "", nil
	}
	if strings.HasPrefix(msg.Text, "/") {
		return "", nil
	}

	decision, err := r.limiter.Allow(ctx, fmt.Sprintf("%s:chat-%d", bot.ID, msg.Chat.ID))
	if err != nil {
		// A broken limiter should not stop forwarding
		r.logger.WarnContext(ctx, "rate limiter unavailable", "error", err)
	} else if !decision.Allowed {
		r.count("forward", "rate_limited")
		return MsgRateLimited, nil
	}

	header := provenance(msg)
	target := tu.ID(bot.TargetChatID)

	var forwardID int
	if msg.Text != "" {
		sent, err := client.SendMessage(ctx, tu.Message(target, header+"\n\n"+html.EscapeString(msg.Text)).
			WithParseMode(telego.ModeHTML))
		if err != nil {
			return "", fmt.Errorf("sending to target chat: %w", err)
		}
		forwardID = sent.MessageID
	} else {
		params := tu.CopyMessage(target, tu.ID(msg.Chat.ID), msg.MessageID)
		if captionable(msg) {
			caption := header
			if msg.Caption != "" {
				caption += "\n\n" + html.EscapeString(msg.Caption)
			}
			params = params.WithCaption(caption).WithParseMode(telego.ModeHTML)
		}
		copied, err := client.CopyMessage(ctx, params)
		if err != nil {
			return "", fmt.Errorf("copying to target chat: %w", err)
		}
		forwardID = copied.MessageID
	}

	if _, err := r.svc.RecordForward(ctx, bot.ID, msg.Chat.ID, int64(msg.MessageID), int64(forwardID)); err != nil {
		return "", err
	}
	return MsgSent, nil
}

// reply sends a target-chat reply back to the chat the replied-to message came from.
func (r *Relay) reply(ctx context.Context, client chatapi.Client, bot *store.Bot, msg *telego.Message) (string, error) {
	origin, err := r.svc.ResolveByForwardID(ctx, bot.ID, int64(msg.ReplyToMessage.MessageID))
	if errors.Is(err, store.ErrNotFound) {
		r.count("reply", "not_found")
		return MsgNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolving replied message: %w", err)
	}

	threaded := &telego.ReplyParameters{
		MessageID:                int(origin.SourceMessageID),
		AllowSendingWithoutReply: true,
	}
	source := tu.ID(origin.SourceChatID)

	if msg.Text != "" {
		if _, err := client.SendMessage(ctx, tu.Message(source, msg.Text).WithReplyParameters(threaded)); err != nil {
			return "", fmt.Errorf("sending reply: %w", err)
		}
	} else {
		if _, err := client.CopyMessage(ctx, tu.CopyMessage(source, tu.ID(msg.Chat.ID), msg.MessageID).WithReplyParameters(threaded)); err != nil {
			return "", fmt.Errorf("copying reply: %w", err)
		}
	}
	return MsgSent, nil
}

func (r *Relay) count(direction, outcome string) {
	if r.metrics != nil {
		r.metrics.Forwards.WithLabelValues(direction, outcome).Inc()
	}
}

// provenance renders who sent msg, for staff reading the target chat.
func provenance(msg *telego.Message) string {
	name := "Unknown"
	if msg.From != nil {
		name = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		if msg.From.Username != "" {
			name += " (@" + msg.From.Username + ")"
		}
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	return "From: " + html.EscapeString(name) + "\n" +
		`Chat ID: <a href="tg://user?id=` + chatID + `">` + chatID + "</a>\n" +
		"Message ID: <code>" + strconv.Itoa(msg.MessageID) + "</code>"
}

// captionable reports whether the chat API accepts a caption when copying msg.
func captionable(msg *telego.Message) bool {
	return len(msg.Photo) > 0 ||
		msg.Video != nil ||
		msg.Document != nil ||
		msg.Audio != nil ||
		msg.Voice != nil ||
		msg.Animation != nil
}
