// ABOUTME: Forwarding bot registry and message-id mapping over the relational store
// ABOUTME: Creates bots, registers their webhooks, and records/resolves forwarded message ids

package forwarding

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/store"
)

var (
	// ErrBotNotFound is returned when no forwarding bot has the given id or token.
	ErrBotNotFound = errors.New("forwarding bot not found")

	// ErrWebhookRegistration wraps failures to point a bot's webhook at this service.
	ErrWebhookRegistration = errors.New("webhook registration failed")

	// ErrInvalidToken is returned for text that is not shaped like a bot token.
	ErrInvalidToken = errors.New("invalid bot token")

	// ErrInvalidForwardID is returned when asked to record a non-positive forward id.
	ErrInvalidForwardID = errors.New("invalid forward message id")
)

// SecretLength is the number of characters in a generated webhook secret.
const SecretLength = 64

const secretAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var tokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// ValidToken reports whether s looks like a bot token.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// GenerateSecret returns SecretLength random alphanumeric characters.
func GenerateSecret() (string, error) {
	var b strings.Builder
	b.Grow(SecretLength)

	limit := big.NewInt(int64(len(secretAlphabet)))
	for range SecretLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generating secret: %w", err)
		}
		b.WriteByte(secretAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store store.Store
	Bots  chatapi.Factory
	// WebhookBaseURL is where the chat API delivers forwarding bot updates
	WebhookBaseURL string
	Tracer         trace.Tracer
	Logger         *slog.Logger
}

// Service owns forwarding bot records and their forward mappings.
type Service struct {
	store       store.Store
	bots        chatapi.Factory
	webhookBase string
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("forwarding")
	}
	return &Service{
		store:       opts.Store,
		bots:        opts.Bots,
		webhookBase: strings.TrimRight(opts.WebhookBaseURL, "/"),
		tracer:      tracer,
		logger:      logger.With("component", "forwarding"),
	}
}

// WebhookURL is the address a bot with token posts its updates to.
func (s *Service) WebhookURL(token string) string {
	return s.webhookBase + "/webhook/" + token
}

// CreateBot stores a new bot and then registers its webhook. The insert commits before
// the chat API is called; if registration fails the bot is deleted again.
func (s *Service) CreateBot(ctx context.Context, token string, targetChatID, ownerID int64) (_ *store.Bot, err error) {
	ctx, span := s.tracer.Start(ctx, "forwarding.CreateBot", trace.WithAttributes(
		attribute.Int64("forwarding.owner_id", ownerID),
		attribute.Int64("forwarding.target_chat_id", targetChatID),
	))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !ValidToken(token) {
		return nil, ErrInvalidToken
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}

	bot := &store.Bot{
		Token:        token,
		Secret:       secret,
		TargetChatID: targetChatID,
		OwnerID:      ownerID,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		return nil, err
	}

	if err := s.registerWebhook(ctx, bot); err != nil {
		if delErr := s.store.DeleteBot(context.WithoutCancel(ctx), bot.ID); delErr != nil {
			s.logger.ErrorContext(ctx, "removing bot after failed webhook registration", "bot_id", bot.ID, "error", delErr)
			return nil, errors.Join(err, delErr)
		}
		return nil, err
	}

	s.logger.InfoContext(ctx, "forwarding bot created", "bot_id", bot.ID, "owner_id", ownerID, "target_chat_id", targetChatID)
	return bot, nil
}

// RegisterWebhook points the bot's webhook at this service with the bot's secret.
func (s *Service) RegisterWebhook(ctx context.Context, botID string) error {
	ctx, span := s.tracer.Start(ctx, "forwarding.RegisterWebhook", trace.WithAttributes(attribute.String("forwarding.bot_id", botID)))
	defer span.End()

	bot, err := s.store.GetBot(ctx, botID)
	if errors.Is(err, store.ErrNotFound) {
		err = ErrBotNotFound
	} else if err != nil {
		err = fmt.Errorf("loading bot %s: %w", botID, err)
	} else {
		err = s.registerWebhook(ctx, bot)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// registerWebhook talks to the chat API only; no store transaction is open while it runs.
func (s *Service) registerWebhook(ctx context.Context, bot *store.Bot) error {
	client, err := s.bots.ForToken(bot.Token)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookRegistration, err)
	}

	// Ends any session on another API server; it expires on its own if this fails.
	if err := client.LogOut(ctx); err != nil {
		s.logger.WarnContext(ctx, "log out before webhook registration failed", "bot_id", bot.ID, "error", err)
	}

	err = client.SetWebhook(ctx, &telego.SetWebhookParams{
		URL:         s.WebhookURL(bot.Token),
		SecretToken: bot.Secret,
		AllowedUpdates: []string{
			"message",
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWebhookRegistration, err)
	}

	s.logger.DebugContext(ctx, "webhook registered", "bot_id", bot.ID)
	return nil
}

// TokenRegistered reports whether a bot with token already exists.
func (s *Service) TokenRegistered(ctx context.Context, token string) (bool, error) {
	_, err := s.store.GetBotByToken(ctx, token)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// BotByToken returns ErrBotNotFound for unknown tokens.
func (s *Service) BotByToken(ctx context.Context, token string) (*store.Bot, error) {
	bot, err := s.store.GetBotByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBotNotFound
	}
	return bot, err
}

// ListBots returns the bots ownerID created.
func (s *Service) ListBots(ctx context.Context, ownerID int64) ([]*store.Bot, error) {
	return s.store.ListBotsByOwner(ctx, ownerID)
}

// RecordForward maps forwardMessageID, the copy the bot sent into its target chat,
// back to the message it came from. Call it only after the copy was sent.
func (s *Service) RecordForward(ctx context.Context, botID string, sourceChatID, sourceMessageID, forwardMessageID int64) (*store.Message, error) {
	ctx, span := s.tracer.Start(ctx, "forwarding.RecordForward", trace.WithAttributes(
		attribute.String("forwarding.bot_id", botID),
		attribute.Int64("forwarding.forward_message_id", forwardMessageID),
	))
	defer span.End()

	if forwardMessageID <= 0 {
		return nil, ErrInvalidForwardID
	}

	msg := &store.Message{
		BotID:            botID,
		SourceChatID:     sourceChatID,
		SourceMessageID:  sourceMessageID,
		ForwardMessageID: forwardMessageID,
	}

	err := s.store.WithTx(ctx, func(tx store.Store) error {
		if _, err := tx.GetBot(ctx, botID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrBotNotFound
			}
			return err
		}
		return tx.RecordMessage(ctx, msg)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("recording forward: %w", err)
	}
	return msg, nil
}

// ResolveByForwardID finds the source of a message the bot forwarded.
// Returns store.ErrNotFound when the bot never forwarded that id.
func (s *Service) ResolveByForwardID(ctx context.Context, botID string, forwardMessageID int64) (*store.Message, error) {
	ctx, span := s.tracer.Start(ctx, "forwarding.ResolveByForwardID", trace.WithAttributes(
		attribute.String("forwarding.bot_id", botID),
		attribute.Int64("forwarding.forward_message_id", forwardMessageID),
	))
	defer span.End()

	return s.store.GetMessageByForwardID(ctx, botID, forwardMessageID)
}
