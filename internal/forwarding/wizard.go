// ABOUTME: The /pm_forwarding wizard that lets a user register a forwarding bot
// ABOUTME: Dialogue states and the router branches that move a chat between them

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
	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/dialogue"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
)

// StartCommand opens the wizard.
const StartCommand = "pm_forwarding"

// Callback payloads of the wizard keyboards.
const (
	CallbackCreate  = "create"
	CallbackList    = "list"
	CallbackCancel  = "cancel"
	CallbackConfirm = "confirm"
)

// WaitingTopMenu shows the create/list menu.
type WaitingTopMenu struct{}

func (WaitingTopMenu) StateName() string { return "waiting_top_menu" }

// CreationReceiveBotToken waits for the new bot's token.
type CreationReceiveBotToken struct{}

func (CreationReceiveBotToken) StateName() string { return "creation_receive_bot_token" }

// CreationReceiveMessageTarget waits for the chat id messages should go to.
type CreationReceiveMessageTarget struct {
	Token string `json:"token"`
}

func (CreationReceiveMessageTarget) StateName() string { return "creation_receive_message_target" }

// CreationReceiveConfirmation waits for the user to confirm the collected settings.
type CreationReceiveConfirmation struct {
	Token  string `json:"token"`
	Target int64  `json:"target"`
}

func (CreationReceiveConfirmation) StateName() string { return "creation_receive_confirmation" }

// States decodes every wizard state.
func States() *dialogue.Codec {
	return dialogue.NewCodec(
		dialogue.VariantOf[WaitingTopMenu](),
		dialogue.VariantOf[CreationReceiveBotToken](),
		dialogue.VariantOf[CreationReceiveMessageTarget](),
		dialogue.VariantOf[CreationReceiveConfirmation](),
	)
}

var (
	stateMenu         = WaitingTopMenu{}.StateName()
	stateToken        = CreationReceiveBotToken{}.StateName()
	stateTarget       = CreationReceiveMessageTarget{}.StateName()
	stateConfirmation = CreationReceiveConfirmation{}.StateName()
)

// User-facing wizard texts.
const (
	TextMenu           = "Private message forwarding. What would you like to do?"
	TextAskToken       = "Send me the token of the bot that should forward your private messages. You get it from @BotFather."
	TextInvalidToken   = "That does not look like a bot token. It should look like 123456:ABC-DEF. Try again."
	TextTokenTaken     = "That bot is already registered for forwarding. Send a different token."
	TextAskTarget      = "Now send me the numeric id of the chat messages should be forwarded to. Add the bot to that chat first."
	TextInvalidTarget  = "The chat id must be a number, for example -1001234567890. Try again."
	TextCancelled      = "Cancelled."
	TextBusy           = "You are already setting up a forwarding bot. Continue, or press Cancel to start over."
	TextNoBots         = "You have no forwarding bots yet."
	TextStateReset     = "Something went wrong with your previous conversation, so it was reset. Send /pm_forwarding to start again."
	TextFailed         = "Something went wrong. Please try again, or send /pm_forwarding to start over."
	textFailedFn       = "Request failed: %v"
)

// Wizard holds the handlers of the bot-creation flow.
type Wizard struct {
	svc    *Service
	client chatapi.Client
	logger *slog.Logger
}

// NewWizard creates a wizard answering through client, the main bot.
func NewWizard(svc *Service, client chatapi.Client, logger *slog.Logger) *Wizard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Wizard{svc: svc, client: client, logger: logger.With("component", "forwarding.wizard")}
}

// Branches returns the wizard's routing table.
func (w *Wizard) Branches() []router.Branch {
	private := router.PrivateChat()
	creating := router.InState(stateToken, stateTarget, stateConfirmation)

	return []router.Branch{
		{
			Name:   "wizard.cancel",
			When:   []router.Predicate{private, router.CallbackData(CallbackCancel)},
			Handle: w.handleCancel,
		},
		{
			Name:   "wizard.start",
			When:   []router.Predicate{private, router.Command(StartCommand), router.Not(creating)},
			Handle: w.handleStart,
		},
		{
			Name:   "wizard.start_busy",
			When:   []router.Predicate{private, router.Command(StartCommand), creating},
			Handle: w.handleBusy,
		},
		{
			Name:   "wizard.menu_create",
			When:   []router.Predicate{private, router.InState(stateMenu), router.CallbackData(CallbackCreate)},
			Handle: w.handleCreate,
		},
		{
			Name:   "wizard.menu_list",
			When:   []router.Predicate{private, router.InState(stateMenu), router.CallbackData(CallbackList)},
			Handle: w.handleList,
		},
		{
			Name:   "wizard.receive_token",
			When:   []router.Predicate{private, router.InState(stateToken), router.HasText()},
			Handle: w.handleToken,
		},
		{
			Name:   "wizard.receive_target",
			When:   []router.Predicate{private, router.InState(stateTarget), router.HasText()},
			Handle: w.handleTarget,
		},
		{
			Name:   "wizard.confirm",
			When:   []router.Predicate{private, router.InState(stateConfirmation), router.CallbackData(CallbackConfirm)},
			Handle: w.handleConfirm,
		},
	}
}

// OnStateReset tells the user their conversation was reset.
func (w *Wizard) OnStateReset(ctx context.Context, chatID int64) {
	if _, err := w.client.SendMessage(ctx, tu.Message(tu.ID(chatID), TextStateReset)); err != nil {
		w.logger.ErrorContext(ctx, "failed to announce state reset", "chat_id", chatID, "error", err)
	}
}

func (w *Wizard) handleStart(ctx context.Context, e *router.Event) error {
	if err := e.Dialogue.Update(ctx, WaitingTopMenu{}); err != nil {
		return err
	}
	return w.send(ctx, e.ChatID, TextMenu, tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Create bot").WithCallbackData(CallbackCreate),
			tu.InlineKeyboardButton("My bots").WithCallbackData(CallbackList),
		),
		tu.InlineKeyboardRow(cancelButton()),
	))
}

func (w *Wizard) handleBusy(ctx context.Context, e *router.Event) error {
	return w.send(ctx, e.ChatID, TextBusy, cancelKeyboard())
}

func (w *Wizard) handleCancel(ctx context.Context, e *router.Event) error {
	w.answer(ctx, e)
	if err := e.Dialogue.Exit(ctx); err != nil {
		return err
	}
	return w.send(ctx, e.ChatID, TextCancelled, nil)
}

func (w *Wizard) handleCreate(ctx context.Context, e *router.Event) error {
	w.answer(ctx, e)
	if err := e.Dialogue.Update(ctx, CreationReceiveBotToken{}); err != nil {
		return err
	}
	return w.send(ctx, e.ChatID, TextAskToken, cancelKeyboard())
}

func (w *Wizard) handleList(ctx context.Context, e *router.Event) error {
	w.answer(ctx, e)
	if err := e.Dialogue.Exit(ctx); err != nil {
		return err
	}

	bots, err := w.svc.ListBots(ctx, e.Update.CallbackQuery.From.ID)
	if err != nil {
		return w.report(ctx, e.ChatID, fmt.Errorf("listing bots: %w", err))
	}
	if len(bots) == 0 {
		return w.send(ctx, e.ChatID, TextNoBots, nil)
	}

	lines := lo.Map(bots, func(b *store.Bot, i int) string {
		return fmt.Sprintf("%d. <code>%s</code> → <code>%d</code>", i+1, html.EscapeString(botLabel(b.Token)), b.TargetChatID)
	})
	return w.sendHTML(ctx, e.ChatID, "Your forwarding bots:\n"+strings.Join(lines, "\n"))
}

func (w *Wizard) handleToken(ctx context.Context, e *router.Event) error {
	token := strings.TrimSpace(e.Update.Message.Text)
	if !ValidToken(token) {
		return w.send(ctx, e.ChatID, TextInvalidToken, cancelKeyboard())
	}

	taken, err := w.svc.TokenRegistered(ctx, token)
	if err != nil {
		return w.report(ctx, e.ChatID, fmt.Errorf("checking token: %w", err))
	}
	if taken {
		return w.send(ctx, e.ChatID, TextTokenTaken, cancelKeyboard())
	}

	if err := e.Dialogue.Update(ctx, CreationReceiveMessageTarget{Token: token}); err != nil {
		return err
	}
	return w.send(ctx, e.ChatID, TextAskTarget, cancelKeyboard())
}

func (w *Wizard) handleTarget(ctx context.Context, e *router.Event) error {
	state, ok := e.State.(CreationReceiveMessageTarget)
	if !ok {
		return fmt.Errorf("unexpected state %T", e.State)
	}

	target, err := strconv.ParseInt(strings.TrimSpace(e.Update.Message.Text), 10, 64)
	if err != nil {
		return w.send(ctx, e.ChatID, TextInvalidTarget, cancelKeyboard())
	}

	if err := e.Dialogue.Update(ctx, CreationReceiveConfirmation{Token: state.Token, Target: target}); err != nil {
		return err
	}

	summary := fmt.Sprintf("Forward private messages sent to <code>%s</code> into chat <code>%d</code>?",
		html.EscapeString(botLabel(state.Token)), target)
	_, err = w.client.SendMessage(ctx, tu.Message(tu.ID(e.ChatID), summary).
		WithParseMode(telego.ModeHTML).
		WithReplyMarkup(tu.InlineKeyboard(tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("Confirm").WithCallbackData(CallbackConfirm),
			cancelButton(),
		))))
	return err
}

func (w *Wizard) handleConfirm(ctx context.Context, e *router.Event) error {
	w.answer(ctx, e)

	state, ok := e.State.(CreationReceiveConfirmation)
	if !ok {
		return fmt.Errorf("unexpected state %T", e.State)
	}

	// The flow ends here whether or not creation succeeds
	if err := e.Dialogue.Exit(ctx); err != nil {
		return err
	}

	bot, err := w.svc.CreateBot(ctx, state.Token, state.Target, e.Update.CallbackQuery.From.ID)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateBot) {
			return w.send(ctx, e.ChatID, TextTokenTaken, nil)
		}
		return w.report(ctx, e.ChatID, err)
	}

	return w.sendHTML(ctx, e.ChatID, fmt.Sprintf(
		"Done. Private messages sent to <code>%s</code> are now forwarded to chat <code>%d</code>. Reply to them there to answer.",
		html.EscapeString(botLabel(bot.Token)), bot.TargetChatID))
}

// answer acknowledges a callback so the client stops its spinner. Failures only log.
func (w *Wizard) answer(ctx context.Context, e *router.Event) {
	if e.Update.CallbackQuery == nil {
		return
	}
	if err := w.client.AnswerCallbackQuery(ctx, tu.CallbackQuery(e.Update.CallbackQuery.ID)); err != nil {
		w.logger.WarnContext(ctx, "failed to answer callback", "error", err)
	}
}

func (w *Wizard) send(ctx context.Context, chatID int64, text string, markup *telego.InlineKeyboardMarkup) error {
	params := tu.Message(tu.ID(chatID), text)
	if markup != nil {
		params = params.WithReplyMarkup(markup)
	}
	_, err := w.client.SendMessage(ctx, params)
	return err
}

func (w *Wizard) sendHTML(ctx context.Context, chatID int64, text string) error {
	_, err := w.client.SendMessage(ctx, tu.Message(tu.ID(chatID), text).WithParseMode(telego.ModeHTML))
	return err
}

// report tells the user an action failed. The failure counts as handled once the user
// has been told, so only an undeliverable report is returned.
func (w *Wizard) report(ctx context.Context, chatID int64, cause error) error {
	w.logger.ErrorContext(ctx, "wizard action failed", "chat_id", chatID, "error", cause)
	if err := w.send(ctx, chatID, fmt.Sprintf(textFailedFn, cause), nil); err != nil {
		return errors.Join(cause, fmt.Errorf("reporting failure: %w", err))
	}
	return nil
}

// OnError tells the user about a failure no handler could report, such as an
// unreachable dialogue store.
func (w *Wizard) OnError(ctx context.Context, chatID int64, cause error) {
	if _, err := w.client.SendMessage(ctx, tu.Message(tu.ID(chatID), TextFailed)); err != nil {
		w.logger.ErrorContext(ctx, "failed to report error", "chat_id", chatID, "cause", cause, "error", err)
	}
}

func cancelButton() telego.InlineKeyboardButton {
	return tu.InlineKeyboardButton("Cancel").WithCallbackData(CallbackCancel)
}

func cancelKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(tu.InlineKeyboardRow(cancelButton()))
}

// botLabel names a bot by the id half of its token.
func botLabel(token string) string {
	id, _, _ := strings.Cut(token, ":")
	return "bot " + id
}
