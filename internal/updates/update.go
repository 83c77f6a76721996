// ABOUTME: Helpers for reading the originating chat and sender of an update

package updates

import "github.com/mymmrac/telego"

// ChatID returns the chat an update belongs to. Callback queries resolve to the chat of
// the message carrying the keyboard, or to the sender's private chat when that message
// is unavailable.
func ChatID(u telego.Update) (int64, bool) {
	switch {
	case u.Message != nil:
		return u.Message.Chat.ID, true
	case u.EditedMessage != nil:
		return u.EditedMessage.Chat.ID, true
	case u.CallbackQuery != nil:
		if u.CallbackQuery.Message != nil {
			return u.CallbackQuery.Message.GetChat().ID, true
		}
		return u.CallbackQuery.From.ID, true
	case u.ChannelPost != nil:
		return u.ChannelPost.Chat.ID, true
	}
	return 0, false
}

// SenderID returns the user who triggered the update.
func SenderID(u telego.Update) (int64, bool) {
	switch {
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From.ID, true
	case u.CallbackQuery != nil:
		return u.CallbackQuery.From.ID, true
	}
	return 0, false
}
