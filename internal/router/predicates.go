// ABOUTME: Predicates over update kind, commands, callback payloads, and dialogue state

package router

import (
	"regexp"
	"strings"

	"github.com/mymmrac/telego"
	"github.com/samber/lo"

	"github.com/2389/coven-relay/internal/dialogue"
)

// OnMessage matches updates carrying a new message.
func OnMessage() Predicate {
	return func(e *Event) bool { return e.Update.Message != nil }
}

// OnCallback matches inline keyboard callback queries.
func OnCallback() Predicate {
	return func(e *Event) bool { return e.Update.CallbackQuery != nil }
}

// PrivateChat matches messages and callbacks from one-to-one chats.
func PrivateChat() Predicate {
	return func(e *Event) bool {
		switch {
		case e.Update.Message != nil:
			return e.Update.Message.Chat.Type == telego.ChatTypePrivate
		case e.Update.CallbackQuery != nil:
			return e.HasChat && e.ChatID == e.Update.CallbackQuery.From.ID
		}
		return false
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(e *Event) bool { return !p(e) }
}

// ParseCommand splits "/name@bot args" into name and args. ok is false for non-commands.
func ParseCommand(text string) (name, args string, ok bool) {
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return head, strings.TrimSpace(rest), true
}

// Command matches a message whose text is the given command, with or without a bot
// mention. Anything after the command is captured as "args".
func Command(name string) Predicate {
	return func(e *Event) bool {
		if e.Update.Message == nil {
			return false
		}
		cmd, args, ok := ParseCommand(e.Update.Message.Text)
		if !ok || !strings.EqualFold(cmd, name) {
			return false
		}
		e.Captures["args"] = args
		return true
	}
}

// AnyCommand matches any message text starting with a slash, capturing "command" and "args".
func AnyCommand() Predicate {
	return func(e *Event) bool {
		if e.Update.Message == nil {
			return false
		}
		cmd, args, ok := ParseCommand(e.Update.Message.Text)
		if !ok {
			return false
		}
		e.Captures["command"] = cmd
		e.Captures["args"] = args
		return true
	}
}

// HasText matches messages with non-empty text.
func HasText() Predicate {
	return func(e *Event) bool {
		return e.Update.Message != nil && e.Update.Message.Text != ""
	}
}

// TextMatches matches message text against re and captures named groups.
func TextMatches(re *regexp.Regexp) Predicate {
	return func(e *Event) bool {
		if e.Update.Message == nil {
			return false
		}
		m := re.FindStringSubmatch(e.Update.Message.Text)
		if m == nil {
			return false
		}
		for i, name := range re.SubexpNames() {
			if name != "" {
				e.Captures[name] = m[i]
			}
		}
		return true
	}
}

// CallbackData matches a callback query whose payload equals data.
func CallbackData(data string) Predicate {
	return func(e *Event) bool {
		return e.Update.CallbackQuery != nil && e.Update.CallbackQuery.Data == data
	}
}

// CallbackPrefix matches a callback payload starting with prefix and captures the rest
// as "payload".
func CallbackPrefix(prefix string) Predicate {
	return func(e *Event) bool {
		if e.Update.CallbackQuery == nil {
			return false
		}
		rest, ok := strings.CutPrefix(e.Update.CallbackQuery.Data, prefix)
		if !ok {
			return false
		}
		e.Captures["payload"] = rest
		return true
	}
}

// InState matches when the chat's current state is one of names. A chat with no
// stored state is in dialogue.StartName.
func InState(names ...string) Predicate {
	return func(e *Event) bool {
		return lo.Contains(names, dialogue.Name(e.State))
	}
}
