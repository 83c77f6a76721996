// ABOUTME: Action replies: "/<verb> [text]" or a plain "<verb> [text]" sent as a reply renders "<sender> <verb> <target> [text]"
// ABOUTME: Only verbs starting with a Han character or a "$" qualify, so ordinary commands pass through

package basic

import (
	"bytes"
	"embed"
	"fmt"
	"html"
	"html/template"
	"strings"
	"unicode"

	"github.com/mymmrac/telego"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("basic").Funcs(template.FuncMap{
	"mention": mention,
}).ParseFS(templateFS, "templates/*.html"))

// NeedsReply reports whether text is an action command.
func NeedsReply(text string) bool {
	verb := strings.TrimPrefix(strings.TrimSpace(text), "/")
	if verb == "" {
		return false
	}
	return strings.HasPrefix(verb, "$") || unicode.Is(unicode.Han, []rune(verb)[0])
}

// ParseAction splits an action command into its verb and trailing text.
func ParseAction(text string) (verb, rest string) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "/")
	text = strings.TrimPrefix(text, "$")

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", ""
	}
	return fields[0], strings.Join(fields[1:], " ")
}

type actionData struct {
	Sender *telego.User
	Target *telego.User
	Action string
	Text   string
}

// RenderAction builds the HTML reply for an action command sent by sender in reply to target.
func RenderAction(text string, sender, target *telego.User) (string, error) {
	verb, rest := ParseAction(text)
	if verb == "" {
		return "", fmt.Errorf("empty action in %q", text)
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "action.html", actionData{
		Sender: sender,
		Target: target,
		Action: verb,
		Text:   rest,
	}); err != nil {
		return "", fmt.Errorf("render action: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// RenderID builds the /id reply for msg.
func RenderID(msg *telego.Message) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "id.html", msg); err != nil {
		return "", fmt.Errorf("render id: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func fullName(u *telego.User) string {
	if u.LastName != "" {
		return u.FirstName + " " + u.LastName
	}
	return u.FirstName
}

// mention links to a user's profile, labelled with their display name.
func mention(u *telego.User) template.HTML {
	return template.HTML(fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, u.ID, html.EscapeString(fullName(u))))
}
