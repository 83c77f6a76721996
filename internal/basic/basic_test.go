// ABOUTME: Tests for the utility commands routed through a stateless router

package basic

import (
	"context"
	"errors"
	"testing"

	"github.com/mymmrac/telego"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/chatapi"
	"github.com/2389/coven-relay/internal/router"
)

var (
	alice = &telego.User{ID: 1, FirstName: "Alice", LastName: "Liddell"}
	bob   = &telego.User{ID: 2, FirstName: "Bob"}
)

func setup(t *testing.T) (*router.Router, *chatapi.FakeClient) {
	t.Helper()
	client := chatapi.NewFakeClient()
	return router.New(New(Options{Client: client}).Branches(), router.Options{Scope: "basic"}), client
}

func message(chatType string, text string) telego.Update {
	return telego.Update{
		UpdateID: 1,
		Message: &telego.Message{
			MessageID: 40,
			Chat:      telego.Chat{ID: -500, Type: chatType},
			From:      alice,
			Text:      text,
		},
	}
}

func groupReply(text string) telego.Update {
	u := message(telego.ChatTypeSupergroup, text)
	u.Message.ReplyToMessage = &telego.Message{MessageID: 39, From: bob}
	return u
}

func TestNeedsReply(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"/test", false},
		{"/$test", true},
		{"超", true},
		{"/超", true},
		{"/摸摸 头", true},
		{"/", false},
		{"", false},
		{"/start", false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsReply(tt.text))
		})
	}
}

func TestParseAction(t *testing.T) {
	verb, rest := ParseAction("/$hug  very   warmly ")
	assert.Equal(t, "hug", verb)
	assert.Equal(t, "very warmly", rest)

	verb, rest = ParseAction("/抱")
	assert.Equal(t, "抱", verb)
	assert.Empty(t, rest)
}

func TestRenderAction(t *testing.T) {
	got, err := RenderAction("/$pats gently", alice, bob)
	require.NoError(t, err)
	assert.Equal(t,
		`<a href="tg://user?id=1">Alice Liddell</a> pats <a href="tg://user?id=2">Bob</a> gently`,
		got)
}

func TestRenderAction_EscapesNames(t *testing.T) {
	evil := &telego.User{ID: 3, FirstName: "<script>"}

	got, err := RenderAction("/$waves", evil, bob)
	require.NoError(t, err)
	assert.Contains(t, got, "&lt;script&gt;")
	assert.NotContains(t, got, "<script>")
}

func TestRenderAction_Empty(t *testing.T) {
	_, err := RenderAction("/$", alice, bob)
	assert.Error(t, err)
}

func TestStart(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), message(telego.ChatTypePrivate, "/start"))
	assert.Equal(t, []string{TextHello}, client.Texts())
}

func TestStart_IgnoredInGroups(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), message(telego.ChatTypeGroup, "/start"))
	assert.Empty(t, client.Texts())
}

func TestID(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), groupReply("/id"))

	require.Len(t, client.Sent, 1)
	sent := client.Sent[0]
	assert.Equal(t, telego.ModeHTML, sent.ParseMode)
	assert.Contains(t, sent.Text, "Chat ID: <code>-500</code>")
	assert.Contains(t, sent.Text, "User ID: <code>1</code>")
	assert.Contains(t, sent.Text, "Replied user ID: <code>2</code>")
	assert.Equal(t, 40, sent.ReplyParameters.MessageID)
}

func TestAction(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), groupReply("/抱 紧紧"))

	require.Len(t, client.Sent, 1)
	assert.Equal(t,
		`<a href="tg://user?id=1">Alice Liddell</a> 抱 <a href="tg://user?id=2">Bob</a> 紧紧`,
		client.Sent[0].Text)
}

func TestAction_WithoutReply(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), message(telego.ChatTypeGroup, "/$hug"))

	require.Len(t, client.Sent, 1)
	assert.Equal(t, TextNeedsTarget, client.Sent[0].Text)
	assert.Equal(t, 40, client.Sent[0].ReplyParameters.MessageID)
}

func TestAction_OrdinaryCommandsIgnored(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), groupReply("/help"))
	assert.Empty(t, client.Sent)
}

func TestAction_PrivateChatsIgnored(t *testing.T) {
	r, client := setup(t)

	u := groupReply("/$hug")
	u.Message.Chat.Type = telego.ChatTypePrivate
	r.Dispatch(context.Background(), u)
	assert.Empty(t, client.Sent)
}

func TestRemake(t *testing.T) {
	client := chatapi.NewFakeClient()
	areas := []Area{{Country: "Iceland", City: "Reykjavík"}, {Country: "Trinidad & Tobago", City: "Port of Spain"}}
	var asked int
	m := New(Options{Client: client, Areas: areas, Pick: func(n int) int {
		asked = n
		return 1
	}})
	r := router.New(m.Branches(), router.Options{Scope: "basic"})

	r.Dispatch(context.Background(), message(telego.ChatTypeGroup, "/remake"))

	assert.Equal(t, 2, asked)
	require.Len(t, client.Sent, 1)
	sent := client.Sent[0]
	assert.Equal(t, "Remade! You were born in <b>Port of Spain, Trinidad &amp; Tobago</b>.", sent.Text)
	assert.Equal(t, telego.ModeHTML, sent.ParseMode)
	assert.Equal(t, 40, sent.ReplyParameters.MessageID)
}

func TestRemake_EmbeddedAreas(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), message(telego.ChatTypePrivate, "/remake@relay_bot"))

	require.Len(t, client.Sent, 1)
	assert.Contains(t, client.Sent[0].Text, "You were born in <b>")
}

func TestLoadAreas(t *testing.T) {
	areas, err := LoadAreas([]byte(`[{"country":"Japan","cities":["Kyoto","Osaka"]},{"country":"Peru","cities":["Lima"]}]`))
	require.NoError(t, err)
	assert.Equal(t, []Area{
		{Country: "Japan", City: "Kyoto"},
		{Country: "Japan", City: "Osaka"},
		{Country: "Peru", City: "Lima"},
	}, areas)

	_, err = LoadAreas([]byte(`[]`))
	assert.Error(t, err)

	_, err = LoadAreas([]byte(`{`))
	assert.Error(t, err)

	assert.NotEmpty(t, embeddedAreas)
}

func TestTextAction(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), groupReply("$pokes"))
	r.Dispatch(context.Background(), groupReply("贴贴 一下"))

	require.Len(t, client.Sent, 2)
	assert.Equal(t,
		`<a href="tg://user?id=1">Alice Liddell</a> pokes <a href="tg://user?id=2">Bob</a>`,
		client.Sent[0].Text)
	assert.Equal(t,
		`<a href="tg://user?id=1">Alice Liddell</a> 贴贴 <a href="tg://user?id=2">Bob</a> 一下`,
		client.Sent[1].Text)
}

func TestTextAction_IgnoresOrdinaryText(t *testing.T) {
	r, client := setup(t)

	r.Dispatch(context.Background(), groupReply("sounds good"))
	r.Dispatch(context.Background(), message(telego.ChatTypeGroup, "$hug"))

	u := groupReply("$hug")
	u.Message.Chat.Type = telego.ChatTypePrivate
	r.Dispatch(context.Background(), u)

	assert.Empty(t, client.Sent, "plain text needs a reply target in a group")
}

func TestOnError(t *testing.T) {
	client := chatapi.NewFakeClient()
	m := New(Options{Client: client})
	r := router.New([]router.Branch{{Name: "fail", Handle: func(context.Context, *router.Event) error {
		return errors.New("render failed")
	}}}, router.Options{OnError: m.OnError})

	r.Dispatch(context.Background(), message(telego.ChatTypeGroup, "/anything"))

	assert.Equal(t, []string{TextFailed}, client.Texts())
	assert.Equal(t, int64(-500), client.Sent[0].ChatID.ID)
}
