package screens

import (
	"context"
	"encoding/json"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/careprep/careprep-go/api"
	"github.com/microcosm-cc/bluemonday"
)

const chatErrorReply = "I'm sorry, I encountered an error processing your request. Please try again."

var suggestedQuestions = map[string][]string{
	api.ModePreVisit: {
		"What should I tell my doctor about my symptoms?",
		"How do I describe my symptom severity clearly?",
		"What questions should I ask during my visit?",
		"Can you summarize my symptom history?",
	},
	api.ModePostVisit: {
		"Can you explain my diagnosis in simple terms?",
		"What does this medication do?",
		"When should I take my medications?",
		"What symptoms should I watch out for?",
	},
}

// SuggestedQuestions returns the starter prompts for mode.
func SuggestedQuestions(mode string) []string {
	return append([]string(nil), suggestedQuestions[normalizeMode(mode)]...)
}

func normalizeMode(mode string) string {
	if mode == api.ModePostVisit {
		return mode
	}
	return api.ModePreVisit
}

// Message is one chat bubble.
type Message struct {
	Role    string
	Content string
	At      time.Time
	// Error marks an assistant message that stands in for a failed reply.
	Error bool
}

// ChatContext is sent with every message: the symptom log before a visit,
// the latest visit summary after one.
type ChatContext struct {
	Symptoms []json.RawMessage `json:"symptoms"`
	Summary  json.RawMessage   `json:"summary"`
}

// Chat is the assistant screen.
type Chat struct {
	base

	Mode     string
	Context  ChatContext
	Messages []Message

	policy *bluemonday.Policy
}

// NewChat creates a chat in mode; anything other than post_visit means
// pre_visit.
func NewChat(client *api.Client, d *api.Dispatcher, mode string, opts ...Option) *Chat {
	return &Chat{
		base:    newBase("chat", client, d, opts),
		Mode:    normalizeMode(mode),
		Context: ChatContext{Symptoms: []json.RawMessage{}},
		policy:  bluemonday.StrictPolicy(),
	}
}

// SetMode switches mode and reloads the context for it.
func (c *Chat) SetMode(ctx context.Context, mode string) error {
	c.Mode = normalizeMode(mode)
	return c.LoadContext(ctx)
}

// LoadContext fetches the context for the current mode. A failure keeps
// the previous context and is only logged.
func (c *Chat) LoadContext(ctx context.Context) error {
	ctx = c.ctx(ctx)
	next := ChatContext{Symptoms: []json.RawMessage{}}
	var err error
	if c.Mode == api.ModePreVisit {
		var raw json.RawMessage
		if raw, err = c.api.Symptoms().List(ctx); err == nil {
			err = decodeField(raw, "symptoms", &next.Symptoms)
		}
	} else {
		var raw json.RawMessage
		if raw, err = c.api.VisitSummaries().Latest(ctx); err == nil {
			err = decodeField(raw, "summary", &next.Summary)
		}
	}
	if err != nil {
		if c.dispatch == nil || !c.dispatch.Handle(ctx, err) {
			c.log.WarnContext(ctx, "screen.chat.context.fail", slog.String("err", err.Error()))
		}
		return err
	}
	c.Context = next
	return nil
}

// Send posts input to the assistant. Blank input is ignored. A failed
// reply is shown as an assistant error message, except for an unauthorized
// response, which goes to the dispatcher.
func (c *Chat) Send(ctx context.Context, input string) error {
	ctx = c.ctx(ctx)
	if strings.TrimSpace(input) == "" {
		return nil
	}
	c.Messages = append(c.Messages, Message{Role: "user", Content: input, At: c.now()})

	raw, err := c.api.AI().Chat(ctx, input, c.Mode, c.Context)
	var reply string
	if err == nil {
		err = decodeField(raw, "response", &reply)
	}
	if err != nil {
		if c.dispatch != nil && c.dispatch.Handle(ctx, err) {
			return err
		}
		c.log.WarnContext(ctx, "screen.chat.send.fail", slog.String("err", err.Error()))
		c.Messages = append(c.Messages, Message{Role: "assistant", Content: chatErrorReply, At: c.now(), Error: true})
		return err
	}
	c.Messages = append(c.Messages, Message{Role: "assistant", Content: c.plain(reply), At: c.now()})
	return nil
}

// plain strips markup from an assistant reply. Entities are decoded for
// display, and decoding is repeated until it surfaces no new markup, so
// escaped tags such as &lt;script&gt; never come back as real ones.
func (c *Chat) plain(s string) string {
	for i := 0; i < maxPlainPasses; i++ {
		out := html.UnescapeString(c.policy.Sanitize(s))
		if out == s {
			return strings.TrimSpace(out)
		}
		s = out
	}
	return strings.TrimSpace(c.policy.Sanitize(s))
}

const maxPlainPasses = 4
