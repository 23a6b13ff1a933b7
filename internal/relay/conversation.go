package relay

import (
	"time"

	"github.com/ent0n29/voicerelay/internal/llm"
	"github.com/ent0n29/voicerelay/internal/profile"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one transcript entry. Turns are append-only.
type Turn struct {
	Number    int
	Role      Role
	Content   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// conversation is the per-session transcript plus the model-facing history.
// It is owned by the session's turn worker; nothing else touches it while
// the connection is live.
type conversation struct {
	profile  profile.Profile
	tools    []llm.Tool
	toolsBy  map[string]profile.Tool
	turns    []Turn
	history  []llm.Message
	counter  int
	exchange int
}

func newConversation(p profile.Profile) *conversation {
	c := &conversation{
		profile: p,
		toolsBy: make(map[string]profile.Tool, len(p.Tools)),
	}
	for _, t := range p.Tools {
		c.tools = append(c.tools, t.Definition())
		c.toolsBy[t.Name] = t
	}
	if p.Greeting != "" {
		c.history = append(c.history, llm.Message{Role: llm.RoleAssistant, Content: p.Greeting})
	}
	return c
}

// append assigns the next turn number and records the turn.
func (c *conversation) append(role Role, content string, meta map[string]any) Turn {
	c.counter++
	t := Turn{
		Number:    c.counter,
		Role:      role,
		Content:   content,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	c.turns = append(c.turns, t)
	if role != RoleTool {
		c.exchange++
	}
	return t
}

func (c *conversation) request() llm.Request {
	return llm.Request{
		System:   c.profile.SystemPrompt,
		Messages: append([]llm.Message(nil), c.history...),
		Tools:    c.tools,
	}
}

func (c *conversation) remember(msg llm.Message) {
	c.history = append(c.history, msg)
}

// conversational counts user and assistant turns.
func (c *conversation) conversational() int {
	return c.exchange
}

// pairs is the final turn-pair count reported when the session closes.
func (c *conversation) pairs() int {
	return c.exchange / 2
}
