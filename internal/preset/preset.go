// Package preset expands stored prompt-injection templates into concrete
// message lists.
//
// A preset is an ordered list of items. Expansion splits the incoming
// conversation into "the most recent user message" and "everything else",
// then rebuilds the message list from the template. A preset that yields
// nothing leaves the conversation untouched — a malformed preset must never
// fail the request.
package preset

import (
	"sort"

	"github.com/gproxyhq/gproxy/internal/schema"
)

// Item types.
const (
	ItemNormal    = "normal"     // emit a literal {role, content} message
	ItemUserInput = "user_input" // emit the most recent user message, if any
	ItemHistory   = "history"    // emit all non-latest messages in order
)

// Item is one entry of a preset template.
type Item struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	Enabled bool   `json:"enabled"`
	Order   int    `json:"order"`
}

// Preset is a stored template bound to a virtual key.
type Preset struct {
	ID        int64
	OwnerID   int64
	Name      string
	IsActive  bool
	SortOrder int
	Items     []Item
}

// Expand rebuilds messages from the template. It returns the expanded list
// and true, or the original list and false when the template yields nothing.
func Expand(messages []schema.ChatMessage, items []Item) ([]schema.ChatMessage, bool) {
	if len(items) == 0 || len(messages) == 0 {
		return messages, false
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	// Split off the most recent user-role message; everything else is history.
	latestUser := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == schema.RoleUser {
			latestUser = i
			break
		}
	}
	history := make([]schema.ChatMessage, 0, len(messages))
	for i, m := range messages {
		if i != latestUser {
			history = append(history, m)
		}
	}

	var out []schema.ChatMessage
	for _, item := range sorted {
		if !item.Enabled {
			continue
		}
		switch item.Type {
		case ItemNormal:
			role := item.Role
			if role == "" {
				role = schema.RoleSystem
			}
			out = append(out, schema.ChatMessage{Role: role, Content: item.Content})

		case ItemUserInput:
			if latestUser >= 0 {
				out = append(out, messages[latestUser])
			}

		case ItemHistory:
			out = append(out, history...)
		}
	}

	if len(out) == 0 {
		return messages, false
	}
	return out, true
}

// ExpandAll applies presets in sequence, each replacing the list produced by
// the previous one. Presets that expand to nothing are skipped.
func ExpandAll(messages []schema.ChatMessage, presets []Preset) []schema.ChatMessage {
	for _, p := range presets {
		if expanded, ok := Expand(messages, p.Items); ok {
			messages = expanded
		}
	}
	return messages
}
