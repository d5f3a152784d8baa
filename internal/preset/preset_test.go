package preset

import (
	"testing"

	"github.com/gproxyhq/gproxy/internal/schema"
)

func msg(role, content string) schema.ChatMessage {
	return schema.ChatMessage{Role: role, Content: content}
}

// TestExpandRebuildsConversation verifies the canonical template shape:
// a normal system item, the history, then the latest user message.
func TestExpandRebuildsConversation(t *testing.T) {
	messages := []schema.ChatMessage{
		msg(schema.RoleUser, "first question"),
		msg(schema.RoleAssistant, "first answer"),
		msg(schema.RoleUser, "second question"),
	}
	items := []Item{
		{Type: ItemNormal, Role: schema.RoleSystem, Content: "You are terse.", Enabled: true, Order: 1},
		{Type: ItemHistory, Enabled: true, Order: 2},
		{Type: ItemUserInput, Enabled: true, Order: 3},
	}

	out, ok := Expand(messages, items)
	if !ok {
		t.Fatal("Expand returned ok=false")
	}

	want := []schema.ChatMessage{
		msg(schema.RoleSystem, "You are terse."),
		msg(schema.RoleUser, "first question"),
		msg(schema.RoleAssistant, "first answer"),
		msg(schema.RoleUser, "second question"),
	}
	if len(out) != len(want) {
		t.Fatalf("Expand yielded %d messages, want %d: %+v", len(out), len(want), out)
	}
	for i := range want {
		if out[i].Role != want[i].Role || out[i].Content != want[i].Content {
			t.Errorf("message %d = {%s %q}, want {%s %q}",
				i, out[i].Role, out[i].Content, want[i].Role, want[i].Content)
		}
	}
}

// TestExpandOrdersItems verifies items are emitted in Order, not slice order.
func TestExpandOrdersItems(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleUser, "hi")}
	items := []Item{
		{Type: ItemNormal, Content: "second", Enabled: true, Order: 2},
		{Type: ItemNormal, Content: "first", Enabled: true, Order: 1},
	}

	out, ok := Expand(messages, items)
	if !ok {
		t.Fatal("Expand returned ok=false")
	}
	if out[0].Content != "first" || out[1].Content != "second" {
		t.Fatalf("item order wrong: %+v", out)
	}
}

// TestExpandSkipsDisabled verifies disabled items are omitted.
func TestExpandSkipsDisabled(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleUser, "hi")}
	items := []Item{
		{Type: ItemNormal, Content: "kept", Enabled: true, Order: 1},
		{Type: ItemNormal, Content: "dropped", Enabled: false, Order: 2},
		{Type: ItemUserInput, Enabled: true, Order: 3},
	}

	out, _ := Expand(messages, items)
	for _, m := range out {
		if m.Content == "dropped" {
			t.Fatalf("disabled item leaked into output: %+v", out)
		}
	}
	if len(out) != 2 {
		t.Fatalf("Expand yielded %d messages, want 2", len(out))
	}
}

// TestExpandEmptyYieldLeavesOriginal verifies that a template producing no
// messages returns the original list untouched with ok=false.
func TestExpandEmptyYieldLeavesOriginal(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleUser, "hi")}
	items := []Item{
		{Type: ItemNormal, Content: "off", Enabled: false, Order: 1},
	}

	out, ok := Expand(messages, items)
	if ok {
		t.Fatal("expected ok=false for an all-disabled template")
	}
	if len(out) != 1 || out[0].Content != "hi" {
		t.Fatalf("original messages not preserved: %+v", out)
	}
}

// TestExpandUserInputWithoutUserMessage verifies a user_input item emits
// nothing when the conversation has no user-role turn.
func TestExpandUserInputWithoutUserMessage(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleAssistant, "only me here")}
	items := []Item{
		{Type: ItemNormal, Content: "sys", Enabled: true, Order: 1},
		{Type: ItemUserInput, Enabled: true, Order: 2},
	}

	out, ok := Expand(messages, items)
	if !ok {
		t.Fatal("Expand returned ok=false")
	}
	if len(out) != 1 || out[0].Content != "sys" {
		t.Fatalf("Expand = %+v, want only the normal item", out)
	}
}

// TestExpandNormalDefaultsToSystemRole verifies a normal item without a role
// falls back to system.
func TestExpandNormalDefaultsToSystemRole(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleUser, "hi")}
	items := []Item{
		{Type: ItemNormal, Content: "anon", Enabled: true, Order: 1},
	}

	out, _ := Expand(messages, items)
	if out[0].Role != schema.RoleSystem {
		t.Fatalf("default role = %q, want %q", out[0].Role, schema.RoleSystem)
	}
}

// TestExpandAllChains verifies presets apply in sequence, each consuming the
// previous preset's output, and that empty-yield presets are skipped.
func TestExpandAllChains(t *testing.T) {
	messages := []schema.ChatMessage{msg(schema.RoleUser, "hi")}

	presets := []Preset{
		{
			ID: 1,
			Items: []Item{
				{Type: ItemNormal, Content: "p1", Enabled: true, Order: 1},
				{Type: ItemUserInput, Enabled: true, Order: 2},
			},
		},
		{
			// Yields nothing — must be skipped, not wipe the list.
			ID:    2,
			Items: []Item{{Type: ItemNormal, Content: "off", Enabled: false}},
		},
		{
			ID: 3,
			Items: []Item{
				{Type: ItemHistory, Enabled: true, Order: 1},
				{Type: ItemUserInput, Enabled: true, Order: 2},
			},
		},
	}

	out := ExpandAll(messages, presets)

	// Preset 1 yields [p1, hi]; preset 3 splits that into history [p1] and
	// latest user [hi], emitting both in order.
	if len(out) != 2 || out[0].Content != "p1" || out[1].Content != "hi" {
		t.Fatalf("ExpandAll = %+v, want [p1 hi]", out)
	}
}
