package stream

import "testing"

// feedAll feeds each fragment in turn and collects every emitted object.
func feedAll(r *Reassembler, fragments ...string) []string {
	var out []string
	for _, f := range fragments {
		for _, obj := range r.Feed([]byte(f)) {
			out = append(out, string(obj))
		}
	}
	return out
}

// TestFeedSplitAcrossFragments verifies an object split mid-key is emitted
// exactly once, after its closing brace arrives.
func TestFeedSplitAcrossFragments(t *testing.T) {
	r := NewReassembler()

	if objs := r.Feed([]byte(`[{"a":1,`)); len(objs) != 0 {
		t.Fatalf("premature emit: %q", objs)
	}
	objs := r.Feed([]byte(`"b":2}`))
	if len(objs) != 1 || string(objs[0]) != `{"a":1,"b":2}` {
		t.Fatalf("Feed = %q, want one complete object", objs)
	}
}

// TestFeedMultipleObjectsInOneFragment verifies several complete objects in a
// single fragment all come out, in arrival order.
func TestFeedMultipleObjectsInOneFragment(t *testing.T) {
	r := NewReassembler()

	got := feedAll(r, `[{"n":1},{"n":2},{"n":3}]`)
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	if len(got) != len(want) {
		t.Fatalf("emitted %d objects, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestFeedBracesInsideStrings verifies brace counting ignores braces that
// appear inside JSON string values, including escaped quotes.
func TestFeedBracesInsideStrings(t *testing.T) {
	r := NewReassembler()

	in := `[{"text":"a } inside","more":"{{nested}}"},{"quote":"she said \"}\""}]`
	got := feedAll(r, in)
	want := []string{
		`{"text":"a } inside","more":"{{nested}}"}`,
		`{"quote":"she said \"}\""}`,
	}
	if len(got) != len(want) {
		t.Fatalf("emitted %d objects, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestFeedByteAtATime verifies the degenerate fragmentation case.
func TestFeedByteAtATime(t *testing.T) {
	r := NewReassembler()

	in := `[{"a":{"b":1}},{"c":2}]`
	var got []string
	for i := 0; i < len(in); i++ {
		for _, obj := range r.Feed([]byte{in[i]}) {
			got = append(got, string(obj))
		}
	}

	want := []string{`{"a":{"b":1}}`, `{"c":2}`}
	if len(got) != len(want) {
		t.Fatalf("emitted %d objects, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("object %d = %q, want %q", i, got[i], want[i])
		}
	}
}

// TestFeedNestedObjects verifies depth tracking across nested braces.
func TestFeedNestedObjects(t *testing.T) {
	r := NewReassembler()

	got := feedAll(r, `{"outer":{"inner":{"deep":true}}}`)
	if len(got) != 1 || got[0] != `{"outer":{"inner":{"deep":true}}}` {
		t.Fatalf("Feed = %q, want the full nested object", got)
	}
}

// TestFeedSeparatorNoiseDiscarded verifies array punctuation between objects
// does not accumulate in the buffer.
func TestFeedSeparatorNoiseDiscarded(t *testing.T) {
	r := NewReassembler()

	r.Feed([]byte(`[{"a":1},`))
	if r.Pending() != 0 {
		t.Fatalf("Pending = %d after complete object + separator, want 0", r.Pending())
	}
	r.Feed([]byte(`   ]`))
	if r.Pending() != 0 {
		t.Fatalf("Pending = %d after trailing bracket, want 0", r.Pending())
	}
}

// TestFeedReturnedSlicesAreCopies verifies an emitted object survives
// subsequent feeds that would otherwise reuse the buffer.
func TestFeedReturnedSlicesAreCopies(t *testing.T) {
	r := NewReassembler()

	objs := r.Feed([]byte(`{"keep":"me"}`))
	if len(objs) != 1 {
		t.Fatalf("expected one object, got %d", len(objs))
	}
	first := objs[0]

	r.Feed([]byte(`{"overwrite":"attempt"}`))

	if string(first) != `{"keep":"me"}` {
		t.Fatalf("emitted object mutated by later Feed: %q", first)
	}
}
