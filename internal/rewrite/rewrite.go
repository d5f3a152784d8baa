// Package rewrite applies ordered regex rewrite rules to request and response
// text.
//
// The engine deliberately favours availability over strictness: a rule whose
// pattern fails to compile, or whose application panics, is skipped and
// counted — it never aborts the request pipeline. Replacement strings may
// reference captured groups with $1-style expansions.
package rewrite

import (
	"log/slog"
	"regexp"
	"sort"
)

// Rule kinds. Pre rules rewrite text before it is sent upstream; post rules
// rewrite text coming back.
const (
	KindPre  = "pre"
	KindPost = "post"
)

// Rule is one ordered rewrite rule, either global or scoped to a preset.
type Rule struct {
	ID          int64
	Name        string
	Pattern     string
	Replacement string
	Kind        string
	IsActive    bool
	SortOrder   int
}

// Engine applies rule lists to text. The zero value is usable; a logger may
// be attached so skipped rules are visible in diagnostics.
type Engine struct {
	log      *slog.Logger
	recorder func(phase, result string)
}

// New creates an Engine. A nil logger disables skip diagnostics.
func New(log *slog.Logger) *Engine {
	return &Engine{log: log}
}

// SetRecorder attaches a per-rule outcome callback. It is called with the
// rule's kind and "applied" or "skipped" for every rule that runs.
func (e *Engine) SetRecorder(fn func(phase, result string)) {
	e.recorder = fn
}

func (e *Engine) record(phase, result string) {
	if e.recorder != nil {
		e.recorder(phase, result)
	}
}

// Apply runs every active rule over text in SortOrder (ties broken by ID).
// Invalid patterns and panicking applications are skipped silently.
func (e *Engine) Apply(text string, rules []Rule) string {
	if len(rules) == 0 {
		return text
	}

	ordered := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.IsActive {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SortOrder != ordered[j].SortOrder {
			return ordered[i].SortOrder < ordered[j].SortOrder
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, r := range ordered {
		text = e.applyOne(text, r)
	}
	return text
}

// applyOne applies a single rule, recovering from any panic inside the regexp
// machinery so a bad rule cannot take down the request.
func (e *Engine) applyOne(text string, r Rule) (out string) {
	out = text
	defer func() {
		if rec := recover(); rec != nil {
			if e.log != nil {
				e.log.Warn("rewrite rule panicked",
					slog.Int64("rule_id", r.ID),
					slog.Any("panic", rec),
				)
			}
			e.record(r.Kind, "skipped")
			out = text
		}
	}()

	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		if e.log != nil {
			e.log.Warn("rewrite rule skipped: invalid pattern",
				slog.Int64("rule_id", r.ID),
				slog.String("pattern", r.Pattern),
				slog.String("error", err.Error()),
			)
		}
		e.record(r.Kind, "skipped")
		return text
	}

	out = re.ReplaceAllString(text, r.Replacement)
	e.record(r.Kind, "applied")
	return out
}

// Filter returns the rules of the given kind, preserving input order.
func Filter(rules []Rule, kind string) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// ApplyPre rewrites input text: global pre-rules first, then preset-scoped
// pre-rules. On the input side local rules sit closest to the model.
func (e *Engine) ApplyPre(text string, global, local []Rule) string {
	text = e.Apply(text, Filter(global, KindPre))
	return e.Apply(text, Filter(local, KindPre))
}

// ApplyPost rewrites output text: preset-scoped post-rules first, then global
// post-rules — the mirror image of ApplyPre. This asymmetry is the documented
// precedence contract and must not be reordered.
func (e *Engine) ApplyPost(text string, global, local []Rule) string {
	text = e.Apply(text, Filter(local, KindPost))
	return e.Apply(text, Filter(global, KindPost))
}
