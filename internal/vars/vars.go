// Package vars resolves named {{placeholder}} variables inside prompt text.
//
// Supported placeholders:
//
//	{{date}}         2026-08-29
//	{{time}}         14:03:05
//	{{datetime}}     2026-08-29 14:03:05
//	{{weekday}}      Friday
//	{{random:a:b}}   uniform integer in [a, b]
//	{{roll:NdM}}     sum of N dice with M sides
//
// Unknown placeholders are left untouched so downstream consumers can apply
// their own templating.
package vars

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z_]+)(?::([^}]*))?\}\}`)
	rollRe        = regexp.MustCompile(`^(\d+)d(\d+)$`)
)

// Resolver substitutes placeholders. Now and Intn are injectable for tests.
type Resolver struct {
	Now  func() time.Time
	Intn func(n int) int
}

// New returns a Resolver using the wall clock and math/rand.
func New() *Resolver {
	return &Resolver{Now: time.Now, Intn: rand.Intn}
}

// Resolve expands every recognised placeholder in text.
func (r *Resolver) Resolve(text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		name, arg := sub[1], sub[2]
		now := r.Now()

		switch name {
		case "date":
			return now.Format("2006-01-02")
		case "time":
			return now.Format("15:04:05")
		case "datetime":
			return now.Format("2006-01-02 15:04:05")
		case "weekday":
			return now.Weekday().String()
		case "random":
			return r.random(arg, m)
		case "roll":
			return r.roll(arg, m)
		}
		return m
	})
}

// random expands {{random:a:b}} to an integer in [a, b]. Malformed arguments
// leave the placeholder intact.
func (r *Resolver) random(arg, original string) string {
	lo, hi, ok := strings.Cut(arg, ":")
	if !ok {
		return original
	}
	a, errA := strconv.Atoi(strings.TrimSpace(lo))
	b, errB := strconv.Atoi(strings.TrimSpace(hi))
	if errA != nil || errB != nil || b < a {
		return original
	}
	return strconv.Itoa(a + r.Intn(b-a+1))
}

// roll expands {{roll:NdM}} to the sum of N rolls of an M-sided die.
func (r *Resolver) roll(arg, original string) string {
	m := rollRe.FindStringSubmatch(strings.TrimSpace(arg))
	if m == nil {
		return original
	}
	n, _ := strconv.Atoi(m[1])
	sides, _ := strconv.Atoi(m[2])
	if n < 1 || n > 100 || sides < 1 {
		return original
	}
	total := 0
	for i := 0; i < n; i++ {
		total += 1 + r.Intn(sides)
	}
	return fmt.Sprintf("%d", total)
}
