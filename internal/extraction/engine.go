package extraction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"codexcore/internal/license"
)

// Sentinel errors reported by the engine. Callers translate these into
// transport problems; the engine itself never talks HTTP.
var (
	// ErrUnknownCategory marks a category the rule set carries no
	// patterns for.
	ErrUnknownCategory = errors.New("unknown extraction category")

	// ErrUnknownPrompt marks a prompt type absent from the rule set.
	ErrUnknownPrompt = errors.New("unknown prompt type")

	// ErrInvalidPattern marks a rule-set pattern that does not compile.
	// Seeing it means the issued payload is corrupt, not that the caller
	// did anything wrong.
	ErrInvalidPattern = errors.New("invalid rule-set pattern")
)

// defaultConfidence scores matches in categories the rule set configures
// no threshold for.
const defaultConfidence = 0.5

// Match is one pattern hit inside the analyzed text. Pattern is the
// index of the winning pattern within its category list.
type Match struct {
	Pattern    int
	Value      string
	Offset     int
	End        int
	Confidence float64
}

// Engine applies one session's rule set to caller-supplied text. All
// patterns are compiled once at construction, so an engine is safe for
// concurrent use and repeated extraction carries no recompilation cost.
// The engine holds a read-only view; it cannot observe or outlive
// secrets beyond what the view exposes.
type Engine struct {
	view     license.RuleSetView
	compiled map[string][]*regexp.Regexp
}

// NewEngine compiles every pattern in the view. A pattern that fails to
// compile aborts construction with ErrInvalidPattern naming the category
// and index, since a partially working rule set would silently produce
// incomplete results.
func NewEngine(view license.RuleSetView) (*Engine, error) {
	compiled := make(map[string][]*regexp.Regexp)
	for _, category := range view.Categories() {
		patterns := view.Patterns(category)
		res := make([]*regexp.Regexp, 0, len(patterns))
		for i, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s[%d]: %v", ErrInvalidPattern, category, i, err)
			}
			res = append(res, re)
		}
		compiled[category] = res
	}
	return &Engine{view: view, compiled: compiled}, nil
}

// Categories lists the categories this engine can extract, sorted.
func (e *Engine) Categories() []string {
	out := make([]string, 0, len(e.compiled))
	for c := range e.compiled {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Extract runs every pattern of one category over the text and returns
// the matches ordered by offset. Patterns are applied in rule-set order
// and earlier patterns own the text they match: a later pattern's hit
// that overlaps an already claimed span is dropped. A pattern with a
// capture group contributes the first group's text, otherwise the whole
// match. Confidence is the category's configured threshold.
func (e *Engine) Extract(ctx context.Context, category, text string) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	patterns, ok := e.compiled[category]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}

	confidence, ok := e.view.Threshold(category)
	if !ok {
		confidence = defaultConfidence
	}

	var matches []Match
	var claimed []span
	for idx, re := range patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			sp := span{start: loc[0], end: loc[1]}
			if overlapsAny(claimed, sp) {
				continue
			}
			claimed = append(claimed, sp)
			matches = append(matches, Match{
				Pattern:    idx,
				Value:      matchValue(text, loc),
				Offset:     sp.start,
				End:        sp.end,
				Confidence: confidence,
			})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Offset != matches[j].Offset {
			return matches[i].Offset < matches[j].Offset
		}
		return matches[i].Pattern < matches[j].Pattern
	})
	return matches, nil
}

// Prompt returns the template for a prompt type from the rule set.
func (e *Engine) Prompt(promptType string) (string, error) {
	p, ok := e.view.Prompt(promptType)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, promptType)
	}
	return p, nil
}

// PromptTypes lists the available prompt template names, sorted.
func (e *Engine) PromptTypes() []string {
	return e.view.PromptTypes()
}

// matchValue picks the first capture group when the pattern defines one
// and it participated in the match, falling back to the whole match.
func matchValue(text string, loc []int) string {
	if len(loc) >= 4 && loc[2] >= 0 {
		return text[loc[2]:loc[3]]
	}
	return text[loc[0]:loc[1]]
}

type span struct {
	start, end int
}

func overlapsAny(claimed []span, sp span) bool {
	for _, c := range claimed {
		if sp.start < c.end && c.start < sp.end {
			return true
		}
	}
	return false
}
