package license

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Pattern categories understood by the extraction collaborators. Order
// inside each category is meaningful: earlier patterns win ties.
const (
	CategoryModule   = "module"
	CategoryStep     = "step"
	CategoryFlow     = "flow"
	CategoryTaxonomy = "taxonomy"
)

// RuleSet is the decrypted configuration payload: per-category pattern
// lists, prompt templates, and confidence thresholds. It is immutable
// once parsed, exists only inside a live session, and is dropped at
// teardown; the raw plaintext it was parsed from is zeroed during
// decryption.
type RuleSet struct {
	ModulePatterns   []string           `json:"module_patterns"`
	StepPatterns     []string           `json:"step_patterns"`
	FlowPatterns     []string           `json:"flow_patterns"`
	TaxonomyPatterns []string           `json:"taxonomy_patterns"`
	Prompts          map[string]string  `json:"llm_prompts"`
	Thresholds       map[string]float64 `json:"confidence_thresholds"`
}

// parseRuleSet deserializes and validates decrypted payload plaintext.
func parseRuleSet(plaintext []byte) (*RuleSet, error) {
	var rs RuleSet
	if err := json.Unmarshal(plaintext, &rs); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}
	if err := rs.validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

func (rs *RuleSet) validate() error {
	for category, score := range rs.Thresholds {
		if score < 0 || score > 1 {
			return fmt.Errorf("threshold for %q out of range: %v", category, score)
		}
	}
	return nil
}

// patterns returns the ordered pattern list for a category, nil for an
// unknown category.
func (rs *RuleSet) patterns(category string) []string {
	switch category {
	case CategoryModule:
		return rs.ModulePatterns
	case CategoryStep:
		return rs.StepPatterns
	case CategoryFlow:
		return rs.FlowPatterns
	case CategoryTaxonomy:
		return rs.TaxonomyPatterns
	default:
		return nil
	}
}

// RuleSetView is the read-only window handed to extraction collaborators.
// Every accessor copies, so a caller can neither mutate the session's
// rule set nor observe it changing under teardown. The view never exposes
// key material or the encrypted blob.
type RuleSetView struct {
	rs *RuleSet
}

// Categories lists the pattern categories with at least one pattern,
// sorted for stable output.
func (v RuleSetView) Categories() []string {
	if v.rs == nil {
		return nil
	}
	var out []string
	for _, c := range []string{CategoryModule, CategoryStep, CategoryFlow, CategoryTaxonomy} {
		if len(v.rs.patterns(c)) > 0 {
			out = append(out, c)
		}
	}
	sort.Strings(out)
	return out
}

// Patterns returns a copy of the ordered pattern list for a category.
func (v RuleSetView) Patterns(category string) []string {
	if v.rs == nil {
		return nil
	}
	src := v.rs.patterns(category)
	if len(src) == 0 {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Prompt looks up a prompt template by type name.
func (v RuleSetView) Prompt(promptType string) (string, bool) {
	if v.rs == nil {
		return "", false
	}
	p, ok := v.rs.Prompts[promptType]
	return p, ok
}

// PromptTypes lists the available prompt template names, sorted.
func (v RuleSetView) PromptTypes() []string {
	if v.rs == nil {
		return nil
	}
	out := make([]string, 0, len(v.rs.Prompts))
	for name := range v.rs.Prompts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Threshold returns the confidence threshold for a category.
func (v RuleSetView) Threshold(category string) (float64, bool) {
	if v.rs == nil {
		return 0, false
	}
	t, ok := v.rs.Thresholds[category]
	return t, ok
}
