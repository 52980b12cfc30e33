package secrets

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultReplacement is written in place of a detected secret.
const DefaultReplacement = "[REDACTED]"

// Config configures a Scrubber.
type Config struct {
	// Rules to apply. Nil means DefaultRules.
	Rules []Rule

	// Replacement for matched text. Empty means DefaultReplacement.
	Replacement string

	// AllowList holds patterns for matches that are known not to be secrets.
	AllowList []string
}

// Finding records one redacted span of the input.
type Finding struct {
	RuleID   string
	Severity string
	Start    int
	End      int
}

// Result is the outcome of scrubbing one text.
type Result struct {
	Text     string
	Findings []Finding
}

// Count returns the number of redacted matches.
func (r Result) Count() int {
	return len(r.Findings)
}

// RuleIDs returns the distinct rules that fired, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	var ids []string
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

type compiledRule struct {
	Rule
	pattern  *regexp.Regexp
	keywords []string
}

// Scrubber detects and redacts secrets. It is immutable after New and safe
// for concurrent use.
type Scrubber struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string
}

// New compiles the rules of cfg.
func New(cfg Config) (*Scrubber, error) {
	rules := cfg.Rules
	if rules == nil {
		rules = DefaultRules()
	}

	s := &Scrubber{replacement: cfg.Replacement}
	if s.replacement == "" {
		s.replacement = DefaultReplacement
	}

	for i, rule := range rules {
		if rule.ID == "" {
			return nil, fmt.Errorf("rule %d: id is required", i)
		}
		if rule.Pattern == "" {
			return nil, fmt.Errorf("rule %s: pattern is required", rule.ID)
		}
		pattern, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		keywords := make([]string, len(rule.Keywords))
		for j, kw := range rule.Keywords {
			keywords[j] = strings.ToLower(kw)
		}
		s.rules = append(s.rules, compiledRule{Rule: rule, pattern: pattern, keywords: keywords})
	}

	for i, p := range cfg.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow_list %d: invalid pattern: %w", i, err)
		}
		s.allow = append(s.allow, re)
	}
	return s, nil
}

// Scrub returns text with every secret replaced.
func (s *Scrubber) Scrub(text string) Result {
	res := Result{Text: text}
	if text == "" {
		return res
	}
	lower := strings.ToLower(text)

	for _, rule := range s.rules {
		if !rule.applies(lower) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(text, -1) {
			if s.allowed(text[m[0]:m[1]]) {
				continue
			}
			res.Findings = append(res.Findings, Finding{
				RuleID:   rule.ID,
				Severity: rule.Severity,
				Start:    m[0],
				End:      m[1],
			})
		}
	}
	if len(res.Findings) == 0 {
		return res
	}

	sort.SliceStable(res.Findings, func(i, j int) bool {
		return res.Findings[i].Start < res.Findings[j].Start
	})

	// Overlapping findings collapse into one replacement.
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, f := range res.Findings {
		if f.Start < pos {
			if f.End > pos {
				pos = f.End
			}
			continue
		}
		b.WriteString(text[pos:f.Start])
		b.WriteString(s.replacement)
		pos = f.End
	}
	b.WriteString(text[pos:])
	res.Text = b.String()
	return res
}

// ScrubFields scrubs every value of fields and returns a new map. The input
// is not modified.
func (s *Scrubber) ScrubFields(fields map[string]string) (map[string]string, int) {
	if fields == nil {
		return nil, 0
	}
	out := make(map[string]string, len(fields))
	total := 0
	for k, v := range fields {
		res := s.Scrub(v)
		out[k] = res.Text
		total += res.Count()
	}
	return out, total
}

func (r compiledRule) applies(lower string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func (s *Scrubber) allowed(match string) bool {
	for _, re := range s.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}
