package redact

import (
	"sort"
	"strings"
	"time"
)

// Scrubber detects and redacts sensitive text.
type Scrubber interface {
	// Scrub redacts sensitive text from content.
	Scrub(content string) *Result

	// Check detects sensitive text without redacting.
	Check(content string) *Result

	// IsEnabled returns whether scrubbing is enabled.
	IsEnabled() bool
}

// Result is the outcome of one scrub.
type Result struct {
	Original      string         `json:"-"`
	Scrubbed      string         `json:"scrubbed"`
	Findings      []Finding      `json:"findings,omitempty"`
	TotalFindings int            `json:"total_findings"`
	ByRule        map[string]int `json:"by_rule,omitempty"`
	Duration      time.Duration  `json:"duration"`
}

// Finding locates one match. The matched text is never kept.
type Finding struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	StartIndex  int    `json:"start_index"`
	EndIndex    int    `json:"end_index"`
	Line        int    `json:"line,omitempty"`
}

// HasFindings reports whether anything matched.
func (r *Result) HasFindings() bool {
	return r.TotalFindings > 0
}

// RuleIDs returns the matched rule ids in sorted order.
func (r *Result) RuleIDs() []string {
	ids := make([]string, 0, len(r.ByRule))
	for id := range r.ByRule {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type scrubber struct {
	config *Config
}

type redaction struct {
	start, end  int
	replacement string
}

// New returns a Scrubber for cfg. A nil cfg means DefaultConfig.
func New(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &scrubber{config: cfg}, nil
}

// MustNew is New that panics on error.
func MustNew(cfg *Config) Scrubber {
	s, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *scrubber) Scrub(content string) *Result {
	start := time.Now()
	result := &Result{
		Original: content,
		Scrubbed: content,
		Findings: make([]Finding, 0),
		ByRule:   make(map[string]int),
	}
	if !s.config.Enabled || content == "" {
		result.Duration = time.Since(start)
		return result
	}

	var redactions []redaction
	for _, rule := range s.config.compiledRules {
		if !rule.applies(content) {
			continue
		}
		for _, m := range rule.pattern.FindAllStringIndex(content, -1) {
			if s.isAllowed(content[m[0]:m[1]]) {
				continue
			}
			result.Findings = append(result.Findings, Finding{
				RuleID:      rule.ID,
				Description: rule.Description,
				Severity:    rule.Severity,
				StartIndex:  m[0],
				EndIndex:    m[1],
				Line:        strings.Count(content[:m[0]], "\n") + 1,
			})
			result.ByRule[rule.ID]++
			replacement := rule.Placeholder
			if replacement == "" {
				replacement = s.config.RedactionString
			}
			redactions = append(redactions, redaction{start: m[0], end: m[1], replacement: replacement})
		}
	}
	result.TotalFindings = len(result.Findings)

	if len(redactions) > 0 {
		result.Scrubbed = apply(content, mergeRedactions(redactions))
	}
	result.Duration = time.Since(start)
	return result
}

func (s *scrubber) Check(content string) *Result {
	result := s.Scrub(content)
	result.Scrubbed = result.Original
	return result
}

func (s *scrubber) IsEnabled() bool {
	return s.config.Enabled
}

func (s *scrubber) isAllowed(match string) bool {
	for _, pattern := range s.config.compiledAllowList {
		if pattern.MatchString(match) {
			return true
		}
	}
	return false
}

func (r *compiledRule) applies(content string) bool {
	if len(r.keywords) == 0 {
		return true
	}
	for _, kw := range r.keywords {
		if kw.MatchString(content) {
			return true
		}
	}
	return false
}

// mergeRedactions sorts by start and folds overlapping spans into the
// earliest one.
func mergeRedactions(rs []redaction) []redaction {
	sort.SliceStable(rs, func(i, j int) bool { return rs[i].start < rs[j].start })
	merged := []redaction{rs[0]}
	for _, curr := range rs[1:] {
		last := &merged[len(merged)-1]
		if curr.start < last.end {
			if curr.end > last.end {
				last.end = curr.end
			}
			continue
		}
		merged = append(merged, curr)
	}
	return merged
}

func apply(content string, spans []redaction) string {
	var b strings.Builder
	b.Grow(len(content))
	pos := 0
	for _, r := range spans {
		b.WriteString(content[pos:r.start])
		b.WriteString(r.replacement)
		pos = r.end
	}
	b.WriteString(content[pos:])
	return b.String()
}

// Noop is a Scrubber that changes nothing.
type Noop struct{}

func (Noop) Scrub(content string) *Result {
	return &Result{Original: content, Scrubbed: content, Findings: []Finding{}, ByRule: map[string]int{}}
}

func (n Noop) Check(content string) *Result { return n.Scrub(content) }

func (Noop) IsEnabled() bool { return false }

var (
	_ Scrubber = (*scrubber)(nil)
	_ Scrubber = Noop{}
)
