package redact

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"
)

// Leak is a credential found by Detector. The secret itself is not kept.
type Leak struct {
	RuleID      string `json:"rule_id"`
	Description string `json:"description"`
	Line        int    `json:"line"`
}

// Detector finds credentials with the gitleaks default rule set.
type Detector struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewDetector builds a Detector. allowlist may be nil.
func NewDetector(allowlist *Allowlist) (*Detector, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks rules: %w", err)
	}
	if allowlist != nil && (len(allowlist.Paths) > 0 || len(allowlist.Regexes) > 0) {
		if err := applyAllowlist(&d.Config, allowlist); err != nil {
			return nil, err
		}
	}
	return &Detector{detector: d}, nil
}

// Scan returns the leaks in content ordered by line. path is matched
// against the allowlist's path patterns.
func (d *Detector) Scan(path, content string) []Leak {
	d.mu.Lock()
	findings := d.detector.DetectString(content)
	d.mu.Unlock()

	if d.pathAllowed(path) {
		return []Leak{}
	}
	leaks := make([]Leak, 0, len(findings))
	for _, f := range findings {
		leaks = append(leaks, Leak{RuleID: f.RuleID, Description: f.Description, Line: f.StartLine})
	}
	sort.SliceStable(leaks, func(i, j int) bool { return leaks[i].Line < leaks[j].Line })
	return leaks
}

func (d *Detector) pathAllowed(path string) bool {
	if path == "" {
		return false
	}
	for _, al := range d.detector.Config.Allowlists {
		for _, re := range al.Paths {
			if re.MatchString(path) {
				return true
			}
		}
	}
	return false
}

func applyAllowlist(cfg *gitleaksConfig.Config, allowlist *Allowlist) error {
	global := &gitleaksConfig.Allowlist{Description: "idobata allowlist"}
	for _, pattern := range allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Paths = append(global.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, pattern := range allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, pattern, err)
		}
		global.Regexes = append(global.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, global)
	return nil
}
