package redact

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist holds patterns excluded from scrubbing and secret detection.
//
//	[allowlist]
//	paths   = ['''^docs/examples/''']
//	regexes = ['''example\.com''']
type Allowlist struct {
	Paths   []string
	Regexes []string
}

// LoadAllowlist reads an allowlist TOML file. An empty path or a missing
// file yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	empty := &Allowlist{Paths: []string{}, Regexes: []string{}}
	if path == "" {
		return empty, nil
	}

	var file struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return empty, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	for _, pattern := range append(append([]string{}, file.Allowlist.Paths...), file.Allowlist.Regexes...) {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, pattern, path, err)
		}
	}

	out := &Allowlist{Paths: file.Allowlist.Paths, Regexes: file.Allowlist.Regexes}
	if out.Paths == nil {
		out.Paths = []string{}
	}
	if out.Regexes == nil {
		out.Regexes = []string{}
	}
	return out, nil
}

// Config returns DefaultConfig with the allowlist's content patterns
// appended to its allow list.
func (a *Allowlist) Config() *Config {
	cfg := DefaultConfig()
	if a != nil {
		cfg.AllowList = append(cfg.AllowList, a.Regexes...)
	}
	return cfg
}
