package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a config interval. Besides Go syntax ("90m", "24h") it takes
// a day suffix ("7d") and bare integers as seconds, the two forms token
// lifetimes are commonly written in.
type Duration time.Duration

// ParseDuration parses the forms Duration accepts. Negative values are
// rejected.
func ParseDuration(s string) (Duration, error) {
	s = strings.TrimSpace(s)
	var d time.Duration
	switch {
	case s == "":
		return 0, fmt.Errorf("empty duration")
	case strings.HasSuffix(s, "d"):
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", s, err)
		}
		d = time.Duration(days * float64(24*time.Hour))
	default:
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			d = time.Duration(secs) * time.Second
			break
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("parsing duration %q: %w", s, err)
		}
		d = parsed
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q is negative", s)
	}
	return Duration(d), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Secret is a credential read from the environment (JWT signing key, API
// keys, the GitHub App private key). Every fmt verb and every encoder sees
// a mask; Value is the only way out.
type Secret string

const secretMask = "[REDACTED]"

func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return secretMask
}

// Format covers %v, %s, %q and %#v alike.
func (s Secret) Format(f fmt.State, verb rune) {
	switch {
	case verb == 'v' && f.Flag('#'):
		fmt.Fprintf(f, "config.Secret(%q)", s.masked())
	case verb == 'q':
		fmt.Fprintf(f, "%q", s.masked())
	default:
		fmt.Fprint(f, s.masked())
	}
}

func (s Secret) String() string { return s.masked() }

func (s Secret) Value() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal(s.masked()) }

func (s Secret) MarshalText() ([]byte, error) { return []byte(s.masked()), nil }

func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(strings.TrimSpace(string(text)))
	return nil
}
