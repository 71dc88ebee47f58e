package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024

// ErrConfigFile is returned when the YAML file exists but cannot be used.
var ErrConfigFile = errors.New("config file rejected")

// legacyEnv maps the environment names used by existing deployments onto
// koanf keys. Sectioned names (LLM_API_KEY) take precedence over these.
var legacyEnv = map[string]string{
	"PORT":               "server.port",
	"FRONTEND_URL":       "server.frontend_url",
	"IDEA_CORS_ORIGIN":   "server.cors_origins",
	"DATABASE_PATH":      "database.path",
	"OPENROUTER_API_KEY": "llm.api_key",
	"JWT_SECRET":         "auth.jwt_secret",
	"JWT_EXPIRES_IN":     "auth.jwt_ttl",
	"PASSWORD_PEPPER":    "auth.password_pepper",
	"SOCKET_ENABLED":     "socket.enabled",
	"OTEL_ENABLE":        "observability.enabled",
}

// listKeys are decoded from comma-separated strings and replace, rather
// than merge with, the defaults.
var listKeys = []string{"server.cors_origins", "socket.origin_patterns"}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in increasing order of precedence.
//
// Environment names map to keys by splitting on the first underscore:
//
//	SERVER_PORT        -> server.port
//	LLM_API_KEY        -> llm.api_key
//	GITHUB_TARGET_REPO -> github.target_repo
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load legacy environment variables: %w", err)
	}

	if err := k.Load(env.Provider("", ".", sectionKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	overrideLists(k, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// sectionKey turns SECTION_FIELD_NAME into section.field_name.
func sectionKey(s string) string {
	if _, ok := legacyEnv[s]; ok {
		return ""
	}
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

func overrideLists(k *koanf.Koanf, cfg *Config) {
	targets := map[string]*[]string{
		"server.cors_origins":    &cfg.Server.CORSOrigins,
		"socket.origin_patterns": &cfg.Socket.OriginPatterns,
	}
	for _, key := range listKeys {
		if !k.Exists(key) {
			continue
		}
		var out []string
		switch v := k.Get(key).(type) {
		case string:
			out = splitList(v)
		case []any:
			for _, item := range v {
				out = append(out, splitList(fmt.Sprint(item))...)
			}
		}
		*targets[key] = out
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, err
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info fs.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrConfigFile, info.Name())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("%w: %s is larger than %d bytes", ErrConfigFile, info.Name(), maxConfigFileSize)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("%w: %s is world-writable", ErrConfigFile, info.Name())
	}
	return nil
}
