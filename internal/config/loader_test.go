package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "google/gemini-2.0-flash-001", cfg.LLM.DefaultModel)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, 24*time.Hour, cfg.Auth.JWTTTL.Duration())
	assert.Equal(t, 200*time.Millisecond, cfg.Pipeline.SentenceDelayPerRune.Duration())
	assert.InDelta(t, 0.8, cfg.Pipeline.LinkThreshold, 1e-9)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 4000
  cors_origins:
    - https://a.example
llm:
  default_model: openai/gpt-4
pipeline:
  sentence_delay_per_rune: 10ms
`)
	t.Setenv("SERVER_PORT", "5000")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Server.Port, "env wins over file")
	assert.Equal(t, []string{"https://a.example"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "openai/gpt-4", cfg.LLM.DefaultModel)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey.Value())
	assert.Equal(t, 10*time.Millisecond, cfg.Pipeline.SentenceDelayPerRune.Duration())
}

func TestLoad_LegacyEnvNames(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "legacy-key")
	t.Setenv("PASSWORD_PEPPER", "pepper")
	t.Setenv("IDEA_CORS_ORIGIN", "http://x.test, http://y.test")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "legacy-key", cfg.LLM.APIKey.Value())
	assert.Equal(t, "pepper", cfg.Auth.PasswordPepper.Value())
	assert.Equal(t, []string{"http://x.test", "http://y.test"}, cfg.Server.CORSOrigins)
}

func TestLoad_SectionedEnvBeatsLegacy(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "legacy-key")
	t.Setenv("LLM_API_KEY", "new-key")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "new-key", cfg.LLM.APIKey.Value())
}

func TestLoad_Rejections(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("world writable", func(t *testing.T) {
		path := writeConfig(t, "server:\n  port: 4000\n")
		require.NoError(t, os.Chmod(path, 0o666))
		_, err := Load(path)
		require.ErrorIs(t, err, ErrConfigFile)
	})

	t.Run("invalid port", func(t *testing.T) {
		t.Setenv("SERVER_PORT", "70000")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("unknown vector provider", func(t *testing.T) {
		t.Setenv("VECTORSTORE_PROVIDER", "pinecone")
		_, err := Load("")
		require.Error(t, err)
	})
}

func TestSectionKey(t *testing.T) {
	tests := map[string]string{
		"SERVER_PORT":         "server.port",
		"GITHUB_TARGET_OWNER": "github.target_owner",
		"HOME":                "",
		"OPENROUTER_API_KEY":  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, sectionKey(in), in)
	}
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, `config.Secret("[REDACTED]")`, fmt.Sprintf("%#v", s))
	assert.Equal(t, `"[REDACTED]"`, fmt.Sprintf("%q", s))
	assert.NotContains(t, fmt.Sprintf("%+v", struct{ Key Secret }{s}), "hunter2")

	out, err := json.Marshal(struct{ Key Secret }{s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")

	assert.Equal(t, "hunter2", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"24h":  24 * time.Hour,
		"90m":  90 * time.Minute,
		"7d":   7 * 24 * time.Hour,
		"0.5d": 12 * time.Hour,
		"3600": time.Hour,
		" 1d ": 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.Duration(), in)
	}

	for _, bad := range []string{"", "-1h", "-5", "xd", "soon"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateServing(t *testing.T) {
	cfg := Defaults()
	require.Error(t, cfg.ValidateServing())

	cfg.Auth.JWTSecret = "short"
	require.Error(t, cfg.ValidateServing())

	cfg.Auth.JWTSecret = "a-long-enough-jwt-secret"
	require.NoError(t, cfg.ValidateServing())
}

func TestValidateGitHub(t *testing.T) {
	cfg := Defaults()
	err := cfg.ValidateGitHub()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token")

	cfg.GitHub.Token = "ghp_x"
	cfg.GitHub.TargetOwner = "digitaldemocracy2030"
	cfg.GitHub.TargetRepo = "policy-documents"
	require.NoError(t, cfg.ValidateGitHub())
}
