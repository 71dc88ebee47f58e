// Package config loads idobata configuration from YAML and environment
// variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the complete idobata configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	NATS          NATSConfig          `koanf:"nats"`
	Socket        SocketConfig        `koanf:"socket"`
	LLM           LLMConfig           `koanf:"llm"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Auth          AuthConfig          `koanf:"auth"`
	Google        GoogleConfig        `koanf:"google"`
	GitHub        GitHubConfig        `koanf:"github"`
	Temporal      TemporalConfig      `koanf:"temporal"`
	Pipeline      PipelineConfig      `koanf:"pipeline"`
	Redaction     RedactionConfig     `koanf:"redaction"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	CORSOrigins     []string `koanf:"cors_origins"`
	FrontendURL     string   `koanf:"frontend_url"`
	SecureCookies   bool     `koanf:"secure_cookies"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig configures the event bus. When Embedded is set the API server
// runs an in-process nats-server and URL is ignored.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Embedded bool   `koanf:"embedded"`
	StoreDir string `koanf:"store_dir"`
}

// SocketConfig controls the realtime WebSocket endpoints.
type SocketConfig struct {
	Enabled        bool     `koanf:"enabled"`
	SendQueue      int      `koanf:"send_queue"`
	WriteTimeout   Duration `koanf:"write_timeout"`
	OriginPatterns []string `koanf:"origin_patterns"`
}

// LLMConfig configures the OpenRouter chat completion client.
type LLMConfig struct {
	BaseURL      string   `koanf:"base_url"`
	APIKey       Secret   `koanf:"api_key"`
	DefaultModel string   `koanf:"default_model"`
	ProModel     string   `koanf:"pro_model"`
	Timeout      Duration `koanf:"timeout"`
	MaxRetries   int      `koanf:"max_retries"`
	RatePerMin   float64  `koanf:"rate_per_min"`
	Referer      string   `koanf:"referer"`
	Title        string   `koanf:"title"`
}

// EmbeddingsConfig configures the OpenAI-compatible embedding endpoint.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`
}

// VectorStoreConfig selects the vector backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig configures the embedded chromem-go backend.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig configures the Qdrant gRPC backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
	VectorSize uint64 `koanf:"vector_size"`
}

// AuthConfig configures token issuance and password hashing.
type AuthConfig struct {
	JWTSecret       Secret   `koanf:"jwt_secret"`
	JWTTTL          Duration `koanf:"jwt_ttl"`
	PasswordPepper  Secret   `koanf:"password_pepper"`
	CookieName      string   `koanf:"cookie_name"`
	LoginRatePerMin float64  `koanf:"login_rate_per_min"`
}

// GoogleConfig configures Google sign-in.
type GoogleConfig struct {
	ClientID     string `koanf:"client_id"`
	ClientSecret Secret `koanf:"client_secret"`
	RedirectURI  string `koanf:"redirect_uri"`
}

// Enabled reports whether Google sign-in is configured.
func (g GoogleConfig) Enabled() bool {
	return g.ClientID != "" && g.ClientSecret.IsSet() && g.RedirectURI != ""
}

// GitHubConfig configures the policy repository client.
type GitHubConfig struct {
	Token       Secret `koanf:"token"`
	TargetOwner string `koanf:"target_owner"`
	TargetRepo  string `koanf:"target_repo"`
	BaseBranch  string `koanf:"base_branch"`
	BaseURL     string `koanf:"base_url"`
}

// TemporalConfig configures the optional Temporal dispatcher.
type TemporalConfig struct {
	Enabled   bool   `koanf:"enabled"`
	HostPort  string `koanf:"host_port"`
	Namespace string `koanf:"namespace"`
	TaskQueue string `koanf:"task_queue"`
}

// PipelineConfig tunes the chat and generation pipelines.
type PipelineConfig struct {
	SentenceDelayPerRune Duration `koanf:"sentence_delay_per_rune"`
	HistorySize          int      `koanf:"history_size"`
	LinkThreshold        float64  `koanf:"link_threshold"`
	LinkBatchSize        int      `koanf:"link_batch_size"`
	QuestionCount        int      `koanf:"question_count"`
	JobTimeout           Duration `koanf:"job_timeout"`
}

// RedactionConfig controls scrubbing of citizen text before LLM calls.
type RedactionConfig struct {
	Enabled       bool   `koanf:"enabled"`
	AllowlistPath string `koanf:"allowlist_path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// ObservabilityConfig configures OpenTelemetry export.
type ObservabilityConfig struct {
	Enabled        bool     `koanf:"enabled"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"`
	Insecure       bool     `koanf:"insecure"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	SampleRate     float64  `koanf:"sample_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: Duration(10 * time.Second),
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:5175"},
			FrontendURL:     "http://localhost:5175",
		},
		Database: DatabaseConfig{Path: "./data/idobata.db"},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222"},
		Socket: SocketConfig{
			Enabled:      true,
			SendQueue:    64,
			WriteTimeout: Duration(5 * time.Second),
		},
		LLM: LLMConfig{
			BaseURL:      "https://openrouter.ai/api/v1",
			DefaultModel: "google/gemini-2.0-flash-001",
			ProModel:     "google/gemini-2.5-pro-preview-03-25",
			Timeout:      Duration(120 * time.Second),
			MaxRetries:   3,
			RatePerMin:   60,
			Referer:      "https://idobata.local",
			Title:        "idobata",
		},
		Embeddings: EmbeddingsConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/text-embedding-3-small",
		},
		VectorStore: VectorStoreConfig{
			Provider: "chromem",
			Chromem:  ChromemConfig{Path: "./data/vectors", Compress: true},
			Qdrant:   QdrantConfig{Host: "localhost", Port: 6334, VectorSize: 1536},
		},
		Auth: AuthConfig{
			JWTTTL:          Duration(24 * time.Hour),
			CookieName:      "admin_token",
			LoginRatePerMin: 10,
		},
		GitHub: GitHubConfig{BaseBranch: "main"},
		Temporal: TemporalConfig{
			HostPort:  "localhost:7233",
			Namespace: "default",
			TaskQueue: "idobata-pipeline",
		},
		Pipeline: PipelineConfig{
			SentenceDelayPerRune: Duration(200 * time.Millisecond),
			HistorySize:          20,
			LinkThreshold:        0.8,
			LinkBatchSize:        20,
			QuestionCount:        5,
			JobTimeout:           Duration(10 * time.Minute),
		},
		Redaction: RedactionConfig{Enabled: true},
		Logging:   LoggingConfig{Level: "info", Format: "json"},
		Observability: ObservabilityConfig{
			Endpoint:       "localhost:4317",
			Protocol:       "grpc",
			Insecure:       true,
			ServiceName:    "idobata",
			ServiceVersion: "0.1.0",
			SampleRate:     1.0,
			ExportInterval: Duration(15 * time.Second),
		},
	}
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("server shutdown timeout must be positive"))
	}
	if c.Server.FrontendURL != "" {
		if _, err := url.ParseRequestURI(c.Server.FrontendURL); err != nil {
			errs = append(errs, fmt.Errorf("invalid frontend url: %w", err))
		}
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, errors.New("nats url is required unless nats.embedded is set"))
	}
	if _, err := url.ParseRequestURI(c.LLM.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid llm base url: %w", err))
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore provider %q (want chromem or qdrant)", c.VectorStore.Provider))
	}
	if c.Auth.JWTTTL <= 0 {
		errs = append(errs, errors.New("auth jwt ttl must be positive"))
	}
	if c.Pipeline.LinkThreshold < 0 || c.Pipeline.LinkThreshold > 1 {
		errs = append(errs, fmt.Errorf("pipeline link threshold must be within [0,1], got %v", c.Pipeline.LinkThreshold))
	}
	if c.Pipeline.LinkBatchSize < 1 {
		errs = append(errs, errors.New("pipeline link batch size must be at least 1"))
	}
	if c.Temporal.Enabled && c.Temporal.TaskQueue == "" {
		errs = append(errs, errors.New("temporal task queue is required when temporal is enabled"))
	}
	if c.Observability.Enabled {
		switch c.Observability.Protocol {
		case "grpc", "http/protobuf":
		default:
			errs = append(errs, fmt.Errorf("unknown otlp protocol %q", c.Observability.Protocol))
		}
	}

	return errors.Join(errs...)
}

// ValidateServing adds the checks that only matter for the API server,
// which must be able to sign tokens.
func (c *Config) ValidateServing() error {
	if !c.Auth.JWTSecret.IsSet() {
		return errors.New("auth jwt secret is required (AUTH_JWT_SECRET or JWT_SECRET)")
	}
	if len(c.Auth.JWTSecret.Value()) < 16 {
		return errors.New("auth jwt secret must be at least 16 characters")
	}
	return nil
}

// ValidateGitHub checks the settings the contribution client needs.
func (c *Config) ValidateGitHub() error {
	var errs []error
	if !c.GitHub.Token.IsSet() {
		errs = append(errs, errors.New("github token is required"))
	}
	if c.GitHub.TargetOwner == "" || c.GitHub.TargetRepo == "" {
		errs = append(errs, errors.New("github target owner and repo are required"))
	}
	return errors.Join(errs...)
}
