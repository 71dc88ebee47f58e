package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/github"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
)

// Contributor is the subset of the GitHub client the tools drive.
type Contributor interface {
	EnsureBranch(ctx context.Context, branch string) error
	UpsertFile(ctx context.Context, branch, path, content, message string) (string, error)
	FindOrCreateDraftPR(ctx context.Context, branch, title, body string) (github.PRInfo, bool, error)
	UpdatePR(ctx context.Context, number int, title, body string) (github.PRInfo, error)
	Repository() string
}

// SecretScanner finds credentials in document content.
type SecretScanner interface {
	Scan(path, content string) []redact.Leak
}

// Server is the github-contribution MCP server.
type Server struct {
	mcp      *mcp.Server
	gh       Contributor
	detector SecretScanner
	metrics  *Metrics
	logger   *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "github-contribution-mcp")
	Name string

	// Version is the server version (default: "0.1.0")
	Version string

	// Logger for structured logging
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "github-contribution-mcp",
		Version: "0.1.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates the server and registers its tools. detector may be
// nil, in which case content is committed unscanned.
func NewServer(cfg *Config, gh Contributor, detector SecretScanner) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if gh == nil {
		return nil, fmt.Errorf("github client is required")
	}
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		gh:       gh,
		detector: detector,
		metrics:  NewMetrics(logger),
		logger:   logger.Named("mcp"),
	}
	s.registerTools()

	s.logger.Info("mcp server ready",
		zap.String("name", cfg.Name),
		zap.String("version", cfg.Version),
		zap.String("repository", gh.Repository()),
	)
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Connect serves a single session over transport.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcp.Connect(ctx, transport, nil)
}
