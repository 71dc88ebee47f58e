package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/chat"
	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/embeddings"
	"github.com/digitaldemocracy2030/idobata/internal/events"
	"github.com/digitaldemocracy2030/idobata/internal/extraction"
	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/metrics"
	"github.com/digitaldemocracy2030/idobata/internal/questions"
	"github.com/digitaldemocracy2030/idobata/internal/realtime"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
	"github.com/digitaldemocracy2030/idobata/internal/store"
	"github.com/digitaldemocracy2030/idobata/internal/vectorstore"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

// Dispatcher modes.
const (
	DispatchAuto     = ""
	DispatchInline   = "inline"
	DispatchTemporal = "temporal"
)

// Options selects optional parts of the graph.
type Options struct {
	// Name identifies the process on the NATS connection.
	Name string

	// Realtime builds the WebSocket hub and subscribes it to the bus.
	Realtime bool

	// Dispatch picks the job dispatcher. DispatchAuto uses Temporal when
	// cfg.Temporal.Enabled is set.
	Dispatch string
}

// Registry holds the constructed services.
type Registry struct {
	cfg    *config.Config
	logger *zap.Logger

	store    *store.Store
	embedded *events.EmbeddedServer
	nc       *nats.Conn
	bus      *events.Bus

	llm      *llm.Client
	vectors  vectorstore.Store
	scrubber redact.Scrubber
	metrics  *metrics.Metrics

	activities *workflows.Activities
	dispatcher workflows.Dispatcher
	inline     *workflows.InlineDispatcher
	temporal   client.Client

	chat *chat.Service
	auth *auth.Service
	hub  *realtime.Hub

	stopBridge func() error
}

// Build constructs the service graph. On error everything opened so far is
// closed again.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (_ *Registry, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "idobata"
	}
	r := &Registry{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = r.Close()
		}
	}()

	if r.store, err = store.Open(cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	if err = r.connectBus(opts.Name); err != nil {
		return nil, err
	}

	if r.scrubber, err = newScrubber(cfg.Redaction); err != nil {
		return nil, fmt.Errorf("building scrubber: %w", err)
	}

	r.llm, err = llm.New(llm.Config{
		BaseURL:      cfg.LLM.BaseURL,
		APIKey:       cfg.LLM.APIKey.Value(),
		DefaultModel: cfg.LLM.DefaultModel,
		ProModel:     cfg.LLM.ProModel,
		Timeout:      cfg.LLM.Timeout.Duration(),
		MaxRetries:   cfg.LLM.MaxRetries,
		RatePerMin:   cfg.LLM.RatePerMin,
		Referer:      cfg.LLM.Referer,
		Title:        cfg.LLM.Title,
	}, llm.WithLogger(logger), llm.WithMetrics(r.metrics), llm.WithScrubber(r.scrubber))
	if err != nil {
		return nil, fmt.Errorf("creating llm client: %w", err)
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Embeddings.BaseURL,
		Model:   cfg.Embeddings.Model,
		APIKey:  cfg.Embeddings.APIKey.Value(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	if r.vectors, err = vectorstore.New(cfg.VectorStore, embedder, logger); err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	r.activities = &workflows.Activities{
		Questions: questions.NewGenerator(r.store, r.llm, logger, questions.GeneratorConfig{
			Count: cfg.Pipeline.QuestionCount,
		}),
		Linker: questions.NewLinker(r.store, r.llm, logger, questions.LinkerConfig{
			Threshold: cfg.Pipeline.LinkThreshold,
			BatchSize: cfg.Pipeline.LinkBatchSize,
		}),
		Drafter:   questions.NewDrafter(r.store, r.vectors, r.llm, logger, questions.DrafterConfig{Model: r.llm.ProModel()}),
		Extractor: extraction.NewWorker(r.store, r.llm, r.bus, r.scrubber, r.metrics, logger),
	}

	if err = r.buildDispatcher(opts.Dispatch); err != nil {
		return nil, err
	}

	r.chat = chat.NewService(r.store, r.llm, r.bus, r.dispatcher, logger, chat.ServiceConfig{
		DelayPerRune: cfg.Pipeline.SentenceDelayPerRune.Duration(),
		HistorySize:  cfg.Pipeline.HistorySize,
	})

	if r.auth, err = auth.NewService(r.store, cfg.Auth, cfg.Google, logger); err != nil {
		return nil, fmt.Errorf("creating auth service: %w", err)
	}

	if opts.Realtime {
		r.hub = realtime.NewHub(realtime.Options{
			SendQueue:      cfg.Socket.SendQueue,
			WriteTimeout:   cfg.Socket.WriteTimeout.Duration(),
			OriginPatterns: cfg.Socket.OriginPatterns,
		}, logger, r.metrics)
		if r.stopBridge, err = r.bus.Subscribe(r.hub); err != nil {
			return nil, fmt.Errorf("bridging events to sockets: %w", err)
		}
	}

	logger.Info("services ready",
		zap.String("database", cfg.Database.Path),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.Bool("nats_embedded", r.embedded != nil),
		zap.Bool("temporal", r.temporal != nil),
		zap.Bool("realtime", r.hub != nil),
	)
	return r, nil
}

func (r *Registry) connectBus(name string) error {
	url := r.cfg.NATS.URL
	if r.cfg.NATS.Embedded {
		storeDir := r.cfg.NATS.StoreDir
		if storeDir == "" && r.cfg.Database.Path != "" {
			storeDir = filepath.Join(filepath.Dir(r.cfg.Database.Path), "nats")
		}
		srv, err := events.StartEmbedded(storeDir)
		if err != nil {
			return err
		}
		r.embedded = srv
		url = srv.ClientURL()
	}
	nc, err := events.Connect(url, name)
	if err != nil {
		return err
	}
	r.nc = nc
	r.bus = events.NewBus(nc, r.logger)
	return nil
}

func (r *Registry) buildDispatcher(mode string) error {
	if mode == DispatchAuto {
		mode = DispatchInline
		if r.cfg.Temporal.Enabled {
			mode = DispatchTemporal
		}
	}
	switch mode {
	case DispatchInline:
		r.inline = workflows.NewInlineDispatcher(r.activities, r.cfg.Pipeline.JobTimeout.Duration(), r.logger)
		r.dispatcher = r.inline
	case DispatchTemporal:
		c, err := workflows.Dial(r.cfg.Temporal, r.logger)
		if err != nil {
			return err
		}
		r.temporal = c
		r.dispatcher = workflows.NewTemporalDispatcher(c, r.cfg.Temporal.TaskQueue, r.logger)
	default:
		return fmt.Errorf("unknown dispatcher %q", mode)
	}
	return nil
}

func newScrubber(cfg config.RedactionConfig) (redact.Scrubber, error) {
	rc := redact.DefaultConfig()
	if cfg.AllowlistPath != "" {
		allow, err := redact.LoadAllowlist(cfg.AllowlistPath)
		if err != nil {
			return nil, err
		}
		rc = allow.Config()
	}
	rc.Enabled = cfg.Enabled
	return redact.New(rc)
}

// Config returns the configuration the registry was built from.
func (r *Registry) Config() *config.Config { return r.cfg }

// Store returns the database.
func (r *Registry) Store() *store.Store { return r.store }

// Bus returns the NATS event bus.
func (r *Registry) Bus() *events.Bus { return r.bus }

// LLM returns the chat completion client.
func (r *Registry) LLM() *llm.Client { return r.llm }

// Activities returns the pipeline steps, for a Temporal worker or direct
// runs.
func (r *Registry) Activities() *workflows.Activities { return r.activities }

// Dispatcher returns the job dispatcher.
func (r *Registry) Dispatcher() workflows.Dispatcher { return r.dispatcher }

// Temporal returns the Temporal client, or nil with the inline dispatcher.
func (r *Registry) Temporal() client.Client { return r.temporal }

// Chat returns the chat service.
func (r *Registry) Chat() *chat.Service { return r.chat }

// Auth returns the auth service.
func (r *Registry) Auth() *auth.Service { return r.auth }

// Hub returns the realtime hub, or nil unless Options.Realtime was set.
func (r *Registry) Hub() *realtime.Hub { return r.hub }

// Close waits for inline jobs and releases everything in reverse order.
func (r *Registry) Close() error {
	var errs []error
	if r.inline != nil {
		r.inline.Wait()
	}
	if r.chat != nil {
		r.chat.Close()
	}
	if r.stopBridge != nil {
		if err := r.stopBridge(); err != nil {
			errs = append(errs, fmt.Errorf("stopping socket bridge: %w", err))
		}
	}
	if r.hub != nil {
		r.hub.Close()
	}
	if r.temporal != nil {
		r.temporal.Close()
	}
	if r.vectors != nil {
		if err := r.vectors.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing vector store: %w", err))
		}
	}
	if r.nc != nil {
		if err := r.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("draining nats: %w", err))
		}
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing store: %w", err))
		}
	}
	return errors.Join(errs...)
}
