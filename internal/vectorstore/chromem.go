package vectorstore

import (
	"context"
	"fmt"
	"os"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/embeddings"
)

var chromemTracer = otel.Tracer("idobata.vectorstore.chromem")

// ChromemConfig configures the embedded backend.
type ChromemConfig struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Compress gzips the persisted files.
	Compress bool
}

// ChromemStore implements Store with chromem-go.
type ChromemStore struct {
	db       *chromem.DB
	embedder embeddings.Embedder
	logger   *zap.Logger
}

// NewChromemStore opens or creates the database at config.Path.
func NewChromemStore(config ChromemConfig, embedder embeddings.Embedder, logger *zap.Logger) (*ChromemStore, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	logger.Info("chromem vector store ready",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
	)
	return &ChromemStore{db: db, embedder: embedder, logger: logger.Named("vectorstore")}, nil
}

func (s *ChromemStore) collection(name string) (*chromem.Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	c, err := s.db.GetOrCreateCollection(name, nil, func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", name, err)
	}
	return c, nil
}

// Upsert embeds items and stores them under their ids.
func (s *ChromemStore) Upsert(ctx context.Context, collectionName string, items []Item) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", collectionName), attribute.Int("item_count", len(items)))

	if len(items) == 0 {
		return nil
	}
	col, err := s.collection(collectionName)
	if err != nil {
		span.RecordError(err)
		return err
	}
	vectors, err := embedItems(ctx, s.embedder, items)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	docs := make([]chromem.Document, len(items))
	for i, it := range items {
		meta := make(map[string]string, len(it.Metadata)+1)
		for k, v := range it.Metadata {
			meta[k] = v
		}
		meta[MetaItemID] = it.ID
		docs[i] = chromem.Document{ID: it.ID, Content: it.Text, Metadata: meta, Embedding: vectors[i]}
	}
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding documents to %s: %w", collectionName, err)
	}

	span.SetStatus(codes.Ok, "success")
	s.logger.Debug("upserted items", zap.String("collection", collectionName), zap.Int("count", len(items)))
	return nil
}

// Vectors returns the stored embeddings of ids.
func (s *ChromemStore) Vectors(ctx context.Context, collectionName string, ids []string) (map[string][]float32, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemStore.Vectors")
	defer span.End()

	out := make(map[string][]float32, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if err := ValidateCollectionName(collectionName); err != nil {
		return nil, err
	}
	col := s.db.GetCollection(collectionName, nil)
	if col == nil {
		return out, nil
	}
	for _, id := range ids {
		doc, err := col.GetByID(ctx, id)
		if err != nil {
			continue
		}
		out[id] = doc.Embedding
	}
	span.SetAttributes(attribute.Int("found", len(out)))
	return out, nil
}

// Close is a no-op; chromem persists on every write.
func (s *ChromemStore) Close() error {
	return nil
}
