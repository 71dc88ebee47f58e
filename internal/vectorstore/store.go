// Package vectorstore persists statement embeddings for clustering.
//
// Two backends implement Store: chromem-go, embedded and file-backed, and
// Qdrant over gRPC. Collections are named <theme_id>_<item_type>.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/embeddings"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vectorstore configuration")

	// ErrInvalidCollectionName indicates a collection name failed validation.
	ErrInvalidCollectionName = errors.New("invalid collection name")

	// ErrEmbeddingFailed wraps embedder failures.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("vectorstore connection failed")
)

// Metadata keys stored with every item.
const (
	MetaTopicID    = "topic_id"
	MetaQuestionID = "question_id"
	MetaItemType   = "item_type"
	MetaItemID     = "item_id"
)

// Item is a statement to embed and store.
type Item struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Store keeps one vector per item id.
type Store interface {
	// Upsert embeds and stores items, replacing existing ids.
	Upsert(ctx context.Context, collection string, items []Item) error

	// Vectors returns the stored vectors of ids. Unknown ids are absent
	// from the result.
	Vectors(ctx context.Context, collection string, ids []string) (map[string][]float32, error)

	Close() error
}

var (
	collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	collectionUnsafe      = regexp.MustCompile(`[^a-z0-9_]`)
)

// CollectionName returns the collection holding a theme's items of one
// type. Characters outside [a-z0-9_] become underscores.
func CollectionName(themeID, itemType string) string {
	name := collectionUnsafe.ReplaceAllString(strings.ToLower(themeID+"_"+itemType), "_")
	if len(name) > 64 {
		name = name[len(name)-64:]
	}
	return name
}

// ValidateCollectionName checks name against ^[a-z0-9_]{1,64}$.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: must match ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// New builds the backend selected by cfg.Provider.
func New(cfg config.VectorStoreConfig, embedder embeddings.Embedder, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "", "chromem":
		return NewChromemStore(ChromemConfig{Path: cfg.Chromem.Path, Compress: cfg.Chromem.Compress}, embedder, logger)
	case "qdrant":
		return NewQdrantStore(QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			UseTLS:     cfg.Qdrant.UseTLS,
			APIKey:     cfg.Qdrant.APIKey.Value(),
			VectorSize: cfg.Qdrant.VectorSize,
		}, embedder, logger)
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}

func embedItems(ctx context.Context, embedder embeddings.Embedder, items []Item) ([][]float32, error) {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	vectors, err := embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(vectors) != len(items) {
		return nil, fmt.Errorf("%w: got %d vectors for %d items", ErrEmbeddingFailed, len(vectors), len(items))
	}
	return vectors, nil
}
