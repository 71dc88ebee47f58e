package questions

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// LinkerStore is the persistence the linker needs.
type LinkerStore interface {
	GetQuestion(ctx context.Context, id string) (*store.SharpQuestion, error)
	ListItems(ctx context.Context, themeID string, t store.ItemType) ([]store.Item, error)
	ReplaceLinks(ctx context.Context, questionID string, links []store.QuestionLink) error
}

// LinkerConfig tunes linking.
type LinkerConfig struct {
	// Threshold is the lowest relevance score kept. Default: 0.8.
	Threshold float64

	// BatchSize is the number of items scored per request. Default: 20.
	BatchSize int

	Model string
}

// Linker scores every problem and solution of a theme against a question.
type Linker struct {
	store  LinkerStore
	llm    llm.Completer
	cfg    LinkerConfig
	logger *zap.Logger
}

// NewLinker creates a Linker.
func NewLinker(st LinkerStore, completer llm.Completer, logger *zap.Logger, cfg LinkerConfig) *Linker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 0.8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Linker{store: st, llm: completer, cfg: cfg, logger: logger.Named("linker")}
}

const linkSystemPrompt = `You are an AI assistant that evaluates how relevant citizen statements are to a question.
For each statement, give a relevanceScore between 0 and 1 and a short rationale in Japanese.
A problem is relevant when it describes the situation the question wants to change.
A solution is relevant when it could answer the question.
Respond ONLY with a JSON object: {"links":[{"id":"<statement id>","relevanceScore":0.0,"rationale":"..."}]}`

type scoredLink struct {
	ID             string  `json:"id"`
	RelevanceScore float64 `json:"relevanceScore"`
	Rationale      string  `json:"rationale"`
}

// LinkQuestion rebuilds the links of one question and returns how many
// were stored. A failed batch leaves the previous links untouched.
func (l *Linker) LinkQuestion(ctx context.Context, questionID string) (int, error) {
	q, err := l.store.GetQuestion(ctx, questionID)
	if err != nil {
		return 0, fmt.Errorf("loading question: %w", err)
	}
	ctx = logging.WithThemeID(ctx, q.ThemeID)
	log := logging.For(ctx, l.logger).With(zap.String("question_id", q.ID))

	var links []store.QuestionLink
	for _, t := range []store.ItemType{store.ItemProblem, store.ItemSolution} {
		items, err := l.store.ListItems(ctx, q.ThemeID, t)
		if err != nil {
			return 0, fmt.Errorf("loading %ss: %w", t, err)
		}
		for start := 0; start < len(items); start += l.cfg.BatchSize {
			end := min(start+l.cfg.BatchSize, len(items))
			batch, err := l.scoreBatch(ctx, q, t, items[start:end])
			if err != nil {
				// Existing links stay in place until a full pass succeeds.
				return 0, fmt.Errorf("scoring %ss %d-%d: %w", t, start, end, err)
			}
			links = append(links, batch...)
		}
	}

	if err := l.store.ReplaceLinks(ctx, q.ID, links); err != nil {
		return 0, fmt.Errorf("saving links: %w", err)
	}
	log.Info("question linked", zap.Int("links", len(links)))
	return len(links), nil
}

func (l *Linker) scoreBatch(ctx context.Context, q *store.SharpQuestion, t store.ItemType, items []store.Item) ([]store.QuestionLink, error) {
	type entry struct {
		ID        string `json:"id"`
		Statement string `json:"statement"`
	}
	entries := make([]entry, len(items))
	known := make(map[string]bool, len(items))
	for i, it := range items {
		entries[i] = entry{ID: it.ID, Statement: it.Statement}
		known[it.ID] = true
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(q.QuestionText)
	b.WriteString("\n\nStatement type: ")
	b.WriteString(string(t))
	b.WriteString("\nStatements:\n")
	b.Write(payload)

	var resp struct {
		Links []scoredLink `json:"links"`
	}
	var opts []llm.CallOption
	if l.cfg.Model != "" {
		opts = append(opts, llm.WithModel(l.cfg.Model))
	}
	if err := l.llm.ChatJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: linkSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}, &resp, opts...); err != nil {
		return nil, err
	}

	var out []store.QuestionLink
	seen := make(map[string]bool)
	for _, s := range resp.Links {
		if !known[s.ID] || seen[s.ID] || s.RelevanceScore < l.cfg.Threshold {
			continue
		}
		seen[s.ID] = true
		out = append(out, store.QuestionLink{
			QuestionID:     q.ID,
			LinkedItemID:   s.ID,
			LinkedItemType: t,
			LinkType:       store.LinkTypeFor(t),
			RelevanceScore: min(s.RelevanceScore, 1),
			Rationale:      s.Rationale,
		})
	}
	return out, nil
}
