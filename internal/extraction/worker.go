// Package extraction turns chat threads into problem and solution
// statements and announces every change on the event bus.
package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/events"
	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/metrics"
	"github.com/digitaldemocracy2030/idobata/internal/redact"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// MinStatementRunes is the shortest statement kept.
const MinStatementRunes = 5

// Store is the persistence the worker needs.
type Store interface {
	GetThread(ctx context.Context, id string) (*store.ChatThread, error)
	GetItems(ctx context.Context, ids []string) ([]store.Item, error)
	CreateItem(ctx context.Context, it store.Item) (*store.Item, error)
	UpdateItemStatement(ctx context.Context, id, statement string) (*store.Item, error)
	AddExtractedIDs(ctx context.Context, threadID string, problemIDs, solutionIDs []string) (*store.ChatThread, error)
}

// Publisher announces extraction changes.
type Publisher interface {
	PublishExtraction(ctx context.Context, ev events.ExtractionEvent) error
	PublishThreadSnapshot(ctx context.Context, snap events.ThreadSnapshot) error
}

// Addition is a new statement proposed by the model.
type Addition struct {
	Type      store.ItemType `json:"type"`
	Statement string         `json:"statement"`
}

// Update rewrites an existing statement.
type Update struct {
	ID        string         `json:"id"`
	Type      store.ItemType `json:"type"`
	Statement string         `json:"statement"`
}

// Result is the model's JSON answer.
type Result struct {
	Additions []Addition `json:"additions"`
	Updates   []Update   `json:"updates"`
}

// Summary reports what one run changed.
type Summary struct {
	Added   int
	Updated int
	Skipped int
}

// Worker extracts items from threads.
type Worker struct {
	store     Store
	llm       llm.Completer
	publisher Publisher
	scrubber  redact.Scrubber
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewWorker creates a worker. scrubber and m may be nil.
func NewWorker(st Store, completer llm.Completer, publisher Publisher, scrubber redact.Scrubber, m *metrics.Metrics, logger *zap.Logger) *Worker {
	if scrubber == nil {
		scrubber = redact.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:     st,
		llm:       completer,
		publisher: publisher,
		scrubber:  scrubber,
		metrics:   m,
		logger:    logger.Named("extraction"),
	}
}

const systemPrompt = `あなたは市民との対話ログから「課題（problem）」と「解決策（solution）」を抽出するアシスタントです。

- 課題は「誰が」「どんな状況で」「何に困っているか」が分かる一文で書いてください。
- 解決策は「何を」「どのように」変えるかが分かる一文で書いてください。
- 既に抽出済みの項目と同じ内容であれば追加せず、より具体的になった場合のみ updates で書き換えてください。
- 対話から読み取れないことを推測で補わないでください。
- 個人を特定できる情報は含めないでください。

次の形式のJSONのみで回答してください:
{"additions":[{"type":"problem|solution","statement":"..."}],"updates":[{"id":"既存ID","type":"problem|solution","statement":"..."}]}`

// ProcessThread runs one extraction pass over a thread.
func (w *Worker) ProcessThread(ctx context.Context, threadID string) (*Summary, error) {
	ctx = logging.WithThreadID(ctx, threadID)

	thread, err := w.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("loading thread: %w", err)
	}
	ctx = logging.WithThemeID(ctx, thread.ThemeID)
	log := logging.For(ctx, w.logger)

	problems, err := w.store.GetItems(ctx, thread.ExtractedProblemIDs)
	if err != nil {
		return nil, fmt.Errorf("loading problems: %w", err)
	}
	solutions, err := w.store.GetItems(ctx, thread.ExtractedSolutionIDs)
	if err != nil {
		return nil, fmt.Errorf("loading solutions: %w", err)
	}

	prompt, err := w.buildPrompt(thread, problems, solutions)
	if err != nil {
		return nil, err
	}
	var res Result
	if err := w.llm.ChatJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, &res); err != nil {
		return nil, fmt.Errorf("extracting from thread: %w", err)
	}

	owned := make(map[string]store.ItemType, len(problems)+len(solutions))
	for _, p := range problems {
		owned[p.ID] = store.ItemProblem
	}
	for _, s := range solutions {
		owned[s.ID] = store.ItemSolution
	}

	sum := &Summary{}
	var problemIDs, solutionIDs []string

	for _, a := range res.Additions {
		stmt := strings.TrimSpace(a.Statement)
		if !a.Type.Valid() || utf8.RuneCountInString(stmt) < MinStatementRunes {
			sum.Skipped++
			continue
		}
		item, err := w.store.CreateItem(ctx, store.Item{
			Type:           a.Type,
			ThemeID:        thread.ThemeID,
			Statement:      stmt,
			SourceOriginID: thread.ID,
			SourceType:     "chat",
		})
		if err != nil {
			log.Error("creating extracted item", zap.String("type", string(a.Type)), zap.Error(err))
			sum.Skipped++
			continue
		}
		if a.Type == store.ItemProblem {
			problemIDs = append(problemIDs, item.ID)
		} else {
			solutionIDs = append(solutionIDs, item.ID)
		}
		owned[item.ID] = a.Type
		sum.Added++
		w.announce(ctx, events.KindNew, thread, *item)
	}

	for _, u := range res.Updates {
		stmt := strings.TrimSpace(u.Statement)
		itemType, ok := owned[u.ID]
		if !ok || utf8.RuneCountInString(stmt) < MinStatementRunes {
			log.Debug("ignoring extraction update", zap.String("item_id", u.ID))
			sum.Skipped++
			continue
		}
		item, err := w.store.UpdateItemStatement(ctx, u.ID, stmt)
		if err != nil {
			log.Error("updating extracted item", zap.String("item_id", u.ID), zap.Error(err))
			sum.Skipped++
			continue
		}
		item.Type = itemType
		sum.Updated++
		w.announce(ctx, events.KindUpdate, thread, *item)
	}

	saved, err := w.store.AddExtractedIDs(ctx, thread.ID, problemIDs, solutionIDs)
	if err != nil {
		return sum, fmt.Errorf("saving extracted ids: %w", err)
	}

	if err := w.publishSnapshot(ctx, thread.ID, saved.ExtractedProblemIDs, saved.ExtractedSolutionIDs); err != nil {
		log.Warn("publishing thread snapshot", zap.Error(err))
	}

	log.Info("thread extraction finished",
		zap.Int("added", sum.Added),
		zap.Int("updated", sum.Updated),
		zap.Int("skipped", sum.Skipped),
	)
	return sum, nil
}

func (w *Worker) announce(ctx context.Context, kind string, thread *store.ChatThread, item store.Item) {
	w.metrics.RecordExtraction(string(item.Type), kind)
	err := w.publisher.PublishExtraction(ctx, events.ExtractionEvent{
		Kind:     kind,
		Type:     item.Type,
		ThemeID:  thread.ThemeID,
		ThreadID: thread.ID,
		Item:     item,
	})
	if err != nil {
		logging.For(ctx, w.logger).Warn("publishing extraction", zap.String("kind", kind), zap.Error(err))
	}
}

func (w *Worker) publishSnapshot(ctx context.Context, threadID string, problemIDs, solutionIDs []string) error {
	problems, err := w.store.GetItems(ctx, problemIDs)
	if err != nil {
		return err
	}
	solutions, err := w.store.GetItems(ctx, solutionIDs)
	if err != nil {
		return err
	}
	return w.publisher.PublishThreadSnapshot(ctx, events.ThreadSnapshot{
		ThreadID:  threadID,
		Problems:  problems,
		Solutions: solutions,
	})
}

type existingItem struct {
	ID        string         `json:"id"`
	Type      store.ItemType `json:"type"`
	Statement string         `json:"statement"`
}

func (w *Worker) buildPrompt(thread *store.ChatThread, problems, solutions []store.Item) (string, error) {
	var b strings.Builder
	b.WriteString("## 対話ログ\n")
	for _, m := range thread.Messages {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(w.scrubber.Scrub(m.Content).Scrubbed)
		b.WriteString("\n")
	}

	existing := make([]existingItem, 0, len(problems)+len(solutions))
	for _, p := range problems {
		existing = append(existing, existingItem{ID: p.ID, Type: store.ItemProblem, Statement: p.Statement})
	}
	for _, s := range solutions {
		existing = append(existing, existingItem{ID: s.ID, Type: store.ItemSolution, Statement: s.Statement})
	}
	raw, err := json.Marshal(existing)
	if err != nil {
		return "", fmt.Errorf("encoding existing items: %w", err)
	}
	b.WriteString("\n## 抽出済みの項目\n")
	b.Write(raw)
	return b.String(), nil
}
