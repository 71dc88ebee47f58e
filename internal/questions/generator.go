// Package questions generates sharp questions from extracted problems, links
// questions to problems and solutions, and drafts policy reports.
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

// GeneratorStore is the persistence the generator needs.
type GeneratorStore interface {
	ListItems(ctx context.Context, themeID string, t store.ItemType) ([]store.Item, error)
	UpsertQuestion(ctx context.Context, themeID, text string) (*store.SharpQuestion, bool, error)
}

// GeneratorConfig tunes question generation.
type GeneratorConfig struct {
	// Model overrides the completer's default model.
	Model string

	// Count is the number of questions requested. Default: 5.
	Count int

	// OnQuestion, if set, runs for every stored question id.
	OnQuestion func(ctx context.Context, questionID string)
}

// Generator produces sharp questions for a theme.
type Generator struct {
	store  GeneratorStore
	llm    llm.Completer
	cfg    GeneratorConfig
	logger *zap.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(st GeneratorStore, completer llm.Completer, logger *zap.Logger, cfg GeneratorConfig) *Generator {
	if cfg.Count <= 0 {
		cfg.Count = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{store: st, llm: completer, cfg: cfg, logger: logger.Named("questions")}
}

func (g *Generator) systemPrompt() string {
	return fmt.Sprintf(`You are an AI assistant specialized in synthesizing problem statements into insightful "How Might We..." (HMW) questions based on Design Thinking principles. Your goal is to generate concise, actionable, and thought-provoking questions that capture the essence of the underlying challenges presented in the input problem statements. Consolidate similar problems into broader HMW questions where appropriate.

IMPORTANT: When generating questions, focus exclusively on describing both the current state ("現状はこう") and the desired state ("それをこうしたい") with high detail. Do NOT suggest or imply any specific means, methods, or solutions in the questions. The questions should keep the problem space open for creative solutions rather than narrowing the range of possible answers.

Generate all questions in Japanese language, using the format "〜にはどうすればいいだろうか？" instead of "How Might We...". Respond ONLY with a JSON object containing a single key "questions" which holds an array of strings, where each string is a generated question in Japanese.

Generate %d questions. 50-100字以内程度。`, g.cfg.Count)
}

// Generate asks the model for questions about the theme's problems and
// stores them. A theme without problems is a no-op.
func (g *Generator) Generate(ctx context.Context, themeID string) ([]store.SharpQuestion, error) {
	ctx = logging.WithThemeID(ctx, themeID)
	log := logging.For(ctx, g.logger)

	problems, err := g.store.ListItems(ctx, themeID, store.ItemProblem)
	if err != nil {
		return nil, fmt.Errorf("loading problems: %w", err)
	}
	if len(problems) == 0 {
		log.Info("no problems to generate questions from")
		return nil, nil
	}

	statements := make([]string, len(problems))
	for i, p := range problems {
		statements[i] = p.Statement
	}
	user := "Based on the following problem statements, please generate relevant questions in Japanese using the format \"How Might We...\":\n\n- " +
		strings.Join(statements, "\n- ") +
		"\n\nFor each question, clearly describe both the current state (\"現状はこう\") and the desired state (\"それをこうしたい\") with high detail. Focus exclusively on describing these states without suggesting any specific means, methods, or solutions that could narrow the range of possible answers.\n\nPlease provide the output as a JSON object with a \"questions\" array containing Japanese questions only."

	var resp struct {
		Questions []json.RawMessage `json:"questions"`
	}
	var opts []llm.CallOption
	if g.cfg.Model != "" {
		opts = append(opts, llm.WithModel(g.cfg.Model))
	}
	if err := g.llm.ChatJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: g.systemPrompt()},
		{Role: llm.RoleUser, Content: user},
	}, &resp, opts...); err != nil {
		return nil, fmt.Errorf("generating questions: %w", err)
	}
	if len(resp.Questions) == 0 {
		log.Warn("model returned no questions")
		return nil, nil
	}

	var out []store.SharpQuestion
	for _, raw := range resp.Questions {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil || strings.TrimSpace(text) == "" {
			log.Warn("skipping invalid question", zap.ByteString("value", raw))
			continue
		}
		q, created, err := g.store.UpsertQuestion(ctx, themeID, text)
		if err != nil {
			log.Error("saving question", zap.Error(err))
			continue
		}
		log.Debug("question stored", zap.String("question_id", q.ID), zap.Bool("created", created))
		out = append(out, *q)
		if g.cfg.OnQuestion != nil {
			g.cfg.OnQuestion(ctx, q.ID)
		}
	}

	log.Info("questions generated", zap.Int("stored", len(out)), zap.Int("problems", len(problems)))
	return out, nil
}
