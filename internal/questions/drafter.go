package questions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/cluster"
	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
	"github.com/digitaldemocracy2030/idobata/internal/vectorstore"
)

// ErrInvalidDraft is returned when the model's draft lacks a title or
// content.
var ErrInvalidDraft = errors.New("invalid response format from LLM for policy draft generation")

// DrafterStore is the persistence the drafter needs.
type DrafterStore interface {
	GetQuestion(ctx context.Context, id string) (*store.SharpQuestion, error)
	ListLinks(ctx context.Context, questionID string) ([]store.QuestionLink, error)
	GetItems(ctx context.Context, ids []string) ([]store.Item, error)
	MarkEmbedded(ctx context.Context, ids []string) error
	CreateDraft(ctx context.Context, d store.PolicyDraft) (*store.PolicyDraft, error)
}

// DrafterConfig tunes drafting.
type DrafterConfig struct {
	// Model is used for the report. Empty uses the completer's default.
	Model string
}

// Drafter writes policy drafts for questions.
type Drafter struct {
	store   DrafterStore
	vectors vectorstore.Store
	llm     llm.Completer
	cfg     DrafterConfig
	logger  *zap.Logger
}

// NewDrafter creates a Drafter.
func NewDrafter(st DrafterStore, vectors vectorstore.Store, completer llm.Completer, logger *zap.Logger, cfg DrafterConfig) *Drafter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drafter{store: st, vectors: vectors, llm: completer, cfg: cfg, logger: logger.Named("drafter")}
}

const draftSystemPrompt = `あなたはAIアシスタントです。中心的な問い（「私たちはどのようにして...できるか？」）、関連する問題点のリスト、そして市民からの意見を通じて特定された潜在的な解決策のリストに基づいて、政策文書を作成する任務を負っています。
あなたの出力は、'content'フィールド内に明確に2つのパートで構成されなければなりません。

Part 1: ビジョンレポート
- 提供された問題点と解決策の意見を分析し、統合してください。
- **現状認識**と**理想像**について、それぞれ**合意点**と**相違点**（トレードオフを含む）を整理してください。
- このパートでは、**どのように解決するか（How）の話は含めず**、課題認識と理想像の明確化に焦点を当ててください。
- 類似したアイデアやテーマをグループ化してください。
- 考慮された問題点と解決策の意見の数を明確に述べてください。
- できる限り具体性が高く、生の声（引用など）を取り入れてください。
- 特定された合意点と相違点を反映し、市民から提起された主要な懸念事項と提案された理想像を要約してください。
- このセクションは、現状と目指すべき理想像に関する市民の多様な視点（合意点、相違点、トレードオフ）を理解しようとする政策立案者にとって、情報価値の高いレポートとなるべきです。箇条書きではなく、しっかりとした文章で記述してください。
- 目標文字数：約7000文字

Part 2: 解決手段レポート
- Part 1で整理された**合意できている理想像**に向けて、提供された解決策の意見を分析・整理してください。
- 理想像を実現するための具体的な解決策を提案してください。
- 類似したアイデアやテーマをグループ化してください。
- 考慮された解決策の意見の数を明確に述べてください。
- 提案が市民のフィードバックに基づいていることを示すために、市民の意見からの特定のテーマや提案の数を参照してください（例：「Yに関するM個の提案に基づいて...」）。
- 現実的で具体的な初期草案を作成することに焦点を当ててください。異なる選択肢間のトレードオフも考慮に入れてください。
- 箇条書きではなく、しっかりとした文章で記述してください。
- 目標文字数：約7000文字

応答は、"title"（文字列、文書全体に適したタイトル）と "content"（文字列、'ビジョンレポート'と'解決手段レポート'の両セクションを含み、Markdownヘッダー（例：## ビジョンレポート、## 解決手段レポート）などを使用して明確に区切られ、フォーマットされたもの）のキーを含むJSONオブジェクトのみで行ってください。JSON構造外に他のテキストや説明を含めないでください。`

// Generate builds and stores a draft for questionID.
func (d *Drafter) Generate(ctx context.Context, questionID string) (*store.PolicyDraft, error) {
	log := d.logger.With(zap.String("question_id", questionID))

	q, err := d.store.GetQuestion(ctx, questionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Error("sharp question not found")
		}
		return nil, fmt.Errorf("loading question: %w", err)
	}
	ctx = logging.WithThemeID(ctx, q.ThemeID)
	log = logging.For(ctx, log)

	links, err := d.store.ListLinks(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("loading links: %w", err)
	}
	var problemIDs, solutionIDs []string
	relevance := make(map[string]float64, len(links))
	for _, l := range links {
		relevance[l.LinkedItemID] = l.RelevanceScore
		if l.LinkedItemType == store.ItemProblem {
			problemIDs = append(problemIDs, l.LinkedItemID)
		} else {
			solutionIDs = append(solutionIDs, l.LinkedItemID)
		}
	}

	problems, err := d.store.GetItems(ctx, problemIDs)
	if err != nil {
		return nil, fmt.Errorf("loading problems: %w", err)
	}
	solutions, err := d.store.GetItems(ctx, solutionIDs)
	if err != nil {
		return nil, fmt.Errorf("loading solutions: %w", err)
	}

	d.embedMissing(ctx, q, store.ItemProblem, problems)
	d.embedMissing(ctx, q, store.ItemSolution, solutions)

	orderedProblems, err := d.order(ctx, q.ThemeID, store.ItemProblem, problems, relevance)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster problems: %w", err)
	}
	orderedSolutions, err := d.order(ctx, q.ThemeID, store.ItemSolution, solutions, relevance)
	if err != nil {
		return nil, fmt.Errorf("failed to cluster solutions: %w", err)
	}

	problemStatements := statements(orderedProblems, problems, problemIDs)
	solutionStatements := statements(orderedSolutions, solutions, solutionIDs)
	log.Info("prepared draft inputs",
		zap.Int("problems", len(problemStatements)),
		zap.Int("solutions", len(solutionStatements)),
	)

	var resp struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	var opts []llm.CallOption
	if d.cfg.Model != "" {
		opts = append(opts, llm.WithModel(d.cfg.Model))
	}
	if err := d.llm.ChatJSON(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: draftSystemPrompt},
		{Role: llm.RoleUser, Content: draftUserPrompt(q.QuestionText, problemStatements, solutionStatements)},
	}, &resp, opts...); err != nil {
		return nil, fmt.Errorf("generating draft: %w", err)
	}
	if strings.TrimSpace(resp.Title) == "" || strings.TrimSpace(resp.Content) == "" {
		return nil, ErrInvalidDraft
	}

	draft, err := d.store.CreateDraft(ctx, store.PolicyDraft{
		QuestionID:        q.ID,
		Title:             resp.Title,
		Content:           resp.Content,
		SourceProblemIDs:  problemIDs,
		SourceSolutionIDs: solutionIDs,
		Version:           1,
	})
	if err != nil {
		return nil, fmt.Errorf("saving draft: %w", err)
	}
	log.Info("policy draft saved", zap.String("draft_id", draft.ID), zap.String("title", draft.Title))
	return draft, nil
}

// embedMissing stores vectors for items not yet embedded. Failures are
// logged; clustering then works with whatever vectors exist.
func (d *Drafter) embedMissing(ctx context.Context, q *store.SharpQuestion, t store.ItemType, items []store.Item) {
	var pending []vectorstore.Item
	var ids []string
	for _, it := range items {
		if it.EmbeddingGenerated {
			continue
		}
		pending = append(pending, vectorstore.Item{
			ID:   it.ID,
			Text: it.Statement,
			Metadata: map[string]string{
				vectorstore.MetaTopicID:    q.ThemeID,
				vectorstore.MetaQuestionID: q.ID,
				vectorstore.MetaItemType:   string(t),
			},
		})
		ids = append(ids, it.ID)
	}
	if len(pending) == 0 {
		return
	}

	log := logging.For(ctx, d.logger)
	if err := d.vectors.Upsert(ctx, vectorstore.CollectionName(q.ThemeID, string(t)), pending); err != nil {
		log.Error("generating embeddings", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := d.store.MarkEmbedded(ctx, ids); err != nil {
		log.Error("marking items embedded", zap.Error(err))
		return
	}
	log.Debug("embeddings generated", zap.String("type", string(t)), zap.Int("count", len(ids)))
}

// order clusters the items that have vectors and returns their ids sorted
// by relevance within the tree.
func (d *Drafter) order(ctx context.Context, themeID string, t store.ItemType, items []store.Item, relevance map[string]float64) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	vecs, err := d.vectors.Vectors(ctx, vectorstore.CollectionName(themeID, string(t)), ids)
	if err != nil {
		return nil, err
	}

	var input []cluster.Vector
	for _, id := range ids {
		if v, ok := vecs[id]; ok {
			input = append(input, cluster.Vector{ItemID: id, Values: v})
		}
	}
	root, err := cluster.Build(input)
	if err != nil {
		return nil, err
	}
	cluster.SortByRelevance(root, relevance)
	return cluster.OrderedIDs(root), nil
}

// statements maps ordered ids to statements. Items the tree does not
// cover, which is all of them when clustering produced nothing, follow in
// link order.
func statements(ordered []string, items []store.Item, linkOrder []string) []string {
	byID := make(map[string]string, len(items))
	for _, it := range items {
		byID[it.ID] = it.Statement
	}
	var out []string
	used := make(map[string]bool, len(ordered))
	for _, id := range append(ordered, linkOrder...) {
		if s, ok := byID[id]; ok && !used[id] {
			used[id] = true
			out = append(out, s)
		}
	}
	return out
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return "- None provided"
	}
	return "- " + strings.Join(items, "\n- ")
}

func draftUserPrompt(question string, problems, solutions []string) string {
	return "Generate a report for the following question:\nQuestion: " + question +
		"\n\nRelated Problems (ordered by hierarchical clustering - items are grouped by similarity):\n" + bulletList(problems) +
		"\n\nRelated Solutions (ordered by hierarchical clustering - items are grouped by similarity):\n" + bulletList(solutions) +
		"\n\nPlease provide the output as a JSON object with \"title\" and \"content\" keys. When considering the problems and solutions, analyze the groupings that emerge from their order to identify common themes and patterns."
}
