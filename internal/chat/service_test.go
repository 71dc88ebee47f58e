package chat

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/digitaldemocracy2030/idobata/internal/events"
	"github.com/digitaldemocracy2030/idobata/internal/llm"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	seen  [][]llm.Message
}

func (f *fakeLLM) Chat(_ context.Context, messages []llm.Message, _ ...llm.CallOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, messages)
	return f.reply, nil
}

func (f *fakeLLM) ChatJSON(context.Context, []llm.Message, any, ...llm.CallOption) error {
	panic("not used")
}

func (f *fakeLLM) lastPrompt() []llm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

type recordingPublisher struct {
	mu        sync.Mutex
	sentences []events.ChatSentence
	clears    []events.ChatClear
}

func (p *recordingPublisher) PublishChatSentence(_ context.Context, ev events.ChatSentence) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sentences = append(p.sentences, ev)
	return nil
}

func (p *recordingPublisher) PublishChatClear(_ context.Context, ev events.ChatClear) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clears = append(p.clears, ev)
	return nil
}

func (p *recordingPublisher) sentenceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sentences)
}

type recordingTrigger struct {
	mu      sync.Mutex
	threads []string
}

func (r *recordingTrigger) TriggerExtraction(_ context.Context, threadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = append(r.threads, threadID)
	return nil
}

type fixture struct {
	store   *store.Store
	llm     *fakeLLM
	pub     *recordingPublisher
	trigger *recordingTrigger
	svc     *Service
	theme   *store.Theme
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	theme, err := st.CreateTheme(context.Background(), store.Theme{Title: "子育て", Description: "子育て支援について", IsActive: true})
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		llm:     &fakeLLM{reply: reply},
		pub:     &recordingPublisher{},
		trigger: &recordingTrigger{},
		theme:   theme,
	}
	f.svc = NewService(st, f.llm, f.pub, f.trigger, zaptest.NewLogger(t), ServiceConfig{DelayPerRune: time.Nanosecond})
	t.Cleanup(f.svc.Close)
	return f
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"japanese", "こんにちは。元気ですか？", []string{"こんにちは。", "元気ですか？"}},
		{"mixed", "Hi! How are you?Fine", []string{"Hi!", " How are you?", "Fine"}},
		{"runs stay together", "本当に！？そうです", []string{"本当に！？", "そうです"}},
		{"newlines", "一行目\n二行目\n\n三行目", []string{"一行目\n", "二行目\n\n", "三行目"}},
		{"no delimiter", "ただの文", []string{"ただの文"}},
		{"empty", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitSentences(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, strings.TrimLeft(tt.in, " \n"), strings.Join(got, ""))
		})
	}
}

func TestHandleMessage_StreamsReply(t *testing.T) {
	f := newFixture(t, "なるほど。保育園の数が足りないのですね。どの地域ですか？")
	ctx := context.Background()

	reply, err := f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, UserID: "u1", Message: " 保育園に入れません "})
	require.NoError(t, err)
	assert.Equal(t, "なるほど。保育園の数が足りないのですね。どの地域ですか？", reply.Response)
	require.NotEmpty(t, reply.ThreadID)

	require.Eventually(t, func() bool { return f.pub.sentenceCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	thread, err := f.store.GetThread(ctx, reply.ThreadID)
	require.NoError(t, err)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "保育園に入れません", thread.Messages[0].Content)
	assert.Equal(t, reply.Response, thread.Messages[1].Content)
	assert.Empty(t, thread.PendingSentences)

	f.pub.mu.Lock()
	assert.Len(t, f.pub.clears, 1)
	assert.Equal(t, "保育園の数が足りないのですね。", f.pub.sentences[0].Sentence)
	assert.Equal(t, reply.ThreadID, f.pub.sentences[1].ThreadID)
	f.pub.mu.Unlock()

	f.trigger.mu.Lock()
	assert.Equal(t, []string{reply.ThreadID}, f.trigger.threads)
	f.trigger.mu.Unlock()
}

func TestHandleMessage_PromptIncludesQuestionsAndFocus(t *testing.T) {
	f := newFixture(t, "はい。")
	ctx := context.Background()

	q, _, err := f.store.UpsertQuestion(ctx, f.theme.ID, "待機児童をなくすにはどうすればいいだろうか？")
	require.NoError(t, err)

	_, err = f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, QuestionID: q.ID, UserID: "u1", Message: "こんにちは"})
	require.NoError(t, err)

	prompt := f.llm.lastPrompt()
	require.Len(t, prompt, 2)
	assert.Equal(t, llm.RoleSystem, prompt[0].Role)
	assert.Contains(t, prompt[0].Content, DefaultSystemPrompt)
	assert.Contains(t, prompt[0].Content, "子育て")
	assert.Contains(t, prompt[0].Content, "特に次の問いに焦点")
	assert.Contains(t, prompt[0].Content, q.QuestionText)
	assert.Equal(t, "こんにちは", prompt[1].Content)
}

func TestHandleMessage_CustomPromptAndHistoryLimit(t *testing.T) {
	f := newFixture(t, "了解。")
	ctx := context.Background()
	custom := "あなたは交通政策の専門家です。"
	_, err := f.store.UpdateTheme(ctx, f.theme.ID, store.ThemeUpdate{CustomPrompt: &custom})
	require.NoError(t, err)

	f.svc.cfg.HistorySize = 3
	var threadID string
	for i := 0; i < 3; i++ {
		reply, err := f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, ThreadID: threadID, UserID: "u1", Message: "質問"})
		require.NoError(t, err)
		threadID = reply.ThreadID
	}

	prompt := f.llm.lastPrompt()
	assert.True(t, strings.HasPrefix(prompt[0].Content, custom))
	assert.Len(t, prompt, 4, "system prompt plus the last three turns")
	assert.Equal(t, llm.RoleUser, prompt[len(prompt)-1].Role)
}

func TestHandleMessage_Validation(t *testing.T) {
	f := newFixture(t, "x")
	ctx := context.Background()

	_, err := f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, UserID: "u1", Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.HandleMessage(ctx, Input{ThemeID: "missing", UserID: "u1", Message: "hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	other, err := f.store.CreateTheme(ctx, store.Theme{Title: "別テーマ"})
	require.NoError(t, err)
	thread, err := f.store.CreateThread(ctx, other.ID, "u1", "")
	require.NoError(t, err)
	_, err = f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, ThreadID: thread.ID, UserID: "u1", Message: "hi"})
	assert.ErrorIs(t, err, ErrThreadMismatch)
}

func TestHandleMessage_NewTurnStopsOldStream(t *testing.T) {
	f := newFixture(t, "一。二。三。四。")
	f.svc.cfg.DelayPerRune = time.Hour
	ctx := context.Background()

	first, err := f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, UserID: "u1", Message: "a"})
	require.NoError(t, err)

	f.svc.cfg.DelayPerRune = time.Nanosecond
	f.llm.reply = "次。"
	_, err = f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, ThreadID: first.ThreadID, UserID: "u1", Message: "b"})
	require.NoError(t, err)

	thread, err := f.store.GetThread(ctx, first.ThreadID)
	require.NoError(t, err)
	assert.Empty(t, thread.PendingSentences)
	require.Len(t, thread.Messages, 4)
	assert.Equal(t, "一。", thread.Messages[1].Content)
	assert.Equal(t, "次。", thread.Messages[3].Content)
	assert.Zero(t, f.pub.sentenceCount())
}

func TestThreadReads(t *testing.T) {
	f := newFixture(t, "はい。")
	ctx := context.Background()

	reply, err := f.svc.HandleMessage(ctx, Input{ThemeID: f.theme.ID, UserID: "u9", SessionID: "sess-1", Message: "hello"})
	require.NoError(t, err)

	thread, err := f.svc.GetThreadMessages(ctx, f.theme.ID, reply.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", thread.SessionID)

	_, err = f.svc.GetThreadMessages(ctx, "other", reply.ThreadID)
	assert.ErrorIs(t, err, ErrThreadMismatch)

	p, err := f.store.CreateItem(ctx, store.Item{Type: store.ItemProblem, ThemeID: f.theme.ID, Statement: "保育園が足りない", SourceOriginID: reply.ThreadID, SourceType: "chat"})
	require.NoError(t, err)
	_, err = f.store.AddExtractedIDs(ctx, reply.ThreadID, []string{p.ID}, nil)
	require.NoError(t, err)

	ex, err := f.svc.GetThreadExtractions(ctx, f.theme.ID, reply.ThreadID)
	require.NoError(t, err)
	require.Len(t, ex.Problems, 1)
	assert.Equal(t, p.ID, ex.Problems[0].ID)
	assert.Empty(t, ex.Solutions)

	threads, err := f.svc.ThreadsForUser(ctx, f.theme.ID, "u9")
	require.NoError(t, err)
	assert.Len(t, threads, 1)
	_, err = f.svc.ThreadsForUser(ctx, f.theme.ID, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
