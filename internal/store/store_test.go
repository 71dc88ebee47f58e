package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "idobata.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// Strictly increasing clock so ordering by created_at is deterministic.
	var mu sync.Mutex
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return s
}

func newTheme(t *testing.T, s *Store, title string) *Theme {
	t.Helper()
	th, err := s.CreateTheme(context.Background(), Theme{Title: title, IsActive: true})
	require.NoError(t, err)
	return th
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idobata.db")
	s, err := Open(path)
	require.NoError(t, err)
	th, err := s.CreateTheme(context.Background(), Theme{Title: "Energy"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetTheme(context.Background(), th.ID)
	require.NoError(t, err)
	assert.Equal(t, "Energy", got.Title)
}

func TestThemes_CRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a := newTheme(t, s, "Open Data Policy")
	assert.Equal(t, "open-data-policy", a.Slug)
	b := newTheme(t, s, "子育て支援")
	assert.Len(t, b.Slug, 8, "non-ascii titles fall back to an id prefix")

	_, err := s.CreateTheme(ctx, Theme{Title: "Dup", Slug: "open-data-policy"})
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateTheme(ctx, Theme{Title: "  "})
	require.ErrorIs(t, err, ErrInvalid)

	inactive := false
	_, err = s.UpdateTheme(ctx, a.ID, ThemeUpdate{IsActive: &inactive})
	require.NoError(t, err)

	active, err := s.ListThemes(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, b.ID, active[0].ID)

	all, err := s.ListThemes(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b.ID, all[0].ID, "newest first")

	_, err = s.UpdateTheme(ctx, "missing", ThemeUpdate{IsActive: &inactive})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteTheme(ctx, a.ID))
	_, err = s.GetTheme(ctx, a.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteTheme_RefusedWithThreads(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")
	_, err := s.CreateThread(ctx, th.ID, "u1", "")
	require.NoError(t, err)

	require.ErrorIs(t, s.DeleteTheme(ctx, th.ID), ErrConflict)
}

func TestThreads_ReplyStreaming(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")

	thread, err := s.CreateThread(ctx, th.ID, "u1", "")
	require.NoError(t, err)

	_, err = s.BeginTurn(ctx, thread.ID, Message{Role: "user", Content: "Buses are late."})
	require.NoError(t, err)
	_, err = s.StartReply(ctx, thread.ID, Message{Role: "assistant", Content: "I see."}, []string{"Why?", "Tell me more."})
	require.NoError(t, err)

	ok, err := s.DeliverPendingSentence(ctx, thread.ID, "Why?")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.DeliverPendingSentence(ctx, thread.ID, "Why?")
	require.NoError(t, err)
	assert.False(t, ok, "sentence no longer at head")

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "I see.Why?", got.Messages[1].Content)
	assert.Equal(t, []string{"Tell me more."}, got.PendingSentences)

	// A new turn supersedes the stream.
	_, err = s.BeginTurn(ctx, thread.ID, Message{Role: "user", Content: "Also trains."})
	require.NoError(t, err)
	ok, err = s.DeliverPendingSentence(ctx, thread.ID, "Tell me more.")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, "Also trains.", got.Messages[2].Content)
	assert.Empty(t, got.PendingSentences)
}

func TestThreads_ExtractedIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")
	thread, err := s.CreateThread(ctx, th.ID, "u1", "q1")
	require.NoError(t, err)

	_, err = s.AddExtractedIDs(ctx, thread.ID, []string{"p1"}, []string{"s1"})
	require.NoError(t, err)
	merged, err := s.AddExtractedIDs(ctx, thread.ID, []string{"p1", "p2"}, []string{"s2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, merged.ExtractedProblemIDs)

	got, err := s.GetThread(ctx, thread.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, got.ExtractedProblemIDs)
	assert.Equal(t, []string{"s1", "s2"}, got.ExtractedSolutionIDs)
	assert.Equal(t, "q1", got.QuestionID)

	_, err = s.GetThread(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	threads, err := s.ListThreadsByUser(ctx, th.ID, "u1")
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")

	p, err := s.CreateItem(ctx, Item{Type: ItemProblem, ThemeID: th.ID, Statement: " Buses are late "})
	require.NoError(t, err)
	assert.Equal(t, "Buses are late", p.Statement)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "chat", p.SourceType)

	_, err = s.CreateItem(ctx, Item{Type: "idea", ThemeID: th.ID, Statement: "x"})
	require.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, s.MarkEmbedded(ctx, []string{p.ID}))
	updated, err := s.UpdateItemStatement(ctx, p.ID, "Buses are often late")
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.False(t, updated.EmbeddingGenerated, "edits invalidate the embedding")

	sol, err := s.CreateItem(ctx, Item{Type: ItemSolution, ThemeID: th.ID, Statement: "More buses"})
	require.NoError(t, err)

	items, err := s.GetItems(ctx, []string{sol.ID, p.ID, "missing"})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, p.ID, items[0].ID)

	n, err := s.CountItems(ctx, th.ID, ItemSolution)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQuestionsAndLinks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")

	q, created, err := s.UpsertQuestion(ctx, th.ID, "  How might we shorten waits?  ")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := s.UpsertQuestion(ctx, th.ID, "How might we shorten waits?")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, q.ID, again.ID)

	p, err := s.CreateItem(ctx, Item{Type: ItemProblem, ThemeID: th.ID, Statement: "Late"})
	require.NoError(t, err)
	sol, err := s.CreateItem(ctx, Item{Type: ItemSolution, ThemeID: th.ID, Statement: "Lanes"})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceLinks(ctx, q.ID, []QuestionLink{
		{LinkedItemID: p.ID, LinkedItemType: ItemProblem, RelevanceScore: 0.85},
		{LinkedItemID: sol.ID, LinkedItemType: ItemSolution, RelevanceScore: 0.95},
	}))
	links, err := s.ListLinks(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, links, 2)
	assert.Equal(t, sol.ID, links[0].LinkedItemID)
	assert.Equal(t, LinkAnswersQuestion, links[0].LinkType)
	assert.Equal(t, LinkPromptsQuestion, links[1].LinkType)

	require.NoError(t, s.ReplaceLinks(ctx, q.ID, []QuestionLink{
		{LinkedItemID: p.ID, LinkedItemType: ItemProblem, RelevanceScore: 0.9},
	}))
	n, err := s.CountLinks(ctx, q.ID, ItemSolution)
	require.NoError(t, err)
	assert.Zero(t, n)

	latest, err := s.LatestQuestions(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}

func TestDrafts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	th := newTheme(t, s, "Transit")
	q, _, err := s.UpsertQuestion(ctx, th.ID, "How might we?")
	require.NoError(t, err)

	_, err = s.CreateDraft(ctx, PolicyDraft{QuestionID: q.ID, Title: "", Content: "x"})
	require.ErrorIs(t, err, ErrInvalid)

	d, err := s.CreateDraft(ctx, PolicyDraft{QuestionID: q.ID, Title: "Report", Content: "Body",
		SourceProblemIDs: []string{"p1"}})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Version)

	byTheme, err := s.ListDrafts(ctx, DraftFilter{ThemeID: th.ID})
	require.NoError(t, err)
	require.Len(t, byTheme, 1)
	assert.Equal(t, []string{"p1"}, byTheme[0].SourceProblemIDs)
	assert.Equal(t, []string{}, byTheme[0].SourceSolutionIDs)

	none, err := s.ListDrafts(ctx, DraftFilter{QuestionID: "other"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, User{Email: " Admin@Example.com ", Role: RoleAdmin, PasswordHash: "h"})
	require.NoError(t, err)
	assert.Equal(t, "admin@example.com", u.Email)

	_, err = s.CreateUser(ctx, User{Email: "admin@example.com"})
	require.ErrorIs(t, err, ErrConflict)

	// Users without email do not collide.
	_, err = s.CreateUser(ctx, User{DisplayName: "a"})
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, User{DisplayName: "b"})
	require.NoError(t, err)

	found, err := s.FindUserByEmail(ctx, "ADMIN@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, found.ID)

	n, err := s.CountUsers(ctx, RoleAdmin, RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, s.TouchLastLogin(ctx, u.ID))
	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastLogin)

	legacy, err := s.FindOrCreateByLegacyID(ctx, "browser-123", "", "")
	require.NoError(t, err)
	again, err := s.FindOrCreateByLegacyID(ctx, "browser-123", "", "")
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, again.ID)
	assert.Equal(t, RoleUser, again.Role)
}

func TestFindOrCreateByGoogle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.FindOrCreateByGoogle(ctx, GoogleProfile{GoogleID: "g1", Email: "first@example.com"}, RoleAdmin, RoleUser, "x")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, first.Role, "first user becomes admin")

	second, err := s.FindOrCreateByGoogle(ctx, GoogleProfile{GoogleID: "g2", Email: "second@example.com"}, RoleAdmin, RoleUser, "x")
	require.NoError(t, err)
	assert.Equal(t, RoleUser, second.Role)

	same, err := s.FindOrCreateByGoogle(ctx, GoogleProfile{GoogleID: "g1"}, RoleAdmin, RoleUser, "x")
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID)

	local, err := s.CreateUser(ctx, User{Email: "editor@example.com", Role: RoleEditor})
	require.NoError(t, err)
	linked, err := s.FindOrCreateByGoogle(ctx,
		GoogleProfile{GoogleID: "g3", Email: "Editor@example.com", ImageURL: "https://img"}, RoleAdmin, RoleUser, "x")
	require.NoError(t, err)
	assert.Equal(t, local.ID, linked.ID, "existing email is linked")
	assert.Equal(t, RoleEditor, linked.Role)
	assert.Equal(t, "https://img", linked.ProfileImageURL)

	byGoogle, err := s.FindUserByGoogleID(ctx, "g3")
	require.NoError(t, err)
	assert.Equal(t, local.ID, byGoogle.ID)
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	// Without idle connections each query runs on a freshly opened one.
	s.db.SetMaxIdleConns(0)

	for i := 0; i < 3; i++ {
		var fk, timeout int
		require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk))
		require.NoError(t, s.db.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 1, fk)
		assert.Equal(t, 5000, timeout)
	}
}

func TestCreateUserIfNone(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.CreateUser(ctx, User{DisplayName: "市民", Role: RoleUser, LegacyUserID: "c1"})
	require.NoError(t, err)

	admin, err := s.CreateUserIfNone(ctx, User{DisplayName: "管理者", Email: "a@example.jp", Role: RoleAdmin}, RoleAdmin, RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, admin.Role)

	_, err = s.CreateUserIfNone(ctx, User{DisplayName: "二人目", Email: "b@example.jp", Role: RoleAdmin}, RoleAdmin, RoleEditor)
	require.ErrorIs(t, err, ErrExists)

	n, err := s.CountUsers(ctx, RoleAdmin, RoleEditor)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.CreateUserIfNone(ctx, User{DisplayName: "x"})
	require.ErrorIs(t, err, ErrInvalid)
}
