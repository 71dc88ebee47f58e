package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digitaldemocracy2030/idobata/internal/config"
)

// fakeRepo is a tiny in-memory stand-in for the GitHub REST endpoints the
// client uses.
type fakeRepo struct {
	mu       sync.Mutex
	branches map[string]string
	files    map[string]string // path -> sha
	contents map[string]string
	prs      []map[string]any
	failures map[string]int // "METHOD path" -> remaining 503s
	calls    []string
	commits  int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		branches: map[string]string{"main": "base-sha"},
		files:    map[string]string{},
		contents: map[string]string{},
		failures: map[string]int{},
	}
}

func (f *fakeRepo) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer test-token" {
		http.Error(w, `{"message":"Bad credentials"}`, http.StatusUnauthorized)
		return
	}
	key := r.Method + " " + r.URL.Path
	f.calls = append(f.calls, key)
	if n := f.failures[key]; n > 0 {
		f.failures[key] = n - 1
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"unavailable"}`))
		return
	}

	const prefix = "/repos/policy/docs/"
	p := strings.TrimPrefix(r.URL.Path, prefix)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(p, "git/ref/heads/"):
		branch := strings.TrimPrefix(p, "git/ref/heads/")
		sha, ok := f.branches[branch]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"ref":    "refs/heads/" + branch,
			"object": map[string]string{"sha": sha, "type": "commit"},
		})

	case r.Method == http.MethodPost && p == "git/refs":
		var body struct{ Ref, SHA string }
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.branches[strings.TrimPrefix(body.Ref, "refs/heads/")] = body.SHA
		writeJSON(w, http.StatusCreated, map[string]any{"ref": body.Ref, "object": map[string]string{"sha": body.SHA}})

	case r.Method == http.MethodGet && strings.HasPrefix(p, "contents/"):
		path := strings.TrimPrefix(p, "contents/")
		sha, ok := f.files[r.URL.Query().Get("ref")+":"+path]
		if !ok {
			notFound(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"type": "file", "path": path, "sha": sha})

	case r.Method == http.MethodPut && strings.HasPrefix(p, "contents/"):
		path := strings.TrimPrefix(p, "contents/")
		var body struct {
			Message, Content, Branch string
			SHA                      string `json:"sha"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		k := body.Branch + ":" + path
		if current, ok := f.files[k]; ok && current != body.SHA {
			writeJSON(w, http.StatusConflict, map[string]string{"message": "sha mismatch"})
			return
		}
		raw, _ := base64.StdEncoding.DecodeString(body.Content)
		f.commits++
		commit := "commit-" + strconv.Itoa(f.commits)
		f.files[k] = "blob-" + strconv.Itoa(f.commits)
		f.contents[k] = string(raw)
		writeJSON(w, http.StatusOK, map[string]any{
			"content": map[string]string{"path": path, "sha": f.files[k]},
			"commit":  map[string]string{"sha": commit, "message": body.Message},
		})

	case r.Method == http.MethodGet && p == "pulls":
		head := r.URL.Query().Get("head")
		var out []map[string]any
		for _, pr := range f.prs {
			if "policy:"+pr["head"].(string) == head {
				out = append(out, pr)
			}
		}
		writeJSON(w, http.StatusOK, out)

	case r.Method == http.MethodPost && p == "pulls":
		var body struct {
			Title, Head, Base, Body string
			Draft                   bool
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		n := len(f.prs) + 1
		pr := map[string]any{
			"number":   n,
			"title":    body.Title,
			"body":     body.Body,
			"head":     body.Head,
			"draft":    body.Draft,
			"html_url": "https://github.com/policy/docs/pull/" + strconv.Itoa(n),
		}
		f.prs = append(f.prs, pr)
		writeJSON(w, http.StatusCreated, pr)

	case r.Method == http.MethodPatch && strings.HasPrefix(p, "pulls/"):
		n, _ := strconv.Atoi(strings.TrimPrefix(p, "pulls/"))
		if n < 1 || n > len(f.prs) {
			notFound(w)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		pr := f.prs[n-1]
		for _, k := range []string{"title", "body"} {
			if v, ok := body[k]; ok {
				pr[k] = v
			}
		}
		writeJSON(w, http.StatusOK, pr)

	default:
		notFound(w)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
}

func newTestClient(t *testing.T) (*Client, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	ts := httptest.NewServer(repo)
	t.Cleanup(ts.Close)

	c, err := New(context.Background(), config.GitHubConfig{
		Token:       "test-token",
		TargetOwner: "policy",
		TargetRepo:  "docs",
		BaseURL:     ts.URL,
	}, nil)
	require.NoError(t, err)
	c.SetRetryConfig(&RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	return c, repo
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), config.GitHubConfig{TargetOwner: "o", TargetRepo: "r"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(context.Background(), config.GitHubConfig{Token: "t"}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestEnsureBranch(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.EnsureBranch(ctx, "proposal-1"))
	assert.Equal(t, "base-sha", repo.branches["proposal-1"])

	calls := len(repo.calls)
	require.NoError(t, c.EnsureBranch(ctx, "proposal-1"))
	assert.Len(t, repo.calls, calls+1, "existing branch needs only one lookup")
}

func TestUpsertFile_CreateThenUpdate(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureBranch(ctx, "proposal-1"))

	sha, err := c.UpsertFile(ctx, "proposal-1", "policies/education.md", "# 教育\n", "add education")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", sha)
	assert.Equal(t, "# 教育\n", repo.contents["proposal-1:policies/education.md"])

	sha, err = c.UpsertFile(ctx, "proposal-1", "policies/education.md", "# 教育 v2\n", "update education")
	require.NoError(t, err)
	assert.Equal(t, "commit-2", sha)
	assert.Equal(t, "# 教育 v2\n", repo.contents["proposal-1:policies/education.md"])
}

func TestUpsertFile_RetriesTransientErrors(t *testing.T) {
	c, repo := newTestClient(t)
	repo.failures["PUT /repos/policy/docs/contents/a.md"] = 2

	sha, err := c.UpsertFile(context.Background(), "main", "a.md", "x", "msg")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", sha)
}

func TestUpsertFile_GivesUpAfterRetries(t *testing.T) {
	c, repo := newTestClient(t)
	repo.failures["PUT /repos/policy/docs/contents/a.md"] = 10

	_, err := c.UpsertFile(context.Background(), "main", "a.md", "x", "msg")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, StatusCode(err))
}

func TestFindOrCreateDraftPR(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()

	pr, created, err := c.FindOrCreateDraftPR(ctx, "proposal-1", "title", "body")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, pr.Number)
	assert.Equal(t, "https://github.com/policy/docs/pull/1", pr.HTMLURL)
	assert.Equal(t, true, repo.prs[0]["draft"])

	again, created, err := c.FindOrCreateDraftPR(ctx, "proposal-1", "other", "other")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, pr.Number, again.Number)
	assert.Len(t, repo.prs, 1)
}

func TestUpdatePR(t *testing.T) {
	c, repo := newTestClient(t)
	ctx := context.Background()
	pr, _, err := c.FindOrCreateDraftPR(ctx, "proposal-1", "old title", "old body")
	require.NoError(t, err)

	_, err = c.UpdatePR(ctx, pr.Number, "", "new body")
	require.NoError(t, err)
	assert.Equal(t, "old title", repo.prs[0]["title"])
	assert.Equal(t, "new body", repo.prs[0]["body"])

	updated, err := c.UpdatePR(ctx, pr.Number, "new title", "newer body")
	require.NoError(t, err)
	assert.Equal(t, "new title", updated.Title)

	_, err = c.UpdatePR(ctx, 99, "", "x")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
}

func TestTitles(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"docs/policies/education_dx.md", "education_dx"},
		{"README.md", "README"},
		{"notes.txt", "notes.txt"},
		{"docs/", "ドキュメント"},
		{"", "ドキュメント"},
		{".md", "ドキュメント"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractDocumentName(tt.path))
		})
	}

	assert.Equal(t, "（提案者：田中）給付を拡充【education】", FormatPRTitle("田中", "education", "給付を拡充"))
	assert.Equal(t, "（提案者：匿名ユーザー）変更提案【ドキュメント】", FormatPRTitle("", "", ""))
	assert.Equal(t, "（提案者：匿名ユーザー）feature-xの変更【ドキュメント】", DefaultPRTitle("", "", "feature-x"))
	assert.Equal(t, "（提案者：佐藤）feature-xの変更【plan】", DefaultPRTitle("佐藤", "a/plan.md", "feature-x"))
}
