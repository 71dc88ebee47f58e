package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

const testPepper = "pepper"

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	svc, err := NewService(st, config.AuthConfig{
		JWTSecret:      "0123456789abcdef0123",
		JWTTTL:         config.Duration(time.Hour),
		PasswordPepper: testPepper,
	}, config.GoogleConfig{}, nil)
	require.NoError(t, err)
	return svc, st
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("correct horse", testPepper)
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "correct horse", testPepper))
	assert.False(t, CheckPassword(hash, "correct horse", "other"))
	assert.False(t, CheckPassword(hash, "wrong horse", testPepper))
	assert.False(t, CheckPassword("", "correct horse", testPepper))

	_, err = HashPassword("短いパス", testPepper)
	assert.ErrorIs(t, err, ErrWeakPassword)

	_, err = HashPassword(strings.Repeat("a", 80), testPepper)
	assert.ErrorIs(t, err, ErrPasswordTooLong)
}

func TestIssuer(t *testing.T) {
	issuer, err := NewIssuer("secret-secret-secret", time.Hour)
	require.NoError(t, err)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	token, err := issuer.Issue(&store.User{ID: "u1", Email: "a@example.jp", Role: store.RoleEditor})
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, store.RoleEditor, claims.Role)
	assert.Equal(t, "a@example.jp", claims.Email)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewIssuer("another-secret-value", time.Hour)
	require.NoError(t, err)
	other.now = issuer.now
	forged, err := other.Issue(&store.User{ID: "u1", Role: store.RoleAdmin})
	require.NoError(t, err)
	_, err = issuer.Parse(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewIssuer("", time.Hour)
	assert.Error(t, err)
}

func TestService_InitializeAndLogin(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	n, err := svc.AdminCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	admin, err := svc.InitializeAdmin(ctx, NewUser{Name: "管理者", Email: "Admin@Example.jp", Password: "password123", Role: store.RoleEditor})
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, admin.Role, "initial user is always admin")
	assert.Equal(t, "admin@example.jp", admin.Email)

	_, err = svc.InitializeAdmin(ctx, NewUser{Name: "x", Email: "x@example.jp", Password: "password123"})
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	u, token, err := svc.Authenticate(ctx, ProviderLocal, Credentials{Email: "admin@example.jp", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, admin.ID, u.ID)
	claims, err := svc.Issuer().Parse(token)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, claims.UserID())

	got, err := st.GetUser(ctx, admin.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastLogin)

	_, _, err = svc.Authenticate(ctx, ProviderLocal, Credentials{Email: "admin@example.jp", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Authenticate(ctx, ProviderLocal, Credentials{Email: "nobody@example.jp", Password: "password123"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
	_, err = svc.GoogleAuthURL("state")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestService_CreateUser(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()

	editor, err := svc.CreateUser(ctx, NewUser{Name: "編集者", Email: "editor@example.jp", Password: "password123"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleEditor, editor.Role)

	_, err = svc.CreateUser(ctx, NewUser{Name: "dup", Email: "EDITOR@example.jp", Password: "password123"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	for name, in := range map[string]NewUser{
		"missing name":  {Email: "a@example.jp", Password: "password123"},
		"bad email":     {Name: "a", Email: "not-an-email", Password: "password123"},
		"citizen role":  {Name: "a", Email: "b@example.jp", Password: "password123", Role: store.RoleUser},
		"weak password": {Name: "a", Email: "c@example.jp", Password: "short"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateUser(ctx, in)
			assert.Error(t, err)
		})
	}

	// Citizens exist but cannot sign in to the panel.
	hash, err := HashPassword("password123", testPepper)
	require.NoError(t, err)
	_, err = st.CreateUser(ctx, store.User{Email: "citizen@example.jp", PasswordHash: hash, Role: store.RoleUser})
	require.NoError(t, err)
	_, _, err = svc.Authenticate(ctx, ProviderLocal, Credentials{Email: "citizen@example.jp", Password: "password123"})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestService_InitializeAdminConcurrent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.InitializeAdmin(ctx, NewUser{
				Name:     "管理者" + strconv.Itoa(i),
				Email:    "admin" + strconv.Itoa(i) + "@example.jp",
				Password: "password123",
			})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrAlreadyInitialized)
	}
	assert.Equal(t, 1, ok)
	n, err := svc.AdminCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestService_LegacyUser(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	a, err := svc.LegacyUser(ctx, "browser-123")
	require.NoError(t, err)
	b, err := svc.LegacyUser(ctx, "browser-123")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, store.RoleUser, a.Role)
}

func googleServer(t *testing.T, profiles map[string]googleUserInfo) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		code := r.Form.Get("code")
		if _, ok := profiles[code]; !ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-" + code, "token_type": "Bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer at-")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(profiles[code])
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleProvider(t *testing.T) {
	svc, st := newService(t)
	ctx := context.Background()
	srv := googleServer(t, map[string]googleUserInfo{
		"first":  {Sub: "g1", Email: "first@example.jp", Name: "最初"},
		"second": {Sub: "g2", Email: "second@example.jp", Name: "二番目"},
		"link":   {Sub: "g3", Email: "existing@example.jp", Name: "既存", Picture: "https://img.example/p.png"},
	})

	g := NewGoogleProvider(config.GoogleConfig{ClientID: "cid", ClientSecret: "csecret", RedirectURI: "http://localhost/cb"}, st, testPepper)
	g.oauth.Endpoint = oauth2.Endpoint{AuthURL: srv.URL + "/auth", TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams}
	g.userInfoURL = srv.URL + "/userinfo"
	svc.RegisterProvider(g)

	authURL, err := svc.GoogleAuthURL("xyz")
	require.NoError(t, err)
	parsed, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "consent", parsed.Query().Get("prompt"))
	assert.Equal(t, "offline", parsed.Query().Get("access_type"))

	first, _, err := svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "first"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleAdmin, first.Role)

	second, _, err := svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "second"})
	require.NoError(t, err)
	assert.Equal(t, store.RoleEditor, second.Role)

	again, _, err := svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "first"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	existing, err := svc.CreateUser(ctx, NewUser{Name: "既存", Email: "existing@example.jp", Password: "password123"})
	require.NoError(t, err)
	linked, _, err := svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "link"})
	require.NoError(t, err)
	assert.Equal(t, existing.ID, linked.ID)
	byGoogle, err := st.FindUserByGoogleID(ctx, "g3")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, byGoogle.ID)

	_, _, err = svc.Authenticate(ctx, ProviderGoogle, Credentials{Code: "unknown"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Authenticate(ctx, ProviderGoogle, Credentials{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestMiddleware(t *testing.T) {
	issuer, err := NewIssuer("middleware-secret-1", time.Hour)
	require.NoError(t, err)
	editorToken, err := issuer.Issue(&store.User{ID: "e1", Role: store.RoleEditor})
	require.NoError(t, err)
	adminToken, err := issuer.Issue(&store.User{ID: "a1", Role: store.RoleAdmin})
	require.NoError(t, err)

	e := echo.New()
	ok := func(c echo.Context) error { return c.String(http.StatusOK, ClaimsFrom(c).UserID()) }
	e.GET("/me", ok, Protect(issuer, "admin_token"))
	e.GET("/admin", ok, Protect(issuer, "admin_token"), RequireRole(store.RoleAdmin))
	e.GET("/maybe", func(c echo.Context) error {
		if cl := ClaimsFrom(c); cl != nil {
			return c.String(http.StatusOK, cl.UserID())
		}
		return c.String(http.StatusOK, "anonymous")
	}, Optional(issuer, "admin_token"))

	do := func(path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if mutate != nil {
			mutate(req)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}
	bearer := func(tok string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) }
	}

	assert.Equal(t, http.StatusUnauthorized, do("/me", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do("/me", bearer("garbage")).Code)

	rec := do("/me", bearer(editorToken))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "e1", rec.Body.String())

	rec = do("/me", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: "admin_token", Value: adminToken}) })
	assert.Equal(t, "a1", rec.Body.String())

	assert.Equal(t, http.StatusForbidden, do("/admin", bearer(editorToken)).Code)
	assert.Equal(t, http.StatusOK, do("/admin", bearer(adminToken)).Code)

	assert.Equal(t, "anonymous", do("/maybe", bearer("garbage")).Body.String())
	assert.Equal(t, "e1", do("/maybe", bearer(editorToken)).Body.String())
}

func TestCSRF(t *testing.T) {
	e := echo.New()
	e.POST("/themes", func(c echo.Context) error { return c.NoContent(http.StatusCreated) }, CSRF("admin_token", false))

	post := func(mutate func(*http.Request)) int {
		req := httptest.NewRequest(http.MethodPost, "/themes", nil)
		mutate(req)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	// Bearer clients are not exposed to cross-site form posts.
	assert.Equal(t, http.StatusCreated, post(func(r *http.Request) { r.Header.Set("Authorization", "Bearer x") }))

	// Cookie sessions need the double-submit token.
	assert.Equal(t, http.StatusBadRequest, post(func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "admin_token", Value: "x"})
	}))
	assert.Equal(t, http.StatusCreated, post(func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: "admin_token", Value: "x"})
		r.AddCookie(&http.Cookie{Name: "_csrf", Value: "tok"})
		r.Header.Set("X-CSRF-Token", "tok")
	}))
}

func TestLoginRateLimiter(t *testing.T) {
	e := echo.New()
	e.POST("/login", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, LoginRateLimiter(2))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/login", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests}, codes)
}
