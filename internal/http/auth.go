package http

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/auth"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

const oauthStateCookie = "oauth_state"

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// UserView is the panel account shape returned by the auth routes.
type UserView struct {
	ID    string     `json:"id"`
	Name  string     `json:"name"`
	Email string     `json:"email"`
	Role  store.Role `json:"role"`
}

func viewOf(u *store.User) UserView {
	return UserView{ID: u.ID, Name: u.DisplayName, Email: u.Email, Role: u.Role}
}

// LoginResponse is returned by a successful sign-in.
type LoginResponse struct {
	Token string   `json:"token"`
	User  UserView `json:"user"`
}

func (s *Server) registerAuthRoutes(g *echo.Group) {
	issuer := s.deps.Auth.Issuer()
	protect := auth.Protect(issuer, s.config.CookieName)
	csrf := auth.CSRF(s.config.CookieName, s.config.SecureCookies)

	g.POST("/login", s.handleLogin, auth.LoginRateLimiter(s.config.LoginRatePerMin))
	g.POST("/logout", s.handleLogout)
	g.GET("/me", s.handleMe, protect)
	g.POST("/users", s.handleCreateUser, protect, csrf, auth.RequireRole(store.RoleAdmin))
	g.POST("/initialize", s.handleInitialize)
	g.GET("/count", s.handleAdminCount)
	g.GET("/csrf-token", s.handleCSRFToken, auth.CSRFTokenMiddleware(s.config.SecureCookies))
	g.GET("/google/url", s.handleGoogleURL)
	g.GET("/google/callback", s.handleGoogleCallback)
	g.GET("/users/:userId", s.handleUserInfo, auth.Optional(issuer, s.config.CookieName))
}

func (s *Server) handleLogin(c echo.Context) error {
	var req LoginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "メールアドレスとパスワードを入力してください")
	}

	u, token, err := s.deps.Auth.Authenticate(c.Request().Context(), auth.ProviderLocal, auth.Credentials{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrForbidden) {
			return echo.NewHTTPError(http.StatusUnauthorized, "認証に失敗しました")
		}
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}

	auth.SetTokenCookie(c, s.config.CookieName, token, s.config.TokenTTL, s.config.SecureCookies)
	return c.JSON(http.StatusOK, LoginResponse{Token: token, User: viewOf(u)})
}

func (s *Server) handleLogout(c echo.Context) error {
	auth.ClearTokenCookie(c, s.config.CookieName, s.config.SecureCookies)
	return c.JSON(http.StatusOK, map[string]string{"message": "ログアウトしました"})
}

func (s *Server) handleMe(c echo.Context) error {
	claims := auth.ClaimsFrom(c)
	u, err := s.deps.Auth.CurrentUser(c.Request().Context(), claims.UserID())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "ユーザーが見つかりません")
		}
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}
	return c.JSON(http.StatusOK, map[string]UserView{"user": viewOf(u)})
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var in auth.NewUser
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := s.deps.Auth.CreateUser(c.Request().Context(), in)
	if err != nil {
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"message": "管理者ユーザーが正常に作成されました",
		"user":    viewOf(u),
	})
}

func (s *Server) handleInitialize(c echo.Context) error {
	var in auth.NewUser
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	u, err := s.deps.Auth.InitializeAdmin(c.Request().Context(), in)
	if err != nil {
		if errors.Is(err, auth.ErrAlreadyInitialized) {
			return echo.NewHTTPError(http.StatusForbidden, "管理者ユーザーは既に初期化されています")
		}
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"message": "初期管理者ユーザーが正常に作成されました",
		"user":    viewOf(u),
	})
}

func (s *Server) handleAdminCount(c echo.Context) error {
	n, err := s.deps.Auth.AdminCount(c.Request().Context())
	if err != nil {
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}
	return c.JSON(http.StatusOK, map[string]int{"count": n})
}

func (s *Server) handleCSRFToken(c echo.Context) error {
	token, _ := c.Get(auth.CSRFContextKey).(string)
	return c.JSON(http.StatusOK, map[string]string{"csrfToken": token})
}

func (s *Server) handleGoogleURL(c echo.Context) error {
	state := uuid.NewString()
	u, err := s.deps.Auth.GoogleAuthURL(state)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownProvider) {
			return echo.NewHTTPError(http.StatusNotFound, "Google認証は設定されていません")
		}
		return s.apiError(c, err, "Google認証URLの取得に失敗しました")
	}
	c.SetCookie(&http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/api/auth/google",
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   600,
	})
	return c.JSON(http.StatusOK, map[string]string{"url": u})
}

func (s *Server) handleGoogleCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "認証コードが見つかりません")
	}
	log := logging.For(c.Request().Context(), s.logger)

	ck, err := c.Cookie(oauthStateCookie)
	s.clearStateCookie(c)
	if err != nil || ck.Value == "" || ck.Value != c.QueryParam("state") {
		log.Warn("google callback state mismatch", zap.Bool("cookie_present", err == nil))
		return s.redirectGoogle(c, "", "認証に失敗しました")
	}

	_, token, err := s.deps.Auth.Authenticate(c.Request().Context(), auth.ProviderGoogle, auth.Credentials{Code: code})
	if err != nil {
		log.Warn("google callback failed", zap.Error(err))
		return s.redirectGoogle(c, "", "認証に失敗しました")
	}
	auth.SetTokenCookie(c, s.config.CookieName, token, s.config.TokenTTL, s.config.SecureCookies)
	return s.redirectGoogle(c, token, "")
}

// clearStateCookie expires the state cookie so it cannot be replayed.
func (s *Server) clearStateCookie(c echo.Context) {
	c.SetCookie(&http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/api/auth/google",
		HttpOnly: true,
		Secure:   s.config.SecureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// redirectGoogle sends the browser back to the frontend callback page with
// either a token or an error.
func (s *Server) redirectGoogle(c echo.Context, token, errMsg string) error {
	target, err := url.Parse(s.config.FrontendURL)
	if err != nil || s.config.FrontendURL == "" {
		return echo.NewHTTPError(http.StatusInternalServerError, "FRONTEND_URL is not configured")
	}
	target.Path = "/auth/google/callback"
	q := target.Query()
	if errMsg != "" {
		q.Set("error", errMsg)
	} else {
		q.Set("token", token)
	}
	target.RawQuery = q.Encode()
	return c.Redirect(http.StatusFound, target.String())
}

// handleUserInfo returns the signed-in user's profile, or finds or creates
// the citizen account for the legacy frontend id.
func (s *Server) handleUserInfo(c echo.Context) error {
	ctx := c.Request().Context()
	if claims := auth.ClaimsFrom(c); claims != nil {
		u, err := s.deps.Auth.CurrentUser(ctx, claims.UserID())
		if err == nil {
			return c.JSON(http.StatusOK, map[string]any{
				"user": map[string]string{
					"id":              u.ID,
					"email":           u.Email,
					"displayName":     u.DisplayName,
					"profileImageUrl": u.ProfileImageURL,
				},
			})
		}
		if !errors.Is(err, store.ErrNotFound) {
			return s.apiError(c, err, "サーバーエラーが発生しました")
		}
	}

	legacyID := strings.TrimSpace(c.Param("userId"))
	if legacyID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "ユーザーIDが必要です")
	}
	u, err := s.deps.Auth.LegacyUser(ctx, legacyID)
	if err != nil {
		return s.apiError(c, err, "サーバーエラーが発生しました")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"id":              u.ID,
		"userId":          u.LegacyUserID,
		"displayName":     u.DisplayName,
		"profileImageUrl": u.ProfileImageURL,
	})
}
