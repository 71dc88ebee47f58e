package auth

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// claimsKey is the echo context key holding *Claims after Protect.
const claimsKey = "auth_claims"

// CSRFContextKey is where the CSRF middleware stores the token.
const CSRFContextKey = "csrf"

// ClaimsFrom returns the verified claims of the request, or nil.
func ClaimsFrom(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

// tokenFrom reads a Bearer header first, then the auth cookie.
func tokenFrom(c echo.Context, cookieName string) string {
	if h := c.Request().Header.Get(echo.HeaderAuthorization); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	if cookieName != "" {
		if ck, err := c.Cookie(cookieName); err == nil {
			return ck.Value
		}
	}
	return ""
}

// Protect rejects requests without a valid token with 401.
func Protect(issuer *Issuer, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := tokenFrom(c, cookieName)
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証が必要です")
			}
			claims, err := issuer.Parse(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "無効なトークンです")
			}
			c.Set(claimsKey, claims)
			return next(c)
		}
	}
}

// Optional attaches claims when a valid token is present and otherwise
// lets the request through.
func Optional(issuer *Issuer, cookieName string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token := tokenFrom(c, cookieName); token != "" {
				if claims, err := issuer.Parse(token); err == nil {
					c.Set(claimsKey, claims)
				}
			}
			return next(c)
		}
	}
}

// RequireRole rejects users whose role is not listed with 403. It must run
// after Protect.
func RequireRole(roles ...store.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims := ClaimsFrom(c)
			if claims == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証が必要です")
			}
			if !slices.Contains(roles, claims.Role) {
				return echo.NewHTTPError(http.StatusForbidden, "権限がありません")
			}
			return next(c)
		}
	}
}

// CSRF protects state-changing requests authenticated by the auth cookie.
// Bearer-authenticated and anonymous requests are skipped.
func CSRF(cookieName string, secure bool) echo.MiddlewareFunc {
	return middleware.CSRFWithConfig(middleware.CSRFConfig{
		Skipper: func(c echo.Context) bool {
			if strings.HasPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ") {
				return true
			}
			_, err := c.Cookie(cookieName)
			return err != nil
		},
		TokenLookup:    "header:X-CSRF-Token",
		ContextKey:     CSRFContextKey,
		CookieName:     "_csrf",
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSecure:   secure,
		CookieSameSite: http.SameSiteLaxMode,
	})
}

// CSRFTokenMiddleware always issues a CSRF token so the frontend can fetch
// one before it holds the auth cookie.
func CSRFTokenMiddleware(secure bool) echo.MiddlewareFunc {
	return middleware.CSRFWithConfig(middleware.CSRFConfig{
		TokenLookup:    "header:X-CSRF-Token",
		ContextKey:     CSRFContextKey,
		CookieName:     "_csrf",
		CookiePath:     "/",
		CookieHTTPOnly: true,
		CookieSecure:   secure,
		CookieSameSite: http.SameSiteLaxMode,
	})
}

// LoginRateLimiter limits sign-in attempts per client IP.
func LoginRateLimiter(perMinute float64) echo.MiddlewareFunc {
	if perMinute <= 0 {
		perMinute = 10
	}
	burst := max(int(perMinute/2), 1)
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(perMinute / 60),
			Burst:     burst,
			ExpiresIn: 5 * time.Minute,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "ログイン試行回数が多すぎます")
		},
	})
}

// SetTokenCookie stores token in the auth cookie.
func SetTokenCookie(c echo.Context, cookieName, token string, ttl time.Duration, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(ttl.Seconds()),
	})
}

// ClearTokenCookie expires the auth cookie.
func ClearTokenCookie(c echo.Context, cookieName string, secure bool) {
	c.SetCookie(&http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
