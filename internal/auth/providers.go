package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

// Provider names.
const (
	ProviderLocal  = "local"
	ProviderGoogle = "google"
)

// ErrInvalidCredentials is returned for unknown users, wrong passwords and
// failed code exchanges alike.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials carries what a provider needs. Local reads Email and
// Password; Google reads Code.
type Credentials struct {
	Email    string
	Password string
	Code     string
}

// Provider resolves credentials to a user.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, creds Credentials) (*store.User, error)
}

// UserStore is the persistence the providers and Service need.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	FindUserByEmail(ctx context.Context, email string) (*store.User, error)
	CreateUser(ctx context.Context, u store.User) (*store.User, error)
	CreateUserIfNone(ctx context.Context, u store.User, roles ...store.Role) (*store.User, error)
	CountUsers(ctx context.Context, roles ...store.Role) (int, error)
	TouchLastLogin(ctx context.Context, id string) error
	FindOrCreateByGoogle(ctx context.Context, p store.GoogleProfile, firstRole, newRole store.Role, passwordHash string) (*store.User, error)
	FindOrCreateByLegacyID(ctx context.Context, legacyID, displayName, imageURL string) (*store.User, error)
}

// LocalProvider checks an email and password.
type LocalProvider struct {
	store  UserStore
	pepper string
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider(st UserStore, pepper string) *LocalProvider {
	return &LocalProvider{store: st, pepper: pepper}
}

// Name returns "local".
func (p *LocalProvider) Name() string { return ProviderLocal }

// Authenticate returns the user whose password matches.
func (p *LocalProvider) Authenticate(ctx context.Context, creds Credentials) (*store.User, error) {
	u, err := p.store.FindUserByEmail(ctx, creds.Email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !CheckPassword(u.PasswordHash, creds.Password, p.pepper) {
		return nil, ErrInvalidCredentials
	}
	return u, nil
}

const googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleProvider exchanges an OAuth2 code and resolves the Google profile
// to a user. The first user in the system becomes admin, later ones editor.
type GoogleProvider struct {
	oauth       *oauth2.Config
	userInfoURL string
	store       UserStore
	pepper      string
}

// NewGoogleProvider creates a GoogleProvider.
func NewGoogleProvider(cfg config.GoogleConfig, st UserStore, pepper string) *GoogleProvider {
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret.Value(),
			RedirectURL:  cfg.RedirectURI,
			Endpoint:     google.Endpoint,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.profile",
				"https://www.googleapis.com/auth/userinfo.email",
			},
		},
		userInfoURL: googleUserInfoURL,
		store:       st,
		pepper:      pepper,
	}
}

// Name returns "google".
func (p *GoogleProvider) Name() string { return ProviderGoogle }

// AuthURL returns the consent page URL.
func (p *GoogleProvider) AuthURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Authenticate exchanges creds.Code and finds or creates the user.
func (p *GoogleProvider) Authenticate(ctx context.Context, creds Credentials) (*store.User, error) {
	if creds.Code == "" {
		return nil, ErrInvalidCredentials
	}
	tok, err := p.oauth.Exchange(ctx, creds.Code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange: %v", ErrInvalidCredentials, err)
	}
	info, err := p.userInfo(ctx, tok)
	if err != nil {
		return nil, err
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("%w: profile without subject", ErrInvalidCredentials)
	}

	// Accounts created here never sign in with a password; the hash only
	// has to be unguessable.
	hash, err := HashPassword(uuid.NewString(), p.pepper)
	if err != nil {
		return nil, err
	}
	return p.store.FindOrCreateByGoogle(ctx, store.GoogleProfile{
		GoogleID:    info.Sub,
		Email:       info.Email,
		DisplayName: info.Name,
		ImageURL:    info.Picture,
	}, store.RoleAdmin, store.RoleEditor, hash)
}

func (p *GoogleProvider) userInfo(ctx context.Context, tok *oauth2.Token) (*googleUserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.oauth.Client(ctx, tok).Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching google profile: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: userinfo returned %d: %s", ErrInvalidCredentials, resp.StatusCode, body)
	}
	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding google profile: %w", err)
	}
	return &info, nil
}
