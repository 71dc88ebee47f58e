package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/config"
	"github.com/digitaldemocracy2030/idobata/internal/logging"
	"github.com/digitaldemocracy2030/idobata/internal/store"
)

var (
	// ErrUnknownProvider is returned for a provider that is not configured.
	ErrUnknownProvider = errors.New("unknown auth provider")

	// ErrForbidden is returned when a citizen account tries to sign in to
	// the admin panel.
	ErrForbidden = errors.New("account may not sign in")

	// ErrAlreadyInitialized is returned by InitializeAdmin once an admin or
	// editor exists.
	ErrAlreadyInitialized = errors.New("admin user already initialized")

	// ErrInvalidUser is returned for incomplete or malformed user input.
	ErrInvalidUser = errors.New("invalid user")

	// ErrEmailTaken is returned when the email belongs to another user.
	ErrEmailTaken = errors.New("email already in use")
)

var emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)

// NewUser is the input for creating a panel account.
type NewUser struct {
	Name     string     `json:"name"`
	Email    string     `json:"email"`
	Password string     `json:"password"`
	Role     store.Role `json:"role"`
}

// Service authenticates users and manages panel accounts.
type Service struct {
	store     UserStore
	issuer    *Issuer
	pepper    string
	providers map[string]Provider
	google    *GoogleProvider
	logger    *zap.Logger
}

// NewService creates a Service with the local provider, plus Google when
// googleCfg is complete.
func NewService(st UserStore, cfg config.AuthConfig, googleCfg config.GoogleConfig, logger *zap.Logger) (*Service, error) {
	issuer, err := NewIssuer(cfg.JWTSecret.Value(), cfg.JWTTTL.Duration())
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:     st,
		issuer:    issuer,
		pepper:    cfg.PasswordPepper.Value(),
		providers: make(map[string]Provider),
		logger:    logger.Named("auth"),
	}
	s.RegisterProvider(NewLocalProvider(st, s.pepper))
	if googleCfg.Enabled() {
		s.google = NewGoogleProvider(googleCfg, st, s.pepper)
		s.RegisterProvider(s.google)
	}
	return s, nil
}

// RegisterProvider adds or replaces a provider under its name.
func (s *Service) RegisterProvider(p Provider) {
	s.providers[p.Name()] = p
	if g, ok := p.(*GoogleProvider); ok {
		s.google = g
	}
}

// Issuer returns the token issuer used by the middleware.
func (s *Service) Issuer() *Issuer {
	return s.issuer
}

// Authenticate signs a panel user in and returns a token.
func (s *Service) Authenticate(ctx context.Context, provider string, creds Credentials) (*store.User, string, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	log := logging.For(ctx, s.logger).With(zap.String("provider", provider))

	u, err := p.Authenticate(ctx, creds)
	if err != nil {
		log.Warn("authentication failed", zap.Error(err))
		return nil, "", err
	}
	if u.Role != store.RoleAdmin && u.Role != store.RoleEditor {
		log.Warn("citizen account refused", zap.String("user_id", u.ID))
		return nil, "", ErrForbidden
	}
	if err := s.store.TouchLastLogin(ctx, u.ID); err != nil {
		log.Warn("recording last login", zap.Error(err))
	}
	token, err := s.issuer.Issue(u)
	if err != nil {
		return nil, "", err
	}
	log.Info("user signed in", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, token, nil
}

// GoogleAuthURL returns the Google consent URL.
func (s *Service) GoogleAuthURL(state string) (string, error) {
	if s.google == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, ProviderGoogle)
	}
	return s.google.AuthURL(state), nil
}

// CurrentUser returns the user a token belongs to.
func (s *Service) CurrentUser(ctx context.Context, id string) (*store.User, error) {
	return s.store.GetUser(ctx, id)
}

// CreateUser adds a panel account. Role defaults to editor.
func (s *Service) CreateUser(ctx context.Context, in NewUser) (*store.User, error) {
	if in.Role == "" {
		in.Role = store.RoleEditor
	}
	if in.Role != store.RoleAdmin && in.Role != store.RoleEditor {
		return nil, fmt.Errorf("%w: role %q", ErrInvalidUser, in.Role)
	}
	return s.createPanelUser(ctx, in)
}

// InitializeAdmin creates the first admin. It fails with
// ErrAlreadyInitialized once any admin or editor exists.
func (s *Service) InitializeAdmin(ctx context.Context, in NewUser) (*store.User, error) {
	n, err := s.AdminCount(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, ErrAlreadyInitialized
	}
	in.Role = store.RoleAdmin
	u, err := s.newPanelUser(in)
	if err != nil {
		return nil, err
	}
	// A concurrent initialization may have won since the count above.
	created, err := s.store.CreateUserIfNone(ctx, u, store.RoleAdmin, store.RoleEditor)
	switch {
	case errors.Is(err, store.ErrExists):
		return nil, ErrAlreadyInitialized
	case errors.Is(err, store.ErrConflict):
		return nil, ErrEmailTaken
	case err != nil:
		return nil, err
	}
	logging.For(ctx, s.logger).Info("admin initialized", zap.String("user_id", created.ID))
	return created, nil
}

// AdminCount counts admin and editor accounts.
func (s *Service) AdminCount(ctx context.Context) (int, error) {
	return s.store.CountUsers(ctx, store.RoleAdmin, store.RoleEditor)
}

// LegacyUser finds or creates the citizen account for a frontend user id.
func (s *Service) LegacyUser(ctx context.Context, legacyID string) (*store.User, error) {
	return s.store.FindOrCreateByLegacyID(ctx, legacyID, "", "")
}

func (s *Service) newPanelUser(in NewUser) (store.User, error) {
	name := strings.TrimSpace(in.Name)
	email := store.NormalizeEmail(in.Email)
	if name == "" || email == "" || in.Password == "" {
		return store.User{}, fmt.Errorf("%w: name, email and password are required", ErrInvalidUser)
	}
	if !emailPattern.MatchString(email) {
		return store.User{}, fmt.Errorf("%w: malformed email", ErrInvalidUser)
	}
	hash, err := HashPassword(in.Password, s.pepper)
	if err != nil {
		return store.User{}, err
	}
	return store.User{
		Email:        email,
		DisplayName:  name,
		PasswordHash: hash,
		Role:         in.Role,
	}, nil
}

func (s *Service) createPanelUser(ctx context.Context, in NewUser) (*store.User, error) {
	nu, err := s.newPanelUser(in)
	if err != nil {
		return nil, err
	}
	u, err := s.store.CreateUser(ctx, nu)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	logging.For(ctx, s.logger).Info("panel user created", zap.String("user_id", u.ID), zap.String("role", string(u.Role)))
	return u, nil
}
