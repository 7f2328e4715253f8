// Package identity registers users, verifies credentials and mints and
// validates the bearer tokens every task request presents.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"taskboard/internal/model"
	"taskboard/internal/pkg/apperr"
	"taskboard/internal/pkg/metrics"
	"taskboard/internal/pkg/notify"
)

// UserRepository is the persistence the service needs. *store.UserStore
// satisfies it.
type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	FindUserByEmail(ctx context.Context, email string) (*model.User, error)
	FindUserByID(ctx context.Context, id uint) (*model.User, error)
	FindUserBySubject(ctx context.Context, provider, subject string) (*model.User, error)
	LinkSubject(ctx context.Context, userID uint, provider, subject string) error
}

type Service struct {
	users    UserRepository
	tokens   *TokenIssuer
	hasher   *PasswordHasher
	verifier ExternalVerifier
	notifier notify.Notifier
	logger   *slog.Logger
}

type Option func(*Service)

// WithExternalVerifier enables LoginViaExternalProvider.
func WithExternalVerifier(v ExternalVerifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithNotifier sends a welcome mail after registration.
func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func NewService(users UserRepository, tokens *TokenIssuer, hasher *PasswordHasher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		users:  users,
		tokens: tokens,
		hasher: hasher,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExternalEnabled reports whether an external verifier is configured.
func (s *Service) ExternalEnabled() bool {
	return s.verifier != nil
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a password user. It does not log the user in.
func (s *Service) Register(ctx context.Context, email, password string) (user *model.User, err error) {
	defer func() { metrics.AuthEventsTotal.WithLabelValues("register", metrics.Outcome(err)).Inc() }()

	email = NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if password == "" {
		return nil, apperr.Invalid("password is required")
	}
	if len(password) > MaxPasswordBytes {
		return nil, apperr.Invalid("password must be at most %d bytes", MaxPasswordBytes)
	}

	_, err = s.users.FindUserByEmail(ctx, email)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", apperr.ErrDuplicateEmail, email)
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	user = &model.User{Email: email, PasswordHash: hash}
	// 唯一索引兜底并发注册
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user registered", slog.Uint64("user_id", uint64(user.ID)), slog.String("email", email))

	if s.notifier != nil {
		if err := s.notifier.SendWelcome(ctx, email); err != nil {
			s.logger.Warn("send welcome mail failed", slog.String("email", email), slog.String("error", err.Error()))
		}
	}
	return user, nil
}

// Login checks email and password and issues a token. Unknown email and
// wrong password produce the same error.
func (s *Service) Login(ctx context.Context, email, password string) (token Token, err error) {
	defer func() { metrics.AuthEventsTotal.WithLabelValues("login", metrics.Outcome(err)).Inc() }()

	email = NormalizeEmail(email)
	if email == "" || password == "" {
		return Token{}, apperr.Invalid("email and password are required")
	}

	user, err := s.users.FindUserByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		s.hasher.Burn(password)
		return Token{}, apperr.ErrInvalidCredentials
	}
	if err != nil {
		return Token{}, err
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		return Token{}, apperr.ErrInvalidCredentials
	}

	token, err = s.tokens.Issue(user.ID)
	if err != nil {
		return Token{}, err
	}
	s.logger.Info("user logged in", slog.Uint64("user_id", uint64(user.ID)))
	return token, nil
}

// LoginViaExternalProvider verifies assertion with the configured provider,
// resolves the local user by provider subject, then by verified email
// (linking the subject), and otherwise creates one.
func (s *Service) LoginViaExternalProvider(ctx context.Context, assertion string) (token Token, user *model.User, err error) {
	defer func() { metrics.AuthEventsTotal.WithLabelValues("external", metrics.Outcome(err)).Inc() }()

	if s.verifier == nil {
		return Token{}, nil, fmt.Errorf("%w: external login not configured", apperr.ErrProviderVerificationFailed)
	}
	ident, err := s.verifier.Verify(ctx, assertion)
	if err != nil {
		if !errors.Is(err, apperr.ErrProviderVerificationFailed) {
			err = fmt.Errorf("%w: %v", apperr.ErrProviderVerificationFailed, err)
		}
		return Token{}, nil, err
	}
	if strings.TrimSpace(ident.Subject) == "" {
		return Token{}, nil, fmt.Errorf("%w: empty subject", apperr.ErrProviderVerificationFailed)
	}

	user, err = s.resolveExternalUser(ctx, s.verifier.Provider(), ident)
	if err != nil {
		return Token{}, nil, err
	}
	token, err = s.tokens.Issue(user.ID)
	if err != nil {
		return Token{}, nil, err
	}
	s.logger.Info("external login", slog.Uint64("user_id", uint64(user.ID)), slog.String("provider", s.verifier.Provider()))
	return token, user, nil
}

func (s *Service) resolveExternalUser(ctx context.Context, provider string, ident ExternalIdentity) (*model.User, error) {
	user, err := s.users.FindUserBySubject(ctx, provider, ident.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	email := NormalizeEmail(ident.Email)
	if email == "" {
		return nil, fmt.Errorf("%w: provider returned no email", apperr.ErrProviderVerificationFailed)
	}

	if ident.EmailVerified {
		existing, err := s.users.FindUserByEmail(ctx, email)
		switch {
		case err == nil:
			if existing.ProviderSubject != nil && *existing.ProviderSubject != "" {
				return nil, fmt.Errorf("%w: %s is linked to another external account", apperr.ErrDuplicateEmail, email)
			}
			if err := s.users.LinkSubject(ctx, existing.ID, provider, ident.Subject); err != nil {
				return nil, err
			}
			s.logger.Info("external subject linked", slog.Uint64("user_id", uint64(existing.ID)), slog.String("provider", provider))
			return existing, nil
		case !errors.Is(err, apperr.ErrNotFound):
			return nil, err
		}
	}

	user = &model.User{
		Email:           email,
		Provider:        &provider,
		ProviderSubject: &ident.Subject,
	}
	// 未验证的邮箱与已有账号冲突时返回 DuplicateEmail，不做合并
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	s.logger.Info("user created from external login", slog.Uint64("user_id", uint64(user.ID)), slog.String("provider", provider))
	return user, nil
}

// Authenticate resolves a presented bearer token to a user id.
func (s *Service) Authenticate(ctx context.Context, presented string) (uint, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return 0, fmt.Errorf("%w: missing token", apperr.ErrUnauthenticated)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.tokens.Parse(presented)
}

// IssueFor signs a token for an existing user id. Used after redeeming an
// external-login exchange code.
func (s *Service) IssueFor(ctx context.Context, userID uint) (Token, error) {
	if _, err := s.users.FindUserByID(ctx, userID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return Token{}, fmt.Errorf("%w: unknown user", apperr.ErrInvalidCredentials)
		}
		return Token{}, err
	}
	return s.tokens.Issue(userID)
}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Invalid("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.Invalid("malformed email %q", email)
	}
	return nil
}
