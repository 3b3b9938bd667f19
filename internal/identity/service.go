package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

// ErrInvalidCredentials is returned for every authentication failure. Lookup
// miss, inactive account and hash mismatch are deliberately indistinguishable.
var ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", httpx.ErrUnauthorized)

// EventSink publishes identity state-change events. Delivery is best-effort;
// the service logs failures and never propagates them.
type EventSink interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// TaskEnqueuer hands off background work such as welcome mail delivery.
type TaskEnqueuer interface {
	EnqueueWelcomeEmail(ctx context.Context, email, username string) error
}

// Service implements credential management: registration, authentication,
// password rotation, profile updates and account deletion.
type Service struct {
	repo     Repository
	tokens   *TokenIssuer
	events   EventSink
	throttle *LoginThrottle
	enqueuer TaskEnqueuer
	logger   *slog.Logger
	cost     int
	validate *validator.Validate
}

// ServiceConfig groups optional collaborators for NewService.
type ServiceConfig struct {
	Throttle *LoginThrottle
	Enqueuer TaskEnqueuer
	// BcryptCost overrides bcrypt.DefaultCost when > 0.
	BcryptCost int
}

// NewService constructs a Service.
func NewService(repo Repository, tokens *TokenIssuer, events EventSink, logger *slog.Logger, cfg ServiceConfig) *Service {
	cost := cfg.BcryptCost
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		tokens:   tokens,
		events:   events,
		throttle: cfg.Throttle,
		enqueuer: cfg.Enqueuer,
		logger:   logger,
		cost:     cost,
		validate: validator.New(),
	}
}

// RegisterInput carries the fields accepted at registration.
type RegisterInput struct {
	Username  string `validate:"required,min=3,max=64"`
	Email     string `validate:"required,email"`
	Password  string `validate:"required,min=8,max=72"`
	FirstName string `validate:"max=128"`
	LastName  string `validate:"max=128"`
	Phone     string `validate:"max=32"`
}

// Register creates a new active account with role user and returns it together
// with a freshly minted bearer token.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*Account, string, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, "", fmt.Errorf("%v: %w", err, httpx.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("identity: hash password: %w", err)
	}

	account := &Account{
		ID:           uuid.New(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        in.Phone,
		Role:         RoleUser,
		Status:       StatusActive,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, "", err
	}

	s.publish(ctx, EventAccountRegistered, AccountEvent{
		UserID:   account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
	})
	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueWelcomeEmail(ctx, account.Email, account.Username); err != nil {
			s.logger.Warn("enqueue welcome email", slog.Any("error", err))
		}
	}

	token, err := s.tokens.Mint(account.ID, account.Role, account.TokenEpoch)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// Authenticate verifies username-or-email plus password and mints a bearer
// token on success.
func (s *Service) Authenticate(ctx context.Context, identifier, password string) (*Account, string, error) {
	if identifier == "" || password == "" {
		return nil, "", ErrInvalidCredentials
	}
	if s.throttle.Blocked(ctx, identifier) {
		return nil, "", ErrInvalidCredentials
	}

	account, err := s.repo.FindByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			s.throttle.Fail(ctx, identifier)
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if account.Status != StatusActive {
		s.throttle.Fail(ctx, identifier)
		return nil, "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.throttle.Fail(ctx, identifier)
		return nil, "", ErrInvalidCredentials
	}
	s.throttle.Reset(ctx, identifier)

	s.publish(ctx, EventSessionCreated, AccountEvent{
		UserID:   account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
	})

	token, err := s.tokens.Mint(account.ID, account.Role, account.TokenEpoch)
	if err != nil {
		return nil, "", err
	}
	return account, token, nil
}

// Authorize resolves a bearer token to its account. Beyond signature and
// expiry it requires an active account whose token epoch still matches the
// claims, so tokens minted before a password change or deletion are rejected.
func (s *Service) Authorize(ctx context.Context, tokenString string) (*Account, *Claims, error) {
	claims, err := s.tokens.Verify(tokenString)
	if err != nil {
		return nil, nil, err
	}
	id, err := claims.AccountID()
	if err != nil {
		return nil, nil, err
	}
	account, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil, nil, ErrTokenInvalid
		}
		return nil, nil, err
	}
	if account.Status != StatusActive || account.TokenEpoch != claims.Epoch {
		return nil, nil, ErrTokenInvalid
	}
	return account, claims, nil
}

// ChangePassword rotates the password after re-verifying the old one. The
// stored hash is untouched when the old password does not match.
func (s *Service) ChangePassword(ctx context.Context, accountID uuid.UUID, oldPassword, newPassword string) error {
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	if len(newPassword) < 8 || len(newPassword) > 72 {
		return fmt.Errorf("password must be 8-72 characters: %w", httpx.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	if err := s.repo.UpdatePassword(ctx, accountID, string(hash)); err != nil {
		return err
	}

	s.publish(ctx, EventPasswordChanged, AccountEvent{
		UserID:   account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
	})
	return nil
}

// ProfileInput carries the mutable profile fields.
type ProfileInput struct {
	FirstName string `validate:"max=128"`
	LastName  string `validate:"max=128"`
	Phone     string `validate:"max=32"`
}

// UpdateProfile mutates profile fields. Only the account owner or an admin may
// update a profile.
func (s *Service) UpdateProfile(ctx context.Context, actor *Claims, accountID uuid.UUID, in ProfileInput) (*Account, error) {
	if err := requireSelfOrAdmin(actor, accountID); err != nil {
		return nil, err
	}
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%v: %w", err, httpx.ErrValidation)
	}
	return s.repo.UpdateProfile(ctx, accountID, in.FirstName, in.LastName, in.Phone)
}

// DeleteAccount soft-deletes the account. Subsequent authentication and token
// verification for that identity fail.
func (s *Service) DeleteAccount(ctx context.Context, actor *Claims, accountID uuid.UUID) error {
	if err := requireSelfOrAdmin(actor, accountID); err != nil {
		return err
	}
	account, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteAccount(ctx, accountID); err != nil {
		return err
	}
	s.publish(ctx, EventAccountDeleted, AccountEvent{
		UserID:   account.ID.String(),
		Username: account.Username,
		Email:    account.Email,
	})
	return nil
}

// EnsureAdmin seeds the administrator account on first boot. It is a no-op
// when an account with the given username or email already exists.
func (s *Service) EnsureAdmin(ctx context.Context, username, email, password string) error {
	if _, err := s.repo.FindByIdentifier(ctx, username); err == nil {
		return nil
	} else if !errors.Is(err, httpx.ErrNotFound) {
		return err
	}
	if _, err := s.repo.FindByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, httpx.ErrNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return fmt.Errorf("identity: hash admin password: %w", err)
	}
	account := &Account{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    "Admin",
		LastName:     "User",
		Role:         RoleAdmin,
		Status:       StatusActive,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		// Lost a race against another instance seeding the same account.
		if errors.Is(err, httpx.ErrDuplicate) {
			return nil
		}
		return err
	}
	s.logger.Info("seeded admin account", slog.String("username", username))
	return nil
}

func (s *Service) publish(ctx context.Context, routingKey string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, routingKey, payload); err != nil {
		s.logger.Warn("publish event", slog.String("routing_key", routingKey), slog.Any("error", err))
	}
}

func requireSelfOrAdmin(actor *Claims, accountID uuid.UUID) error {
	if actor == nil {
		return fmt.Errorf("missing claims: %w", httpx.ErrUnauthorized)
	}
	if actor.Role == RoleAdmin {
		return nil
	}
	if actor.Subject != accountID.String() {
		return fmt.Errorf("not the account owner: %w", httpx.ErrForbidden)
	}
	return nil
}
