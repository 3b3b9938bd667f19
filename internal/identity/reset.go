package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

const resetCodeDigits = 6

// ResetService issues and consumes single-use password recovery codes.
type ResetService struct {
	repo   Repository
	events EventSink
	logger *slog.Logger
	ttl    time.Duration
	cost   int
}

// NewResetService constructs a ResetService. ttl bounds code validity, cost is
// the bcrypt work factor used when the new password is hashed.
func NewResetService(repo Repository, events EventSink, logger *slog.Logger, ttl time.Duration, cost int) *ResetService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if cost <= 0 {
		cost = bcrypt.DefaultCost
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResetService{repo: repo, events: events, logger: logger, ttl: ttl, cost: cost}
}

// RequestCode issues a recovery code for the email. The outcome is identical
// whether or not the email belongs to an account, so callers cannot probe for
// registered addresses.
func (s *ResetService) RequestCode(ctx context.Context, email string) error {
	account, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			s.logger.Debug("reset code requested for unknown email")
			return nil
		}
		return err
	}

	code, err := generateCode()
	if err != nil {
		return fmt.Errorf("identity: generate reset code: %w", err)
	}
	expiresAt := time.Now().UTC().Add(s.ttl)
	if err := s.repo.SaveResetCode(ctx, account.Email, code, expiresAt); err != nil {
		return err
	}

	if s.events != nil {
		event := ResetRequestedEvent{
			Email:     account.Email,
			Phone:     account.Phone,
			Code:      code,
			ExpiresAt: expiresAt,
		}
		if err := s.events.Publish(ctx, EventPasswordResetRequested, event); err != nil {
			s.logger.Warn("publish event", slog.String("routing_key", EventPasswordResetRequested), slog.Any("error", err))
		}
	}
	return nil
}

// ConsumeCode redeems a recovery code and sets the new password. The code
// check and the password update commit in one transaction; a consumed or
// expired code never authorizes a change.
func (s *ResetService) ConsumeCode(ctx context.Context, email, code, newPassword string) error {
	if email == "" || code == "" {
		return fmt.Errorf("reset code invalid: %w", httpx.ErrUnauthorized)
	}
	if len(newPassword) < 8 || len(newPassword) > 72 {
		return fmt.Errorf("password must be 8-72 characters: %w", httpx.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.cost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}

	account, err := s.repo.ConsumeResetCode(ctx, email, code, string(hash))
	if err != nil {
		return err
	}

	if s.events != nil {
		event := AccountEvent{UserID: account.ID.String(), Username: account.Username, Email: account.Email}
		if err := s.events.Publish(ctx, EventPasswordChanged, event); err != nil {
			s.logger.Warn("publish event", slog.String("routing_key", EventPasswordChanged), slog.Any("error", err))
		}
	}
	return nil
}

// generateCode draws a uniformly random numeric code from crypto/rand.
func generateCode() (string, error) {
	bound := big.NewInt(1)
	for i := 0; i < resetCodeDigits; i++ {
		bound.Mul(bound, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", resetCodeDigits, n), nil
}
