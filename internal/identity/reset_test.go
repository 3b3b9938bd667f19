package identity_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-id/keyline/internal/identity"
	"github.com/keyline-id/keyline/internal/platform/httpx"
)

func newResetFixture(t *testing.T) (*identity.ResetService, *identity.Service, *mockRepo, *recordSink) {
	t.Helper()
	repo := newMockRepo()
	sink := &recordSink{}
	tokens := identity.NewTokenIssuer("test-secret", time.Hour)
	service := identity.NewService(repo, tokens, sink, nil, identity.ServiceConfig{BcryptCost: bcrypt.MinCost})
	reset := identity.NewResetService(repo, sink, nil, 15*time.Minute, bcrypt.MinCost)
	return reset, service, repo, sink
}

func (m *mockRepo) storedCode(t *testing.T, email string) *identity.ResetCode {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	code, ok := m.codes[strings.ToLower(email)]
	require.True(t, ok, "no reset code stored for %s", email)
	cp := *code
	return &cp
}

func TestRequestCodeUnknownEmailIsSilent(t *testing.T) {
	reset, _, repo, sink := newResetFixture(t)

	err := reset.RequestCode(context.Background(), "ghost@x.com")
	require.NoError(t, err, "unknown email must look identical to a known one")
	assert.Empty(t, repo.codes)
	assert.Empty(t, sink.routingKeys())
}

func TestRequestCodeStoresAndPublishes(t *testing.T) {
	reset, service, repo, sink := newResetFixture(t)
	registerAlice(t, service)

	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))

	code := repo.storedCode(t, "alice@x.com")
	assert.Len(t, code.Code, 6)
	assert.False(t, code.Consumed)
	assert.True(t, code.ExpiresAt.After(time.Now()))
	assert.Contains(t, sink.routingKeys(), identity.EventPasswordResetRequested)
}

func TestConsumeCodeRotatesPassword(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)
	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	code := repo.storedCode(t, "alice@x.com")

	err := reset.ConsumeCode(context.Background(), "alice@x.com", code.Code, "Reset123!pass")
	require.NoError(t, err)

	_, _, err = service.Authenticate(context.Background(), "alice", "Reset123!pass")
	assert.NoError(t, err)
	_, _, err = service.Authenticate(context.Background(), "alice", "Secret123!")
	assert.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestConsumeCodeTwiceFails(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)
	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	code := repo.storedCode(t, "alice@x.com")

	require.NoError(t, reset.ConsumeCode(context.Background(), "alice@x.com", code.Code, "Reset123!pass"))

	err := reset.ConsumeCode(context.Background(), "alice@x.com", code.Code, "Other123!pass")
	assert.ErrorIs(t, err, httpx.ErrUnauthorized)

	// The failed second attempt left the password from the first intact.
	_, _, err = service.Authenticate(context.Background(), "alice", "Reset123!pass")
	assert.NoError(t, err)
}

func TestConsumeExpiredCodeFails(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)
	require.NoError(t, repo.SaveResetCode(context.Background(), "alice@x.com", "123456", time.Now().Add(-time.Minute)))
	_ = service

	err := reset.ConsumeCode(context.Background(), "alice@x.com", "123456", "Reset123!pass")
	assert.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestConsumeWrongCodeFails(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)
	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	_ = repo.storedCode(t, "alice@x.com")

	err := reset.ConsumeCode(context.Background(), "alice@x.com", "000000x", "Reset123!pass")
	assert.ErrorIs(t, err, httpx.ErrUnauthorized)
}

func TestSecondRequestOverwritesFirst(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)

	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	first := repo.storedCode(t, "alice@x.com")
	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	second := repo.storedCode(t, "alice@x.com")

	if first.Code == second.Code {
		t.Skip("random codes collided")
	}

	err := reset.ConsumeCode(context.Background(), "alice@x.com", first.Code, "Reset123!pass")
	assert.ErrorIs(t, err, httpx.ErrUnauthorized, "overwritten code must not redeem")

	assert.NoError(t, reset.ConsumeCode(context.Background(), "alice@x.com", second.Code, "Reset123!pass"))
}

func TestConsumeCodeWeakPassword(t *testing.T) {
	reset, service, repo, _ := newResetFixture(t)
	registerAlice(t, service)
	require.NoError(t, reset.RequestCode(context.Background(), "alice@x.com"))
	code := repo.storedCode(t, "alice@x.com")

	err := reset.ConsumeCode(context.Background(), "alice@x.com", code.Code, "weak")
	assert.ErrorIs(t, err, httpx.ErrValidation)

	// Weak password attempt must not burn the code.
	assert.NoError(t, reset.ConsumeCode(context.Background(), "alice@x.com", code.Code, "Reset123!pass"))
}
