package identity_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyline-id/keyline/internal/identity"
)

func newTestServer(t *testing.T) (*httptest.Server, *mockRepo, *identity.Service) {
	t.Helper()
	repo := newMockRepo()
	sink := &recordSink{}
	tokens := identity.NewTokenIssuer("test-secret", time.Hour)
	service := identity.NewService(repo, tokens, sink, nil, identity.ServiceConfig{BcryptCost: bcrypt.MinCost})
	reset := identity.NewResetService(repo, sink, nil, 15*time.Minute, bcrypt.MinCost)
	directory := identity.NewDirectory(repo)
	handler := identity.NewHandler(nil, service, reset, directory)

	r := chi.NewRouter()
	handler.MountRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, repo, service
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(res.Body).Decode(&decoded)
	return res, decoded
}

func TestAccountLifecycleScenario(t *testing.T) {
	server, _, _ := newTestServer(t)

	// Register alice.
	res, body := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Bearer", body["token_type"])
	assert.NotEmpty(t, body["access_token"])
	user := body["user"].(map[string]any)
	subject := user["id"].(string)
	require.NotEmpty(t, subject)

	// Login with correct credentials returns the same subject.
	res, body = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "Secret123!",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	token := body["access_token"].(string)
	assert.Equal(t, subject, body["user"].(map[string]any)["id"])

	// Wrong password.
	res, _ = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Change password with the correct old password.
	res, _ = doJSON(t, http.MethodPut, server.URL+"/accounts/"+subject, token, map[string]string{
		"old_password": "Secret123!", "new_password": "New123!pass",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// New password works, old one does not.
	res, _ = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "New123!pass",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "Secret123!",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestRegisterConflictAndValidation(t *testing.T) {
	server, _, _ := newTestServer(t)

	res, _ := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "other@x.com", "password": "Secret123!",
	})
	assert.Equal(t, http.StatusConflict, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "al", "email": "bad", "password": "x",
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestLoginFailuresAreIndistinguishable(t *testing.T) {
	server, _, _ := newTestServer(t)
	res, _ := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	wrongRes, wrongBody := doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "wrong",
	})
	ghostRes, ghostBody := doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "ghost", "password": "Secret123!",
	})
	assert.Equal(t, http.StatusUnauthorized, wrongRes.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, ghostRes.StatusCode)
	assert.Equal(t, wrongBody, ghostBody)
}

func TestListAccountsGating(t *testing.T) {
	server, _, service := newTestServer(t)

	res, body := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	userToken := body["access_token"].(string)

	// Regular users may not query the directory.
	res, _ = doJSON(t, http.MethodGet, server.URL+"/accounts?page=1&limit=10", userToken, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// No token at all.
	res, _ = doJSON(t, http.MethodGet, server.URL+"/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	// Admins see the paginated listing.
	require.NoError(t, service.EnsureAdmin(context.Background(), "admin", "admin@gmail.com", "admin123"))
	res, body = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "admin", "password": "admin123",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	adminToken := body["access_token"].(string)

	res, body = doJSON(t, http.MethodGet, server.URL+"/accounts?page=1&limit=10&search=alice", adminToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, float64(1), body["page"])
	assert.Equal(t, float64(10), body["limit"])
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].(map[string]any)["username"])
}

func TestResetCodeEndpoints(t *testing.T) {
	server, repo, _ := newTestServer(t)

	res, _ := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!", "phone": "+15550001111",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)

	// Identical response for known and unknown emails.
	knownRes, knownBody := doJSON(t, http.MethodPost, server.URL+"/codes", "", map[string]string{"email": "alice@x.com"})
	ghostRes, ghostBody := doJSON(t, http.MethodPost, server.URL+"/codes", "", map[string]string{"email": "ghost@x.com"})
	assert.Equal(t, http.StatusOK, knownRes.StatusCode)
	assert.Equal(t, http.StatusOK, ghostRes.StatusCode)
	assert.Equal(t, knownBody, ghostBody)

	code := repo.storedCode(t, "alice@x.com")
	res, _ = doJSON(t, http.MethodPost, server.URL+"/codes/redeem", "", map[string]string{
		"email": "alice@x.com", "code": code.Code, "new_password": "Reset123!pass",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)

	// Second redemption fails.
	res, _ = doJSON(t, http.MethodPost, server.URL+"/codes/redeem", "", map[string]string{
		"email": "alice@x.com", "code": code.Code, "new_password": "Other123!pass",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "Reset123!pass",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestProfileUpdateAuthorization(t *testing.T) {
	server, _, _ := newTestServer(t)

	res, body := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	aliceID := body["user"].(map[string]any)["id"].(string)
	aliceToken := body["access_token"].(string)

	res, body = doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "bob", "email": "bob@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	bobToken := body["access_token"].(string)

	// Bob may not edit alice.
	res, _ = doJSON(t, http.MethodPatch, server.URL+"/accounts/"+aliceID, bobToken, map[string]string{
		"first_name": "Intruder",
	})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// Alice edits herself.
	res, body = doJSON(t, http.MethodPatch, server.URL+"/accounts/"+aliceID, aliceToken, map[string]string{
		"first_name": "Alice", "last_name": "Liddell",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Alice", body["user"].(map[string]any)["first_name"])

	// Bob may not rotate alice's password either.
	res, _ = doJSON(t, http.MethodPut, server.URL+"/accounts/"+aliceID, bobToken, map[string]string{
		"old_password": "Secret123!", "new_password": "New123!pass",
	})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestDeleteAccountEndpoint(t *testing.T) {
	server, _, _ := newTestServer(t)

	res, body := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	aliceID := body["user"].(map[string]any)["id"].(string)
	token := body["access_token"].(string)

	res, _ = doJSON(t, http.MethodDelete, server.URL+"/accounts/"+aliceID, token, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	// The deleted account can no longer authenticate or reuse its token.
	res, _ = doJSON(t, http.MethodPost, server.URL+"/sessions", "", map[string]string{
		"identifier": "alice", "password": "Secret123!",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, http.MethodDelete, server.URL+"/accounts/"+aliceID, token, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestExpiredTokenRejected(t *testing.T) {
	repo := newMockRepo()
	sink := &recordSink{}
	expired := identity.NewTokenIssuer("test-secret", -time.Minute)
	service := identity.NewService(repo, expired, sink, nil, identity.ServiceConfig{BcryptCost: bcrypt.MinCost})
	reset := identity.NewResetService(repo, sink, nil, 15*time.Minute, bcrypt.MinCost)
	handler := identity.NewHandler(nil, service, reset, identity.NewDirectory(repo))

	r := chi.NewRouter()
	handler.MountRoutes(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	res, body := doJSON(t, http.MethodPost, server.URL+"/accounts", "", map[string]string{
		"username": "alice", "email": "alice@x.com", "password": "Secret123!",
	})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	token := body["access_token"].(string)

	res, problem := doJSON(t, http.MethodGet, server.URL+"/accounts", token, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, fmt.Sprintf("%v", identity.ErrTokenExpired), problem["detail"])
}
