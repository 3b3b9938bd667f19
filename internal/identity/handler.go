package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

type ctxKey int

const actorKey ctxKey = iota

type actorContext struct {
	account *Account
	claims  *Claims
}

// ActorFromContext returns the authenticated account and claims, if any.
func ActorFromContext(ctx context.Context) (*Account, *Claims, bool) {
	actor, ok := ctx.Value(actorKey).(*actorContext)
	if !ok {
		return nil, nil, false
	}
	return actor.account, actor.claims, true
}

// Handler wires the identity HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	reset     *ResetService
	directory *Directory
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, reset *ResetService, directory *Directory) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, reset: reset, directory: directory}
}

// MountRoutes registers identity routes on the provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/accounts", h.handleRegister)
	r.Post("/sessions", h.handleLogin)
	r.Post("/codes", h.handleRequestCode)
	r.Post("/codes/redeem", h.handleRedeemCode)

	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		r.Get("/accounts", h.handleListAccounts)
		r.Patch("/accounts/{id}", h.handleUpdateProfile)
		r.Put("/accounts/{id}", h.handleChangePassword)
		r.Delete("/accounts/{id}", h.handleDeleteAccount)
	})
}

// RequireAuth authenticates the bearer token and stores the resolved account
// in the request context.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "bearer token required")
			return
		}
		account, claims, err := h.service.Authorize(r.Context(), strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), actorKey, &actorContext{account: account, claims: claims})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tokenResponse struct {
	AccessToken string        `json:"access_token"`
	TokenType   string        `json:"token_type"`
	User        PublicAccount `json:"user"`
}

type registerRequest struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	account, token, err := h.service.Register(r.Context(), RegisterInput{
		Username:  req.Username,
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		User:        account.Public(),
	})
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
}

func (r loginRequest) identifier() string {
	if r.Identifier != "" {
		return r.Identifier
	}
	if r.Username != "" {
		return r.Username
	}
	return r.Email
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	account, token, err := h.service.Authenticate(r.Context(), req.identifier(), req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		User:        account.Public(),
	})
}

type requestCodeRequest struct {
	Email string `json:"email"`
}

func (h *Handler) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	var req requestCodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.reset.RequestCode(r.Context(), req.Email); err != nil {
		httpx.RespondError(w, err)
		return
	}
	// Identical body whether or not the email exists.
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type redeemCodeRequest struct {
	Email       string `json:"email"`
	Code        string `json:"code"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) handleRedeemCode(w http.ResponseWriter, r *http.Request) {
	var req redeemCodeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.reset.ConsumeCode(r.Context(), req.Email, req.Code, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type listResponse struct {
	Items []PublicAccount `json:"items"`
	Total int             `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	_, claims, _ := ActorFromContext(r.Context())
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	search := r.URL.Query().Get("search")

	items, meta, err := h.directory.ListAccounts(r.Context(), claims, page, limit, search)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if items == nil {
		items = []PublicAccount{}
	}
	httpx.JSON(w, http.StatusOK, listResponse{Items: items, Total: meta.Total, Page: meta.Page, Limit: meta.Limit})
}

type profileRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
		return
	}
	var req profileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	_, claims, _ := ActorFromContext(r.Context())
	account, err := h.service.UpdateProfile(r.Context(), claims, id, ProfileInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]PublicAccount{"user": account.Public()})
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
		return
	}
	_, claims, _ := ActorFromContext(r.Context())
	// Password rotation needs the old password, so only the owner may rotate.
	if claims == nil || claims.Subject != id.String() {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "not the account owner")
		return
	}
	var req changePasswordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.service.ChangePassword(r.Context(), id, req.OldPassword, req.NewPassword); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
		return
	}
	_, claims, _ := ActorFromContext(r.Context())
	if err := h.service.DeleteAccount(r.Context(), claims, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
