package identity

import (
	"context"
	"fmt"

	"github.com/keyline-id/keyline/internal/platform/httpx"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Page contains pagination metadata for directory listings.
type Page struct {
	Total int `json:"total"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// Directory serves the admin-gated account listing.
type Directory struct {
	repo Repository
}

// NewDirectory constructs a Directory.
func NewDirectory(repo Repository) *Directory {
	return &Directory{repo: repo}
}

// ListAccounts returns one page of account summaries. Only admins may query
// the directory. Search applies a case-insensitive substring match against
// username and email. Ordering is stable (created_at, id) so identical queries
// return identical slices absent concurrent writes.
func (d *Directory) ListAccounts(ctx context.Context, actor *Claims, page, limit int, search string) ([]PublicAccount, Page, error) {
	if actor == nil || actor.Role != RoleAdmin {
		return nil, Page{}, fmt.Errorf("directory requires admin role: %w", httpx.ErrForbidden)
	}
	if page <= 0 {
		page = 1
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	accounts, total, err := d.repo.ListAccounts(ctx, ListRequest{Page: page, Limit: limit, Search: search})
	if err != nil {
		return nil, Page{}, err
	}

	items := make([]PublicAccount, len(accounts))
	for i := range accounts {
		items[i] = accounts[i].Public()
	}
	return items, Page{Total: total, Page: page, Limit: limit}, nil
}
