package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/keyline-id/keyline/internal/platform/db"
	"github.com/keyline-id/keyline/internal/platform/httpx"
)

// ListRequest carries directory query parameters down to the store.
type ListRequest struct {
	Page   int
	Limit  int
	Search string
}

// Repository defines persistence operations for identity records.
type Repository interface {
	CreateAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)
	FindByIdentifier(ctx context.Context, identifier string) (*Account, error)
	FindByEmail(ctx context.Context, email string) (*Account, error)
	UpdateProfile(ctx context.Context, id uuid.UUID, firstName, lastName, phone string) (*Account, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	DeleteAccount(ctx context.Context, id uuid.UUID) error
	ListAccounts(ctx context.Context, req ListRequest) ([]Account, int, error)
	SaveResetCode(ctx context.Context, email, code string, expiresAt time.Time) error
	ConsumeResetCode(ctx context.Context, email, code, newPasswordHash string) (*Account, error)
	PurgeResetCodes(ctx context.Context, before time.Time) (int64, error)
}

const accountColumns = `id, username, email, password_hash, first_name, last_name, phone, role, status, token_epoch, created_at, updated_at`

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var role, status string
	if err := row.Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.FirstName, &a.LastName,
		&a.Phone, &role, &status, &a.TokenEpoch, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Status = Status(status)
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateAccount inserts a new account record. Uniqueness violations on
// username or email map to httpx.ErrDuplicate.
func (r *PGRepository) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now().UTC()
	account.CreatedAt = now
	account.UpdatedAt = now
	_, err := r.pool.Exec(ctx, `INSERT INTO accounts
(id, username, email, password_hash, first_name, last_name, phone, role, status, token_epoch, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		account.ID, account.Username, account.Email, account.PasswordHash, account.FirstName,
		account.LastName, account.Phone, string(account.Role), string(account.Status),
		account.TokenEpoch, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("identity: username or email taken: %w", httpx.ErrDuplicate)
		}
		return fmt.Errorf("identity: create account: %w", err)
	}
	return nil
}

// GetAccount fetches a non-deleted account by id.
func (r *PGRepository) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE id = $1 AND status <> 'deleted'`, id)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("identity: account %s: %w", id, httpx.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: get account: %w", err)
	}
	return account, nil
}

// FindByIdentifier resolves a username (exact match) or an email
// (case-insensitive) to a non-deleted account.
func (r *PGRepository) FindByIdentifier(ctx context.Context, identifier string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE (username = $1 OR lower(email) = lower($1)) AND status <> 'deleted'
LIMIT 1`, identifier)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("identity: identifier: %w", httpx.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: find by identifier: %w", err)
	}
	return account, nil
}

// FindByEmail fetches a non-deleted account by email, case-insensitively.
func (r *PGRepository) FindByEmail(ctx context.Context, email string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE lower(email) = lower($1) AND status <> 'deleted'`, email)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("identity: email: %w", httpx.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: find by email: %w", err)
	}
	return account, nil
}

// UpdateProfile mutates the profile fields and returns the refreshed record.
func (r *PGRepository) UpdateProfile(ctx context.Context, id uuid.UUID, firstName, lastName, phone string) (*Account, error) {
	row := r.pool.QueryRow(ctx, `UPDATE accounts
SET first_name = $2, last_name = $3, phone = $4, updated_at = now()
WHERE id = $1 AND status <> 'deleted'
RETURNING `+accountColumns, id, firstName, lastName, phone)
	account, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("identity: account %s: %w", id, httpx.ErrNotFound)
		}
		return nil, fmt.Errorf("identity: update profile: %w", err)
	}
	return account, nil
}

// UpdatePassword stores a new password hash and bumps the token epoch so
// previously minted bearer tokens stop verifying.
func (r *PGRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts
SET password_hash = $2, token_epoch = token_epoch + 1, updated_at = now()
WHERE id = $1 AND status <> 'deleted'`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("identity: update password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity: account %s: %w", id, httpx.ErrNotFound)
	}
	return nil
}

// DeleteAccount soft-deletes the account. The epoch bump invalidates any
// outstanding bearer tokens immediately.
func (r *PGRepository) DeleteAccount(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE accounts
SET status = 'deleted', token_epoch = token_epoch + 1, updated_at = now()
WHERE id = $1 AND status <> 'deleted'`, id)
	if err != nil {
		return fmt.Errorf("identity: delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity: account %s: %w", id, httpx.ErrNotFound)
	}
	return nil
}

// ListAccounts returns one page of non-deleted accounts ordered by creation
// time then id, plus the total match count.
func (r *PGRepository) ListAccounts(ctx context.Context, req ListRequest) ([]Account, int, error) {
	where := `status <> 'deleted'`
	args := []any{}
	if req.Search != "" {
		where += ` AND (username ILIKE $1 OR email ILIKE $1)`
		args = append(args, "%"+escapeLike(req.Search)+"%")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("identity: count accounts: %w", err)
	}

	offset := (req.Page - 1) * req.Limit
	query := fmt.Sprintf(`SELECT %s FROM accounts WHERE %s ORDER BY created_at, id LIMIT $%d OFFSET $%d`,
		accountColumns, where, len(args)+1, len(args)+2)
	args = append(args, req.Limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("identity: scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("identity: list accounts: %w", err)
	}
	return accounts, total, nil
}

func escapeLike(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(s)
}

// SaveResetCode stores the recovery code for an email. A previous outstanding
// code for the same email is overwritten and thereby invalidated.
func (r *PGRepository) SaveResetCode(ctx context.Context, email, code string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO reset_codes (email, code, expires_at, consumed, created_at)
VALUES (lower($1), $2, $3, false, now())
ON CONFLICT (email) DO UPDATE SET code = EXCLUDED.code, expires_at = EXCLUDED.expires_at,
consumed = false, created_at = now()`, email, code, expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("identity: save reset code: %w", err)
	}
	return nil
}

// ConsumeResetCode redeems a recovery code and rotates the account password in
// a single transaction. The conditional update makes concurrent redemption
// attempts single-winner.
func (r *PGRepository) ConsumeResetCode(ctx context.Context, email, code, newPasswordHash string) (*Account, error) {
	var account *Account
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE reset_codes SET consumed = true
WHERE email = lower($1) AND code = $2 AND consumed = false AND expires_at > now()`, email, code)
		if err != nil {
			return fmt.Errorf("identity: consume reset code: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("identity: reset code invalid, expired or consumed: %w", httpx.ErrUnauthorized)
		}

		row := tx.QueryRow(ctx, `UPDATE accounts
SET password_hash = $2, token_epoch = token_epoch + 1, updated_at = now()
WHERE lower(email) = lower($1) AND status <> 'deleted'
RETURNING `+accountColumns, email, newPasswordHash)
		account, err = scanAccount(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("identity: reset code without account: %w", httpx.ErrUnauthorized)
			}
			return fmt.Errorf("identity: reset password: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// PurgeResetCodes deletes consumed codes and codes that expired before the
// given cutoff. Used by the maintenance worker.
func (r *PGRepository) PurgeResetCodes(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM reset_codes WHERE consumed = true OR expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("identity: purge reset codes: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ Repository = (*PGRepository)(nil)
