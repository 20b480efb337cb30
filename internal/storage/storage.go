// Package storage is the PostgreSQL store behind discovery, enrichment and the
// registration pipeline.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/shared/postgresql"
)

const userColumns = `id, customer_key, full_name, phone, email, address, last_discovery_at, created_at, updated_at`

const accountColumns = `id, user_id, account_id, account_name, currency, category_code, balance, active, enriched_at, enrich_attempted_at, created_at`

const registrationColumns = `id, customer_key, full_name, phone, email, status, retry_count, error_message, processed_by, processed_at, created_at`

// Storage handles all database operations
type Storage struct {
	db *sqlx.DB
}

// NewStorage creates a new Storage instance
func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{db: pg.GetDB()}
}

// ListSubjectsForDiscovery returns up to limit users, least recently discovered first
func (s *Storage) ListSubjectsForDiscovery(ctx context.Context, limit int) ([]domain.User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		ORDER BY last_discovery_at ASC NULLS FIRST, id ASC
		LIMIT $1
	`

	var users []domain.User
	if err := s.db.SelectContext(ctx, &users, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// ListAccountIDs returns the account IDs known for a user
func (s *Storage) ListAccountIDs(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT account_id FROM accounts WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("failed to list account ids: %w", err)
	}
	return ids, nil
}

// AccountExists reports whether the user already has the account
func (s *Storage) AccountExists(ctx context.Context, userID int64, accountID string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1 AND account_id = $2)`
	if err := s.db.GetContext(ctx, &exists, query, userID, accountID); err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

// InsertAccount inserts an account. A concurrent insert of the same account is a no-op.
func (s *Storage) InsertAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (user_id, account_id, account_name, currency, category_code, balance, active, created_at)
		VALUES (:user_id, :account_id, :account_name, :currency, :category_code, :balance, :active, :created_at)
		ON CONFLICT (user_id, account_id) DO NOTHING
	`
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now()
	}
	if _, err := s.db.NamedExecContext(ctx, query, account); err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// MarkDiscovered stamps the user's last discovery time
func (s *Storage) MarkDiscovered(ctx context.Context, userID int64, at time.Time) error {
	return s.execOne(ctx, `UPDATE users SET last_discovery_at = $2 WHERE id = $1`, userID, at)
}

// DeactivateAccountsNotIn deactivates the user's active accounts missing from keep
func (s *Storage) DeactivateAccountsNotIn(ctx context.Context, userID int64, keep []string) (int, error) {
	query := `
		UPDATE accounts
		SET active = FALSE
		WHERE user_id = $1
		  AND active
		  AND NOT (account_id = ANY($2))
	`
	res, err := s.db.ExecContext(ctx, query, userID, pq.Array(keep))
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate accounts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}

// ListAccountsMissingDetails returns active accounts never enriched. Accounts
// never attempted come first, then the least recently attempted.
func (s *Storage) ListAccountsMissingDetails(ctx context.Context, limit int) ([]domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE enriched_at IS NULL AND active
		ORDER BY enrich_attempted_at ASC NULLS FIRST, id ASC
		LIMIT $1
	`

	var accounts []domain.Account
	if err := s.db.SelectContext(ctx, &accounts, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// MarkEnrichmentAttempted records a detail lookup that did not enrich the account
func (s *Storage) MarkEnrichmentAttempted(ctx context.Context, id int64, at time.Time) error {
	return s.execOne(ctx, `UPDATE accounts SET enrich_attempted_at = $2 WHERE id = $1`, id, at)
}

// UpdateAccountDetails writes the enrichment fields of an account
func (s *Storage) UpdateAccountDetails(ctx context.Context, account *domain.Account) error {
	query := `
		UPDATE accounts
		SET account_name = :account_name,
		    currency = :currency,
		    category_code = :category_code,
		    balance = :balance,
		    enriched_at = :enriched_at
		WHERE id = :id
	`
	res, err := s.db.NamedExecContext(ctx, query, account)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return requireRow(res)
}

// UpsertCategory creates a category if absent and reports whether it did
func (s *Storage) UpsertCategory(ctx context.Context, code, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO categories (code, name) VALUES ($1, $2) ON CONFLICT (code) DO NOTHING`,
		code, name,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert category: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// GetUser loads a user by ID
func (s *Storage) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	var user domain.User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSubjectNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

// FindUserByCustomerKey returns nil, nil when no user has the key
func (s *Storage) FindUserByCustomerKey(ctx context.Context, customerKey string) (*domain.User, error) {
	var user domain.User
	err := s.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE customer_key = $1`, customerKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	return &user, nil
}

// CreateUser inserts a user and sets its ID
func (s *Storage) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (customer_key, full_name, phone, email, address)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := s.db.QueryRowxContext(ctx, query,
		user.CustomerKey, user.FullName, user.Phone, user.Email, user.Address,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// UpdateUserProfile sets the non-empty fields of patch
func (s *Storage) UpdateUserProfile(ctx context.Context, id int64, patch domain.ProfilePatch) error {
	query := `
		UPDATE users
		SET full_name = COALESCE(NULLIF($2, ''), full_name),
		    phone = COALESCE(NULLIF($3, ''), phone),
		    email = COALESCE(NULLIF($4, ''), email),
		    address = COALESCE(NULLIF($5, ''), address),
		    updated_at = NOW()
		WHERE id = $1
	`
	return s.execOne(ctx, query, id, patch.FullName, patch.Phone, patch.Email, patch.Address)
}

// GetRegistration loads a registration by ID
func (s *Storage) GetRegistration(ctx context.Context, id int64) (*domain.Registration, error) {
	var reg domain.Registration
	err := s.db.GetContext(ctx, &reg, `SELECT `+registrationColumns+` FROM registrations WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrSubjectNotFound
		}
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &reg, nil
}

// CreateRegistration inserts a pending registration and sets its ID
func (s *Storage) CreateRegistration(ctx context.Context, reg *domain.Registration) error {
	query := `
		INSERT INTO registrations (customer_key, full_name, phone, email, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`
	status := reg.Status
	if status == "" {
		status = domain.RegistrationStatusPending
	}
	err := s.db.QueryRowxContext(ctx, query,
		reg.CustomerKey, reg.FullName, reg.Phone, reg.Email, status,
	).Scan(&reg.ID, &reg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create registration: %w", err)
	}
	reg.Status = status
	return nil
}

// RegistrationFilter selects a page of registrations, newest first
type RegistrationFilter struct {
	Status   string
	PageSize int
	Cursor   *RegistrationCursor
}

// RegistrationCursor is the position after the last row of the previous page
type RegistrationCursor struct {
	CreatedAt time.Time
	ID        int64
}

// ListRegistrations returns up to PageSize+1 registrations so callers can tell
// whether another page exists
func (s *Storage) ListRegistrations(ctx context.Context, filter RegistrationFilter) ([]domain.Registration, error) {
	query := `SELECT ` + registrationColumns + ` FROM registrations WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var regs []domain.Registration
	if err := s.db.SelectContext(ctx, &regs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list registrations: %w", err)
	}
	return regs, nil
}

// UpdateRegistrationStatus records the outcome of a pipeline run. Only a
// PENDING registration is updated, so of two concurrent runs one wins.
func (s *Storage) UpdateRegistrationStatus(ctx context.Context, id int64, status string, operatorID *int64, at time.Time) error {
	query := `
		UPDATE registrations
		SET status = $2, processed_by = $3, processed_at = $4
		WHERE id = $1 AND status = $5
	`
	err := s.execOne(ctx, query, id, status, operatorID, at, domain.RegistrationStatusPending)
	if !errors.Is(err, domain.ErrSubjectNotFound) {
		return err
	}
	if _, getErr := s.GetRegistration(ctx, id); getErr != nil {
		return getErr
	}
	return fmt.Errorf("registration %d: %w", id, domain.ErrAlreadyProcessed)
}

// RecordRegistrationFailure increments the retry counter and stores the error message
func (s *Storage) RecordRegistrationFailure(ctx context.Context, id int64, message string) error {
	query := `
		UPDATE registrations
		SET retry_count = retry_count + 1, error_message = $2
		WHERE id = $1
	`
	return s.execOne(ctx, query, id, message)
}

func (s *Storage) execOne(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to execute update: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return domain.ErrSubjectNotFound
	}
	return nil
}
