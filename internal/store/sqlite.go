package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go driver, registered as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the production Store, grounded on the teacher's
// go-backend/internal/auth/database.go (database/sql + modernc.org/sqlite
// for Windows/cross-compile friendliness), extended from read-only
// introspection to full read-write CRUD and schema-managed via
// golang-migrate instead of hand-rolled CREATE TABLE IF NOT EXISTS.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and migrates) the sqlite database at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate_(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func migrate_(db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	srcDriver, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", srcDriver, "sqlite3", dbDriver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *Account) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (email, refresh_token, status, error_count)
		VALUES (?, ?, ?, 0)`, nullableString(a.Email), a.RefreshToken, string(StatusDisabled))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id int64) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(email,''), refresh_token, COALESCE(access_token,''),
		       COALESCE(access_token_expires_at,0), COALESCE(project_id,''),
		       COALESCE(tier,''), status, error_count, COALESCE(last_used_at,0),
		       COALESCE(last_error_at,0), COALESCE(last_error_message,'')
		FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(email,''), refresh_token, COALESCE(access_token,''),
		       COALESCE(access_token_expires_at,0), COALESCE(project_id,''),
		       COALESCE(tier,''), status, error_count, COALESCE(last_used_at,0),
		       COALESCE(last_error_at,0), COALESCE(last_error_message,'')
		FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAccount(row scanner) (*Account, error) {
	a := &Account{}
	var status string
	err := row.Scan(&a.ID, &a.Email, &a.RefreshToken, &a.AccessToken,
		&a.AccessTokenExpiresAt, &a.ProjectID, &a.Tier, &status, &a.ErrorCount,
		&a.LastUsedAt, &a.LastErrorAt, &a.LastErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	a.Status = AccountStatus(status)
	return a, nil
}

func (s *SQLiteStore) UpdateAccountToken(ctx context.Context, id int64, accessToken string, expiresAt int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET access_token = ?, access_token_expires_at = ? WHERE id = ?`,
		accessToken, expiresAt, id)
	return err
}

func (s *SQLiteStore) UpdateAccountDiscovery(ctx context.Context, id int64, projectID, tier string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET project_id = ?, tier = ? WHERE id = ?`, projectID, tier, id)
	return err
}

func (s *SQLiteStore) UpdateAccountStatus(ctx context.Context, id int64, status AccountStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET status = ? WHERE id = ?`, string(status), id)
	return err
}

func (s *SQLiteStore) TouchAccountUsed(ctx context.Context, id int64, usedAt int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_used_at = ? WHERE id = ?`, usedAt, id)
	return err
}

func (s *SQLiteStore) RecordAccountError(ctx context.Context, id int64, at int64, message string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE accounts SET error_count = error_count + 1, last_error_at = ?, last_error_message = ?
		WHERE id = ?`, at, message, id); err != nil {
		return 0, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT error_count FROM accounts WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

func (s *SQLiteStore) ResetAccountErrors(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET error_count = 0 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM capacity_cooldowns WHERE account_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SetCooldown(ctx context.Context, c Cooldown) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capacity_cooldowns (account_id, model, cooldown_until, reset_hint_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id, model) DO UPDATE SET cooldown_until = excluded.cooldown_until,
			reset_hint_ms = excluded.reset_hint_ms`,
		c.AccountID, c.Model, c.CooldownUntil, c.ResetHintMs)
	return err
}

func (s *SQLiteStore) ClearCooldown(ctx context.Context, accountID int64, model string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM capacity_cooldowns WHERE account_id = ? AND model = ?`, accountID, model)
	return err
}

func (s *SQLiteStore) GetCooldown(ctx context.Context, accountID int64, model string) (*Cooldown, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, model, cooldown_until, COALESCE(reset_hint_ms,0)
		FROM capacity_cooldowns WHERE account_id = ? AND model = ?`, accountID, model)
	c := &Cooldown{}
	err := row.Scan(&c.AccountID, &c.Model, &c.CooldownUntil, &c.ResetHintMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) ListCooldowns(ctx context.Context, model string) ([]Cooldown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, model, cooldown_until, COALESCE(reset_hint_ms,0)
		FROM capacity_cooldowns WHERE model = ?`, model)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cooldown
	for rows.Next() {
		var c Cooldown
		if err := rows.Scan(&c.AccountID, &c.Model, &c.CooldownUntil, &c.ResetHintMs); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAPIKey(ctx context.Context, k *APIKey) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_hash, label, disabled, created_at) VALUES (?, ?, 0, strftime('%s','now')*1000)`,
		k.KeyHash, k.Label)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash, COALESCE(label,''), disabled FROM api_keys WHERE key_hash = ?`, keyHash)
	k := &APIKey{}
	var disabled int
	err := row.Scan(&k.ID, &k.KeyHash, &k.Label, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.Disabled = disabled != 0
	return k, nil
}

func (s *SQLiteStore) SetModelMapping(ctx context.Context, callerModel, upstreamModel string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_mappings (caller_model, upstream_model) VALUES (?, ?)
		ON CONFLICT(caller_model) DO UPDATE SET upstream_model = excluded.upstream_model`,
		callerModel, upstreamModel)
	return err
}

func (s *SQLiteStore) GetModelMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT caller_model, upstream_model FROM model_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var caller, upstream string
		if err := rows.Scan(&caller, &upstream); err != nil {
			return nil, err
		}
		out[caller] = upstream
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendRequestLog(ctx context.Context, l *RequestLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (account_id, api_key_id, model, prompt_tokens, completion_tokens,
			total_tokens, thinking_tokens, status, latency_ms, error_message, created_at,
			request_id, attempt_no, account_attempt, same_retry)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		nullableID(l.AccountID), nullableID(l.APIKeyID), l.Model, l.PromptTokens, l.CompletionTokens,
		l.TotalTokens, l.ThinkingTokens, l.Status, l.LatencyMs, l.ErrorMessage, l.CreatedAt,
		l.RequestID, l.AttemptNo, l.AccountAttempt, boolToInt(l.SameRetry))
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
