package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const credentialColumns = `
	id, user_id, exchange, environment, api_key_encrypted, api_secret_encrypted,
	passphrase_encrypted, base_urls, COALESCE(key_version, 1), account_tier,
	is_management, testnet_mode, trading_enabled, is_active, created_at, updated_at`

// UpsertCredential stores a key set; one row per (user, exchange, environment).
func (q *Queries) UpsertCredential(ctx context.Context, c CredentialRecord) error {
	if c.UserID == "" {
		return ErrUserIDRequired
	}
	if c.AccountTier == "" {
		c.AccountTier = "STANDARD"
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exchange_credentials (
			id, user_id, exchange, environment, api_key_encrypted, api_secret_encrypted,
			passphrase_encrypted, base_urls, key_version, account_tier, is_management,
			testnet_mode, trading_enabled, is_active, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id, exchange, environment) DO UPDATE SET
			api_key_encrypted = excluded.api_key_encrypted,
			api_secret_encrypted = excluded.api_secret_encrypted,
			passphrase_encrypted = excluded.passphrase_encrypted,
			base_urls = excluded.base_urls,
			key_version = excluded.key_version,
			account_tier = excluded.account_tier,
			is_management = excluded.is_management,
			testnet_mode = excluded.testnet_mode,
			trading_enabled = excluded.trading_enabled,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP
	`, c.ID, c.UserID, c.Exchange, c.Environment, c.APIKeyEncrypted, c.APISecretEncrypted,
		c.PassphraseEncrypted, strings.Join(c.BaseURLs, ","), c.KeyVersion, c.AccountTier,
		c.IsManagement, c.TestnetMode, c.TradingEnabled, c.IsActive)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// GetCredential returns the active key set for a user account.
func (q *Queries) GetCredential(ctx context.Context, userID, exchange, environment string) (*CredentialRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM exchange_credentials
		WHERE user_id = ? AND exchange = ? AND environment = ? AND is_active = 1
	`, userID, exchange, environment)
	if err != nil {
		return nil, fmt.Errorf("query credential: %w", err)
	}
	creds, err := scanCredentials(rows)
	if err != nil {
		return nil, err
	}
	if len(creds) == 0 {
		return nil, ErrNotFound
	}
	return &creds[0], nil
}

// CredentialsByUser returns all active key sets of a user.
func (q *Queries) CredentialsByUser(ctx context.Context, userID string) ([]CredentialRecord, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM exchange_credentials
		WHERE user_id = ? AND is_active = 1
		ORDER BY exchange, environment
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	return scanCredentials(rows)
}

// TradingCredentials returns every active, trading-enabled key set.
func (q *Queries) TradingCredentials(ctx context.Context) ([]CredentialRecord, error) {
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM exchange_credentials
		WHERE is_active = 1 AND trading_enabled = 1
		ORDER BY user_id, exchange, environment
	`)
	if err != nil {
		return nil, fmt.Errorf("query trading credentials: %w", err)
	}
	return scanCredentials(rows)
}

// CredentialsBelowKeyVersion returns active key sets sealed with a master key
// older than version.
func (q *Queries) CredentialsBelowKeyVersion(ctx context.Context, version int) ([]CredentialRecord, error) {
	rows, err := q.reader.QueryContext(ctx, `
		SELECT `+credentialColumns+`
		FROM exchange_credentials
		WHERE is_active = 1 AND COALESCE(key_version, 1) < ?
		ORDER BY user_id, exchange, environment
	`, version)
	if err != nil {
		return nil, fmt.Errorf("query stale credentials: %w", err)
	}
	return scanCredentials(rows)
}

// UpdateCredentialSecrets replaces the sealed fields of one key set.
func (q *Queries) UpdateCredentialSecrets(ctx context.Context, id, apiKey, apiSecret, passphrase string, keyVersion int) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE exchange_credentials
		SET api_key_encrypted = ?, api_secret_encrypted = ?, passphrase_encrypted = ?,
			key_version = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, apiKey, apiSecret, passphrase, keyVersion, id)
	if err != nil {
		return fmt.Errorf("update credential secrets: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateCredential disables a key set without deleting it.
func (q *Queries) DeactivateCredential(ctx context.Context, userID, exchange, environment string) error {
	if userID == "" {
		return ErrUserIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE exchange_credentials SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND exchange = ? AND environment = ?
	`, userID, exchange, environment)
	if err != nil {
		return fmt.Errorf("deactivate credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanCredentials(rows *sql.Rows) ([]CredentialRecord, error) {
	defer rows.Close()

	var out []CredentialRecord
	for rows.Next() {
		var (
			c    CredentialRecord
			urls string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Exchange, &c.Environment,
			&c.APIKeyEncrypted, &c.APISecretEncrypted, &c.PassphraseEncrypted, &urls,
			&c.KeyVersion, &c.AccountTier, &c.IsManagement, &c.TestnetMode,
			&c.TradingEnabled, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.BaseURLs = splitURLs(urls)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return out, nil
}

func splitURLs(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
