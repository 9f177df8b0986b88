// Package credentials stores per-user exchange key sets, sealed at rest, and
// hands them out for the duration of a single call.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"order-core/pkg/crypto"
	"order-core/pkg/db"
	"order-core/pkg/exchanges/common"
)

// ErrNotFound is returned when no active key set matches.
var ErrNotFound = errors.New("credential not found")

// Sealer encrypts and decrypts key material bound to a scope.
type Sealer interface {
	Seal(plaintext, scope string) (string, error)
	Open(ciphertext, scope string) (string, error)
	Reseal(ciphertext, scope string) (string, error)
	CurrentVersion() int
}

// Account is a user's key set on one exchange/environment, without secrets.
type Account struct {
	UserID       string
	Exchange     string
	Environment  common.Environment
	Tier         string
	IsManagement bool
	TestnetMode  bool
}

// AccountHints summarizes what the store knows about a user's accounts on
// one exchange; it feeds environment classification.
type AccountHints struct {
	Known        bool
	IsManagement bool
	TestnetMode  bool
	// SandboxKey is set when the only keys on file are registered for testnet.
	SandboxKey bool
	Tier       string
}

// SaveRequest carries plaintext key material to be sealed and stored.
type SaveRequest struct {
	UserID         string
	Exchange       string
	Environment    common.Environment
	APIKey         string
	APISecret      string
	Passphrase     string
	BaseURLs       []string
	Tier           string
	IsManagement   bool
	TestnetMode    bool
	TradingEnabled bool
}

// Store is backed by the exchange_credentials table.
type Store struct {
	q      *db.Queries
	sealer Sealer
	logger *zap.Logger
}

// NewStore creates a Store.
func NewStore(q *db.Queries, sealer Sealer, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{q: q, sealer: sealer, logger: logger}
}

func scope(userID, exchange string, env common.Environment, field string) string {
	return crypto.Scope(userID, strings.ToLower(exchange), string(env), field)
}

// Save seals and upserts a key set.
func (s *Store) Save(ctx context.Context, req SaveRequest) error {
	if req.UserID == "" {
		return db.ErrUserIDRequired
	}
	if !req.Environment.Valid() {
		return fmt.Errorf("invalid environment %q", req.Environment)
	}
	if req.APIKey == "" || req.APISecret == "" {
		return errors.New("api key and secret are required")
	}
	exchange := strings.ToLower(req.Exchange)

	seal := func(field, v string) (string, error) {
		if v == "" {
			return "", nil
		}
		out, err := s.sealer.Seal(v, scope(req.UserID, exchange, req.Environment, field))
		if err != nil {
			return "", fmt.Errorf("seal %s: %w", field, err)
		}
		return out, nil
	}
	key, err := seal("api_key", req.APIKey)
	if err != nil {
		return err
	}
	secret, err := seal("api_secret", req.APISecret)
	if err != nil {
		return err
	}
	pass, err := seal("passphrase", req.Passphrase)
	if err != nil {
		return err
	}

	return s.q.UpsertCredential(ctx, db.CredentialRecord{
		ID:                  uuid.NewString(),
		UserID:              req.UserID,
		Exchange:            exchange,
		Environment:         string(req.Environment),
		APIKeyEncrypted:     key,
		APISecretEncrypted:  secret,
		PassphraseEncrypted: pass,
		BaseURLs:            req.BaseURLs,
		KeyVersion:          s.sealer.CurrentVersion(),
		AccountTier:         strings.ToUpper(req.Tier),
		IsManagement:        req.IsManagement,
		TestnetMode:         req.TestnetMode,
		TradingEnabled:      req.TradingEnabled,
		IsActive:            true,
	})
}

// GetCredential returns the decrypted key set for one account. The caller
// must not retain it beyond the call it was fetched for.
func (s *Store) GetCredential(ctx context.Context, userID, exchange string, env common.Environment) (common.Credential, error) {
	exchange = strings.ToLower(exchange)
	rec, err := s.q.GetCredential(ctx, userID, exchange, string(env))
	if errors.Is(err, db.ErrNotFound) {
		return common.Credential{}, ErrNotFound
	}
	if err != nil {
		return common.Credential{}, err
	}

	open := func(field, v string) (string, error) {
		if v == "" {
			return "", nil
		}
		out, err := s.sealer.Open(v, scope(userID, exchange, env, field))
		if err != nil {
			return "", fmt.Errorf("open %s: %w", field, err)
		}
		return out, nil
	}
	var cred common.Credential
	if cred.APIKey, err = open("api_key", rec.APIKeyEncrypted); err != nil {
		return common.Credential{}, err
	}
	if cred.APISecret, err = open("api_secret", rec.APISecretEncrypted); err != nil {
		return common.Credential{}, err
	}
	if cred.Passphrase, err = open("passphrase", rec.PassphraseEncrypted); err != nil {
		return common.Credential{}, err
	}
	cred.BaseURLs = rec.BaseURLs
	return cred, nil
}

// Deactivate disables one key set. Its rows stay for audit.
func (s *Store) Deactivate(ctx context.Context, userID, exchange string, env common.Environment) error {
	err := s.q.DeactivateCredential(ctx, userID, strings.ToLower(exchange), string(env))
	if errors.Is(err, db.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// RotateKeys reseals every key set still on an older master key version.
// Rows that fail are skipped and reported together; the rest are rotated.
func (s *Store) RotateKeys(ctx context.Context) (int, error) {
	current := s.sealer.CurrentVersion()
	recs, err := s.q.CredentialsBelowKeyVersion(ctx, current)
	if err != nil {
		return 0, err
	}

	var (
		rotated int
		errs    error
	)
	for _, r := range recs {
		env := common.Environment(r.Environment)
		reseal := func(field, v string) (string, error) {
			if v == "" {
				return "", nil
			}
			return s.sealer.Reseal(v, scope(r.UserID, r.Exchange, env, field))
		}
		key, err1 := reseal("api_key", r.APIKeyEncrypted)
		secret, err2 := reseal("api_secret", r.APISecretEncrypted)
		pass, err3 := reseal("passphrase", r.PassphraseEncrypted)
		if err := multierr.Combine(err1, err2, err3); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("reseal %s/%s/%s: %w", r.UserID, r.Exchange, r.Environment, err))
			continue
		}
		if err := s.q.UpdateCredentialSecrets(ctx, r.ID, key, secret, pass, current); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		rotated++
	}
	if rotated > 0 {
		s.logger.Info("credentials resealed", zap.Int("count", rotated), zap.Int("key_version", current))
	}
	return rotated, errs
}

// AccountHints inspects the user's key sets on exchange.
func (s *Store) AccountHints(ctx context.Context, userID, exchange string) (AccountHints, error) {
	recs, err := s.q.CredentialsByUser(ctx, userID)
	if err != nil {
		return AccountHints{}, err
	}
	exchange = strings.ToLower(exchange)

	var hints AccountHints
	onlyTestnet := true
	for _, r := range recs {
		if r.Exchange != exchange {
			continue
		}
		hints.Known = true
		hints.IsManagement = hints.IsManagement || r.IsManagement
		hints.TestnetMode = hints.TestnetMode || r.TestnetMode
		if r.Environment != string(common.EnvTestnet) {
			onlyTestnet = false
		}
		if tierRank(r.AccountTier) > tierRank(hints.Tier) {
			hints.Tier = r.AccountTier
		}
	}
	hints.SandboxKey = hints.Known && onlyTestnet
	return hints, nil
}

// TradingAccounts returns every active, trading-enabled account grouped by user.
func (s *Store) TradingAccounts(ctx context.Context) (map[string][]Account, error) {
	recs, err := s.q.TradingCredentials(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Account)
	for _, r := range recs {
		env := common.Environment(r.Environment)
		if !env.Valid() {
			s.logger.Warn("skipping credential with unknown environment",
				zap.String("user_id", r.UserID), zap.String("exchange", r.Exchange), zap.String("environment", r.Environment))
			continue
		}
		out[r.UserID] = append(out[r.UserID], Account{
			UserID:       r.UserID,
			Exchange:     r.Exchange,
			Environment:  env,
			Tier:         r.AccountTier,
			IsManagement: r.IsManagement,
			TestnetMode:  r.TestnetMode,
		})
	}
	return out, nil
}

// AccountsByUser returns a user's trading-enabled accounts.
func (s *Store) AccountsByUser(ctx context.Context, userID string) ([]Account, error) {
	recs, err := s.q.CredentialsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []Account
	for _, r := range recs {
		env := common.Environment(r.Environment)
		if !r.TradingEnabled || !env.Valid() {
			continue
		}
		out = append(out, Account{
			UserID:       r.UserID,
			Exchange:     r.Exchange,
			Environment:  env,
			Tier:         r.AccountTier,
			IsManagement: r.IsManagement,
			TestnetMode:  r.TestnetMode,
		})
	}
	return out, nil
}

func tierRank(t string) int {
	switch strings.ToUpper(t) {
	case "VIP":
		return 2
	case "PREMIUM":
		return 1
	default:
		return 0
	}
}
