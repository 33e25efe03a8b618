package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentcore/agentcore/pkg/models"
)

// CockroachConfig holds connection pool tuning for the durable quota store.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig matches the pool sizing used by the rest of the
// module's CockroachDB-backed stores.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore is the durable QuotaRepository and CredentialRepository
// backend: per-capability counters, a monthly token row, an append-only
// usage log, and encrypted provider credentials.
type CockroachStore struct {
	db     *sql.DB
	cipher KeyCipher
}

// NewCockroachStoreFromDSN opens and pings a CockroachDB-backed quota store.
// cipher encrypts/decrypts credential key material at rest; pass nil to
// store EncryptedKey bytes as given (only safe when the caller already
// encrypted them).
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig, cipher KeyCipher) (*CockroachStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &CockroachStore{db: db, cipher: cipher}, nil
}

// Close releases database resources.
func (s *CockroachStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Schema (created out of band via migration, documented here for reference):
//
//	CREATE TABLE quota_counters (
//	    user_id      STRING NOT NULL,
//	    capability   STRING NOT NULL,
//	    limit_value  INT NOT NULL,
//	    current_used INT NOT NULL DEFAULT 0,
//	    reset_at     TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (user_id, capability)
//	);
//	CREATE TABLE quota_monthly (
//	    user_id STRING PRIMARY KEY,
//	    tokens  INT NOT NULL DEFAULT 0
//	);
//	CREATE TABLE usage_log (
//	    id            UUID PRIMARY KEY,
//	    user_id       STRING NOT NULL,
//	    capability    STRING NOT NULL,
//	    provider      STRING NOT NULL,
//	    model         STRING NOT NULL,
//	    key_source    STRING NOT NULL,
//	    input_tokens  INT NOT NULL,
//	    output_tokens INT NOT NULL,
//	    est_cost_usd  FLOAT NOT NULL,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX ON usage_log (user_id, created_at DESC);
//	CREATE TABLE provider_credentials (
//	    user_id       STRING NOT NULL,
//	    provider      STRING NOT NULL,
//	    encrypted_key BYTES NOT NULL,
//	    api_base      STRING,
//	    is_active     BOOL NOT NULL DEFAULT true,
//	    PRIMARY KEY (user_id, provider)
//	);

func (s *CockroachStore) Get(ctx context.Context, userID string) (*models.QuotaLedger, error) {
	ledger := &models.QuotaLedger{UserID: userID, Counters: make(map[models.Capability]models.QuotaCounter)}

	rows, err := s.db.QueryContext(ctx, `
		SELECT capability, limit_value, current_used, reset_at
		FROM quota_counters WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("load quota counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cap string
		var counter models.QuotaCounter
		if err := rows.Scan(&cap, &counter.Limit, &counter.CurrentUsed, &counter.ResetAt); err != nil {
			return nil, fmt.Errorf("scan quota counter: %w", err)
		}
		ledger.Counters[models.Capability(cap)] = counter
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT tokens FROM quota_monthly WHERE user_id = $1`, userID)
	var tokens int
	if err := row.Scan(&tokens); err == nil {
		ledger.MonthlyToken = tokens
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("load monthly tokens: %w", err)
	}

	return ledger, nil
}

// AtomicCheckAndIncrement performs the reset-then-admit-then-increment as a
// single transaction: an UPSERT seeds the row on first use or past its reset
// window, and the admission check is one UPDATE ... WHERE current_used +
// amount <= limit RETURNING current_used — a row that isn't returned means
// the caller was over limit and nothing was incremented.
func (s *CockroachStore) AtomicCheckAndIncrement(ctx context.Context, userID string, capability models.Capability, amount, limit int, resetAfter time.Duration) (bool, models.QuotaCounter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, models.QuotaCounter{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	resetAt := now.Add(resetAfter)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO quota_counters (user_id, capability, limit_value, current_used, reset_at)
		VALUES ($1, $2, $3, 0, $4)
		ON CONFLICT (user_id, capability) DO UPDATE SET
			limit_value = $3,
			current_used = CASE WHEN quota_counters.reset_at <= $5 THEN 0 ELSE quota_counters.current_used END,
			reset_at = CASE WHEN quota_counters.reset_at <= $5 THEN $4 ELSE quota_counters.reset_at END
	`, userID, string(capability), limit, resetAt, now)
	if err != nil {
		return false, models.QuotaCounter{}, fmt.Errorf("seed quota counter: %w", err)
	}

	var counter models.QuotaCounter
	row := tx.QueryRowContext(ctx, `
		UPDATE quota_counters
		SET current_used = current_used + $4
		WHERE user_id = $1 AND capability = $2 AND current_used + $4 <= limit_value
		RETURNING limit_value, current_used, reset_at
	`, userID, string(capability), limit, amount)
	err = row.Scan(&counter.Limit, &counter.CurrentUsed, &counter.ResetAt)
	if err == sql.ErrNoRows {
		// Over limit: fetch the unmodified row to report back to the caller.
		row = tx.QueryRowContext(ctx, `
			SELECT limit_value, current_used, reset_at FROM quota_counters
			WHERE user_id = $1 AND capability = $2
		`, userID, string(capability))
		if scanErr := row.Scan(&counter.Limit, &counter.CurrentUsed, &counter.ResetAt); scanErr != nil {
			return false, models.QuotaCounter{}, fmt.Errorf("read quota counter: %w", scanErr)
		}
		if err := tx.Commit(); err != nil {
			return false, models.QuotaCounter{}, fmt.Errorf("commit: %w", err)
		}
		return false, counter, nil
	}
	if err != nil {
		return false, models.QuotaCounter{}, fmt.Errorf("check and increment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, models.QuotaCounter{}, fmt.Errorf("commit: %w", err)
	}
	return true, counter, nil
}

func (s *CockroachStore) IncrementTokens(ctx context.Context, userID string, amount int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_monthly (user_id, tokens) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET tokens = quota_monthly.tokens + $2
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("increment monthly tokens: %w", err)
	}
	return nil
}

func (s *CockroachStore) AppendLog(ctx context.Context, e *models.UsageLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_log (id, user_id, capability, provider, model, key_source, input_tokens, output_tokens, est_cost_usd, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.UserID, string(e.Capability), e.Provider, e.Model, string(e.KeySource), e.InputTokens, e.OutputTokens, e.EstCostUSD, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append usage log: %w", err)
	}
	return nil
}

// GetCredential implements CredentialRepository.
func (s *CockroachStore) GetCredential(ctx context.Context, userID, provider string) (*models.ProviderCredential, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, encrypted_key, api_base, is_active
		FROM provider_credentials WHERE user_id = $1 AND provider = $2
	`, userID, provider)

	var cred models.ProviderCredential
	var apiBase sql.NullString
	if err := row.Scan(&cred.UserID, &cred.Provider, &cred.EncryptedKey, &apiBase, &cred.IsActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load provider credential: %w", err)
	}
	if apiBase.Valid {
		cred.APIBase = apiBase.String
	}
	return &cred, nil
}

// PutCredential implements CredentialRepository.
func (s *CockroachStore) PutCredential(ctx context.Context, cred *models.ProviderCredential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_credentials (user_id, provider, encrypted_key, api_base, is_active)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			encrypted_key = $3, api_base = $4, is_active = $5
	`, cred.UserID, cred.Provider, cred.EncryptedKey, nullableString(cred.APIBase), cred.IsActive)
	if err != nil {
		return fmt.Errorf("put provider credential: %w", err)
	}
	return nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
