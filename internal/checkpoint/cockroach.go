package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/agentcore/agentcore/pkg/models"
)

// CockroachConfig holds connection pool tuning for the durable checkpoint store.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig matches the pool sizing used by the rest of the module's
// CockroachDB-backed stores.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// CockroachStore is the durable Store backend: one row per checkpoint,
// indexed for Latest/History by (thread_id, step).
type CockroachStore struct {
	db *sql.DB
}

// NewCockroachStoreFromDSN opens and pings a CockroachDB-backed checkpoint store.
func NewCockroachStoreFromDSN(dsn string, config *CockroachConfig) (*CockroachStore, error) {
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

	return &CockroachStore{db: db}, nil
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
//	CREATE TABLE checkpoints (
//	    id           UUID PRIMARY KEY,
//	    thread_id    STRING NOT NULL,
//	    step         INT NOT NULL,
//	    parent_id    UUID,
//	    branch_id    STRING NOT NULL DEFAULT 'main',
//	    state        JSONB NOT NULL,
//	    created_at   TIMESTAMPTZ NOT NULL,
//	    UNIQUE (thread_id, step)
//	);
//	CREATE INDEX ON checkpoints (thread_id, step DESC);
//	CREATE INDEX ON checkpoints (created_at);

func (s *CockroachStore) Save(ctx context.Context, threadID string, step int, parentID, branchID string, state models.AgentState) (*models.Checkpoint, error) {
	if branchID == "" {
		branchID = DefaultBranch
	}
	stateJSON, err := marshalState(state)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint state: %w", err)
	}

	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Step:      step,
		ParentID:  parentID,
		BranchID:  branchID,
		State:     state,
		CreatedAt: time.Now(),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, step, parent_id, branch_id, state, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`,
		cp.ID,
		cp.ThreadID,
		cp.Step,
		nullableString(cp.ParentID),
		cp.BranchID,
		stateJSON,
		cp.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CockroachStore) Load(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, parent_id, branch_id, state, created_at
		FROM checkpoints WHERE id = $1
	`, checkpointID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CockroachStore) Latest(ctx context.Context, threadID string) (*models.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, step, parent_id, branch_id, state, created_at
		FROM checkpoints WHERE thread_id = $1
		ORDER BY step DESC LIMIT 1
	`, threadID)

	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return cp, nil
}

func (s *CockroachStore) History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error) {
	query := `
		SELECT id, thread_id, step, parent_id, branch_id, state, created_at
		FROM checkpoints WHERE thread_id = $1
		ORDER BY step DESC`
	args := []any{threadID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint history: %w", err)
	}
	defer rows.Close()

	var out []*models.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *CockroachStore) DeleteThread(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = $1`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	return nil
}

// Evict prunes checkpoints older than olderThan, keeping the keepPerThread
// most recent rows per thread regardless of age via a window function.
func (s *CockroachStore) Evict(ctx context.Context, olderThan time.Time, keepPerThread int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE id IN (
			SELECT id FROM (
				SELECT id, created_at,
					ROW_NUMBER() OVER (PARTITION BY thread_id ORDER BY step DESC) AS rank
				FROM checkpoints
			) ranked
			WHERE ranked.rank > $1 AND ranked.created_at < $2
		)
	`, keepPerThread, olderThan)
	if err != nil {
		return 0, fmt.Errorf("evict checkpoints: %w", err)
	}
	return res.RowsAffected()
}

type checkpointScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(scanner checkpointScanner) (*models.Checkpoint, error) {
	var (
		cp        models.Checkpoint
		parentID  sql.NullString
		stateJSON []byte
	)
	if err := scanner.Scan(
		&cp.ID,
		&cp.ThreadID,
		&cp.Step,
		&parentID,
		&cp.BranchID,
		&stateJSON,
		&cp.CreatedAt,
	); err != nil {
		return nil, err
	}
	if parentID.Valid {
		cp.ParentID = parentID.String
	}
	state, err := unmarshalState(stateJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state: %w", err)
	}
	cp.State = state
	return &cp, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
