// Package store persists the ledger's audit trail, payouts, and state
// snapshots in PostgreSQL. The store doubles as the production Transferor:
// a payout row is the durable record of a claim's value transfer.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"

	"github.com/openmev/surplus/ledgerd/pkg/ledger"
	"github.com/openmev/surplus/utils/pkg/retry"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies all pending schema migrations.
func RunMigrations(log *slog.Logger, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	log.Info("store: running migrations")
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Info("store: migrations completed")
	return nil
}

// Connect opens a pgx pool and verifies connectivity, retrying transient
// startup failures.
func Connect(ctx context.Context, log *slog.Logger, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := retry.Do(ctx, retry.DefaultConfig(), func() error {
		return pool.Ping(ctx)
	}); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Debug("store: connected")
	return pool, nil
}

type Config struct {
	Logger *slog.Logger
	Pool   *pgxpool.Pool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("connection pool is required")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
	}, nil
}

// Record appends an audit event. Implements ledger.Recorder.
func (s *Store) Record(ctx context.Context, ev ledger.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (id, name, payload) VALUES ($1, $2, $3)`,
		uuid.New(), ev.EventName(), payload,
	); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// Transfer records a payout to a participant. Implements ledger.Transferor.
// Amounts are stored as BIGINT, so a payout above MaxInt64 is rejected rather
// than silently wrapped.
func (s *Store) Transfer(ctx context.Context, to ledger.Participant, amount uint64) error {
	if amount > math.MaxInt64 {
		return fmt.Errorf("payout amount %d exceeds storable range", amount)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO payouts (id, participant, amount) VALUES ($1, $2, $3)`,
		uuid.New(), string(to), int64(amount),
	); err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}
	s.log.Debug("store: payout recorded", "participant", to, "amount", amount)
	return nil
}

// ParticipantTotals returns the cumulative amount paid out per participant.
func (s *Store) ParticipantTotals(ctx context.Context) (map[ledger.Participant]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant, SUM(amount)::BIGINT FROM payouts GROUP BY participant`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query payout totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[ledger.Participant]uint64)
	for rows.Next() {
		var participant string
		var total int64
		if err := rows.Scan(&participant, &total); err != nil {
			return nil, fmt.Errorf("failed to scan payout total: %w", err)
		}
		totals[ledger.Participant(participant)] = uint64(total)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read payout totals: %w", err)
	}
	return totals, nil
}

// EventCount returns the number of recorded audit events with the given name.
func (s *Store) EventCount(ctx context.Context, name string) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_events WHERE name = $1`, name,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// SaveSnapshot persists a full ledger state snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap ledger.Snapshot) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_snapshots (state) VALUES ($1)`, state,
	); err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	s.log.Debug("store: snapshot saved")
	return nil
}

// LatestSnapshot returns the most recently saved snapshot, or nil if none
// has been saved yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*ledger.Snapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT state FROM ledger_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshot: %w", err)
	}

	var snap ledger.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}
