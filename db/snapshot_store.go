// Package db persists bot snapshots into PostgreSQL with buffered
// asynchronous writes and automatic migrations. The write path never blocks a
// trading cycle: snapshots queue up and a worker flushes them in batches.
package db

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"atrbot/metrics"
	"atrbot/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	defaultQueueSize      = 256
	defaultFlushInterval  = 200 * time.Millisecond
	defaultMaxRetries     = 5
	defaultBackoffBase    = 150 * time.Millisecond
	defaultBackoffCap     = 3 * time.Second
	defaultEnqueueTimeout = 10 * time.Second
	defaultDrainTimeout   = 30 * time.Second
	defaultOpDeadline     = 10 * time.Second
)

// SnapshotStorePG implements store.Store on PostgreSQL. One instance is bound
// to one bot ID.
type SnapshotStorePG struct {
	pool  *pgxpool.Pool
	botID string

	queue chan store.Snapshot
	wg    sync.WaitGroup

	queueSize      int
	flushInterval  time.Duration
	maxRetries     int
	backoffBase    time.Duration
	backoffCap     time.Duration
	enqueueTimeout time.Duration
	drainTimeout   time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	poolOnce  sync.Once
}

// NewSnapshotStorePG connects, applies migrations and starts the write
// worker. On failure the caller can fall back to the file backend.
func NewSnapshotStorePG(connURL, botID string) (*SnapshotStorePG, error) {
	if strings.TrimSpace(connURL) == "" {
		return nil, errors.New("empty db connection string")
	}
	if strings.TrimSpace(botID) == "" {
		return nil, errors.New("missing bot id")
	}

	if err := runMigrations(connURL); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &SnapshotStorePG{
		pool:           pool,
		botID:          botID,
		queueSize:      defaultQueueSize,
		flushInterval:  defaultFlushInterval,
		maxRetries:     defaultMaxRetries,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
		enqueueTimeout: defaultEnqueueTimeout,
		drainTimeout:   defaultDrainTimeout,
	}
	s.queue = make(chan store.Snapshot, s.queueSize)
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// Save enqueues the snapshot, applying backpressure when the backlog grows.
// Snapshots are idempotent upserts, so pending writes for the same bot
// collapse to the newest one at flush time.
func (s *SnapshotStorePG) Save(_ context.Context, snap store.Snapshot) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("snapshot persistence shutting down")
		}
	}()

	if s.closing.Load() {
		return errors.New("snapshot persistence shutting down")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}

	timer := time.NewTimer(s.enqueueTimeout)
	defer timer.Stop()

	select {
	case s.queue <- snap:
		return nil
	case <-timer.C:
		metrics.IncSnapshotPersistFailures(snap.Symbol)
		return fmt.Errorf("snapshot enqueue timeout for bot %s", s.botID)
	}
}

func (s *SnapshotStorePG) worker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var pending *store.Snapshot
	pendingCount := 0

	flush := func(ctx context.Context) {
		if pending == nil {
			return
		}
		snap := *pending
		pending = nil
		pendingCount = 0

		start := time.Now()
		if err := s.persistWithRetry(ctx, snap); err != nil {
			metrics.IncSnapshotPersistFailures(snap.Symbol)
			log.Printf("snapshot persistence failed (bot=%s): %v", s.botID, err)
			return
		}
		metrics.ObserveSnapshotPersistLatency(snap.Symbol, time.Since(start))
	}

	for {
		select {
		case snap, ok := <-s.queue:
			if !ok {
				drainCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout)
				flush(drainCtx)
				cancel()
				return
			}
			// Later snapshots supersede earlier ones.
			pending = &snap
			pendingCount++
			if pendingCount >= 8 {
				flush(context.Background())
			}
		case <-ticker.C:
			flush(context.Background())
		}
	}
}

func (s *SnapshotStorePG) persistWithRetry(ctx context.Context, snap store.Snapshot) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			if err := s.waitBackoff(ctx, attempt); err != nil {
				return err
			}
		}
		if err := s.persistOnce(ctx, snap); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

func (s *SnapshotStorePG) persistOnce(ctx context.Context, snap store.Snapshot) error {
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	position, err := json.Marshal(snap.Position)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	riskState, err := json.Marshal(snap.Risk)
	if err != nil {
		return fmt.Errorf("encode risk state: %w", err)
	}
	atrState, err := json.Marshal(snap.ATR)
	if err != nil {
		return fmt.Errorf("encode atr state: %w", err)
	}

	tx, err := s.pool.BeginTx(execCtx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.Background())
		}
	}()

	const upsertSQL = `
		INSERT INTO bot_state (
			bot_id, symbol, version, position, risk, atr,
			realized_pnl, cum_fees, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (bot_id) DO UPDATE SET
			symbol = EXCLUDED.symbol,
			version = EXCLUDED.version,
			position = EXCLUDED.position,
			risk = EXCLUDED.risk,
			atr = EXCLUDED.atr,
			realized_pnl = EXCLUDED.realized_pnl,
			cum_fees = EXCLUDED.cum_fees,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.Exec(execCtx, upsertSQL,
		s.botID,
		snap.Symbol,
		store.SnapshotVersion,
		position,
		riskState,
		atrState,
		snap.RealizedPnL,
		snap.CumFees,
		snap.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("upsert bot_state: %w", err)
	}

	const historySQL = `
		INSERT INTO bot_state_history (
			bot_id, trace_id, position, realized_pnl, cum_fees, recorded_at
		)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	if _, err := tx.Exec(execCtx, historySQL,
		s.botID,
		uuid.NewString(),
		position,
		snap.RealizedPnL,
		snap.CumFees,
		snap.UpdatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert bot_state_history: %w", err)
	}

	if err := tx.Commit(execCtx); err != nil {
		return fmt.Errorf("commit bot_state: %w", err)
	}
	committed = true
	return nil
}

func (s *SnapshotStorePG) waitBackoff(ctx context.Context, attempt int) error {
	backoff := time.Duration(float64(s.backoffBase) * math.Pow(2, float64(attempt-1)))
	if backoff > s.backoffCap {
		backoff = s.backoffCap
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.5)

	timer := time.NewTimer(backoff + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Load retrieves the latest persisted snapshot for the bound bot. A missing
// row means a cold start, not an error.
func (s *SnapshotStorePG) Load(ctx context.Context) (*store.Snapshot, error) {
	execCtx, cancel := context.WithTimeout(ctx, defaultOpDeadline)
	defer cancel()

	const query = `
		SELECT symbol, version, position, risk, atr, realized_pnl, cum_fees, updated_at
		FROM bot_state WHERE bot_id = $1
	`
	row := s.pool.QueryRow(execCtx, query, s.botID)

	var (
		snap                      store.Snapshot
		position, riskRaw, atrRaw []byte
	)
	if err := row.Scan(
		&snap.Symbol,
		&snap.Version,
		&position,
		&riskRaw,
		&atrRaw,
		&snap.RealizedPnL,
		&snap.CumFees,
		&snap.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load bot_state: %w", err)
	}

	if err := json.Unmarshal(position, &snap.Position); err != nil {
		return nil, fmt.Errorf("bot_state position for %s is corrupt: %w", s.botID, err)
	}
	if err := json.Unmarshal(riskRaw, &snap.Risk); err != nil {
		return nil, fmt.Errorf("bot_state risk for %s is corrupt: %w", s.botID, err)
	}
	if err := json.Unmarshal(atrRaw, &snap.ATR); err != nil {
		return nil, fmt.Errorf("bot_state atr for %s is corrupt: %w", s.botID, err)
	}
	if snap.Version > store.SnapshotVersion {
		return nil, fmt.Errorf("bot_state for %s has version %d, binary supports up to %d",
			s.botID, snap.Version, store.SnapshotVersion)
	}
	return &snap, nil
}

// Close drains pending writes and releases the pool.
func (s *SnapshotStorePG) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.queue)
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.drainTimeout):
		log.Printf("snapshot persistence close timed out for bot %s", s.botID)
	}

	s.poolOnce.Do(func() {
		if s.pool != nil {
			s.pool.Close()
		}
	})
	return nil
}

func runMigrations(connURL string) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", sourceDriver, connURL)
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer func() {
		srcErr, dbErr := migrator.Close()
		if srcErr != nil {
			log.Printf("migrate source close: %v", srcErr)
		}
		if dbErr != nil {
			log.Printf("migrate db close: %v", dbErr)
		}
	}()

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
