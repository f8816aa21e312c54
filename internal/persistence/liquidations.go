// Package persistence archives liquidation events to PostgreSQL. Writes are
// batched; the hot ingestion path never blocks on the database.
package persistence

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"

	"github.com/derivpulse/derivpulse/internal/domain"
)

// Config holds the database connection and batching parameters.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BatchSize       int           // rows per flush, default 500
	FlushInterval   time.Duration // max age of a partial batch, default 2s
	BufferSize      int           // pending row cap, default 8192
	QueryTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 2 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 8192
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 30 * time.Second
	}
	return c
}

// Open connects and verifies the database is reachable.
func Open(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	cfg = cfg.withDefaults()
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

const liquidationsSchema = `
CREATE TABLE IF NOT EXISTS liquidations (
	id         BIGSERIAL PRIMARY KEY,
	ts         TIMESTAMPTZ NOT NULL,
	symbol     TEXT NOT NULL,
	exchange   TEXT NOT NULL,
	side       TEXT NOT NULL,
	price      DOUBLE PRECISION NOT NULL,
	qty        DOUBLE PRECISION NOT NULL,
	value_usd  DOUBLE PRECISION NOT NULL,
	synthetic  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS liquidations_symbol_ts_idx ON liquidations (symbol, ts DESC);`

// EnsureSchema creates the liquidations table when missing.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, liquidationsSchema); err != nil {
		return fmt.Errorf("ensure liquidations schema: %w", err)
	}
	return nil
}

// LiquidationRow is the archived form of one event.
type LiquidationRow struct {
	Ts        time.Time `db:"ts"`
	Symbol    string    `db:"symbol"`
	Exchange  string    `db:"exchange"`
	Side      string    `db:"side"`
	Price     float64   `db:"price"`
	Qty       float64   `db:"qty"`
	ValueUSD  float64   `db:"value_usd"`
	Synthetic bool      `db:"synthetic"`
}

// RowFromRecord expands a compact record for archival.
func RowFromRecord(rec domain.CompactLiquidation, meta domain.LiquidationMeta, symbol string) LiquidationRow {
	return LiquidationRow{
		Ts:        time.UnixMilli(int64(rec.TsMs)).UTC(),
		Symbol:    symbol,
		Exchange:  domain.ExchangeName(rec.ExchangeID),
		Side:      rec.Side.String(),
		Price:     rec.Price(meta),
		Qty:       rec.Qty(meta),
		ValueUSD:  rec.ValueUSD(meta),
		Synthetic: rec.Synthetic,
	}
}

// Sink batches rows and flushes them on size or age. Record never blocks:
// when the buffer is full the row is dropped and counted.
type Sink struct {
	cfg   Config
	log   zerolog.Logger
	in    chan LiquidationRow
	flush func(ctx context.Context, rows []LiquidationRow) error

	dropped atomic.Uint64
	flushed atomic.Uint64
}

// NewSink builds a sink writing to db.
func NewSink(cfg Config, db *sqlx.DB, log zerolog.Logger) *Sink {
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg: cfg,
		log: log,
		in:  make(chan LiquidationRow, cfg.BufferSize),
	}
	s.flush = func(ctx context.Context, rows []LiquidationRow) error {
		return insertBatch(ctx, db, cfg.QueryTimeout, rows)
	}
	return s
}

// Record queues one row for archival. Reports false when the row was
// dropped because the writer is behind.
func (s *Sink) Record(row LiquidationRow) bool {
	select {
	case s.in <- row:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped reports rows lost to backpressure.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Flushed reports rows written so far.
func (s *Sink) Flushed() uint64 { return s.flushed.Load() }

// Run drains the buffer until the context ends, then flushes what remains.
func (s *Sink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]LiquidationRow, 0, s.cfg.BatchSize)
	drain := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.flush(context.WithoutCancel(ctx), batch); err != nil {
			s.log.Error().Err(err).Int("rows", len(batch)).Msg("liquidation batch flush failed")
		} else {
			s.flushed.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain of whatever is buffered.
			for {
				select {
				case row := <-s.in:
					batch = append(batch, row)
				default:
					drain()
					return
				}
			}
		case row := <-s.in:
			batch = append(batch, row)
			if len(batch) >= s.cfg.BatchSize {
				drain()
			}
		case <-ticker.C:
			drain()
		}
	}
}

func insertBatch(ctx context.Context, db *sqlx.DB, timeout time.Duration, rows []LiquidationRow) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin liquidation batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO liquidations (ts, symbol, exchange, side, price, qty, value_usd, synthetic)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	if err != nil {
		return fmt.Errorf("prepare liquidation insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx,
			row.Ts, row.Symbol, row.Exchange, row.Side,
			row.Price, row.Qty, row.ValueUSD, row.Synthetic); err != nil {
			return fmt.Errorf("insert liquidation: %w", err)
		}
	}
	return tx.Commit()
}
