package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-accurate-puller/internal/model"
)

// PostgresOptions configures the Postgres sink
type PostgresOptions struct {
	DSN        string
	Schema     string
	MaxConns   int
	ViaBouncer bool // simple protocol for pgbouncer transaction pooling
	BatchSize  int
}

// PostgresSink stores pulled records of one job as JSONB rows
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
	final string
	jobID string
	batch int
}

// OpenPostgresSink connects and creates the sink tables if needed
func OpenPostgresSink(ctx context.Context, opts PostgresOptions, jobID string) (*PostgresSink, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = 2
	}
	cfg.MaxConns = int32(opts.MaxConns)
	if opts.ViaBouncer {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.Schema == "" {
		opts.Schema = "public"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	schema := pgx.Identifier{opts.Schema}.Sanitize()
	s := &PostgresSink{
		pool:  pool,
		table: schema + ".pulled_records",
		final: schema + ".finalized_datasets",
		jobID: jobID,
		batch: opts.BatchSize,
	}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresSink) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			job_id TEXT NOT NULL,
			dataset TEXT NOT NULL,
			page INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			endpoint TEXT,
			data JSONB NOT NULL,
			tiers JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_id, dataset, page, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.final + ` (
			job_id TEXT NOT NULL,
			dataset TEXT NOT NULL,
			finalized_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, dataset)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres sink: %w", err)
		}
	}
	return nil
}

// Append replaces the page in one transaction, inserting in batches
func (s *PostgresSink) Append(ctx context.Context, dataset string, page int, recs []model.PulledRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM `+s.table+` WHERE job_id = $1 AND dataset = $2 AND page = $3`,
		s.jobID, dataset, page); err != nil {
		return fmt.Errorf("clear page %s/%d: %w", dataset, page, err)
	}

	for i := 0; i < len(recs); i += s.batch {
		j := i + s.batch
		if j > len(recs) {
			j = len(recs)
		}
		b := &pgx.Batch{}
		for seq := i; seq < j; seq++ {
			data, tiers, err := encodeRecord(recs[seq])
			if err != nil {
				return err
			}
			var tierArg *string
			if len(tiers) > 0 {
				t := string(tiers)
				tierArg = &t
			}
			b.Queue(`INSERT INTO `+s.table+`
				(job_id, dataset, page, seq, endpoint, data, tiers)
				VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb)`,
				s.jobID, dataset, page, seq, recs[seq].Endpoint, string(data), tierArg)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("insert %s/%d: %w", dataset, page, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresSink) Finalize(ctx context.Context, dataset string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO `+s.final+` (job_id, dataset, finalized_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id, dataset) DO UPDATE SET finalized_at = EXCLUDED.finalized_at`,
		s.jobID, dataset, time.Now().UTC())
	return err
}

func (s *PostgresSink) Iterate(ctx context.Context, dataset string, fn func(model.PulledRecord) error) error {
	rows, err := s.pool.Query(ctx, `SELECT page, coalesce(endpoint, ''), data::text, coalesce(tiers::text, '')
		FROM `+s.table+` WHERE job_id = $1 AND dataset = $2 ORDER BY page, seq`, s.jobID, dataset)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var page int
		var endpoint, data, tiers string
		if err := rows.Scan(&page, &endpoint, &data, &tiers); err != nil {
			return err
		}
		rec, err := decodeRecord(dataset, endpoint, page, []byte(data), []byte(tiers))
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresSink) Datasets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT dataset FROM `+s.table+` WHERE job_id = $1 ORDER BY dataset`, s.jobID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
