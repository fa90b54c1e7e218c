package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"go-accurate-puller/internal/model"
)

// SQLiteSink stores pulled records of one job in a local sqlite file
type SQLiteSink struct {
	db    *sql.DB
	jobID string
}

// OpenSQLiteSink opens (and migrates) the sink database at path
func OpenSQLiteSink(path, jobID string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	recordTable := `
	CREATE TABLE IF NOT EXISTS pulled_records (
		job_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		page INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		endpoint TEXT,
		data TEXT NOT NULL,
		tiers TEXT,
		created_at DATETIME,
		PRIMARY KEY (job_id, dataset, page, seq)
	);
	`
	finalTable := `
	CREATE TABLE IF NOT EXISTS finalized_datasets (
		job_id TEXT NOT NULL,
		dataset TEXT NOT NULL,
		finalized_at DATETIME,
		PRIMARY KEY (job_id, dataset)
	);
	`
	for _, stmt := range []string{recordTable, finalTable} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate sqlite sink: %w", err)
		}
	}
	return &SQLiteSink{db: db, jobID: jobID}, nil
}

// Append replaces the page inside one transaction
func (s *SQLiteSink) Append(ctx context.Context, dataset string, page int, recs []model.PulledRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pulled_records WHERE job_id = ? AND dataset = ? AND page = ?`,
		s.jobID, dataset, page); err != nil {
		return fmt.Errorf("clear page %s/%d: %w", dataset, page, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO pulled_records
		(job_id, dataset, page, seq, endpoint, data, tiers, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i, r := range recs {
		data, tiers, err := encodeRecord(r)
		if err != nil {
			return err
		}
		tierCol := sql.NullString{String: string(tiers), Valid: len(tiers) > 0}
		if _, err := stmt.ExecContext(ctx, s.jobID, dataset, page, i, r.Endpoint, string(data), tierCol, now); err != nil {
			return fmt.Errorf("insert %s/%d#%d: %w", dataset, page, i, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteSink) Finalize(ctx context.Context, dataset string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO finalized_datasets (job_id, dataset, finalized_at) VALUES (?, ?, ?)`,
		s.jobID, dataset, time.Now().UTC())
	return err
}

func (s *SQLiteSink) Iterate(ctx context.Context, dataset string, fn func(model.PulledRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT page, endpoint, data, tiers FROM pulled_records
		 WHERE job_id = ? AND dataset = ? ORDER BY page, seq`, s.jobID, dataset)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var page int
		var endpoint, data string
		var tiers sql.NullString
		if err := rows.Scan(&page, &endpoint, &data, &tiers); err != nil {
			return err
		}
		rec, err := decodeRecord(dataset, endpoint, page, []byte(data), []byte(tiers.String))
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteSink) Datasets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT dataset FROM pulled_records WHERE job_id = ? ORDER BY dataset`, s.jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func encodeRecord(r model.PulledRecord) (data []byte, tiers []byte, err error) {
	data, err = json.Marshal(r.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("encode record: %w", err)
	}
	if len(r.Tiers) > 0 {
		if tiers, err = json.Marshal(r.Tiers); err != nil {
			return nil, nil, fmt.Errorf("encode tiers: %w", err)
		}
	}
	return data, tiers, nil
}

func decodeRecord(dataset, endpoint string, page int, data, tiers []byte) (model.PulledRecord, error) {
	rec := model.PulledRecord{Dataset: dataset, Endpoint: endpoint, Page: page}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return rec, fmt.Errorf("decode record %s/%d: %w", dataset, page, err)
	}
	if len(tiers) > 0 {
		if err := json.Unmarshal(tiers, &rec.Tiers); err != nil {
			return rec, fmt.Errorf("decode tiers %s/%d: %w", dataset, page, err)
		}
	}
	return rec, nil
}
