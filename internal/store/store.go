// Package store persists simulation runs so they can be listed and inspected
// after the command exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/defi-sim/internal/engine"
	clierr "github.com/ggonzalez94/defi-sim/internal/errors"
)

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// RunRecord is one ResolveAndSimulate call as the user submitted it, with the
// rendered outcome.
type RunRecord struct {
	RunID     string             `json:"run_id"`
	Status    string             `json:"status"`
	Address   string             `json:"address"`
	ChainHint string             `json:"chain_hint,omitempty"`
	CreatedAt string             `json:"created_at"`
	RawPlan   []engine.RawAction `json:"raw_plan"`
	Report    engine.Report      `json:"report"`
}

// RunSummary is the listing form of a RunRecord.
type RunSummary struct {
	RunID       string `json:"run_id"`
	Status      string `json:"status"`
	Class       string `json:"class,omitempty"`
	Actions     int    `json:"actions"`
	Attempts    int    `json:"attempts"`
	Corrections int    `json:"corrections"`
	CreatedAt   string `json:"created_at"`
}

func NewRecord(raw []engine.RawAction, address, chainHint string, result engine.SimResult, now time.Time) RunRecord {
	status := StatusSucceeded
	if !result.Success {
		status = StatusFailed
	}
	return RunRecord{
		RunID:     result.RunID,
		Status:    status,
		Address:   strings.ToLower(address),
		ChainHint: chainHint,
		CreatedAt: now.UTC().Format(time.RFC3339),
		RawPlan:   engine.ClonePlan(raw),
		Report:    result.Report(),
	}
}

func (r RunRecord) Summary() RunSummary {
	s := RunSummary{
		RunID:       r.RunID,
		Status:      r.Status,
		Actions:     len(r.RawPlan),
		Attempts:    r.Report.Attempts,
		Corrections: len(r.Report.Corrections),
		CreatedAt:   r.CreatedAt,
	}
	if r.Report.Error != nil {
		s.Class = r.Report.Error.Class
	}
	return s
}

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create run store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create run lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open run sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			address TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init run schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Save(record RunRecord) error {
	if strings.TrimSpace(record.RunID) == "" {
		return fmt.Errorf("save run: missing run id")
	}
	locked, err := s.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock run store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock run store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}
	created := time.Now().UTC().Unix()
	if t, err := time.Parse(time.RFC3339, record.CreatedAt); err == nil {
		created = t.UTC().Unix()
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (run_id, status, address, created_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status=excluded.status,
			address=excluded.address,
			payload=excluded.payload
	`, record.RunID, record.Status, record.Address, created, payload)
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) Get(runID string) (RunRecord, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM runs WHERE run_id = ?", strings.TrimSpace(runID)).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RunRecord{}, clierr.Newf(clierr.CodeUsage, "run not found: %s", runID)
		}
		return RunRecord{}, fmt.Errorf("read run: %w", err)
	}
	var record RunRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return RunRecord{}, fmt.Errorf("decode run payload: %w", err)
	}
	return record, nil
}

// List returns the most recent runs first, optionally filtered by status.
func (s *Store) List(status string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.Query("SELECT payload FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM runs WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?", status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	records := make([]RunRecord, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		var record RunRecord
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("decode run row: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return records, nil
}
