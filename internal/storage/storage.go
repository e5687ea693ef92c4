package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for composite runs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
            id TEXT PRIMARY KEY,
            algorithm TEXT NOT NULL,
            status TEXT NOT NULL,
            source TEXT,
            output_path TEXT,
            params_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_inputs (
            run_id TEXT NOT NULL,
            position INTEGER NOT NULL,
            path TEXT NOT NULL,
            valid BOOLEAN NOT NULL,
            reason TEXT,
            PRIMARY KEY (run_id, position)
        );`,
		`CREATE TABLE IF NOT EXISTS run_issues (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            run_id TEXT NOT NULL,
            path TEXT NOT NULL,
            x_off INTEGER,
            y_off INTEGER,
            width INTEGER,
            height INTEGER,
            message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS run_results (
            run_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_run_issues_run_id ON run_issues(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_run_results_run_id ON run_results(run_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// RunRecord captures persisted run info.
type RunRecord struct {
	ID          string     `json:"id"`
	Algorithm   string     `json:"algorithm"`
	Status      string     `json:"status"`
	Source      string     `json:"source"`
	OutputPath  string     `json:"output_path"`
	ParamsJSON  string     `json:"params_json"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InputRecord is the validation outcome of one input raster.
type InputRecord struct {
	Position int    `json:"position"`
	Path     string `json:"path"`
	Valid    bool   `json:"valid"`
	Reason   string `json:"reason,omitempty"`
}

// IssueRecord is one absorbed tile read failure.
type IssueRecord struct {
	Path    string `json:"path"`
	XOff    int    `json:"x_off"`
	YOff    int    `json:"y_off"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Message string `json:"message"`
}

// RecordRunQueued inserts a pending run.
func (s *Store) RecordRunQueued(rec RunRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO runs (id, algorithm, status, source, output_path, params_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.Algorithm, rec.Status, rec.Source, rec.OutputPath, rec.ParamsJSON)
	return err
}

// RecordRunStart marks a run as running.
func (s *Store) RecordRunStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE runs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordRunResult finalizes a run with status and meta.
func (s *Store) RecordRunResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE runs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO run_results (run_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordInputs replaces the validation outcome of a run's inputs.
func (s *Store) RecordInputs(runID string, inputs []InputRecord) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_inputs WHERE run_id=?;`, runID); err != nil {
		return err
	}
	for _, in := range inputs {
		if _, err := tx.Exec(`INSERT INTO run_inputs (run_id, position, path, valid, reason) VALUES (?, ?, ?, ?, ?);`,
			runID, in.Position, in.Path, in.Valid, in.Reason); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RecordIssues appends absorbed tile failures of a run.
func (s *Store) RecordIssues(runID string, issues []IssueRecord) error {
	if s == nil || len(issues) == 0 {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO run_issues (run_id, path, x_off, y_off, width, height, message) VALUES (?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, is := range issues {
		if _, err := stmt.Exec(runID, is.Path, is.XOff, is.YOff, is.Width, is.Height, is.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const runColumns = `id, algorithm, status, source, output_path, params_json, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var rec RunRecord
	var source, output, params, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.Algorithm, &rec.Status, &source, &output, &params, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return RunRecord{}, err
	}
	rec.Source = source.String
	rec.OutputPath = output.String
	rec.ParamsJSON = params.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentRuns returns the latest runs up to limit.
func (s *Store) RecentRuns(limit int) ([]RunRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Run fetches a single run.
func (s *Store) Run(id string) (RunRecord, error) {
	if s == nil {
		return RunRecord{}, errors.New("store not initialized")
	}
	rec, err := scanRun(s.DB.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id=?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrNotFound
	}
	return rec, err
}

// RunInputs lists the inputs of a run in their original order.
func (s *Store) RunInputs(id string) ([]InputRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT position, path, valid, reason FROM run_inputs WHERE run_id=? ORDER BY position;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []InputRecord
	for rows.Next() {
		var rec InputRecord
		var reason sql.NullString
		if err := rows.Scan(&rec.Position, &rec.Path, &rec.Valid, &reason); err != nil {
			return nil, err
		}
		rec.Reason = reason.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunIssues lists the absorbed tile failures of a run.
func (s *Store) RunIssues(id string) ([]IssueRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT path, x_off, y_off, width, height, message FROM run_issues WHERE run_id=? ORDER BY id;`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []IssueRecord
	for rows.Next() {
		var rec IssueRecord
		var msg sql.NullString
		if err := rows.Scan(&rec.Path, &rec.XOff, &rec.YOff, &rec.Width, &rec.Height, &msg); err != nil {
			return nil, err
		}
		rec.Message = msg.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RunMeta fetches the last meta blob for a run.
func (s *Store) RunMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM run_results WHERE run_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}
