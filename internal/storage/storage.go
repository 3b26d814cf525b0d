package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"wormflow/internal/timeseries"
)

// Store wraps SQLite-backed persistence for jobs, acquisitions and summaries.
type Store struct {
	DB *sql.DB
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
		`CREATE TABLE IF NOT EXISTS pipeline_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            input_path TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS acquisitions (
            id TEXT PRIMARY KEY,
            strain TEXT,
            date TEXT,
            recording_path TEXT,
            results_path TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS worm_summaries (
            acquisition TEXT NOT NULL,
            strain TEXT,
            date TEXT,
            worm_index INTEGER NOT NULL,
            frames_observed REAL,
            means_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (acquisition, worm_index)
        );`,
		`CREATE TABLE IF NOT EXISTS fov_summaries (
            acquisition TEXT PRIMARY KEY,
            strain TEXT,
            date TEXT,
            worm_count INTEGER,
            mean_frames REAL,
            mean_missing_pct REAL,
            mean_moving REAL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_worm_summaries_strain ON worm_summaries(strain);`,
		`CREATE INDEX IF NOT EXISTS idx_fov_summaries_strain ON fov_summaries(strain);`,
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

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	InputPath   string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// AcquisitionRecord captures one discovered recording and its artifacts.
type AcquisitionRecord struct {
	ID            string
	Strain        string
	Date          string
	RecordingPath string
	ResultsPath   string
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO pipeline_jobs (id, job_type, status, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE pipeline_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE pipeline_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM pipeline_jobs ORDER BY created_at DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.InputPath, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordAcquisition persists a discovered acquisition and its artifact paths.
func (s *Store) RecordAcquisition(rec AcquisitionRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO acquisitions (id, strain, date, recording_path, results_path) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Strain, rec.Date, rec.RecordingPath, rec.ResultsPath)
	return err
}

// Acquisitions lists every recorded acquisition.
func (s *Store) Acquisitions() ([]AcquisitionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, strain, date, recording_path, results_path FROM acquisitions ORDER BY id;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []AcquisitionRecord
	for rows.Next() {
		var rec AcquisitionRecord
		if err := rows.Scan(&rec.ID, &rec.Strain, &rec.Date, &rec.RecordingPath, &rec.ResultsPath); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ReplaceWormSummaries replaces all per-worm summary rows with a fresh
// aggregation run. Summaries are derived and disposable, so a full rewrite
// is simpler than reconciliation.
func (s *Store) ReplaceWormSummaries(columns []string, summaries []timeseries.WormSummary) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM worm_summaries;`); err != nil {
		return err
	}
	for _, w := range summaries {
		// JSON has no NaN; missing means are stored as null.
		means := make(map[string]any, len(columns))
		for i, c := range columns {
			if timeseries.Missing(w.Means[i]) {
				means[c] = nil
			} else {
				means[c] = w.Means[i]
			}
		}
		meansJSON, _ := json.Marshal(means)
		if _, err := tx.Exec(`INSERT INTO worm_summaries (acquisition, strain, date, worm_index, frames_observed, means_json) VALUES (?, ?, ?, ?, ?, ?);`,
			w.Key.Acquisition, w.Key.Strain, w.Key.Date, w.Key.Worm, w.FramesObserved, string(meansJSON)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ReplaceFOVSummaries replaces all per-field-of-view summary rows.
func (s *Store) ReplaceFOVSummaries(summaries []timeseries.FOVSummary) error {
	if s == nil {
		return nil
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM fov_summaries;`); err != nil {
		return err
	}
	for _, f := range summaries {
		if _, err := tx.Exec(`INSERT INTO fov_summaries (acquisition, strain, date, worm_count, mean_frames, mean_missing_pct, mean_moving) VALUES (?, ?, ?, ?, ?, ?, ?);`,
			f.Key.Acquisition, f.Key.Strain, f.Key.Date, f.WormCount, f.MeanFrames, f.MeanMissingPct, f.MeanMoving); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SummaryCounts returns the number of per-worm and per-FOV summary rows.
func (s *Store) SummaryCounts() (worms, fovs int, err error) {
	if s == nil {
		return 0, 0, errors.New("store not initialized")
	}
	if err = s.DB.QueryRow(`SELECT COUNT(*) FROM worm_summaries;`).Scan(&worms); err != nil {
		return 0, 0, err
	}
	if err = s.DB.QueryRow(`SELECT COUNT(*) FROM fov_summaries;`).Scan(&fovs); err != nil {
		return 0, 0, err
	}
	return worms, fovs, nil
}
