// Package history records training runs and their per-epoch losses in SQLite.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tsawler/go-detector/training"
)

// Run is one invocation of the trainer
type Run struct {
	ID        int64     `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Device    string    `json:"device"`
	Epochs    int       `json:"epochs"`
	Optimizer string    `json:"optimizer"`
	Scheduler string    `json:"scheduler"`
}

// EpochRecord is the stored summary of one epoch
type EpochRecord struct {
	Epoch        int           `json:"epoch"`
	TrainLoss    float64       `json:"train_loss"`
	ValLoss      float64       `json:"val_loss"`
	LearningRate float64       `json:"learning_rate"`
	Duration     time.Duration `json:"duration"`
}

// Recorder stores runs and epoch losses. It implements training.Observer for
// the run most recently started with StartRun.
type Recorder struct {
	conn  *sql.DB
	mu    sync.RWMutex
	runID int64
}

// New opens (creating if needed) the history database at dbPath
func New(dbPath string) (*Recorder, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	r := &Recorder{conn: conn}
	if err := r.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return r, nil
}

// migrate creates the necessary tables if they don't exist.
func (r *Recorder) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		device TEXT NOT NULL,
		epochs INTEGER NOT NULL,
		optimizer TEXT NOT NULL,
		scheduler TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS epoch_losses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		epoch INTEGER NOT NULL,
		train_loss REAL NOT NULL,
		val_loss REAL NOT NULL,
		learning_rate REAL DEFAULT 0,
		duration_ms INTEGER DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE,
		UNIQUE (run_id, epoch)
	);

	CREATE INDEX IF NOT EXISTS idx_epoch_losses_run_id ON epoch_losses(run_id);
	`

	_, err := r.conn.Exec(schema)
	return err
}

// StartRun inserts a run and makes it the target of ObserveEpoch
func (r *Recorder) StartRun(run Run) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}

	result, err := r.conn.Exec(`
		INSERT INTO runs (started_at, device, epochs, optimizer, scheduler)
		VALUES (?, ?, ?, ?, ?)
	`, run.StartedAt, run.Device, run.Epochs, run.Optimizer, run.Scheduler)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	r.runID = id
	return id, nil
}

// ObserveEpoch implements training.Observer
func (r *Recorder) ObserveEpoch(summary training.EpochSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runID == 0 {
		return fmt.Errorf("no run has been started")
	}

	_, err := r.conn.Exec(`
		INSERT OR REPLACE INTO epoch_losses (run_id, epoch, train_loss, val_loss, learning_rate, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.runID, summary.Epoch, summary.TrainLoss, summary.ValLoss, summary.LearningRate, summary.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert epoch %d: %w", summary.Epoch, err)
	}
	return nil
}

// EpochLosses returns the stored epochs of a run in epoch order
func (r *Recorder) EpochLosses(runID int64) ([]EpochRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.conn.Query(`
		SELECT epoch, train_loss, val_loss, learning_rate, duration_ms
		FROM epoch_losses WHERE run_id = ? ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query epoch losses: %w", err)
	}
	defer rows.Close()

	var records []EpochRecord
	for rows.Next() {
		var rec EpochRecord
		var durationMS int64
		if err := rows.Scan(&rec.Epoch, &rec.TrainLoss, &rec.ValLoss, &rec.LearningRate, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan epoch loss: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Runs returns all recorded runs, newest first
func (r *Recorder) Runs() ([]Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.conn.Query(`
		SELECT id, started_at, device, epochs, optimizer, scheduler
		FROM runs ORDER BY id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.StartedAt, &run.Device, &run.Epochs, &run.Optimizer, &run.Scheduler); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close closes the database connection.
func (r *Recorder) Close() error {
	return r.conn.Close()
}
