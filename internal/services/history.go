package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/netmapper/internal/store"
	"github.com/HerbHall/netmapper/pkg/models"
)

// HistoryRepository archives finished scan jobs.
type HistoryRepository interface {
	// Record stores a terminal job. Recording the same job twice fails with
	// ErrAlreadyExists.
	Record(ctx context.Context, job models.ScanJob) error

	// Get returns a single archived job by ID.
	Get(ctx context.Context, id string) (*models.ScanJob, error)

	// List returns archived jobs ordered by start time, newest first unless
	// SortOrder is "asc".
	List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanJob], error)
}

// Compile-time interface guard.
var _ HistoryRepository = (*SQLiteHistoryRepository)(nil)

// HistoryMigrations creates the scan_history and scan_devices tables.
func HistoryMigrations() []store.Migration {
	return []store.Migration{
		{
			Version:     1,
			Description: "create scan_history table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE scan_history (
					id            TEXT PRIMARY KEY,
					status        TEXT NOT NULL,
					progress      INTEGER NOT NULL DEFAULT 0,
					devices_found INTEGER NOT NULL DEFAULT 0,
					started_at    TEXT NOT NULL,
					ended_at      TEXT,
					error_msg     TEXT NOT NULL DEFAULT ''
				)`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX idx_scan_history_started ON scan_history(started_at)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create scan_devices table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE scan_devices (
					job_id      TEXT NOT NULL REFERENCES scan_history(id) ON DELETE CASCADE,
					id          TEXT NOT NULL,
					ip          TEXT NOT NULL,
					hostname    TEXT NOT NULL DEFAULT '',
					mac         TEXT NOT NULL DEFAULT '',
					vendor      TEXT NOT NULL DEFAULT '',
					device_type TEXT NOT NULL,
					is_gateway  INTEGER NOT NULL DEFAULT 0,
					first_seen  TEXT NOT NULL,
					last_seen   TEXT NOT NULL,
					PRIMARY KEY (job_id, id)
				)`)
				return err
			},
		},
	}
}

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteHistoryRepository implements HistoryRepository using SQLite.
type SQLiteHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteHistoryRepository creates a HistoryRepository. The scan_history
// table must already exist (see HistoryMigrations).
func NewSQLiteHistoryRepository(db *sql.DB) *SQLiteHistoryRepository {
	return &SQLiteHistoryRepository{db: db}
}

func (r *SQLiteHistoryRepository) Record(ctx context.Context, job models.ScanJob) error {
	if job.JobID == "" {
		return errors.New("record scan: missing job id")
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("record scan %q: status %q is not terminal", job.JobID, job.Status)
	}

	started := time.Now().UTC()
	if job.StartTime != nil {
		started = job.StartTime.UTC()
	}
	var ended sql.NullString
	if job.EndTime != nil {
		ended = sql.NullString{String: job.EndTime.UTC().Format(timeLayout), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_history (id, status, progress, devices_found, started_at, ended_at, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, string(job.Status), job.Progress, job.DevicesFound,
		started.Format(timeLayout), ended, job.Error,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("record scan %q: %w", job.JobID, err)
	}
	return nil
}

func (r *SQLiteHistoryRepository) Get(ctx context.Context, id string) (*models.ScanJob, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, status, progress, devices_found, started_at, ended_at, error_msg
		FROM scan_history WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get scan %q: %w", id, err)
	}
	return job, nil
}

func (r *SQLiteHistoryRepository) List(ctx context.Context, opts ListOptions) (*ListResult[models.ScanJob], error) {
	opts = normalizeListOptions(opts)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scan_history`,
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}

	orderDir := "DESC"
	if opts.SortOrder == "asc" {
		orderDir = "ASC"
	}

	//nolint:gosec // orderDir is validated above
	query := fmt.Sprintf(
		`SELECT id, status, progress, devices_found, started_at, ended_at, error_msg
		FROM scan_history ORDER BY started_at %s LIMIT ? OFFSET ?`, orderDir)

	rows, err := r.db.QueryContext(ctx, query, opts.Limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	jobs := []models.ScanJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scans: %w", err)
	}

	return &ListResult[models.ScanJob]{Items: jobs, Total: total}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.ScanJob, error) {
	var (
		job     models.ScanJob
		status  string
		started string
		ended   sql.NullString
	)
	if err := row.Scan(&job.JobID, &status, &job.Progress, &job.DevicesFound,
		&started, &ended, &job.Error); err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)

	t, err := time.Parse(timeLayout, started)
	if err != nil {
		return nil, fmt.Errorf("invalid started_at: %w", err)
	}
	job.StartTime = &t

	if ended.Valid {
		t, err := time.Parse(timeLayout, ended.String)
		if err != nil {
			return nil, fmt.Errorf("invalid ended_at: %w", err)
		}
		job.EndTime = &t
	}
	return &job, nil
}
