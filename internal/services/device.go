package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/netmapper/pkg/models"
)

// DeviceFilter controls which archived devices are returned by List.
type DeviceFilter struct {
	DeviceType string // Filter by DeviceType value.
	Search     string // Search hostname, IP address, or MAC address.
	Gateway    *bool  // Filter on the gateway flag when set.
}

// DeviceArchive stores the devices each finished job discovered.
type DeviceArchive interface {
	// Record stores the devices of a job, replacing any earlier set.
	Record(ctx context.Context, jobID string, devices []models.Device) error

	// Get returns a single archived device of a job.
	Get(ctx context.Context, jobID, id string) (*models.Device, error)

	// List returns a filtered, paginated list of a job's devices.
	List(ctx context.Context, jobID string, filter DeviceFilter, opts ListOptions) (*ListResult[models.Device], error)
}

// Compile-time interface guard.
var _ DeviceArchive = (*SQLiteDeviceArchive)(nil)

// SQLiteDeviceArchive implements DeviceArchive using SQLite.
type SQLiteDeviceArchive struct {
	db *sql.DB
}

// NewSQLiteDeviceArchive creates a DeviceArchive.
// The scan_devices table must already exist (see HistoryMigrations).
func NewSQLiteDeviceArchive(db *sql.DB) *SQLiteDeviceArchive {
	return &SQLiteDeviceArchive{db: db}
}

// deviceColumns is the shared column list for device queries.
const deviceColumns = `id, ip, hostname, mac, vendor, device_type, is_gateway, first_seen, last_seen`

func (r *SQLiteDeviceArchive) Record(ctx context.Context, jobID string, devices []models.Device) error {
	if jobID == "" {
		return errors.New("record devices: missing job id")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM scan_devices WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("clear devices of %q: %w", jobID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scan_devices (
			job_id, id, ip, hostname, mac, vendor, device_type, is_gateway, first_seen, last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i := range devices {
		d := &devices[i]
		_, err := stmt.ExecContext(ctx,
			jobID, d.ID, d.IP, d.Hostname, d.MAC, d.Vendor, string(d.DeviceType), d.IsGateway,
			d.FirstSeen.UTC().Format(timeLayout), d.LastSeen.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("record device %q: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteDeviceArchive) Get(ctx context.Context, jobID, id string) (*models.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM scan_devices WHERE job_id = ? AND id = ?`, jobID, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", id, err)
	}
	return d, nil
}

func (r *SQLiteDeviceArchive) List(ctx context.Context, jobID string, filter DeviceFilter, opts ListOptions) (*ListResult[models.Device], error) {
	opts = normalizeListOptions(opts)

	// Validate sortBy against allowed columns.
	sortCol := "first_seen"
	allowedSorts := map[string]string{
		"ip":          "ip",
		"hostname":    "hostname",
		"vendor":      "vendor",
		"device_type": "device_type",
		"first_seen":  "first_seen",
		"last_seen":   "last_seen",
	}
	if opts.SortBy != "" {
		if col, ok := allowedSorts[opts.SortBy]; ok {
			sortCol = col
		}
	}

	// Build WHERE clause with parameterized placeholders.
	where := "job_id = ?"
	args := []any{jobID}

	if filter.DeviceType != "" {
		where += " AND device_type = ?"
		args = append(args, filter.DeviceType)
	}
	if filter.Search != "" {
		where += " AND (hostname LIKE ? OR ip LIKE ? OR mac LIKE ?)"
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern, pattern)
	}
	if filter.Gateway != nil {
		where += " AND is_gateway = ?"
		args = append(args, *filter.Gateway)
	}

	// Count total matching rows.
	var total int
	//nolint:gosec // where uses parameterized placeholders only
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM scan_devices WHERE "+where, args...,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count devices: %w", err)
	}

	queryArgs := make([]any, 0, len(args)+2)
	queryArgs = append(queryArgs, args...)
	queryArgs = append(queryArgs, opts.Limit, opts.Offset)

	orderDir := "DESC"
	if opts.SortOrder == "asc" {
		orderDir = "ASC"
	}

	//nolint:gosec // where and sortCol are validated above, not user input
	query := fmt.Sprintf(
		"SELECT %s FROM scan_devices WHERE %s ORDER BY %s %s, id ASC LIMIT ? OFFSET ?",
		deviceColumns, where, sortCol, orderDir,
	)

	rows, err := r.db.QueryContext(ctx, query, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate devices: %w", err)
	}

	return &ListResult[models.Device]{Items: devices, Total: total}, nil
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var (
		d                   models.Device
		dt                  string
		firstSeen, lastSeen string
	)
	err := row.Scan(
		&d.ID, &d.IP, &d.Hostname, &d.MAC, &d.Vendor,
		&dt, &d.IsGateway, &firstSeen, &lastSeen,
	)
	if err != nil {
		return nil, err
	}
	d.DeviceType = models.DeviceType(dt)
	if d.FirstSeen, err = time.Parse(timeLayout, firstSeen); err != nil {
		return nil, fmt.Errorf("invalid first_seen: %w", err)
	}
	if d.LastSeen, err = time.Parse(timeLayout, lastSeen); err != nil {
		return nil, fmt.Errorf("invalid last_seen: %w", err)
	}
	return &d, nil
}
