/*Package store keeps calibration and guiding history in an SQLite database.

The schema is managed with embedded migrations, applied when the database is
opened.  Store satisfies guider.Store and can read calibrations back so a
guider can start from a previous one.
*/
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nasa-jpl/autoguide/calibration"
	"github.com/nasa-jpl/autoguide/guider"
	"github.com/nasa-jpl/autoguide/mathx"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("store: not found")

// Store is an SQLite backed history of calibrations and guiding runs
type Store struct {
	db *sql.DB
}

var _ guider.Store = (*Store)(nil)

// Open opens, creating if needed, the database at path and brings its
// schema up to date.  ":memory:" gives a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection, so an in-memory database is shared and writes serialize
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: setting pragmas: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("store: reading migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: creating sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: creating migrate instance: %w", err)
	}
	// m is not closed, that would close the database
	m.Log = migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migration up failed: %w", err)
	}
	return nil
}

// Version is the schema version of the database
func (s *Store) Version() (uint, error) {
	var v uint
	err := s.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1`).Scan(&v)
	return v, err
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// AddCalibration stores c without its points and returns its id
func (s *Store) AddCalibration(c calibration.Calibration) (int64, error) {
	a := c.Model.A
	res, err := s.db.Exec(`INSERT INTO calibrations
		(taken, a0, a1, a2, a3, a4, a5, grid_constant, focal_length, pixel_size, guide_rate)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(c.When), a[0], a[1], a[2], a[3], a[4], a[5],
		c.GridConstant, c.FocalLength, c.PixelSize, c.GuideRate)
	if err != nil {
		return 0, fmt.Errorf("store: adding calibration: %w", err)
	}
	return res.LastInsertId()
}

// AddCalibrationPoint adds p to calibration id
func (s *Store) AddCalibrationPoint(id int64, p calibration.Point) error {
	_, err := s.db.Exec(`INSERT INTO calibration_points (calibration_id, t, ra, dec, x, y)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, p.T, p.Correction.X, p.Correction.Y, p.Offset.X, p.Offset.Y)
	if err != nil {
		return fmt.Errorf("store: adding point to calibration %d: %w", id, err)
	}
	return nil
}

// Calibration reads calibration id with its points
func (s *Store) Calibration(id int64) (calibration.Calibration, error) {
	var (
		c     calibration.Calibration
		taken string
		a     = &c.Model.A
	)
	err := s.db.QueryRow(`SELECT id, taken, a0, a1, a2, a3, a4, a5,
		grid_constant, focal_length, pixel_size, guide_rate
		FROM calibrations WHERE id = ?`, id).Scan(
		&c.ID, &taken, &a[0], &a[1], &a[2], &a[3], &a[4], &a[5],
		&c.GridConstant, &c.FocalLength, &c.PixelSize, &c.GuideRate)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: calibration %d", ErrNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("store: reading calibration %d: %w", id, err)
	}
	if c.When, err = parseTime(taken); err != nil {
		return c, fmt.Errorf("store: calibration %d: %w", id, err)
	}

	rows, err := s.db.Query(`SELECT t, ra, dec, x, y FROM calibration_points
		WHERE calibration_id = ? ORDER BY t, id`, id)
	if err != nil {
		return c, fmt.Errorf("store: reading points of calibration %d: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p calibration.Point
		if err := rows.Scan(&p.T, &p.Correction.X, &p.Correction.Y, &p.Offset.X, &p.Offset.Y); err != nil {
			return c, err
		}
		c.Points = append(c.Points, p)
	}
	return c, rows.Err()
}

// LatestCalibration reads the most recently stored calibration
func (s *Store) LatestCalibration() (calibration.Calibration, error) {
	var id int64
	err := s.db.QueryRow(`SELECT id FROM calibrations ORDER BY id DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.Calibration{}, fmt.Errorf("%w: no calibrations", ErrNotFound)
	}
	if err != nil {
		return calibration.Calibration{}, err
	}
	return s.Calibration(id)
}

// AddTracking stores the start of a guiding run and returns its id
func (s *Store) AddTracking(r guider.TrackingRun) (int64, error) {
	var cal interface{}
	if r.CalibrationID > 0 {
		cal = r.CalibrationID
	}
	res, err := s.db.Exec(`INSERT INTO tracking_runs
		(run_id, started, calibration_id, mode, filter_kind, gain, interval_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.RunID.String(), formatTime(r.Started), cal, r.Mode, r.Filter, r.Gain, int64(r.Interval))
	if err != nil {
		return 0, fmt.Errorf("store: adding tracking run: %w", err)
	}
	return res.LastInsertId()
}

// AddTrackingPoint adds p to tracking run id
func (s *Store) AddTrackingPoint(id int64, p guider.TrackingPoint) error {
	_, err := s.db.Exec(`INSERT INTO tracking_points (tracking_id, taken, x, y, fx, fy, ra, dec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, formatTime(p.When), p.Offset.X, p.Offset.Y, p.Filtered.X, p.Filtered.Y,
		p.Correction.X, p.Correction.Y)
	if err != nil {
		return fmt.Errorf("store: adding point to tracking run %d: %w", id, err)
	}
	return nil
}

// Tracking reads the guiding run with the given run id and its points
func (s *Store) Tracking(run uuid.UUID) (guider.TrackingRun, []guider.TrackingPoint, error) {
	var (
		r        = guider.TrackingRun{RunID: run}
		id       int64
		started  string
		cal      sql.NullInt64
		interval int64
	)
	err := s.db.QueryRow(`SELECT id, started, calibration_id, mode, filter_kind, gain, interval_ns
		FROM tracking_runs WHERE run_id = ?`, run.String()).Scan(
		&id, &started, &cal, &r.Mode, &r.Filter, &r.Gain, &interval)
	if errors.Is(err, sql.ErrNoRows) {
		return r, nil, fmt.Errorf("%w: tracking run %v", ErrNotFound, run)
	}
	if err != nil {
		return r, nil, err
	}
	r.CalibrationID = cal.Int64
	r.Interval = time.Duration(interval)
	if r.Started, err = parseTime(started); err != nil {
		return r, nil, err
	}

	rows, err := s.db.Query(`SELECT taken, x, y, fx, fy, ra, dec FROM tracking_points
		WHERE tracking_id = ? ORDER BY id`, id)
	if err != nil {
		return r, nil, err
	}
	defer rows.Close()
	var pts []guider.TrackingPoint
	for rows.Next() {
		var (
			p     guider.TrackingPoint
			taken string
		)
		if err := rows.Scan(&taken, &p.Offset.X, &p.Offset.Y, &p.Filtered.X, &p.Filtered.Y,
			&p.Correction.X, &p.Correction.Y); err != nil {
			return r, nil, err
		}
		if p.When, err = parseTime(taken); err != nil {
			return r, nil, err
		}
		pts = append(pts, p)
	}
	return r, pts, rows.Err()
}

// TrackingStats summarizes the offsets of a guiding run
type TrackingStats struct {
	Points int
	RMS    mathx.Point
}

// Stats computes the RMS offset of the guiding run with run id
func (s *Store) Stats(run uuid.UUID) (TrackingStats, error) {
	var st TrackingStats
	var sx, sy sql.NullFloat64
	err := s.db.QueryRow(`SELECT COUNT(p.id), AVG(p.x * p.x), AVG(p.y * p.y)
		FROM tracking_points p JOIN tracking_runs r ON p.tracking_id = r.id
		WHERE r.run_id = ?`, run.String()).Scan(&st.Points, &sx, &sy)
	if err != nil {
		return st, err
	}
	st.RMS = mathx.Point{X: math.Sqrt(sx.Float64), Y: math.Sqrt(sy.Float64)}
	return st, nil
}
