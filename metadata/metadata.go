/*Package metadata persists acquisition metadata to a SQLite file that rides
along with the imagery.

One database per deployment in separate output mode.  In combined mode the
file is shared across deployments and may be held open by a copy process, so
Open falls back through a bounded set of alternate file names before giving
up; acquisition proceeds without metadata when every alternate is locked.
*/
package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// maxAlternates bounds the alternate-file search in combined output mode.
const maxAlternates = 20

// timeLayout matches the timestamps written into the database.
const timeLayout = "2006-01-02 15:04:05.000"

var schema = []string{
	`CREATE TABLE cameras (camera TEXT NOT NULL, device_id TEXT, serial_number TEXT,
		label TEXT, rotation TEXT, device_version TEXT, device_speed TEXT,
		PRIMARY KEY(camera))`,
	`CREATE TABLE images (number INTEGER NOT NULL, camera TEXT NOT NULL, time TEXT,
		name TEXT, exposure_us INTEGER, gain FLOAT, discarded INTEGER,
		md5_checksum TEXT, PRIMARY KEY(number,camera))`,
	`CREATE TABLE dropped (number INTEGER NOT NULL, camera TEXT NOT NULL, time TEXT,
		PRIMARY KEY(number,camera))`,
	`CREATE TABLE sensor_data (number INTEGER NOT NULL, time TEXT NOT NULL,
		sensor_id TEXT NOT NULL, header TEXT NOT NULL, data TEXT,
		PRIMARY KEY(number,time,sensor_id,header))`,
	`CREATE TABLE async_data (time TEXT NOT NULL, sensor_id TEXT NOT NULL,
		header TEXT NOT NULL, data TEXT, PRIMARY KEY(time,sensor_id,header))`,
	`CREATE TABLE deployment_data (deployment_parameter TEXT NOT NULL,
		parameter_value TEXT NOT NULL, PRIMARY KEY(deployment_parameter))`,
}

// Store wraps the deployment metadata database.  A nil Store is safe to use;
// every method is a no-op, which is how acquisition runs when no alternate
// could be opened.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the file actually opened, which may be an alternate.
func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Open opens or creates the database at path.  The schema is created when
// the cameras table is absent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=2000")
	if err != nil {
		return nil, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	// sql.Open is lazy; a locked or unwritable file surfaces here
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: open %s: %w", path, err)
	}
	fresh, err := needsSchema(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if fresh {
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("metadata: create schema: %w", err)
			}
		}
	}
	return &Store{db: db, path: path}, nil
}

// OpenWithAlternates opens path, and on failure walks name-1, name-2, ... up
// to the alternate limit before returning the first error.  Used in combined
// output mode where another process may hold the primary file.
func OpenWithAlternates(path string) (*Store, error) {
	s, firstErr := Open(path)
	if firstErr == nil {
		return s, nil
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; i <= maxAlternates; i++ {
		alt := fmt.Sprintf("%s-%d%s", base, i, ext)
		if s, err := Open(alt); err == nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("metadata: primary and all %d alternates failed: %w", maxAlternates, firstErr)
}

func needsSchema(db *sql.DB) (bool, error) {
	row := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='cameras'`)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("metadata: probing schema: %w", err)
	}
	return n == 0, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

// NextImageNumber returns one past the largest image number on record, or 1
// for an empty database.
func (s *Store) NextImageNumber() (int, error) {
	if s == nil {
		return 1, nil
	}
	row := s.db.QueryRow(`SELECT MAX(number) FROM images`)
	var max sql.NullInt64
	if err := row.Scan(&max); err != nil {
		return 0, fmt.Errorf("metadata: next image number: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// ScanNextImageNumber derives the next image number from the image files on
// disk, used when no database could be opened.  File names start with the
// zero padded image number.
func ScanNextImageNumber(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 1, nil
		}
		return 0, fmt.Errorf("metadata: scanning %s: %w", dir, err)
	}
	max := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			// per-camera subdirectories in separate mode
			sub, err := ScanNextImageNumber(filepath.Join(dir, name))
			if err == nil && sub-1 > max {
				max = sub - 1
			}
			continue
		}
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		n, err := strconv.Atoi(name[:idx])
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return max + 1, nil
}

// UpsertCamera records or refreshes a camera's identity row.
func (s *Store) UpsertCamera(name, deviceID, serial, label, rotation, version, speed string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT INTO cameras VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(camera) DO UPDATE SET device_id=excluded.device_id,
		serial_number=excluded.serial_number, label=excluded.label,
		rotation=excluded.rotation, device_version=excluded.device_version,
		device_speed=excluded.device_speed`,
		name, deviceID, serial, label, rotation, version, speed)
	if err != nil {
		return fmt.Errorf("metadata: upsert camera %s: %w", name, err)
	}
	return nil
}

// RecordImage records a saved (or deliberately discarded) image.
func (s *Store) RecordImage(number int, camera string, ts time.Time, name string,
	exposureUs int, gain float64, discarded bool, md5 string) error {
	if s == nil {
		return nil
	}
	disc := 0
	if discarded {
		disc = 1
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO images VALUES(?,?,?,?,?,?,?,?)`,
		number, camera, ts.Format(timeLayout), name, exposureUs, gain, disc, md5)
	if err != nil {
		return fmt.Errorf("metadata: record image %d/%s: %w", number, camera, err)
	}
	return nil
}

// RecordDropped records an image a camera failed to deliver.
func (s *Store) RecordDropped(number int, camera string, ts time.Time) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO dropped VALUES(?,?,?)`,
		number, camera, ts.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("metadata: record dropped %d/%s: %w", number, camera, err)
	}
	return nil
}

// RecordSyncSensor writes a synchronous sensor reading tagged with the image
// number it accompanies.
func (s *Store) RecordSyncSensor(number int, ts time.Time, sensorID, header, data string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO sensor_data VALUES(?,?,?,?,?)`,
		number, ts.Format(timeLayout), sensorID, header, data)
	if err != nil {
		return fmt.Errorf("metadata: record sensor %s/%s: %w", sensorID, header, err)
	}
	return nil
}

// RecordAsyncSensor writes an asynchronous sensor reading keyed by time only.
func (s *Store) RecordAsyncSensor(ts time.Time, sensorID, header, data string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO async_data VALUES(?,?,?,?)`,
		ts.Format(timeLayout), sensorID, header, data)
	if err != nil {
		return fmt.Errorf("metadata: record async %s/%s: %w", sensorID, header, err)
	}
	return nil
}

// SetDeploymentParameter writes one key/value row in deployment_data.
func (s *Store) SetDeploymentParameter(key, value string) error {
	if s == nil {
		return nil
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO deployment_data VALUES(?,?)`, key, value)
	if err != nil {
		return fmt.Errorf("metadata: set deployment parameter %s: %w", key, err)
	}
	return nil
}

// StampDeployment records the deployment identity rows written at startup.
func (s *Store) StampDeployment(start time.Time) (string, error) {
	id := uuid.NewString()
	if s == nil {
		return id, nil
	}
	if err := s.SetDeploymentParameter("deployment_id", id); err != nil {
		return "", err
	}
	if err := s.SetDeploymentParameter("start_time", start.Format(timeLayout)); err != nil {
		return "", err
	}
	return id, nil
}
