// Package mirror replicates the friend table into a relational database.
// Every change lands in a current-state table, an append-only history table
// and an event table, all written through parameterized statements. PostgreSQL
// is the default backend; SQLite is supported for local setups and tests.
package mirror

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/0xli/openclaw-beagle-channel/friends"
)

// ConfigFileName is the mirror connection config under the data dir.
const ConfigFileName = "beagle_db.json"

const (
	// DriverPostgres selects the pgx database/sql driver.
	DriverPostgres = "postgres"
	// DriverSQLite selects the go-sqlite3 driver.
	DriverSQLite = "sqlite3"
)

// Config holds the mirror database connection settings. The mirror is off by
// default; setting Enabled opts in.
type Config struct {
	Enabled  bool   `json:"enabled"`
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	// Path is the database file location when Driver is sqlite3.
	Path string `json:"path,omitempty"`
}

// DefaultConfig returns the settings written on first run.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Driver:   DriverPostgres,
		Host:     "127.0.0.1",
		Port:     5432,
		User:     "beagle",
		Password: "",
		Database: "beagle",
	}
}

// LoadConfig reads the mirror config from dir, writing defaults first if the
// file does not exist yet.
func LoadConfig(dir string) (Config, error) {
	path := filepath.Join(dir, ConfigFileName)

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		out, marshalErr := json.MarshalIndent(cfg, "", "  ")
		if marshalErr != nil {
			return Config{}, fmt.Errorf("encode default mirror config: %w", marshalErr)
		}
		if writeErr := os.WriteFile(path, append(out, '\n'), 0o600); writeErr != nil {
			return Config{}, fmt.Errorf("write default mirror config: %w", writeErr)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read mirror config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse mirror config: %w", err)
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverPostgres
	}
	return cfg, nil
}

// DSN builds the driver-specific connection string.
func (c Config) DSN() (string, error) {
	switch c.Driver {
	case DriverPostgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(c.User, c.Password),
			Host:     c.Host + ":" + strconv.Itoa(c.Port),
			Path:     "/" + c.Database,
			RawQuery: "sslmode=disable",
		}
		return u.String(), nil
	case DriverSQLite:
		path := c.Path
		if path == "" {
			path = c.Database
		}
		if path == "" {
			return "", errors.New("sqlite mirror requires a database path")
		}
		return fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(path)), nil
	default:
		return "", fmt.Errorf("unsupported mirror driver %q", c.Driver)
	}
}

var sqliteSchema = []string{
	`
CREATE TABLE IF NOT EXISTS beagle_friend_info (
  friendid    TEXT PRIMARY KEY,
  name        TEXT NOT NULL DEFAULT '',
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  label       TEXT NOT NULL DEFAULT '',
  status      INTEGER NOT NULL DEFAULT 0,
  presence    INTEGER NOT NULL DEFAULT 0,
  updated_at  TIMESTAMP NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS beagle_friend_info_history (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  friendid    TEXT NOT NULL,
  name        TEXT NOT NULL DEFAULT '',
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  label       TEXT NOT NULL DEFAULT '',
  status      INTEGER NOT NULL DEFAULT 0,
  presence    INTEGER NOT NULL DEFAULT 0,
  recorded_at TIMESTAMP NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS beagle_friend_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  friendid   TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status     INTEGER NOT NULL,
  presence   INTEGER NOT NULL,
  event_time TIMESTAMP NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_beagle_friend_events_friend_time
ON beagle_friend_events (friendid, event_time);
`,
}

var postgresSchema = []string{
	`
CREATE TABLE IF NOT EXISTS beagle_friend_info (
  friendid    TEXT PRIMARY KEY,
  name        TEXT NOT NULL DEFAULT '',
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  label       TEXT NOT NULL DEFAULT '',
  status      INTEGER NOT NULL DEFAULT 0,
  presence    INTEGER NOT NULL DEFAULT 0,
  updated_at  TIMESTAMPTZ NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS beagle_friend_info_history (
  id          BIGSERIAL PRIMARY KEY,
  friendid    TEXT NOT NULL,
  name        TEXT NOT NULL DEFAULT '',
  gender      TEXT NOT NULL DEFAULT '',
  phone       TEXT NOT NULL DEFAULT '',
  email       TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  region      TEXT NOT NULL DEFAULT '',
  label       TEXT NOT NULL DEFAULT '',
  status      INTEGER NOT NULL DEFAULT 0,
  presence    INTEGER NOT NULL DEFAULT 0,
  recorded_at TIMESTAMPTZ NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS beagle_friend_events (
  id         BIGSERIAL PRIMARY KEY,
  friendid   TEXT NOT NULL,
  event_type TEXT NOT NULL,
  status     INTEGER NOT NULL,
  presence   INTEGER NOT NULL,
  event_time TIMESTAMPTZ NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_beagle_friend_events_friend_time
ON beagle_friend_events (friendid, event_time);
`,
}

// Mirror is a thin wrapper around a database/sql connection.
type Mirror struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

var _ friends.Mirror = (*Mirror)(nil)

// Open connects to the configured database and ensures the schema exists.
func Open(cfg Config, log *zap.Logger) (*Mirror, error) {
	if log == nil {
		log = zap.NewNop()
	}

	dsn, err := cfg.DSN()
	if err != nil {
		return nil, err
	}

	driverName := cfg.Driver
	if driverName == DriverPostgres {
		driverName = "pgx"
	}
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open mirror database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mirror database: %w", err)
	}

	m := &Mirror{db: db, driver: cfg.Driver, log: log}
	if err := m.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

// Close closes the database connection.
func (m *Mirror) Close() error {
	if m == nil || m.db == nil {
		return nil
	}
	return m.db.Close()
}

func (m *Mirror) ensureSchema() error {
	schema := sqliteSchema
	if m.driver == DriverPostgres {
		schema = postgresSchema
	}
	for i, stmt := range schema {
		if _, err := m.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply mirror schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// UpsertFriend writes the current row for one friend and appends a history row.
func (m *Mirror) UpsertFriend(ctx context.Context, f friends.Friend, ts time.Time) error {
	upsert := m.rebind(`
INSERT INTO beagle_friend_info
  (friendid, name, gender, phone, email, description, region, label, status, presence, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (friendid) DO UPDATE SET
  name = excluded.name,
  gender = excluded.gender,
  phone = excluded.phone,
  email = excluded.email,
  description = excluded.description,
  region = excluded.region,
  label = excluded.label,
  status = excluded.status,
  presence = excluded.presence,
  updated_at = excluded.updated_at`)
	if _, err := m.db.ExecContext(ctx, upsert,
		f.FriendID, f.Name, f.Gender, f.Phone, f.Email, f.Description,
		f.Region, f.Label, f.Status, f.Presence, ts); err != nil {
		return fmt.Errorf("upsert friend row: %w", err)
	}

	history := m.rebind(`
INSERT INTO beagle_friend_info_history
  (friendid, name, gender, phone, email, description, region, label, status, presence, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := m.db.ExecContext(ctx, history,
		f.FriendID, f.Name, f.Gender, f.Phone, f.Email, f.Description,
		f.Region, f.Label, f.Status, f.Presence, ts); err != nil {
		return fmt.Errorf("append friend history row: %w", err)
	}
	return nil
}

// RecordEvent appends one connection or presence event row.
func (m *Mirror) RecordEvent(ctx context.Context, friendID, eventType string, status, presence int, ts time.Time) error {
	stmt := m.rebind(`
INSERT INTO beagle_friend_events (friendid, event_type, status, presence, event_time)
VALUES (?, ?, ?, ?, ?)`)
	if _, err := m.db.ExecContext(ctx, stmt, friendID, eventType, status, presence, ts); err != nil {
		return fmt.Errorf("append friend event row: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (m *Mirror) rebind(query string) string {
	if m.driver != DriverPostgres {
		return query
	}
	var out strings.Builder
	out.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
			continue
		}
		out.WriteByte(query[i])
	}
	return out.String()
}
