package identity

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("identity")

// endpointGrace is how long a remembered endpoint survives without being
// seen before the startup purge removes it.
const endpointGrace = 30 * 24 * time.Hour

// Store persists the last known local identity and the table of endpoints
// seen on the signaling channel, in a per-installation SQLite database.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore opens or creates the identity database under dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, "identity.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure identity db: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS self (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS endpoints (
			id           TEXT PRIMARY KEY,
			role         TEXT NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			last_seen    INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity tables: %w", err)
	}

	s := &Store{db: db, path: path}
	s.purgeStale()
	return s, nil
}

// purgeStale removes endpoint rows not seen within the grace period.
// Runs once, at open.
func (s *Store) purgeStale() {
	cutoff := time.Now().Add(-endpointGrace).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM endpoints WHERE last_seen < ?`, cutoff)
	if err != nil {
		log.Warnf("purge stale endpoints: %v", err)
		return
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Infof("purged %d stale endpoints", n)
	}
}

// SaveSelf persists ctx as the last known identity.
func (s *Store) SaveSelf(ctx Context) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	defer tx.Rollback()
	for k, v := range map[string]string{
		"customer_id":  ctx.CustomerID,
		"expert_id":    ctx.ExpertID,
		"display_name": ctx.DisplayName,
		"token":        ctx.Token,
	} {
		if _, err := tx.Exec(
			`INSERT INTO self(key, value) VALUES(?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, k, v); err != nil {
			return fmt.Errorf("save identity %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// LoadSelf returns the last known identity, or ok=false on first run.
func (s *Store) LoadSelf() (Context, bool, error) {
	rows, err := s.db.Query(`SELECT key, value FROM self`)
	if err != nil {
		return Context{}, false, fmt.Errorf("load identity: %w", err)
	}
	defer rows.Close()

	var ctx Context
	found := false
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Context{}, false, fmt.Errorf("load identity: %w", err)
		}
		found = true
		switch k {
		case "customer_id":
			ctx.CustomerID = v
		case "expert_id":
			ctx.ExpertID = v
		case "display_name":
			ctx.DisplayName = v
		case "token":
			ctx.Token = v
		}
	}
	return ctx, found, rows.Err()
}

// Endpoint is one remembered remote endpoint.
type Endpoint struct {
	ID          string
	Role        string
	DisplayName string
	LastSeen    time.Time
}

// UpsertEndpoint records that an endpoint was seen now.
func (s *Store) UpsertEndpoint(id, role, displayName string) error {
	_, err := s.db.Exec(`
		INSERT INTO endpoints(id, role, display_name, last_seen)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role = CASE WHEN excluded.role != '' THEN excluded.role ELSE endpoints.role END,
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE endpoints.display_name END,
			last_seen = excluded.last_seen`,
		id, role, displayName, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert endpoint %s: %w", id, err)
	}
	return nil
}

// Endpoints returns all remembered endpoints, most recently seen first.
func (s *Store) Endpoints() ([]Endpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, role, display_name, last_seen FROM endpoints ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var out []Endpoint
	for rows.Next() {
		var e Endpoint
		var ts int64
		if err := rows.Scan(&e.ID, &e.Role, &e.DisplayName, &ts); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		e.LastSeen = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
