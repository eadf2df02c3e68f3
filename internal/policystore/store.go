// Package policystore implements the policy-store interface consumed by
// the filter engine and the proxy pipeline, backed by SQLite.
package policystore

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/nostrgate/nostrgate/internal/filterengine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite connection pool implementing every policy-store
// operation the core consumes. Construct one with Open; it satisfies
// filterengine.PolicyStore and the narrower store interfaces the proxy
// pipeline declares for itself.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// runs any pending migrations.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles concurrency via WAL
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info().Str("path", dbPath).Msg("policystore: database initialized")
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, filename := range files {
		content, err := migrationsFS.ReadFile("migrations/" + filename)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		log.Debug().Str("file", filename).Msg("policystore: running migration")
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}
	return nil
}

// IPBanned reports whether ip is marked banned in ip_access.
func (s *Store) IPBanned(ip string) (bool, error) {
	var banned bool
	err := s.db.QueryRow(`SELECT banned FROM ip_access WHERE ip_address = ?`, ip).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return banned, err
}

// SafelistFlags returns the flag bitmask stored for npub, and whether a
// row exists at all.
func (s *Store) SafelistFlags(npub string) (int, bool, error) {
	var flags int
	err := s.db.QueryRow(`SELECT flags FROM safelist WHERE npub = ?`, npub).Scan(&flags)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return flags, true, nil
}

// KindBlacklisted reports whether kind is covered by an enabled
// req_kind_blacklist entry, either by exact match or inclusive range.
func (s *Store) KindBlacklisted(kind int) (bool, error) {
	var exists int
	err := s.db.QueryRow(
		`SELECT 1 FROM req_kind_blacklist WHERE enabled = 1 AND kind_value = ?`, kind,
	).Scan(&exists)
	if err == nil {
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, err
	}

	err = s.db.QueryRow(
		`SELECT 1 FROM req_kind_blacklist
		 WHERE enabled = 1 AND kind_min IS NOT NULL AND kind_max IS NOT NULL
		   AND ? BETWEEN kind_min AND kind_max`, kind,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActiveRules returns every enabled filter rule, ordered by
// (rule_order ASC, id ASC).
func (s *Store) ActiveRules() ([]filterengine.RuleRow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, dsl_text FROM filter_rules WHERE enabled = 1 ORDER BY rule_order ASC, id ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []filterengine.RuleRow
	for rows.Next() {
		var r filterengine.RuleRow
		if err := rows.Scan(&r.ID, &r.Name, &r.DSLText); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogRejection appends one rejection record.
func (s *Store) LogRejection(eventID, pubkeyHex, npub, ip string, kind int, reason string) error {
	var ipVal interface{}
	if ip != "" {
		ipVal = ip
	}
	_, err := s.db.Exec(
		`INSERT INTO event_rejection_logs (event_id, pubkey_hex, npub, ip_address, kind, reason)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		eventID, pubkeyHex, npub, ipVal, kind, reason,
	)
	return err
}

// OpenConnection inserts a connection_logs row and returns its id.
func (s *Store) OpenConnection(ip string) (int64, error) {
	var ipVal interface{}
	if ip != "" {
		ipVal = ip
	}
	result, err := s.db.Exec(`INSERT INTO connection_logs (ip_address) VALUES (?)`, ipVal)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// IncrementAccepted bumps event_count for a connection.
func (s *Store) IncrementAccepted(connectionID int64) error {
	_, err := s.db.Exec(`UPDATE connection_logs SET event_count = event_count + 1 WHERE id = ?`, connectionID)
	return err
}

// IncrementRejected bumps rejected_event_count for a connection.
func (s *Store) IncrementRejected(connectionID int64) error {
	_, err := s.db.Exec(`UPDATE connection_logs SET rejected_event_count = rejected_event_count + 1 WHERE id = ?`, connectionID)
	return err
}

// CloseConnection best-effort stamps disconnected_at for a connection.
func (s *Store) CloseConnection(connectionID int64) error {
	_, err := s.db.Exec(`UPDATE connection_logs SET disconnected_at = CURRENT_TIMESTAMP WHERE id = ?`, connectionID)
	return err
}
