package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"bken/relay/internal/identity"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1. To add a
// migration, append a new string — never edit or reorder existing entries.
var migrations = []string{
	// v1 — accounts
	`CREATE TABLE IF NOT EXISTS accounts (
		class_id   INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		password   TEXT NOT NULL DEFAULT '',
		max_inst   INTEGER NOT NULL DEFAULT 0,
		is_c2s     INTEGER NOT NULL DEFAULT 0,
		bound_ip   TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (class_id, user_id)
	)`,
	// v2 — online state
	`CREATE TABLE IF NOT EXISTS online_users (
		class_id   INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		inst_id    INTEGER NOT NULL,
		remote_ip  TEXT NOT NULL DEFAULT '',
		since      INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (class_id, user_id, inst_id)
	)`,
	// v3 — pending kickouts
	`CREATE TABLE IF NOT EXISTS pending_kicks (
		class_id   INTEGER NOT NULL,
		user_id    INTEGER NOT NULL,
		inst_id    INTEGER NOT NULL,
		queued_at  INTEGER NOT NULL DEFAULT (unixepoch()),
		PRIMARY KEY (class_id, user_id, inst_id)
	)`,
	// v4 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// SqliteStore implements IUserStore over an embedded modernc.org/sqlite
// database.
type SqliteStore struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &SqliteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// Close releases the database connection.
func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Lookup resolves an account by its (classId, userId) pair. InstID is
// ignored: accounts are keyed by the static identity, not the dynamic
// per-connection instance.
func (s *SqliteStore) Lookup(user identity.User) (Account, bool, error) {
	var a Account
	var isC2s int
	err := s.db.QueryRow(
		`SELECT password, max_inst, is_c2s, bound_ip FROM accounts WHERE class_id = ? AND user_id = ?`,
		user.ClassID, user.UserID,
	).Scan(&a.Password, &a.MaxInst, &isC2s, &a.BoundIP)
	if err == sql.ErrNoRows {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, err
	}
	a.IsC2s = isC2s != 0
	return a, true, nil
}

// UpsertAccount creates or updates an account record. Used by the
// operator CLI, not by the hub's hot login path.
func (s *SqliteStore) UpsertAccount(classID uint8, userID uint64, acct Account) error {
	isC2s := 0
	if acct.IsC2s {
		isC2s = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO accounts(class_id, user_id, password, max_inst, is_c2s, bound_ip) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(class_id, user_id) DO UPDATE SET
		   password = excluded.password,
		   max_inst = excluded.max_inst,
		   is_c2s   = excluded.is_c2s,
		   bound_ip = excluded.bound_ip`,
		classID, userID, acct.Password, acct.MaxInst, isC2s, acct.BoundIP,
	)
	return err
}

// RecordOnline inserts an online-state row for the resolved dynamic
// identity (classId, userId, instId).
func (s *SqliteStore) RecordOnline(user identity.User, remoteIP string) error {
	_, err := s.db.Exec(
		`INSERT INTO online_users(class_id, user_id, inst_id, remote_ip) VALUES(?,?,?,?)
		 ON CONFLICT(class_id, user_id, inst_id) DO UPDATE SET remote_ip = excluded.remote_ip, since = unixepoch()`,
		user.ClassID, user.UserID, user.InstID, remoteIP,
	)
	return err
}

// RecordOffline removes the online-state row for user.
func (s *SqliteStore) RecordOffline(user identity.User) error {
	_, err := s.db.Exec(
		`DELETE FROM online_users WHERE class_id = ? AND user_id = ? AND inst_id = ?`,
		user.ClassID, user.UserID, user.InstID,
	)
	return err
}

// OnlineCount reports how many instances of the static (classId, userId)
// identity are currently online (hubctl's "accounts show" reports it).
// The hub does not compare it against Account.MaxInst at login.
func (s *SqliteStore) OnlineCount(classID uint8, userID uint64) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM online_users WHERE class_id = ? AND user_id = ?`,
		classID, userID,
	).Scan(&n)
	return n, err
}

// QueueKick marks user for kickout; PendingKicks will surface it until
// ClearKick is called (normally once the kickout actually completes).
func (s *SqliteStore) QueueKick(user identity.User) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_kicks(class_id, user_id, inst_id) VALUES(?,?,?)
		 ON CONFLICT(class_id, user_id, inst_id) DO NOTHING`,
		user.ClassID, user.UserID, user.InstID,
	)
	return err
}

// ClearKick removes user from the pending-kicks queue.
func (s *SqliteStore) ClearKick(user identity.User) error {
	_, err := s.db.Exec(
		`DELETE FROM pending_kicks WHERE class_id = ? AND user_id = ? AND inst_id = ?`,
		user.ClassID, user.UserID, user.InstID,
	)
	return err
}

// PendingKicks returns every user currently queued for kickout. The hub
// binary polls it periodically, kicks each user and then calls ClearKick;
// hubctl's "kick" command only queues entries.
func (s *SqliteStore) PendingKicks() ([]identity.User, error) {
	rows, err := s.db.Query(`SELECT class_id, user_id, inst_id FROM pending_kicks ORDER BY queued_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.User
	for rows.Next() {
		var u identity.User
		if err := rows.Scan(&u.ClassID, &u.UserID, &u.InstID); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
