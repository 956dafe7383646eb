package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/nikkigallery/whimbox-launcher/internal/domain"
)

const secretsDBName = "launcher.db"

// EncryptedStore implements domain.SecretStore and domain.HistoryStore on a
// SQLCipher database. API tokens and the install history live here.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the database in dataDir, keyed with key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, secretsDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// A wrong key only surfaces on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedStore{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *EncryptedStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS secrets (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS install_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		package_name TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		recorded_at INTEGER NOT NULL
	);
	`)
	return err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// GetSecret returns a domain.ErrNotFound error when name is unset.
func (s *EncryptedStore) GetSecret(name string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM secrets WHERE key = ?`, name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.Errorf(domain.KindNotFound, "get secret", "secret %q not found", name)
	}
	return value, err
}

// SetSecret stores or replaces a secret.
func (s *EncryptedStore) SetSecret(name, value string) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO secrets (key, value, updated_at) VALUES (?, ?, ?)`,
		name, value, time.Now().Unix())
	return err
}

// DeleteSecret removes a secret. Deleting an unset name is not an error.
func (s *EncryptedStore) DeleteSecret(name string) error {
	_, err := s.db.Exec(`DELETE FROM secrets WHERE key = ?`, name)
	return err
}

// Record appends an install attempt.
func (s *EncryptedStore) Record(entry domain.HistoryEntry) error {
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO install_history (action, package_name, version, success, message, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.Action, entry.PackageName, entry.Version, entry.Success, entry.Message, recordedAt.UnixMilli(),
	)
	return err
}

// List returns entries newest first.
func (s *EncryptedStore) List(limit int) ([]domain.HistoryEntry, error) {
	query := `SELECT id, action, package_name, version, success, message, recorded_at
		FROM install_history ORDER BY recorded_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var recordedAt int64
		if err := rows.Scan(&e.ID, &e.Action, &e.PackageName, &e.Version, &e.Success, &e.Message, &recordedAt); err != nil {
			return nil, err
		}
		e.RecordedAt = time.UnixMilli(recordedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var (
	_ domain.SecretStore  = (*EncryptedStore)(nil)
	_ domain.HistoryStore = (*EncryptedStore)(nil)
)
