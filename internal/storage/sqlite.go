package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"teamchat/internal/migrations"
	"teamchat/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a KeyValueStore backed by a single SQLite table. Values can
// be sealed with AES-GCM when an encryption secret is supplied.
type SQLiteStore struct {
	db        *sql.DB
	encryptor *encryptor
}

// Options configures NewSQLiteStore.
type Options struct {
	// EncryptionSecret enables encryption at rest when non-empty.
	EncryptionSecret string
}

func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	if dbPath != ":memory:" {
		file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	encryptor, err := newEncryptor(opts.EncryptionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize encryptor: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}

	schema, err := migrations.GetInitialSchema()
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to read schema: %w", err))
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	return &SQLiteStore{db: db, encryptor: encryptor}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	var value string
	var encrypted bool

	err := retryableDBOperation(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`SELECT value, encrypted FROM kv_store WHERE key = ?`, key,
		).Scan(&value, &encrypted)
	}, "get item")

	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get item %q: %w", key, err)
	}

	if !encrypted {
		return value, true, nil
	}

	plaintext, err := s.encryptor.decrypt(value)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt item %q: %w", key, err)
	}
	return plaintext, true, nil
}

func (s *SQLiteStore) SetItem(ctx context.Context, key, value string) error {
	stored, err := s.encryptor.encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt item %q: %w", key, err)
	}

	query := `
		INSERT INTO kv_store (key, value, encrypted) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, encrypted = excluded.encrypted
	`

	err = retryableDBOperation(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query, key, stored, s.encryptor.enabled())
		return execErr
	}, "set item")
	if err != nil {
		return fmt.Errorf("failed to set item %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveItem(ctx context.Context, key string) error {
	err := retryableDBOperation(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
		return execErr
	}, "remove item")
	if err != nil {
		return fmt.Errorf("failed to remove item %q: %w", key, err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
