// Package vault is the encrypted single-record store for the bot's account
// credentials and resumable session tokens. One logical row exists at most:
// username and sealed password, plus three session fields (device ID, sealed
// access token, Matrix user ID) that are populated and cleared together.
//
// Secrets are sealed with AES-256-GCM under an argon2id-derived key, so a
// wrong passphrase or a tampered row surfaces as ErrDecrypt instead of
// silently yielding garbage.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrDecrypt means the passphrase is wrong or the stored blob is corrupted.
	ErrDecrypt = errors.New("vault: decryption failed")
	// ErrNoCredentials means no credential row exists yet.
	ErrNoCredentials = errors.New("vault: no stored credentials")
	// ErrNoSession means one or more session fields are absent.
	ErrNoSession = errors.New("vault: no stored session")
)

// Session is the resumable authentication state persisted after login.
type Session struct {
	DeviceID    string
	AccessToken string
	UserID      string
}

// Vault is a SQLite-backed credential store.
type Vault struct {
	db *sql.DB
}

// Open creates or opens the vault database at dbPath.
func Open(dbPath string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create vault directory: %w", err)
	}

	// WAL mode for concurrent readers during the sync task's writes.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open vault database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping vault database: %w", err)
	}

	v := &Vault{db: db}
	if err := v.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize vault schema: %w", err)
	}
	return v, nil
}

func (v *Vault) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		username TEXT NOT NULL,
		password_sealed BLOB NOT NULL,
		device_id TEXT,
		access_token_sealed BLOB,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := v.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (v *Vault) Ping(ctx context.Context) error {
	return v.db.PingContext(ctx)
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	if err := v.db.Close(); err != nil {
		return fmt.Errorf("close vault database: %w", err)
	}
	return nil
}

// Exists reports whether a credential row with password material is stored.
func (v *Vault) Exists(ctx context.Context) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM credentials WHERE id = 1 AND length(password_sealed) > 0`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query credentials: %w", err)
	}
	return count > 0, nil
}

// Store overwrites the singleton credential row with the given username and
// password, sealed under the vault passphrase. Any previously stored session
// fields are dropped with the old row.
func (v *Vault) Store(ctx context.Context, username, password, passphrase string) error {
	sealed, err := Seal([]byte(password), passphrase)
	if err != nil {
		return fmt.Errorf("seal password: %w", err)
	}

	now := time.Now().Unix()
	query := `
	INSERT INTO credentials (id, username, password_sealed, created_at, updated_at)
	VALUES (1, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		username = excluded.username,
		password_sealed = excluded.password_sealed,
		device_id = NULL,
		access_token_sealed = NULL,
		user_id = NULL,
		updated_at = excluded.updated_at`

	if _, err := v.db.ExecContext(ctx, query, username, sealed, now, now); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Retrieve decrypts and returns the stored username and password.
func (v *Vault) Retrieve(ctx context.Context, passphrase string) (username, password string, err error) {
	var sealed []byte
	err = v.db.QueryRowContext(ctx,
		`SELECT username, password_sealed FROM credentials WHERE id = 1`,
	).Scan(&username, &sealed)
	if err == sql.ErrNoRows {
		return "", "", ErrNoCredentials
	}
	if err != nil {
		return "", "", fmt.Errorf("scan credentials: %w", err)
	}

	plaintext, err := Unseal(sealed, passphrase)
	if err != nil {
		return "", "", err
	}
	return username, string(plaintext), nil
}

// SessionExists reports whether all three session fields are present.
func (v *Vault) SessionExists(ctx context.Context) (bool, error) {
	var count int
	err := v.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM credentials
		WHERE id = 1
		  AND device_id IS NOT NULL AND device_id != ''
		  AND access_token_sealed IS NOT NULL AND length(access_token_sealed) > 0
		  AND user_id IS NOT NULL AND user_id != ''`,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query session: %w", err)
	}
	return count > 0, nil
}

// StoreSession persists the resumable session, sealing the access token.
// Login must have stored credentials first; the three session fields are
// written in one statement so they stay all-present or all-absent.
func (v *Vault) StoreSession(ctx context.Context, s Session, passphrase string) error {
	sealed, err := Seal([]byte(s.AccessToken), passphrase)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}

	query := `
	UPDATE credentials
	SET device_id = ?, access_token_sealed = ?, user_id = ?, updated_at = ?
	WHERE id = 1`
	result, err := v.db.ExecContext(ctx, query, s.DeviceID, sealed, s.UserID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNoCredentials
	}
	return nil
}

// GetSession decrypts and returns the stored session.
func (v *Vault) GetSession(ctx context.Context, passphrase string) (Session, error) {
	var deviceID, userID sql.NullString
	var sealed []byte
	err := v.db.QueryRowContext(ctx,
		`SELECT device_id, access_token_sealed, user_id FROM credentials WHERE id = 1`,
	).Scan(&deviceID, &sealed, &userID)
	if err == sql.ErrNoRows {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}

	if !deviceID.Valid || deviceID.String == "" || !userID.Valid || userID.String == "" || len(sealed) == 0 {
		return Session{}, ErrNoSession
	}

	token, err := Unseal(sealed, passphrase)
	if err != nil {
		return Session{}, err
	}
	return Session{
		DeviceID:    deviceID.String,
		AccessToken: string(token),
		UserID:      userID.String,
	}, nil
}

// ClearSession nulls the session fields, leaving the password row intact.
// Used on logout so a stale session is never resumed.
func (v *Vault) ClearSession(ctx context.Context) error {
	query := `
	UPDATE credentials
	SET device_id = NULL, access_token_sealed = NULL, user_id = NULL, updated_at = ?
	WHERE id = 1`
	if _, err := v.db.ExecContext(ctx, query, time.Now().Unix()); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Clear removes the credential row entirely.
func (v *Vault) Clear(ctx context.Context) error {
	if _, err := v.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}
