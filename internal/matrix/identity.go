package matrix

import (
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/curve25519"
	_ "modernc.org/sqlite"

	"github.com/ashureev/matrix-web/internal/vault"
)

// unpadded is the base64 variant Matrix uses for keys, MACs, and commitments.
var unpadded = base64.RawStdEncoding

// deviceKeys holds the device's long-term key pair material.
type deviceKeys struct {
	deviceID     string
	signingKey   ed25519.PrivateKey
	curvePrivate []byte
}

func (k *deviceKeys) ed25519PublicBase64() string {
	return unpadded.EncodeToString(k.signingKey.Public().(ed25519.PublicKey))
}

func (k *deviceKeys) curve25519PublicBase64() (string, error) {
	pub, err := curve25519.X25519(k.curvePrivate, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive curve25519 public key: %w", err)
	}
	return unpadded.EncodeToString(pub), nil
}

// signJSON signs the canonical JSON form of v with the device's ed25519 key.
func (k *deviceKeys) signJSON(v any) (string, error) {
	canonical, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	return unpadded.EncodeToString(ed25519.Sign(k.signingKey, canonical)), nil
}

// identityStore persists the device's key pairs in a local SQLite database,
// sealed under the store passphrase so the signing keys never touch disk in
// the clear.
type identityStore struct {
	db         *sql.DB
	passphrase string
}

func openIdentityStore(dbPath, passphrase string) (*identityStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping identity store: %w", err)
	}

	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS device_keys (
		device_id TEXT PRIMARY KEY,
		ed25519_seed_sealed BLOB NOT NULL,
		curve25519_private_sealed BLOB NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("create identity schema: %w", err)
	}

	return &identityStore{db: db, passphrase: passphrase}, nil
}

func (s *identityStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close identity store: %w", err)
	}
	return nil
}

// ensureKeys loads the key pairs for deviceID, generating and persisting
// fresh ones the first time the device is seen.
func (s *identityStore) ensureKeys(deviceID string) (*deviceKeys, error) {
	var sealedSeed, sealedCurve []byte
	err := s.db.QueryRow(
		`SELECT ed25519_seed_sealed, curve25519_private_sealed FROM device_keys WHERE device_id = ?`,
		deviceID,
	).Scan(&sealedSeed, &sealedCurve)

	switch {
	case err == sql.ErrNoRows:
		return s.generateKeys(deviceID)
	case err != nil:
		return nil, fmt.Errorf("scan device keys: %w", err)
	}

	seed, err := vault.Unseal(sealedSeed, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("unseal ed25519 seed: %w", err)
	}
	curvePrivate, err := vault.Unseal(sealedCurve, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("unseal curve25519 key: %w", err)
	}

	return &deviceKeys{
		deviceID:     deviceID,
		signingKey:   ed25519.NewKeyFromSeed(seed),
		curvePrivate: curvePrivate,
	}, nil
}

func (s *identityStore) generateKeys(deviceID string) (*deviceKeys, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	curvePrivate := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(curvePrivate); err != nil {
		return nil, fmt.Errorf("generate curve25519 key: %w", err)
	}

	sealedSeed, err := vault.Seal(signingKey.Seed(), s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("seal ed25519 seed: %w", err)
	}
	sealedCurve, err := vault.Seal(curvePrivate, s.passphrase)
	if err != nil {
		return nil, fmt.Errorf("seal curve25519 key: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO device_keys (device_id, ed25519_seed_sealed, curve25519_private_sealed, created_at)
		 VALUES (?, ?, ?, ?)`,
		deviceID, sealedSeed, sealedCurve, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("store device keys: %w", err)
	}

	return &deviceKeys{
		deviceID:     deviceID,
		signingKey:   signingKey,
		curvePrivate: curvePrivate,
	}, nil
}

// published reports whether the device keys were already uploaded.
func (s *identityStore) published(deviceID string) (bool, error) {
	var published int
	err := s.db.QueryRow(
		`SELECT published FROM device_keys WHERE device_id = ?`, deviceID,
	).Scan(&published)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query published flag: %w", err)
	}
	return published != 0, nil
}

func (s *identityStore) markPublished(deviceID string) error {
	if _, err := s.db.Exec(
		`UPDATE device_keys SET published = 1 WHERE device_id = ?`, deviceID,
	); err != nil {
		return fmt.Errorf("mark device keys published: %w", err)
	}
	return nil
}

// canonicalJSON produces Matrix canonical JSON: object keys sorted
// lexicographically, no insignificant whitespace. Go's encoding/json
// already sorts map keys, so canonicalization reduces to a round trip
// through map values.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalization: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode for canonicalization: %w", err)
	}
	return json.Marshal(decoded)
}

// sortedKeyIDs returns the key IDs of a key map in lexicographic order,
// as the SAS MAC computation requires.
func sortedKeyIDs(keys map[string]string) []string {
	ids := make([]string, 0, len(keys))
	for id := range keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
