// Package storage provides the encrypted object store and key directory of
// a domain node. Values are sealed with XChaCha20-Poly1305 under a data
// encryption key derived from the node's identity seed before they reach
// sqlite.
package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	_ "modernc.org/sqlite"
)

// ErrKeyNotFound is returned when an object key is not present.
var ErrKeyNotFound = errors.New("key not found")

// ErrUserNotFound is returned when a verify key is not registered.
var ErrUserNotFound = errors.New("user not found")

// ErrNotOwner is returned when a checked write targets an object owned by
// another key.
var ErrNotOwner = errors.New("object owned by another key")

const dekInfo = "syft-node storage dek v1"

// Store is the sqlite-backed node store. It is safe for concurrent use.
type Store struct {
	db     *sql.DB
	dek    []byte
	nodeID string
	path   string
	cache  *ObjectCache

	mu sync.RWMutex
}

// Object is a stored value with its metadata.
type Object struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	Owner     string `json:"owner"`
	UpdatedAt int64  `json:"updated_at"`
}

// User is an entry in the key directory.
type User struct {
	VerifyKey string   `json:"verify_key"` // hex
	Name      string   `json:"name"`
	Roles     []string `json:"roles"`
	CreatedAt int64    `json:"created_at"`
}

// DeriveDEK derives the 32-byte data encryption key from the node seed.
func DeriveDEK(seed []byte, nodeID string) ([]byte, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("seed must not be empty")
	}
	r := hkdf.New(sha256.New, seed, []byte(nodeID), []byte(dekInfo))
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, dek); err != nil {
		return nil, fmt.Errorf("failed to derive DEK: %w", err)
	}
	return dek, nil
}

// Open opens (or creates) the store at path. ":memory:" keeps everything in
// process memory. cacheSize <= 0 disables the read cache.
func Open(path, nodeID string, dek []byte, cacheSize int) (*Store, error) {
	if len(dek) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("DEK must be %d bytes", chacha20poly1305.KeySize)
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		dek:    dek,
		nodeID: nodeID,
		path:   path,
	}
	if cacheSize > 0 {
		s.cache = NewObjectCache(cacheSize)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Str("node_id", nodeID).Msg("Node store opened")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS objects (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		owner TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		verify_key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		roles TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	-- Message IDs already dispatched, for replay protection across restarts
	CREATE TABLE IF NOT EXISTS processed_messages (
		message_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		processed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// ===============================
// Objects
// ===============================

// Put stores value under key. A new object is owned by owner (a hex verify
// key); an existing object keeps the owner that first wrote it.
func (s *Store) Put(key string, value []byte, owner string) error {
	_, err := s.put(key, value, owner, true)
	return err
}

// PutAs writes value under key on behalf of caller. It fails with
// ErrNotOwner when the object belongs to another key, unless override is
// set. The ownership check and the write are one statement.
func (s *Store) PutAs(key string, value []byte, caller string, override bool) error {
	written, err := s.put(key, value, caller, override)
	if err != nil {
		return err
	}
	if !written {
		return ErrNotOwner
	}
	return nil
}

func (s *Store) put(key string, value []byte, caller string, override bool) (bool, error) {
	if key == "" {
		return false, fmt.Errorf("key must not be empty")
	}

	enc, err := s.encrypt(value)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt value: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO objects (key, value, owner, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			owner = CASE WHEN objects.owner = '' THEN excluded.owner ELSE objects.owner END,
			updated_at = excluded.updated_at
		WHERE ? OR objects.owner = '' OR objects.owner = excluded.owner
	`, key, enc, caller, time.Now().Unix(), override)
	if err != nil {
		return false, fmt.Errorf("failed to store object: %w", err)
	}

	if s.cache != nil {
		s.cache.Delete(key)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Get returns the object stored under key. A miss fills the cache while the
// read lock is held, so a concurrent Put or Delete always invalidates after
// the fill.
func (s *Store) Get(key string) (*Object, error) {
	if s.cache != nil {
		if obj, ok := s.cache.Get(key); ok {
			return obj, nil
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var obj Object
	var enc []byte
	err := s.db.QueryRow(`
		SELECT key, value, owner, updated_at FROM objects WHERE key = ?
	`, key).Scan(&obj.Key, &enc, &obj.Owner, &obj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}

	obj.Value, err = s.decrypt(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt object: %w", err)
	}

	if s.cache != nil {
		s.cache.Put(&obj)
	}
	return &obj, nil
}

// Delete removes key. Deleting a missing key returns ErrKeyNotFound.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM objects WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if s.cache != nil {
		s.cache.Delete(key)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeleteAs removes key on behalf of caller, failing with ErrNotOwner when
// the object belongs to another key unless override is set.
func (s *Store) DeleteAs(key, caller string, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner string
	err := s.db.QueryRow(`SELECT owner FROM objects WHERE key = ?`, key).Scan(&owner)
	if err == sql.ErrNoRows {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if !override && owner != "" && owner != caller {
		return ErrNotOwner
	}

	if _, err := s.db.Exec(`DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	if s.cache != nil {
		s.cache.Delete(key)
	}
	return nil
}

// List returns object keys with the given prefix in key order.
func (s *Store) List(prefix string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT key FROM objects WHERE key LIKE ? ESCAPE '\' ORDER BY key LIMIT ?
	`, escapeLike(prefix)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ===============================
// Key directory
// ===============================

// PutUser registers or updates a user.
func (s *Store) PutUser(u *User) error {
	if u == nil || u.VerifyKey == "" {
		return fmt.Errorf("verify key must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	created := u.CreatedAt
	if created == 0 {
		created = time.Now().Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO users (verify_key, name, roles, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(verify_key) DO UPDATE SET
			name = excluded.name,
			roles = excluded.roles
	`, u.VerifyKey, u.Name, strings.Join(u.Roles, ","), created)
	if err != nil {
		return fmt.Errorf("failed to store user: %w", err)
	}
	return nil
}

// GetUser looks up a user by hex verify key.
func (s *Store) GetUser(verifyKey string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u User
	var roles string
	err := s.db.QueryRow(`
		SELECT verify_key, name, roles, created_at FROM users WHERE verify_key = ?
	`, verifyKey).Scan(&u.VerifyKey, &u.Name, &roles, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if roles != "" {
		u.Roles = strings.Split(roles, ",")
	}
	return &u, nil
}

// DeleteUser removes a user.
func (s *Store) DeleteUser(verifyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM users WHERE verify_key = ?`, verifyKey)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CountUsers returns the number of registered users.
func (s *Store) CountUsers() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

// ===============================
// Replay protection
// ===============================

// MarkProcessed records messageID. It returns false if the ID was already
// recorded, which callers treat as a replay.
func (s *Store) MarkProcessed(messageID, kind string) (bool, error) {
	if messageID == "" {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO processed_messages (message_id, kind, processed_at)
		VALUES (?, ?, ?)
	`, messageID, kind, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("failed to mark message processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CleanupProcessed removes processed-message records older than retention.
func (s *Store) CleanupProcessed(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention).Unix()
	res, err := s.db.Exec(`DELETE FROM processed_messages WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup processed messages: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// ===============================
// Encryption helpers
// ===============================

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.dek)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}
