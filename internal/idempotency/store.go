// Package idempotency remembers responses to requests carrying an
// X-Idempotency-Key so retried lock requests never pull a deposit twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record holds stored response data. A pending record marks a request that
// is still being processed.
type Record struct {
	Fingerprint string    `json:"fingerprint"`
	Pending     bool      `json:"pending"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (r Record) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store abstracts idempotency persistence.
type Store interface {
	// Reserve claims key for a request with the given fingerprint. When the
	// key is already held, the existing record is returned and nothing is
	// written.
	Reserve(ctx context.Context, key, fingerprint string, ttl time.Duration) (*Record, error)
	// Save stores the final response for key.
	Save(ctx context.Context, key string, record Record) error
	// Release drops a reservation so the request can be retried.
	Release(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (*Record, error)
}

// Fingerprint identifies a request body so a key reused with a different
// payload can be told apart from a retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func pending(fingerprint string, ttl time.Duration) Record {
	now := time.Now().UTC()
	return Record{
		Fingerprint: fingerprint,
		Pending:     true,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
	}
}

func (m *MemoryStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !rec.expired(time.Now()) {
		return &rec, nil
	}
	m.data[key] = pending(fingerprint, ttl)
	return nil, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[key]
	if !ok || rec.expired(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// FileStore persists records to disk. Suitable for local dev and single
// instance deployments.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Record
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Record),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	if err := json.Unmarshal(blob, &f.data); err != nil {
		return err
	}
	// Reservations do not survive a restart; the requests that held them
	// are gone.
	for key, rec := range f.data {
		if rec.Pending {
			delete(f.data, key)
		}
	}
	return nil
}

func (f *FileStore) persist() error {
	now := time.Now()
	for key, rec := range f.data {
		if rec.expired(now) {
			delete(f.data, key)
		}
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Reserve(_ context.Context, key, fingerprint string, ttl time.Duration) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.data[key]; ok && !rec.expired(time.Now()) {
		return &rec, nil
	}
	f.data[key] = pending(fingerprint, ttl)
	return nil, f.persist()
}

func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if record.expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &record, nil
}

func (f *FileStore) Save(_ context.Context, key string, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = record
	return f.persist()
}

func (f *FileStore) Release(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; !ok {
		return nil
	}
	delete(f.data, key)
	return f.persist()
}
