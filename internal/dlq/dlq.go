// Package dlq keeps fee payments that could not be delivered so they can be
// replayed later. Each entry is one JSON file in a directory.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"giftlock/internal/gift"
)

// Entry is an undelivered fee payment.
type Entry struct {
	ID        string     `json:"id"`
	GiftID    int64      `json:"giftId"`
	Reason    string     `json:"reason"`
	Recipient string     `json:"recipient"`
	Asset     gift.Asset `json:"asset"`
	Amount    *big.Int   `json:"amount"`
	Error     string     `json:"error"`
	Attempts  int        `json:"attempts"`
	Timestamp time.Time  `json:"timestamp"`
	// TransferRef is set when the last attempt was submitted but not
	// confirmed. Such an entry must not be pushed again until the transfer
	// is known to have reverted.
	TransferRef string `json:"transferRef,omitempty"`
}

// Queue is a directory of entries. A Queue with an empty path drops
// everything, matching a service with no dead-letter directory configured.
type Queue struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Queue, error) {
	q := &Queue{dir: strings.TrimSpace(dir)}
	if q.dir == "" {
		return q, nil
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq mkdir: %w", err)
	}
	return q, nil
}

// Enabled reports whether entries are persisted.
func (q *Queue) Enabled() bool {
	return q != nil && q.dir != ""
}

// Put writes e, replacing an earlier entry with the same id.
func (q *Queue) Put(e Entry) error {
	if !q.Enabled() {
		return nil
	}
	if e.ID == "" {
		return errors.New("dlq entry id is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	path := q.path(e.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("dlq rename: %w", err)
	}
	return nil
}

// List returns all entries, oldest first.
func (q *Queue) List() ([]Entry, error) {
	if !q.Enabled() {
		return nil, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.names()
	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(q.dir, name))
		if err != nil {
			return nil, fmt.Errorf("dlq read %s: %w", name, err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("dlq decode %s: %w", name, err)
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// Remove deletes the entry with the given id. Removing a missing entry is
// not an error.
func (q *Queue) Remove(id string) error {
	if !q.Enabled() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	err := os.Remove(q.path(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("dlq remove: %w", err)
	}
	return nil
}

// Depth reports the number of entries waiting.
func (q *Queue) Depth() int {
	if !q.Enabled() {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.names()
	if err != nil {
		return 0
	}
	return len(names)
}

func (q *Queue) path(id string) string {
	return filepath.Join(q.dir, filepath.Base(id)+".json")
}

func (q *Queue) names() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("dlq read dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}
