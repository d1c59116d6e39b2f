// Package state persists the relay record: which account is watched, where
// posts go, and the cursor (last relayed post id) that suppresses duplicates.
package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "xrelay/pkg/logx"
)

// ErrConfig marks a persisted record that could not be read. It is recovered
// locally by falling back to defaults.
var ErrConfig = errors.New("state: malformed or unreadable config")

// Record is the persisted relay configuration. Nil fields are unset.
type Record struct {
	SourceAccountID     *string `json:"source_account_id"`
	SourceAccountHandle *string `json:"source_account_handle"`
	DestinationChannel  *string `json:"destination_channel"`
	LastPostID          *string `json:"last_post_id"`
}

func (r Record) AccountID() string   { return deref(r.SourceAccountID) }
func (r Record) Handle() string      { return deref(r.SourceAccountHandle) }
func (r Record) Destination() string { return deref(r.DestinationChannel) }
func (r Record) Cursor() string      { return deref(r.LastPostID) }

// Ready reports whether both the source account and the destination are set.
func (r Record) Ready() bool { return r.AccountID() != "" && r.Destination() != "" }

func (r Record) clone() Record {
	return Record{
		SourceAccountID:     cloneStr(r.SourceAccountID),
		SourceAccountHandle: cloneStr(r.SourceAccountHandle),
		DestinationChannel:  cloneStr(r.DestinationChannel),
		LastPostID:          cloneStr(r.LastPostID),
	}
}

// Store owns the Record and its file. All mutations are serialized and
// persisted by rewriting the whole file atomically.
type Store struct {
	path string
	log  logx.Logger

	mu       sync.Mutex
	rec      Record
	lastHash uint64 // hash of the last content we wrote or loaded
}

// Open loads path. A missing or malformed file yields an all-unset record;
// the returned error is only for failures that make the path unusable.
func Open(path string, log logx.Logger) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("state: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{path: path, log: log}
	rec, h, err := readRecord(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info("state file not found; starting with defaults", logx.String("path", path))
	case err != nil:
		log.Warn("state file unreadable; starting with defaults", logx.String("path", path), logx.Err(err))
	default:
		s.rec = rec
		s.lastHash = h
	}
	return s, nil
}

func (s *Store) Path() string { return s.path }

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.clone()
}

// IsNew reports whether postID differs from the stored cursor (true when unset).
func (s *Store) IsNew(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.LastPostID == nil || *s.rec.LastPostID != postID
}

// Commit persists postID as the cursor.
func (s *Store) Commit(postID string) error {
	return s.update(func(r *Record) { r.LastPostID = strPtr(postID) })
}

// ClearCursor unsets the cursor so the latest post is relayed again.
func (s *Store) ClearCursor() error {
	return s.update(func(r *Record) { r.LastPostID = nil })
}

// SetSource records the watched account.
func (s *Store) SetSource(id, handle string) error {
	return s.update(func(r *Record) {
		r.SourceAccountID = strPtr(id)
		r.SourceAccountHandle = strPtr(handle)
	})
}

// SetDestination records the channel posts are relayed to.
func (s *Store) SetDestination(channel string) error {
	return s.update(func(r *Record) { r.DestinationChannel = strPtr(channel) })
}

func (s *Store) update(fn func(r *Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.rec.clone()
	fn(&next)
	h, err := writeRecord(s.path, next)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	s.rec = next
	s.lastHash = h
	return nil
}

// reload replaces the in-memory record from disk if the content changed.
// Returns true when the record was replaced.
func (s *Store) reload() (bool, error) {
	rec, h, err := readRecord(s.path)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == s.lastHash {
		return false, nil
	}
	s.rec = rec
	s.lastHash = h
	return true, nil
}

func readRecord(path string) (Record, uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Record{}, 0, err
	}
	var rec Record
	if len(bytes.TrimSpace(b)) == 0 {
		return Record{}, 0, fmt.Errorf("%w: empty file", ErrConfig)
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, 0, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return rec, hashBytes(b), nil
}

// writeRecord writes to a temp file in the same directory, syncs, then renames
// over path, so readers never observe a partial record.
func writeRecord(path string, rec Record) (uint64, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return 0, err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return 0, err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		cleanup()
		return 0, err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		cleanup()
		return 0, err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return 0, err
	}
	return hashBytes(b), nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func strPtr(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func cloneStr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
