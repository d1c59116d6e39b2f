package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "xrelay/pkg/logx"
)

// fileStore keeps history in JSON Lines files.
//
// Files:
//   - <prefix>.audit.jsonl      (append-only)
//   - <prefix>.deliveries.jsonl (append-only, compacted to the newest Keep entries)
//
// Recent deliveries are also held in memory so /history never reads the disk.
type fileStore struct {
	log  logx.Logger
	keep int

	mu sync.Mutex

	auditFile *os.File

	deliveriesPath string
	deliveriesFile *os.File
	recent         []Delivery // oldest first, at most keep
	appended       int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	deliveriesPath := prefix + ".deliveries.jsonl"
	recent, err := replayDeliveries(deliveriesPath, cfg.Keep)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("delivery history unreadable; starting empty", logx.String("path", deliveriesPath), logx.Err(err))
	}

	df, err := os.OpenFile(deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:            log,
		keep:           cfg.Keep,
		auditFile:      af,
		deliveriesPath: deliveriesPath,
		deliveriesFile: df,
		recent:         recent,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.deliveriesFile != nil {
		errs = append(errs, s.deliveriesFile.Close())
		s.deliveriesFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) RecordDelivery(_ context.Context, d Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveriesFile == nil {
		return errors.New("deliveries file closed")
	}
	if err := json.NewEncoder(s.deliveriesFile).Encode(d); err != nil {
		return err
	}
	s.recent = append(s.recent, d)
	if len(s.recent) > s.keep {
		s.recent = append([]Delivery(nil), s.recent[len(s.recent)-s.keep:]...)
	}
	s.appended++
	if s.appended%s.keep == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("delivery history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentDeliveries(_ context.Context, limit int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.recent) {
		limit = len(s.recent)
	}
	out := make([]Delivery, 0, limit)
	for i := len(s.recent) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with the in-memory window.
func (s *fileStore) compactLocked() error {
	tmp := s.deliveriesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, d := range s.recent {
		if err := enc.Encode(d); err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
			return err
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.deliveriesPath); err != nil {
		return err
	}
	// The old handle points at the replaced inode.
	nf, err := os.OpenFile(s.deliveriesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.deliveriesFile.Close()
	s.deliveriesFile = nf
	return nil
}

func replayDeliveries(path string, keep int) ([]Delivery, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Delivery
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var d Delivery
		if err := json.Unmarshal(sc.Bytes(), &d); err != nil || d.PostID == "" {
			continue
		}
		out = append(out, d)
		if len(out) > 2*keep {
			out = append([]Delivery(nil), out[len(out)-keep:]...)
		}
	}
	if len(out) > keep {
		out = append([]Delivery(nil), out[len(out)-keep:]...)
	}
	return out, sc.Err()
}
