package checkpoint

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

	logx "clubwatch/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.checkpoint.snapshot.json (periodic snapshot)
//   - <prefix>.checkpoint.journal.jsonl (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log       logx.Logger
	retention time.Duration

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	processed map[string]int64 // id -> processedAt unix milli
	lastSeen  string

	writes int
}

type journalRecord struct {
	ID string `json:"id"`
	At int64  `json:"at"`
	// WM carries the watermark after this write, so replay restores it even
	// when the corresponding entry has since been purged.
	WM string `json:"wm,omitempty"`
}

type snapshotFile struct {
	Processed map[string]int64 `json:"processed"`
	LastSeen  string           `json:"last_seen,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("checkpoint.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".checkpoint.snapshot.json"
	journalPath := prefix + ".checkpoint.journal.jsonl"

	st := &fileStore{
		log:          log,
		retention:    cfg.Retention,
		snapshotPath: snapPath,
		processed:    map[string]int64{},
	}
	_ = st.loadSnapshot(snapPath)
	_ = st.replayJournal(journalPath)
	st.pruneLocked(time.Now())

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st.journalFile = jf
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.journalFile.Close()
	s.journalFile = nil
	return err
}

func (s *fileStore) HasProcessed(ctx context.Context, id string) (bool, error) {
	_ = ctx
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.processed[id]
	if !ok {
		return false, nil
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	return at >= cutoff, nil
}

func (s *fileStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("checkpoint journal closed")
	}
	// Keep the first processedAt on replays.
	if _, ok := s.processed[id]; !ok {
		s.processed[id] = ms
	}
	if s.lastSeen == "" || watermarkLess(s.lastSeen, id) {
		s.lastSeen = id
	}

	enc := json.NewEncoder(s.journalFile)
	if err := enc.Encode(journalRecord{ID: id, At: ms, WM: s.lastSeen}); err != nil {
		return err
	}
	s.writes++
	if s.writes%64 == 0 {
		s.pruneLocked(time.Now())
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("checkpoint compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ResumePoint(ctx context.Context) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, nil
}

func (s *fileStore) GC(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now())
	return nil
}

func (s *fileStore) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.retention).UnixMilli()
	for id, at := range s.processed {
		if at < cutoff {
			delete(s.processed, id)
		}
	}
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	snap := snapshotFile{Processed: s.processed, LastSeen: s.lastSeen}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshotFile
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for id, at := range snap.Processed {
		s.processed[id] = at
	}
	if snap.LastSeen != "" && (s.lastSeen == "" || watermarkLess(s.lastSeen, snap.LastSeen)) {
		s.lastSeen = snap.LastSeen
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		if _, ok := s.processed[r.ID]; !ok {
			s.processed[r.ID] = r.At
		}
		if r.WM != "" && (s.lastSeen == "" || watermarkLess(s.lastSeen, r.WM)) {
			s.lastSeen = r.WM
		}
	}
	return sc.Err()
}
