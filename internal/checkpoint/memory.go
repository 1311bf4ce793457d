package checkpoint

import (
	"context"
	"sync"
	"time"
)

// memStore keeps checkpoints in memory only. It backs deployments that run
// without durable storage: dedup still works within one process lifetime,
// but a restart replays the server's overlap window.
type memStore struct {
	mu        sync.Mutex
	retention time.Duration
	processed map[string]int64
	lastSeen  string
}

// NewMemory returns an in-memory Store with the given retention window.
func NewMemory(retention time.Duration) Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &memStore{retention: retention, processed: map[string]int64{}}
}

func (s *memStore) HasProcessed(ctx context.Context, id string) (bool, error) {
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
	return at >= time.Now().Add(-s.retention).UnixMilli(), nil
}

func (s *memStore) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_ = ctx
	if id == "" {
		return nil
	}
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[id]; !ok {
		s.processed[id] = at.UnixMilli()
	}
	if s.lastSeen == "" || watermarkLess(s.lastSeen, id) {
		s.lastSeen = id
	}
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	for k, v := range s.processed {
		if v < cutoff {
			delete(s.processed, k)
		}
	}
	return nil
}

func (s *memStore) ResumePoint(ctx context.Context) (string, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen, nil
}

func (s *memStore) GC(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	for k, v := range s.processed {
		if v < cutoff {
			delete(s.processed, k)
		}
	}
	return nil
}

func (s *memStore) Close() error { return nil }
