package store

import (
	"context"
	"sort"
	"sync"

	"github.com/holorelay/holorelay/internal/errkind"
	"github.com/holorelay/holorelay/internal/metrics"
	"github.com/holorelay/holorelay/internal/scene"
)

// Memory is the non-durable backend: a mutex-guarded map keyed by sceneID.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*scene.Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*scene.Record)}
}

func (m *Memory) Get(_ context.Context, sceneID string) (*scene.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[sceneID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *Memory) Put(_ context.Context, rec *scene.Record) error {
	if rec == nil || rec.SceneID == "" {
		return errkind.New(errkind.KindInvalidRequest, "record requires a sceneID")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.records[rec.SceneID]; exists {
		metrics.StoreOps.WithLabelValues("put", "noop").Inc()
		return nil
	}
	cp := *rec
	m.records[rec.SceneID] = &cp
	metrics.StoreOps.WithLabelValues("put", "ok").Inc()
	return nil
}

func (m *Memory) Delete(_ context.Context, sceneID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, sceneID)
	metrics.StoreOps.WithLabelValues("delete", "ok").Inc()
	return nil
}

func (m *Memory) Has(_ context.Context, sceneID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[sceneID]
	return ok, nil
}

// All iterates records sorted by sceneID so the order is stable across runs.
func (m *Memory) All(ctx context.Context, fn func(rec *scene.Record) error) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	snapshot := make([]*scene.Record, 0, len(ids))
	sort.Strings(ids)
	for _, id := range ids {
		cp := *m.records[id]
		snapshot = append(snapshot, &cp)
	}
	m.mu.RUnlock()

	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len reports the record count. Used by tests and the snapshotter log line.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *Memory) Close() error { return nil }
