// Package store is the persistence collaborator: point-in-time
// document snapshots saved outside the editing hot path.
package store

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("snapshot not found")

type Snapshot struct {
	DocID    string    `bson:"_id" json:"docId"`
	Content  string    `bson:"content" json:"content"`
	Revision int       `bson:"revision" json:"revision"`
	SavedAt  time.Time `bson:"savedAt" json:"savedAt"`
}

type SnapshotStore interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, docID string) (Snapshot, error)
}

// Memory is the store used when no Mongo URI is configured, and in
// tests.
type Memory struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemory() *Memory {
	return &Memory{snaps: make(map[string]Snapshot)}
}

func (m *Memory) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.SavedAt = time.Now()
	m.snaps[snap.DocID] = snap
	return nil
}

func (m *Memory) Load(_ context.Context, docID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[docID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap, nil
}
