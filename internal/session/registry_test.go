package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/coedit/internal/ot"
	"github.com/coedit/coedit/internal/store"
)

func TestRegistryOpenIsIdempotent(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	defer r.Close()

	ctx := context.Background()
	a, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	b, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryGetNeverCreates(t *testing.T) {
	r := NewRegistry(RegistryConfig{})
	defer r.Close()

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.Equal(t, 0, r.Len())
}

func TestRegistrySeedsFromStore(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.Save(ctx, store.Snapshot{
		DocID:    "doc-1",
		Content:  "persisted",
		Revision: 9,
	}))

	r := NewRegistry(RegistryConfig{Store: mem})
	defer r.Close()

	c, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", snap.Content)
	assert.Equal(t, 9, snap.Revision)
}

func TestRegistryRetiresIdleSessionAndFlushes(t *testing.T) {
	mem := store.NewMemory()
	r := NewRegistry(RegistryConfig{Store: mem})
	defer r.Close()

	ctx := context.Background()
	c, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)

	_, err = c.Join(ctx, "a")
	require.NoError(t, err)
	_, err = c.Submit(ctx, ot.Operation{
		Ops:      []ot.Op{{Kind: ot.Insert, Pos: 0, Text: "hi", ClientID: "a"}},
		ClientID: "a",
		OpID:     "a-0",
	})
	require.NoError(t, err)
	require.NoError(t, c.Leave(ctx, "a"))

	// the handle drops synchronously, the flush runs off-loop
	_, err = r.Get("doc-1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.Eventually(t, func() bool {
		snap, err := mem.Load(ctx, "doc-1")
		return err == nil && snap.Content == "hi" && snap.Revision == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryReopensRetiredSessionFromCache(t *testing.T) {
	// a store that loses writes, so a successful reopen proves the
	// retired cache served the seed
	r := NewRegistry(RegistryConfig{Store: discardStore{}})
	defer r.Close()

	ctx := context.Background()
	c, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	_, err = c.Join(ctx, "a")
	require.NoError(t, err)
	_, err = c.Submit(ctx, ot.Operation{
		Ops:      []ot.Op{{Kind: ot.Insert, Pos: 0, Text: "kept", ClientID: "a"}},
		ClientID: "a",
		OpID:     "a-0",
	})
	require.NoError(t, err)
	require.NoError(t, c.Leave(ctx, "a"))

	require.Eventually(t, func() bool {
		return r.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	reopened, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	snap, err := reopened.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "kept", snap.Content)
	assert.Equal(t, 1, snap.Revision)
}

func TestRegistryPeriodicFlush(t *testing.T) {
	mem := store.NewMemory()
	r := NewRegistry(RegistryConfig{Store: mem, FlushInterval: 20 * time.Millisecond})
	defer r.Close()

	ctx := context.Background()
	c, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	_, err = c.Join(ctx, "a")
	require.NoError(t, err)
	_, err = c.Submit(ctx, ot.Operation{
		Ops:      []ot.Op{{Kind: ot.Insert, Pos: 0, Text: "live", ClientID: "a"}},
		ClientID: "a",
		OpID:     "a-0",
	})
	require.NoError(t, err)

	// flushed while the participant is still connected
	require.Eventually(t, func() bool {
		snap, err := mem.Load(ctx, "doc-1")
		return err == nil && snap.Content == "live"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistryCloseFlushesLiveSessions(t *testing.T) {
	mem := store.NewMemory()
	r := NewRegistry(RegistryConfig{Store: mem})

	ctx := context.Background()
	c, err := r.Open(ctx, "doc-1")
	require.NoError(t, err)
	_, err = c.Join(ctx, "a")
	require.NoError(t, err)
	_, err = c.Submit(ctx, ot.Operation{
		Ops:      []ot.Op{{Kind: ot.Insert, Pos: 0, Text: "final", ClientID: "a"}},
		ClientID: "a",
		OpID:     "a-0",
	})
	require.NoError(t, err)

	r.Close()

	snap, err := mem.Load(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "final", snap.Content)
	assert.Equal(t, 1, snap.Revision)
}

// discardStore accepts saves and remembers nothing.
type discardStore struct{}

func (discardStore) Save(ctx context.Context, snap store.Snapshot) error { return nil }
func (discardStore) Load(ctx context.Context, docID string) (store.Snapshot, error) {
	return store.Snapshot{}, store.ErrNotFound
}
