package social

import (
	"context"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"waymark.app/social/docstore"
)

// two writers racing to create the same absent edge must both land
// their fields: whichever loses the create has to merge, never re-apply
// defaults over the winner's write
func TestUpsertConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	pair := newTestPair()
	defer pair.memory.Close()

	edges := NewEdgeStore(pair.store1, pair.u1)
	for i := 0; i < 200; i += 1 {
		friendId := NewId()

		var wg sync.WaitGroup
		var snapshotErr error
		var flagErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			snapshotErr = edges.Upsert(ctx, friendId, docstore.Doc{"nameSnapshot": "Bob"})
		}()
		go func() {
			defer wg.Done()
			flagErr = edges.Upsert(ctx, friendId, docstore.Doc{"isCloseFriend": true})
		}()
		wg.Wait()
		assert.Equal(t, snapshotErr, nil)
		assert.Equal(t, flagErr, nil)

		edge, err := edges.Get(ctx, friendId)
		assert.Equal(t, err, nil)
		assert.Equal(t, edge.IsCloseFriend, true)
		assert.Equal(t, edge.NameSnapshot, "Bob")
	}
}
