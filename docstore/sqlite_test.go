package docstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSqliteJournalRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	journal, err := OpenSqliteJournal(path)
	assert.Equal(t, err, nil)
	memory, err := NewMemoryWithJournal(journal)
	assert.Equal(t, err, nil)

	alice := memory.WithIdentity(testAlice)
	err = alice.Set(ctx, CollectionPublicProfiles, testAlice, Doc{
		"displayName": "Alice",
	}, false)
	assert.Equal(t, err, nil)
	err = alice.Set(ctx, EdgeCollection(testAlice), testBob, Doc{
		"friendId":      testBob,
		"isCloseFriend": true,
	}, true)
	assert.Equal(t, err, nil)
	key, err := alice.Insert(ctx, CollectionUnfriendSignals, Doc{
		"fromId": testAlice,
		"toId":   testBob,
	})
	assert.Equal(t, err, nil)

	// deletes write through too
	bob := memory.WithIdentity(testBob)
	err = bob.Delete(ctx, CollectionUnfriendSignals, key)
	assert.Equal(t, err, nil)

	err = memory.Close()
	assert.Equal(t, err, nil)

	// reopen and verify the surviving documents
	journal, err = OpenSqliteJournal(path)
	assert.Equal(t, err, nil)
	memory, err = NewMemoryWithJournal(journal)
	assert.Equal(t, err, nil)
	defer memory.Close()

	alice = memory.WithIdentity(testAlice)
	fields, err := alice.Get(ctx, CollectionPublicProfiles, testAlice)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields.String("displayName"), "Alice")

	fields, err = alice.Get(ctx, EdgeCollection(testAlice), testBob)
	assert.Equal(t, err, nil)
	assert.Equal(t, fields.Bool("isCloseFriend"), true)

	_, err = alice.Get(ctx, CollectionUnfriendSignals, key)
	assert.Equal(t, errors.Is(err, ErrNotFound), true)
}
