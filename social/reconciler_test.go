package social

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"waymark.app/social/docstore"
)

func newTestClients(t *testing.T) (*Client, *Client, *testPair, func()) {
	ctx := context.Background()
	pair := newTestPair()
	alice := NewClient(ctx, pair.store1, pair.u1, testClientSettings())
	bob := NewClient(ctx, pair.store2, pair.u2, testClientSettings())
	return alice, bob, pair, func() {
		alice.Close()
		bob.Close()
		pair.memory.Close()
	}
}

func hasEdge(ctx context.Context, client *Client, friendId Id) func() bool {
	return func() bool {
		friends, err := client.Edges().Contains(ctx, friendId)
		return err == nil && friends
	}
}

func signalsConsumed(ctx context.Context, store docstore.Store, collection string, toId Id) func() bool {
	return func() bool {
		snapshots, err := store.Query(ctx, collection, docstore.Eq("toId", toId.String()))
		return err == nil && len(snapshots) == 0
	}
}

// the full request lifecycle: send, accept, and the sender's mirrored
// edge arriving through the reconciler
func TestAcceptConverges(t *testing.T) {
	ctx := context.Background()
	alice, bob, _, cleanup := newTestClients(t)
	defer cleanup()

	err := bob.Profiles().SaveProfile(ctx, "Bob", "", "photos/bob.jpg")
	assert.Equal(t, err, nil)

	request, err := alice.Requests().Send(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	err = bob.Requests().Accept(ctx, request.Id)
	assert.Equal(t, err, nil)

	// bob's edge is synchronous, alice's mirror is not
	friends, err := bob.Edges().Contains(ctx, alice.SelfId())
	assert.Equal(t, err, nil)
	assert.Equal(t, friends, true)

	waitFor(t, "mirrored edge", hasEdge(ctx, alice, bob.SelfId()))

	edge, err := alice.Edges().Get(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, false)
	assert.Equal(t, edge.NameSnapshot, "Bob")
	assert.Equal(t, edge.PhotoSnapshot, "photos/bob.jpg")
}

func TestUnfriendConverges(t *testing.T) {
	ctx := context.Background()
	alice, bob, pair, cleanup := newTestClients(t)
	defer cleanup()

	request, err := alice.Requests().Send(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	err = bob.Requests().Accept(ctx, request.Id)
	assert.Equal(t, err, nil)
	waitFor(t, "mirrored edge", hasEdge(ctx, alice, bob.SelfId()))

	err = alice.Unfriend(ctx, bob.SelfId())
	assert.Equal(t, err, nil)

	// alice's side is gone immediately
	friends, err := alice.Edges().Contains(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	assert.Equal(t, friends, false)

	waitFor(t, "mirror edge removed", func() bool {
		friends, err := bob.Edges().Contains(ctx, alice.SelfId())
		return err == nil && !friends
	})
	waitFor(t, "unfriend signal consumed",
		signalsConsumed(ctx, pair.store2, docstore.CollectionUnfriendSignals, bob.SelfId()))
}

// redundant unfriend signals all resolve to the same absent edge
func TestUnfriendIdempotent(t *testing.T) {
	ctx := context.Background()
	alice, bob, pair, cleanup := newTestClients(t)
	defer cleanup()

	relay := NewSignalRelay(pair.store1, alice.SelfId())
	err := relay.EmitUnfriend(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	err = relay.EmitUnfriend(ctx, bob.SelfId())
	assert.Equal(t, err, nil)

	waitFor(t, "unfriend signals consumed",
		signalsConsumed(ctx, pair.store2, docstore.CollectionUnfriendSignals, bob.SelfId()))

	friends, err := bob.Edges().Contains(ctx, alice.SelfId())
	assert.Equal(t, err, nil)
	assert.Equal(t, friends, false)
}

func TestSetCloseFriendMirrors(t *testing.T) {
	ctx := context.Background()
	alice, bob, pair, cleanup := newTestClients(t)
	defer cleanup()

	request, err := alice.Requests().Send(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	err = bob.Requests().Accept(ctx, request.Id)
	assert.Equal(t, err, nil)
	waitFor(t, "mirrored edge", hasEdge(ctx, alice, bob.SelfId()))

	err = alice.SetCloseFriend(ctx, bob.SelfId(), true)
	assert.Equal(t, err, nil)

	edge, err := alice.Edges().Get(ctx, bob.SelfId())
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, true)

	// the counterpart's edge back toward the caller flips too
	waitFor(t, "mirrored close friend flag", func() bool {
		edge, err := bob.Edges().Get(ctx, alice.SelfId())
		return err == nil && edge.IsCloseFriend
	})
	waitFor(t, "close friend signals consumed",
		signalsConsumed(ctx, pair.store2, docstore.CollectionCloseFriendSignals, bob.SelfId()))

	err = alice.SetCloseFriend(ctx, bob.SelfId(), false)
	assert.Equal(t, err, nil)
	waitFor(t, "mirrored flag cleared", func() bool {
		edge, err := bob.Edges().Get(ctx, alice.SelfId())
		return err == nil && !edge.IsCloseFriend
	})
}

// a signal that outruns the mirror bootstrap creates the edge rather
// than dropping the flag
func TestCloseFriendSignalBeforeEdge(t *testing.T) {
	ctx := context.Background()
	pair := newTestPair()
	defer pair.memory.Close()

	relay := NewSignalRelay(pair.store1, pair.u1)
	err := relay.EmitCloseFriendChange(ctx, pair.u2, true)
	assert.Equal(t, err, nil)

	bob := NewClient(ctx, pair.store2, pair.u2, testClientSettings())
	defer bob.Close()

	waitFor(t, "edge created from signal", hasEdge(ctx, bob, pair.u1))
	edge, err := bob.Edges().Get(ctx, pair.u1)
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, true)
}

// a quick on-off toggle delivered as one batch applies only the newest
// value per sender
func TestCloseFriendToggleCollapses(t *testing.T) {
	ctx := context.Background()
	pair := newTestPair()
	defer pair.memory.Close()

	edges := NewEdgeStore(pair.store2, pair.u2)
	err := edges.Upsert(ctx, pair.u1, docstore.Doc{})
	assert.Equal(t, err, nil)

	// all three signals land before bob's session starts, so the
	// consumer sees them as one batch
	relay := NewSignalRelay(pair.store1, pair.u1)
	for _, set := range []bool{true, false, true} {
		err = relay.EmitCloseFriendChange(ctx, pair.u2, set)
		assert.Equal(t, err, nil)
	}

	bob := NewClient(ctx, pair.store2, pair.u2, testClientSettings())
	defer bob.Close()

	waitFor(t, "close friend signals consumed",
		signalsConsumed(ctx, pair.store2, docstore.CollectionCloseFriendSignals, pair.u2))
	bob.Reconciler().Settle()

	edge, err := edges.Get(ctx, pair.u1)
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, true)
}

// a close friend signal waiting alongside an accepted request makes the
// mirror bootstrap and the close friend consumer race to create the
// same edge at session start. The flag must survive whichever side runs
// the create; a lost flag is permanent because the signal is already
// consumed.
func TestCloseFriendSignalRacesBootstrap(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 4; i += 1 {
		func() {
			pair := newTestPair()
			defer pair.memory.Close()

			alice := newTestActor(pair.u1, pair.store1)
			bob := newTestActor(pair.u2, pair.store2)

			request, err := alice.requests.Send(ctx, bob.id)
			assert.Equal(t, err, nil)
			err = bob.requests.Accept(ctx, request.Id)
			assert.Equal(t, err, nil)

			relay := NewSignalRelay(pair.store2, bob.id)
			err = relay.EmitCloseFriendChange(ctx, alice.id, true)
			assert.Equal(t, err, nil)

			// both consumers now fire on their initial snapshots
			client := NewClient(ctx, pair.store1, pair.u1, testClientSettings())
			defer client.Close()

			waitFor(t, "close friend signals consumed",
				signalsConsumed(ctx, pair.store1, docstore.CollectionCloseFriendSignals, pair.u1))
			waitFor(t, "mirrored edge", hasEdge(ctx, client, pair.u2))
			client.Reconciler().Settle()

			edge, err := client.Edges().Get(ctx, pair.u2)
			assert.Equal(t, err, nil)
			assert.Equal(t, edge.IsCloseFriend, true)
		}()
	}
}

// a crash between the edge mutation and the signal delete re-delivers
// the signal; re-application lands on the same state
func TestCloseFriendReplay(t *testing.T) {
	ctx := context.Background()
	pair := newTestPair()
	defer pair.memory.Close()

	edges := NewEdgeStore(pair.store2, pair.u2)
	err := edges.Upsert(ctx, pair.u1, docstore.Doc{"isCloseFriend": true})
	assert.Equal(t, err, nil)

	// the signal that produced the current state, never consumed
	relay := NewSignalRelay(pair.store1, pair.u1)
	err = relay.EmitCloseFriendChange(ctx, pair.u2, true)
	assert.Equal(t, err, nil)

	bob := NewClient(ctx, pair.store2, pair.u2, testClientSettings())
	defer bob.Close()

	waitFor(t, "replayed signal consumed",
		signalsConsumed(ctx, pair.store2, docstore.CollectionCloseFriendSignals, pair.u2))

	edge, err := edges.Get(ctx, pair.u1)
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, true)
}

func TestReconcilerCloseStopsDispatch(t *testing.T) {
	ctx := context.Background()
	pair := newTestPair()
	defer pair.memory.Close()

	bob := NewClient(ctx, pair.store2, pair.u2, testClientSettings())
	bob.Close()
	bob.Reconciler().Settle()
	// give the cancelled subscription watchers time to detach
	time.Sleep(50 * time.Millisecond)

	relay := NewSignalRelay(pair.store1, pair.u1)
	err := relay.EmitUnfriend(ctx, pair.u2)
	assert.Equal(t, err, nil)

	// no consumer left; the signal stays for the next session
	time.Sleep(100 * time.Millisecond)
	snapshots, err := pair.store1.Query(ctx, docstore.CollectionUnfriendSignals,
		docstore.Eq("toId", pair.u2.String()))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(snapshots), 1)
}
