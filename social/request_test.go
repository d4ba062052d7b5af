package social

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"waymark.app/social/docstore"
)

// managers wired directly, no reconciler, so edge side effects in these
// tests come only from the operation under test
type testActor struct {
	id       Id
	store    docstore.Store
	edges    *EdgeStore
	profiles *ProfileRegistry
	requests *RequestManager
}

func newTestActor(id Id, store docstore.Store) *testActor {
	edges := NewEdgeStore(store, id)
	profiles := NewProfileRegistry(store, id)
	return &testActor{
		id:       id,
		store:    store,
		edges:    edges,
		profiles: profiles,
		requests: NewRequestManager(store, id, edges, profiles),
	}
}

func newTestActors(t *testing.T) (*testActor, *testActor, func()) {
	pair := newTestPair()
	alice := newTestActor(pair.u1, pair.store1)
	bob := newTestActor(pair.u2, pair.store2)
	return alice, bob, func() {
		pair.memory.Close()
	}
}

func TestSendVisibleToBothSides(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	request, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)
	assert.Equal(t, request.FromId, alice.id)
	assert.Equal(t, request.ToId, bob.id)
	assert.Equal(t, request.Status, StatusPending)

	outgoing, err := alice.requests.Outgoing(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(outgoing), 1)
	assert.Equal(t, outgoing[0].Id, request.Id)

	pending, err := bob.requests.Pending(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 1)
	assert.Equal(t, pending[0].FromId, alice.id)
}

func TestSendRejectsSelf(t *testing.T) {
	ctx := context.Background()
	alice, _, cleanup := newTestActors(t)
	defer cleanup()

	_, err := alice.requests.Send(ctx, alice.id)
	assert.Equal(t, errors.Is(err, ErrSelfRequest), true)
}

func TestSendRejectsDuplicatePending(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	_, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)

	_, err = alice.requests.Send(ctx, bob.id)
	assert.Equal(t, errors.Is(err, ErrRequestExists), true)

	// the reverse direction counts as the same open request
	_, err = bob.requests.Send(ctx, alice.id)
	assert.Equal(t, errors.Is(err, ErrRequestExists), true)
}

func TestSendRejectsExistingFriend(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	err := alice.edges.Upsert(ctx, bob.id, docstore.Doc{})
	assert.Equal(t, err, nil)

	_, err = alice.requests.Send(ctx, bob.id)
	assert.Equal(t, errors.Is(err, ErrAlreadyFriends), true)
}

func TestAcceptCreatesRecipientEdge(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	err := alice.profiles.SaveProfile(ctx, "Alice", "", "photos/alice.jpg")
	assert.Equal(t, err, nil)

	request, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)

	err = bob.requests.Accept(ctx, request.Id)
	assert.Equal(t, err, nil)

	// the recipient's edge exists with a profile snapshot
	edge, err := bob.edges.Get(ctx, alice.id)
	assert.Equal(t, err, nil)
	assert.Equal(t, edge.IsCloseFriend, false)
	assert.Equal(t, edge.NameSnapshot, "Alice")
	assert.Equal(t, edge.PhotoSnapshot, "photos/alice.jpg")

	// the sender's edge is the reconciler's job, not accept's
	friends, err := alice.edges.Contains(ctx, bob.id)
	assert.Equal(t, err, nil)
	assert.Equal(t, friends, false)

	pending, err := bob.requests.Pending(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 0)

	// re-running a settled accept converges, no duplicate edge
	err = bob.requests.Accept(ctx, request.Id)
	assert.Equal(t, err, nil)
}

func TestAcceptRequiresRecipient(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	request, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)

	err = alice.requests.Accept(ctx, request.Id)
	assert.Equal(t, errors.Is(err, docstore.ErrPermissionDenied), true)
}

func TestRejectLeavesNoEdge(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	request, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)

	err = bob.requests.Reject(ctx, request.Id)
	assert.Equal(t, err, nil)

	friends, err := bob.edges.Contains(ctx, alice.id)
	assert.Equal(t, err, nil)
	assert.Equal(t, friends, false)

	// terminal, cannot be accepted afterward
	err = bob.requests.Accept(ctx, request.Id)
	assert.Equal(t, err == nil, false)

	// settled, a fresh request may be sent
	_, err = alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)
}

func TestCancelBySenderOnly(t *testing.T) {
	ctx := context.Background()
	alice, bob, cleanup := newTestActors(t)
	defer cleanup()

	request, err := alice.requests.Send(ctx, bob.id)
	assert.Equal(t, err, nil)

	// the recipient rejects, never cancels
	err = bob.requests.Cancel(ctx, request.Id)
	assert.Equal(t, errors.Is(err, docstore.ErrPermissionDenied), true)

	err = alice.requests.Cancel(ctx, request.Id)
	assert.Equal(t, err, nil)

	pending, err := bob.requests.Pending(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(pending), 0)
}
