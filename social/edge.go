package social

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"waymark.app/social/docstore"
)

// one edge document per established friendship, keyed by the friend id,
// living inside the owner's partition. The counterpart never writes it;
// mirror changes arrive as signals and are applied locally.
//
// A session writes its own partition from several goroutines: the
// surface operations plus the reconciler consumers. All of them must
// share one EdgeStore, whose mutex makes each read-then-write atomic.
// Interleaving whole operations is fine; splitting one open is not,
// because the create path would resurrect defaults over a concurrent
// merge.

type Edge struct {
	FriendId      Id
	IsCloseFriend bool
	NameSnapshot  string
	PhotoSnapshot string
	CreatedAt     time.Time
}

type EdgeStore struct {
	mutex sync.Mutex

	store docstore.Store
	owner Id
}

func NewEdgeStore(store docstore.Store, owner Id) *EdgeStore {
	return &EdgeStore{
		store: store,
		owner: owner,
	}
}

func (self *EdgeStore) collection() string {
	return docstore.EdgeCollection(self.owner.String())
}

// Upsert merges `fields` into the edge for `friendId`, creating it with
// defaults first when absent. The check and the write hold the store
// mutex, so a concurrent upsert of the same absent edge cannot clobber
// the other's fields with defaults.
func (self *EdgeStore) Upsert(ctx context.Context, friendId Id, fields docstore.Doc) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, err := self.store.Get(ctx, self.collection(), friendId.String())
	if errors.Is(err, docstore.ErrNotFound) {
		merged := docstore.Doc{
			"friendId":      friendId.String(),
			"isCloseFriend": false,
			"nameSnapshot":  "",
			"photoSnapshot": "",
			"createdAt":     NowTimestamp(),
		}
		maps.Copy(merged, fields)
		return self.store.Set(ctx, self.collection(), friendId.String(), merged, true)
	} else if err != nil {
		return err
	}
	return self.store.Set(ctx, self.collection(), friendId.String(), fields, true)
}

// Remove deletes the edge. Absence is success.
func (self *EdgeStore) Remove(ctx context.Context, friendId Id) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.store.Delete(ctx, self.collection(), friendId.String())
}

func (self *EdgeStore) Get(ctx context.Context, friendId Id) (*Edge, error) {
	fields, err := self.store.Get(ctx, self.collection(), friendId.String())
	if err != nil {
		return nil, err
	}
	return edgeFromDoc(friendId, fields), nil
}

func (self *EdgeStore) Contains(ctx context.Context, friendId Id) (bool, error) {
	_, err := self.store.Get(ctx, self.collection(), friendId.String())
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (self *EdgeStore) List(ctx context.Context) ([]*Edge, error) {
	snapshots, err := self.store.Query(ctx, self.collection())
	if err != nil {
		return nil, err
	}
	edges := []*Edge{}
	for _, snapshot := range snapshots {
		friendId, err := ParseId(snapshot.Key)
		if err != nil {
			// not an edge document, skip
			continue
		}
		edges = append(edges, edgeFromDoc(friendId, snapshot.Doc))
	}
	return edges, nil
}

func edgeFromDoc(friendId Id, fields docstore.Doc) *Edge {
	edge := &Edge{
		FriendId:      friendId,
		IsCloseFriend: fields.Bool("isCloseFriend"),
		NameSnapshot:  fields.String("nameSnapshot"),
		PhotoSnapshot: fields.String("photoSnapshot"),
	}
	if createdAt, err := ParseTimestamp(fields.String("createdAt")); err == nil {
		edge.CreatedAt = createdAt
	}
	return edge
}
