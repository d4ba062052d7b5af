package social

import (
	"context"
	"errors"
	"fmt"
	"time"

	"waymark.app/social/docstore"
)

// friend request state machine
// pending -> accepted | rejected | cancelled, terminal states kept as
// history. Requests live in a global collection so both parties can
// observe them; the store rules restrict who may flip which status.

type Request struct {
	Id        string
	FromId    Id
	ToId      Id
	Status    string
	CreatedAt time.Time
}

type RequestManager struct {
	store    docstore.Store
	self     Id
	edges    *EdgeStore
	profiles *ProfileRegistry
}

func NewRequestManager(store docstore.Store, self Id, edges *EdgeStore, profiles *ProfileRegistry) *RequestManager {
	return &RequestManager{
		store:    store,
		self:     self,
		edges:    edges,
		profiles: profiles,
	}
}

// Send creates a pending request to `to`.
// The duplicate-pending check runs as two queries outside a transaction,
// so a narrow race can produce two pending requests. Accepted trade-off:
// both accept paths are idempotent, so a duplicate converges to the same
// edges.
func (self *RequestManager) Send(ctx context.Context, to Id) (*Request, error) {
	if to == self.self {
		return nil, ErrSelfRequest
	}

	friends, err := self.edges.Contains(ctx, to)
	if err != nil {
		return nil, err
	}
	if friends {
		return nil, ErrAlreadyFriends
	}

	for _, pair := range [][2]Id{{self.self, to}, {to, self.self}} {
		pending, err := self.store.Query(ctx, docstore.CollectionFriendRequests,
			docstore.Eq("fromId", pair[0].String()),
			docstore.Eq("toId", pair[1].String()),
			docstore.Eq("status", StatusPending),
		)
		if err != nil {
			return nil, err
		}
		if 0 < len(pending) {
			return nil, ErrRequestExists
		}
	}

	createdAt := NowTimestamp()
	key, err := self.store.Insert(ctx, docstore.CollectionFriendRequests, docstore.Doc{
		"fromId":    self.self.String(),
		"toId":      to.String(),
		"status":    StatusPending,
		"createdAt": createdAt,
	})
	if err != nil {
		return nil, err
	}
	request := &Request{
		Id:     key,
		FromId: self.self,
		ToId:   to,
		Status: StatusPending,
	}
	request.CreatedAt, _ = ParseTimestamp(createdAt)
	return request, nil
}

// Accept settles the request and synchronously creates the caller's own
// edge to the sender. Create-if-absent, so re-running a partially failed
// accept completes it.
func (self *RequestManager) Accept(ctx context.Context, requestId string) error {
	request, err := self.get(ctx, requestId)
	if err != nil {
		return err
	}
	if request.ToId != self.self {
		return fmt.Errorf("%w: request %s is not addressed to %s", docstore.ErrPermissionDenied, requestId, self.self)
	}

	switch request.Status {
	case StatusPending:
		err = self.store.Update(ctx, docstore.CollectionFriendRequests, requestId, docstore.Doc{
			"status": StatusAccepted,
		})
		if err != nil {
			return err
		}
	case StatusAccepted:
		// partially applied accept, finish the edge below
	default:
		return fmt.Errorf("request %s is already %s", requestId, request.Status)
	}

	friends, err := self.edges.Contains(ctx, request.FromId)
	if err != nil {
		return err
	}
	if friends {
		return nil
	}
	return self.edges.Upsert(ctx, request.FromId, snapshotFields(ctx, self.profiles, request.FromId))
}

func (self *RequestManager) Reject(ctx context.Context, requestId string) error {
	return self.settle(ctx, requestId, StatusRejected)
}

func (self *RequestManager) Cancel(ctx context.Context, requestId string) error {
	return self.settle(ctx, requestId, StatusCancelled)
}

func (self *RequestManager) settle(ctx context.Context, requestId string, status string) error {
	request, err := self.get(ctx, requestId)
	if err != nil {
		return err
	}
	if request.Status != StatusPending {
		return fmt.Errorf("request %s is already %s", requestId, request.Status)
	}
	return self.store.Update(ctx, docstore.CollectionFriendRequests, requestId, docstore.Doc{
		"status": status,
	})
}

// Pending lists requests addressed to the caller that await an answer
func (self *RequestManager) Pending(ctx context.Context) ([]*Request, error) {
	return self.list(ctx,
		docstore.Eq("toId", self.self.String()),
		docstore.Eq("status", StatusPending),
	)
}

// Outgoing lists the caller's own unanswered requests
func (self *RequestManager) Outgoing(ctx context.Context) ([]*Request, error) {
	return self.list(ctx,
		docstore.Eq("fromId", self.self.String()),
		docstore.Eq("status", StatusPending),
	)
}

// SubscribePending observes incoming pending requests, for request UIs
func (self *RequestManager) SubscribePending(ctx context.Context) (*docstore.Subscription, error) {
	return self.store.Subscribe(ctx, docstore.CollectionFriendRequests,
		docstore.Eq("toId", self.self.String()),
		docstore.Eq("status", StatusPending),
	)
}

func (self *RequestManager) get(ctx context.Context, requestId string) (*Request, error) {
	fields, err := self.store.Get(ctx, docstore.CollectionFriendRequests, requestId)
	if err != nil {
		return nil, err
	}
	return RequestFromSnapshot(docstore.Snapshot{Key: requestId, Doc: fields})
}

func (self *RequestManager) list(ctx context.Context, wheres ...docstore.Where) ([]*Request, error) {
	snapshots, err := self.store.Query(ctx, docstore.CollectionFriendRequests, wheres...)
	if err != nil {
		return nil, err
	}
	requests := []*Request{}
	for _, snapshot := range snapshots {
		request, err := RequestFromSnapshot(snapshot)
		if err != nil {
			continue
		}
		requests = append(requests, request)
	}
	return requests, nil
}

func RequestFromSnapshot(snapshot docstore.Snapshot) (*Request, error) {
	fromId, err := ParseId(snapshot.Doc.String("fromId"))
	if err != nil {
		return nil, errors.New("request sender malformed")
	}
	toId, err := ParseId(snapshot.Doc.String("toId"))
	if err != nil {
		return nil, errors.New("request recipient malformed")
	}
	request := &Request{
		Id:     snapshot.Key,
		FromId: fromId,
		ToId:   toId,
		Status: snapshot.Doc.String("status"),
	}
	request.CreatedAt, _ = ParseTimestamp(snapshot.Doc.String("createdAt"))
	return request, nil
}

// snapshotFields copies the public profile of `userId` into edge
// snapshot fields, best effort
func snapshotFields(ctx context.Context, profiles *ProfileRegistry, userId Id) docstore.Doc {
	fields := docstore.Doc{}
	if publicProfile, err := profiles.PublicProfile(ctx, userId); err == nil {
		fields["nameSnapshot"] = publicProfile.DisplayName
		fields["photoSnapshot"] = publicProfile.PhotoRef
	}
	return fields
}
