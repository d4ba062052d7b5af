package social

import (
	"context"

	"github.com/golang/glog"

	"waymark.app/social/docstore"
)

// one Client per signed-in session. It owns the store handle, the
// managers, and the background reconciler for that user.

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		ReconcilerSettings: DefaultReconcilerSettings(),
	}
}

type ClientSettings struct {
	ReconcilerSettings *ReconcilerSettings
}

type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	store docstore.Store
	self  Id

	profiles *ProfileRegistry
	edges    *EdgeStore
	signals  *SignalRelay
	requests *RequestManager

	reconciler *Reconciler
}

func NewClientWithDefaults(ctx context.Context, store docstore.Store, self Id) *Client {
	return NewClient(ctx, store, self, DefaultClientSettings())
}

func NewClient(ctx context.Context, store docstore.Store, self Id, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	profiles := NewProfileRegistry(store, self)
	edges := NewEdgeStore(store, self)
	client := &Client{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		self:       self,
		profiles:   profiles,
		edges:      edges,
		signals:    NewSignalRelay(store, self),
		requests:   NewRequestManager(store, self, edges, profiles),
		reconciler: NewReconciler(cancelCtx, store, self, edges, profiles, settings.ReconcilerSettings),
	}
	return client
}

func (self *Client) SelfId() Id {
	return self.self
}

func (self *Client) Profiles() *ProfileRegistry {
	return self.profiles
}

func (self *Client) Edges() *EdgeStore {
	return self.edges
}

func (self *Client) Signals() *SignalRelay {
	return self.signals
}

func (self *Client) Requests() *RequestManager {
	return self.requests
}

func (self *Client) Reconciler() *Reconciler {
	return self.reconciler
}

// Unfriend deletes the caller's own edge and signals the counterpart to
// delete its mirror. The counterpart's edge is never touched directly.
func (self *Client) Unfriend(ctx context.Context, friendId Id) error {
	if err := self.edges.Remove(ctx, friendId); err != nil {
		return err
	}
	if err := self.signals.EmitUnfriend(ctx, friendId); err != nil {
		// the local edge is gone either way; the emit can be retried
		glog.Warningf("[client]unfriend signal to %s failed: %s\n", friendId, err)
		return err
	}
	return nil
}

// SetCloseFriend flips the close friend flag on the caller's own edge
// and mirrors the flag to the counterpart's edge back toward the caller.
// The mirrored flag is deliberate, observed product behavior; see
// DESIGN.md before changing it.
func (self *Client) SetCloseFriend(ctx context.Context, friendId Id, set bool) error {
	err := self.edges.Upsert(ctx, friendId, docstore.Doc{
		"isCloseFriend": set,
		"updatedAt":     NowTimestamp(),
	})
	if err != nil {
		return err
	}
	return self.signals.EmitCloseFriendChange(ctx, friendId, set)
}

func (self *Client) Close() {
	self.reconciler.Close()
	self.cancel()
}
