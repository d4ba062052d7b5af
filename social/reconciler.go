package social

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"

	"waymark.app/social/docstore"
)

// the reconciler
//
// The store's access boundary means no single write can touch two
// partitions, so both-sides relationship changes converge through
// at-least-once delivery plus idempotent application: each consumer is
// safe to run twice on the same document because the resulting state
// depends only on the latest value observed, never on how many times it
// was applied. Signal deletion always happens after the local mutation.
// A crash in between re-applies harmlessly on the next delivery; a crash
// before the mutation just leaves the signal for the next snapshot.
//
// Three consumer loops per session:
//  1. mirror bootstrap: own accepted outgoing requests with no local
//     edge yet
//  2. unfriend signals addressed to self
//  3. close friend signals addressed to self

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		ResyncTimeout:    60 * time.Second,
		SubscribeTimeout: 1 * time.Second,
	}
}

type ReconcilerSettings struct {
	// re-query period. A failed apply leaves its document in place, so
	// the resync retries it even when no new change arrives to wake the
	// subscription.
	ResyncTimeout time.Duration

	// delay before reopening a failed subscription
	SubscribeTimeout time.Duration
}

type Reconciler struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    docstore.Store
	self     Id
	edges    *EdgeStore
	profiles *ProfileRegistry

	settings *ReconcilerSettings

	idleMutex sync.Mutex
	idle      chan struct{}
	busy      int
}

func NewReconcilerWithDefaults(ctx context.Context, store docstore.Store, self Id, edges *EdgeStore, profiles *ProfileRegistry) *Reconciler {
	return NewReconciler(ctx, store, self, edges, profiles, DefaultReconcilerSettings())
}

// edges must be the same EdgeStore the rest of the session writes
// through; its mutex is what keeps consumer applies and surface
// operations from splitting each other's read-then-write open.
func NewReconciler(ctx context.Context, store docstore.Store, self Id, edges *EdgeStore, profiles *ProfileRegistry, settings *ReconcilerSettings) *Reconciler {
	cancelCtx, cancel := context.WithCancel(ctx)
	reconciler := &Reconciler{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		self:     self,
		edges:    edges,
		profiles: profiles,
		settings: settings,
		idle:     make(chan struct{}),
	}
	close(reconciler.idle)

	go reconciler.consume(
		docstore.CollectionFriendRequests,
		[]docstore.Where{
			docstore.Eq("fromId", self.String()),
			docstore.Eq("status", StatusAccepted),
		},
		reconciler.applyAccepted,
	)
	go reconciler.consume(
		docstore.CollectionUnfriendSignals,
		[]docstore.Where{
			docstore.Eq("toId", self.String()),
		},
		reconciler.applyUnfriends,
	)
	go reconciler.consume(
		docstore.CollectionCloseFriendSignals,
		[]docstore.Where{
			docstore.Eq("toId", self.String()),
		},
		reconciler.applyCloseFriends,
	)
	return reconciler
}

// Close stops future dispatch. In-flight handler work runs to its
// idempotent end; see Settle.
func (self *Reconciler) Close() {
	self.cancel()
}

// Settle returns after all currently running handlers finish.
// Used by tests and by teardown paths that must not interrupt a
// mutation-then-delete pair.
func (self *Reconciler) Settle() {
	self.idleMutex.Lock()
	idle := self.idle
	self.idleMutex.Unlock()
	<-idle
}

func (self *Reconciler) enter() {
	self.idleMutex.Lock()
	defer self.idleMutex.Unlock()
	if self.busy == 0 {
		self.idle = make(chan struct{})
	}
	self.busy += 1
}

func (self *Reconciler) exit() {
	self.idleMutex.Lock()
	defer self.idleMutex.Unlock()
	self.busy -= 1
	if self.busy == 0 {
		close(self.idle)
	}
}

// consume is one subscription loop: a cancellable producer of snapshots
// feeding a single consumer. Apply errors are never terminal; the
// document stays and the resync tick or the next change retries it.
func (self *Reconciler) consume(collection string, wheres []docstore.Where, apply func([]docstore.Snapshot)) {
	for {
		sub, err := self.store.Subscribe(self.ctx, collection, wheres...)
		if err != nil {
			if self.ctx.Err() != nil {
				return
			}
			glog.Infof("[reconcile]%s subscribe failed: %s\n", collection, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.SubscribeTimeout):
			}
			continue
		}

		self.drain(collection, wheres, sub, apply)
		if self.ctx.Err() != nil {
			return
		}
		// the subscription ended without cancellation (store closed or
		// connection lost), reopen it
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SubscribeTimeout):
		}
	}
}

func (self *Reconciler) drain(collection string, wheres []docstore.Where, sub *docstore.Subscription, apply func([]docstore.Snapshot)) {
	defer sub.Unsubscribe()

	resync := time.NewTicker(self.settings.ResyncTimeout)
	defer resync.Stop()

	applyGuarded := func(snapshots []docstore.Snapshot) {
		if len(snapshots) == 0 {
			return
		}
		self.enter()
		defer self.exit()
		HandleError(func() {
			apply(snapshots)
		})
	}

	for {
		select {
		case snapshots, ok := <-sub.Snapshots():
			if !ok {
				return
			}
			applyGuarded(snapshots)
		case <-resync.C:
			snapshots, err := self.store.Query(self.ctx, collection, wheres...)
			if err != nil {
				glog.V(1).Infof("[reconcile]%s resync failed: %s\n", collection, err)
				continue
			}
			applyGuarded(snapshots)
		case <-self.ctx.Done():
			return
		}
	}
}

// mirror bootstrap
// an accepted outgoing request means the recipient already created its
// edge; create the missing local mirror. Re-delivery is a no-op once the
// edge exists.
func (self *Reconciler) applyAccepted(snapshots []docstore.Snapshot) {
	for _, snapshot := range snapshots {
		request, err := RequestFromSnapshot(snapshot)
		if err != nil {
			glog.Warningf("[reconcile]accepted request %s malformed, skipping\n", snapshot.Key)
			continue
		}

		exists, err := self.edges.Contains(self.ctx, request.ToId)
		if err != nil {
			glog.V(1).Infof("[reconcile]edge check %s: %s\n", request.ToId, err)
			continue
		}
		if exists {
			continue
		}

		err = self.edges.Upsert(self.ctx, request.ToId, snapshotFields(self.ctx, self.profiles, request.ToId))
		if err != nil {
			glog.V(1).Infof("[reconcile]mirror edge %s: %s\n", request.ToId, err)
			continue
		}
		glog.V(1).Infof("[reconcile]%s mirrored edge to %s\n", self.self, request.ToId)
	}
}

// unfriend consumer
// delete the local edge to the sender, then consume the signal. Both
// steps tolerate absence, so redundant signals all resolve to the same
// end state.
func (self *Reconciler) applyUnfriends(snapshots []docstore.Snapshot) {
	for _, snapshot := range snapshots {
		fromId, err := ParseId(snapshot.Doc.String("fromId"))
		if err != nil {
			glog.Warningf("[reconcile]unfriend signal %s malformed, skipping\n", snapshot.Key)
			continue
		}

		if err := self.edges.Remove(self.ctx, fromId); err != nil {
			if !errors.Is(err, docstore.ErrNotFound) {
				glog.V(1).Infof("[reconcile]unfriend %s: %s\n", fromId, err)
				continue
			}
			// already converged
		}
		if err := self.store.Delete(self.ctx, docstore.CollectionUnfriendSignals, snapshot.Key); err != nil {
			glog.V(1).Infof("[reconcile]consume unfriend signal %s: %s\n", snapshot.Key, err)
		}
	}
}

// close friend consumer
// the store delivers changes roughly in commit order but gives no causal
// ordering across documents, so a quick on-off toggle could race a stale
// value into place. Signal keys are ulids, ordered by emit time per
// sender, so collapse each sender's batch to its newest signal, apply
// only that, then consume the whole batch.
func (self *Reconciler) applyCloseFriends(snapshots []docstore.Snapshot) {
	// snapshots arrive ordered by key
	bySender := map[Id][]docstore.Snapshot{}
	senders := []Id{}
	for _, snapshot := range snapshots {
		fromId, err := ParseId(snapshot.Doc.String("fromId"))
		if err != nil {
			glog.Warningf("[reconcile]close friend signal %s malformed, skipping\n", snapshot.Key)
			continue
		}
		if _, ok := bySender[fromId]; !ok {
			senders = append(senders, fromId)
		}
		bySender[fromId] = append(bySender[fromId], snapshot)
	}

	for _, fromId := range senders {
		group := bySender[fromId]
		newest := group[len(group)-1]
		set := newest.Doc.Bool("set")

		// the edge may not exist yet when the signal outruns the mirror
		// bootstrap; upsert creates it with defaults in that case
		err := self.edges.Upsert(self.ctx, fromId, docstore.Doc{
			"isCloseFriend": set,
		})
		if err != nil {
			glog.V(1).Infof("[reconcile]close friend %s: %s\n", fromId, err)
			continue
		}
		glog.V(1).Infof("[reconcile]%s close friend from %s set=%t (%d collapsed)\n", self.self, fromId, set, len(group))

		for _, snapshot := range group {
			if err := self.store.Delete(self.ctx, docstore.CollectionCloseFriendSignals, snapshot.Key); err != nil {
				glog.V(1).Infof("[reconcile]consume close friend signal %s: %s\n", snapshot.Key, err)
			}
		}
	}
}
