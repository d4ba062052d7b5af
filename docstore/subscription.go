package docstore

import (
	"sync"
)

// a live query. The consumer ranges over `Snapshots()`; each delivered
// value is the full current result set for the query.
//
// Delivery coalesces. The channel holds at most one pending snapshot and
// a newer snapshot replaces an undelivered older one, so a slow consumer
// always resumes at the latest state. This is safe because snapshots are
// totals, not deltas.
type Subscription struct {
	snapshots chan []Snapshot

	closeOnce sync.Once
	cancel    func()
	done      chan struct{}
}

func newSubscription(cancel func()) *Subscription {
	sub := &Subscription{
		snapshots: make(chan []Snapshot, 1),
		done:      make(chan struct{}),
	}
	sub.cancel = cancel
	return sub
}

// Snapshots is closed after `Unsubscribe`
func (self *Subscription) Snapshots() <-chan []Snapshot {
	return self.snapshots
}

// Unsubscribe stops future delivery. It does not interrupt a consumer
// that is already processing a delivered snapshot.
func (self *Subscription) Unsubscribe() {
	if self.cancel != nil {
		self.cancel()
	}
}

func (self *Subscription) Done() <-chan struct{} {
	return self.done
}

// push must only be called by a single producer, and never after close
func (self *Subscription) push(snapshot []Snapshot) {
	select {
	case self.snapshots <- snapshot:
	default:
		// replace the undelivered snapshot with the newer one
		select {
		case <-self.snapshots:
		default:
		}
		select {
		case self.snapshots <- snapshot:
		default:
		}
	}
}

func (self *Subscription) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		close(self.snapshots)
	})
}
