package social

import (
	"context"

	"github.com/golang/glog"

	"waymark.app/social/docstore"
)

// ephemeral addressed signals
// a signal asks the recipient to converge a mutation the sender cannot
// write directly. Emission never dedups: several signals from one sender
// to one recipient may coexist until consumed.

type SignalRelay struct {
	store docstore.Store
	self  Id
}

func NewSignalRelay(store docstore.Store, self Id) *SignalRelay {
	return &SignalRelay{
		store: store,
		self:  self,
	}
}

func (self *SignalRelay) EmitUnfriend(ctx context.Context, to Id) error {
	key, err := self.store.Insert(ctx, docstore.CollectionUnfriendSignals, docstore.Doc{
		"fromId":    self.self.String(),
		"toId":      to.String(),
		"createdAt": NowTimestamp(),
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("[signal]unfriend %s->%s (%s)\n", self.self, to, key)
	return nil
}

func (self *SignalRelay) EmitCloseFriendChange(ctx context.Context, to Id, set bool) error {
	key, err := self.store.Insert(ctx, docstore.CollectionCloseFriendSignals, docstore.Doc{
		"fromId":    self.self.String(),
		"toId":      to.String(),
		"set":       set,
		"createdAt": NowTimestamp(),
	})
	if err != nil {
		return err
	}
	glog.V(1).Infof("[signal]close friend %s->%s set=%t (%s)\n", self.self, to, set, key)
	return nil
}
