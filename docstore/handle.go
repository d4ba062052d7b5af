package docstore

import (
	"context"
)

// Handle binds the memory engine to an authenticated user id.
// Every write goes through the access rules for that identity.
type Handle struct {
	memory *Memory
	userId string
}

// Store implementation

func (self *Handle) Get(ctx context.Context, collection string, key string) (Doc, error) {
	fields, _, ok := self.memory.get(collection, key)
	if !ok {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (self *Handle) Set(ctx context.Context, collection string, key string, fields Doc, merge bool) error {
	kind := writePut
	if merge {
		kind = writeMerge
	}
	return self.memory.commit(self.userId, nil, []WriteOp{{
		Collection: collection,
		Key:        key,
		Kind:       kind,
		Fields:     fields,
	}})
}

func (self *Handle) Update(ctx context.Context, collection string, key string, fields Doc) error {
	return self.memory.commit(self.userId, nil, []WriteOp{{
		Collection: collection,
		Key:        key,
		Kind:       writeUpdate,
		Fields:     fields,
	}})
}

func (self *Handle) Delete(ctx context.Context, collection string, key string) error {
	return self.memory.commit(self.userId, nil, []WriteOp{{
		Collection: collection,
		Key:        key,
		Kind:       writeDelete,
	}})
}

func (self *Handle) Insert(ctx context.Context, collection string, fields Doc) (string, error) {
	key := newKey()
	err := self.memory.commit(self.userId, nil, []WriteOp{{
		Collection: collection,
		Key:        key,
		Kind:       writePut,
		Fields:     fields,
	}})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (self *Handle) Query(ctx context.Context, collection string, wheres ...Where) ([]Snapshot, error) {
	return self.memory.query(collection, wheres), nil
}

func (self *Handle) Subscribe(ctx context.Context, collection string, wheres ...Where) (*Subscription, error) {
	sub, err := self.memory.subscribe(collection, wheres)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.Done():
		}
	}()
	return sub, nil
}

func (self *Handle) RunTransaction(ctx context.Context, body func(tx *Tx) error) error {
	tx := newTx(ctx, self)
	if err := body(tx); err != nil {
		return err
	}
	return self.memory.commit(self.userId, tx.readChecks(), tx.writeOps())
}

// txSource

func (self *Handle) txGet(ctx context.Context, collection string, key string) (Doc, uint64, error) {
	fields, version, ok := self.memory.get(collection, key)
	if !ok {
		return nil, version, ErrNotFound
	}
	return fields, version, nil
}
