package docstore

import (
	"context"
	"errors"
)

type txSource interface {
	txGet(ctx context.Context, collection string, key string) (Doc, uint64, error)
}

// Tx stages reads and writes for an optimistic transaction.
// Reads record the observed version of each document (0 when absent);
// commit fails with ErrConflict if any recorded version moved.
// Writes stage locally and are visible to later reads in the same
// transaction. Writes collapse per document, last one wins.
type Tx struct {
	ctx    context.Context
	source txSource

	reads     map[docKey]uint64
	readOrder []docKey

	writes     map[docKey]WriteOp
	writeOrder []docKey
}

func newTx(ctx context.Context, source txSource) *Tx {
	return &Tx{
		ctx:    ctx,
		source: source,
		reads:  map[docKey]uint64{},
		writes: map[docKey]WriteOp{},
	}
}

func (self *Tx) Get(collection string, key string) (Doc, error) {
	k := docKey{collection, key}

	if write, ok := self.writes[k]; ok {
		switch write.Kind {
		case writeDelete:
			return nil, ErrNotFound
		case writePut:
			return write.Fields.Clone(), nil
		case writeMerge, writeUpdate:
			base, err := self.committedGet(k)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if base == nil {
				base = Doc{}
			}
			for field, value := range write.Fields {
				base[field] = value
			}
			return base, nil
		}
	}

	return self.committedGet(k)
}

func (self *Tx) committedGet(k docKey) (Doc, error) {
	fields, version, err := self.source.txGet(self.ctx, k.collection, k.key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if _, ok := self.reads[k]; !ok {
		self.reads[k] = version
		self.readOrder = append(self.readOrder, k)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return fields, nil
}

func (self *Tx) Set(collection string, key string, fields Doc, merge bool) {
	kind := writePut
	if merge {
		kind = writeMerge
	}
	self.stage(WriteOp{
		Collection: collection,
		Key:        key,
		Kind:       kind,
		Fields:     fields.Clone(),
	})
}

func (self *Tx) Update(collection string, key string, fields Doc) error {
	if _, err := self.Get(collection, key); err != nil {
		return err
	}
	self.stage(WriteOp{
		Collection: collection,
		Key:        key,
		Kind:       writeMerge,
		Fields:     fields.Clone(),
	})
	return nil
}

func (self *Tx) Delete(collection string, key string) {
	self.stage(WriteOp{
		Collection: collection,
		Key:        key,
		Kind:       writeDelete,
	})
}

func (self *Tx) stage(write WriteOp) {
	k := docKey{write.Collection, write.Key}
	if prev, ok := self.writes[k]; ok {
		// collapse onto the previous staged write
		if write.Kind == writeMerge && prev.Kind == writeDelete {
			// delete then merge creates fresh
			write.Kind = writePut
		} else if write.Kind == writeMerge {
			merged := prev.Fields.Clone()
			for field, value := range write.Fields {
				merged[field] = value
			}
			write = WriteOp{
				Collection: write.Collection,
				Key:        write.Key,
				Kind:       prev.Kind,
				Fields:     merged,
			}
		}
		self.writes[k] = write
		return
	}
	self.writes[k] = write
	self.writeOrder = append(self.writeOrder, k)
}

func (self *Tx) readChecks() []ReadCheck {
	checks := []ReadCheck{}
	for _, k := range self.readOrder {
		checks = append(checks, ReadCheck{
			Collection: k.collection,
			Key:        k.key,
			Version:    self.reads[k],
		})
	}
	return checks
}

func (self *Tx) writeOps() []WriteOp {
	ops := []WriteOp{}
	for _, k := range self.writeOrder {
		ops = append(ops, self.writes[k])
	}
	return ops
}
