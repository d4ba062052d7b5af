package docstore

import (
	"fmt"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

// in-process engine
// documents are versioned for optimistic transactions
// an optional journal write-through makes the engine durable

type docKey struct {
	collection string
	key        string
}

type ReadCheck struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	// version observed by the reader. 0 means absent.
	Version uint64 `json:"version"`
}

type WriteOp struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	// put, merge, update, delete
	Kind   string `json:"kind"`
	Fields Doc    `json:"fields,omitempty"`
}

const (
	writePut    = "put"
	writeMerge  = "merge"
	writeUpdate = "update"
	writeDelete = "delete"
)

type JournalEntry struct {
	Collection string
	Key        string
	// nil fields mean delete
	Fields Doc
}

type Journal interface {
	Load() (map[string]map[string]Doc, error)
	Apply(entries []JournalEntry) error
	Close() error
}

type subscriber struct {
	collection string
	wheres     []Where
	sub        *Subscription
}

type Memory struct {
	mutex sync.Mutex

	docs map[string]map[string]Doc
	// versions survive deletes so that absent reads stay comparable
	versions map[docKey]uint64
	version  uint64

	subs      map[int64]*subscriber
	nextSubId int64

	journal Journal
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		docs:     map[string]map[string]Doc{},
		versions: map[docKey]uint64{},
		subs:     map[int64]*subscriber{},
	}
}

// NewMemoryWithJournal restores the journal contents and writes every
// commit through to it
func NewMemoryWithJournal(journal Journal) (*Memory, error) {
	memory := NewMemory()
	docs, err := journal.Load()
	if err != nil {
		return nil, err
	}
	for collection, keyDocs := range docs {
		memory.docs[collection] = map[string]Doc{}
		for key, fields := range keyDocs {
			memory.docs[collection][key] = fields
			memory.version += 1
			memory.versions[docKey{collection, key}] = memory.version
		}
	}
	memory.journal = journal
	return memory, nil
}

// WithIdentity returns a store handle whose writes are checked against
// the access rules for `userId`
func (self *Memory) WithIdentity(userId string) Store {
	return &Handle{
		memory: self,
		userId: userId,
	}
}

func (self *Memory) Close() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil
	}
	self.closed = true
	for subId, subscriber := range self.subs {
		delete(self.subs, subId)
		subscriber.sub.close()
	}
	if self.journal != nil {
		return self.journal.Close()
	}
	return nil
}

func (self *Memory) get(collection string, key string) (Doc, uint64, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.getLocked(collection, key)
}

func (self *Memory) getLocked(collection string, key string) (Doc, uint64, bool) {
	keyDocs, ok := self.docs[collection]
	if !ok {
		return nil, self.versions[docKey{collection, key}], false
	}
	fields, ok := keyDocs[key]
	if !ok {
		return nil, self.versions[docKey{collection, key}], false
	}
	return fields.Clone(), self.versions[docKey{collection, key}], true
}

func (self *Memory) query(collection string, wheres []Where) []Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return self.queryLocked(collection, wheres)
}

func (self *Memory) queryLocked(collection string, wheres []Where) []Snapshot {
	snapshots := []Snapshot{}
	for key, fields := range self.docs[collection] {
		if matches(fields, wheres) {
			snapshots = append(snapshots, Snapshot{
				Key: key,
				Doc: fields.Clone(),
			})
		}
	}
	slices.SortFunc(snapshots, func(a Snapshot, b Snapshot) int {
		if a.Key < b.Key {
			return -1
		} else if b.Key < a.Key {
			return 1
		}
		return 0
	})
	return snapshots
}

func (self *Memory) subscribe(collection string, wheres []Where) (*Subscription, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return nil, ErrClosed
	}

	subId := self.nextSubId
	self.nextSubId += 1

	sub := newSubscription(func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		if subscriber, ok := self.subs[subId]; ok {
			delete(self.subs, subId)
			subscriber.sub.close()
		}
	})
	self.subs[subId] = &subscriber{
		collection: collection,
		wheres:     wheres,
		sub:        sub,
	}

	// deliver the current snapshot immediately
	sub.push(self.queryLocked(collection, wheres))
	return sub, nil
}

// commit validates the read set, checks access rules, applies the write
// set, bumps versions, notifies matching subscriptions, and journals.
// All or nothing.
func (self *Memory) commit(identity string, reads []ReadCheck, writes []WriteOp) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed {
		return ErrClosed
	}

	for _, read := range reads {
		if self.versions[docKey{read.Collection, read.Key}] != read.Version {
			return ErrConflict
		}
	}

	// update semantics require existence, validated before the rules so
	// that an absent document surfaces ErrNotFound, not a rule error
	for _, write := range writes {
		if write.Kind == writeUpdate {
			if _, _, ok := self.getLocked(write.Collection, write.Key); !ok {
				return ErrNotFound
			}
		}
	}

	current := func(collection string, key string) (Doc, bool) {
		fields, _, ok := self.getLocked(collection, key)
		return fields, ok
	}
	if err := checkWrites(identity, writes, current); err != nil {
		return err
	}

	// stage the outcomes first so the journal sees the same state the
	// memory will
	staged := []JournalEntry{}
	for _, write := range writes {
		fields, _, ok := self.getLocked(write.Collection, write.Key)
		switch write.Kind {
		case writeDelete:
			if !ok {
				// idempotent
				continue
			}
			staged = append(staged, JournalEntry{
				Collection: write.Collection,
				Key:        write.Key,
			})
		case writeMerge, writeUpdate:
			if !ok {
				fields = Doc{}
			}
			maps.Copy(fields, write.Fields)
			staged = append(staged, JournalEntry{
				Collection: write.Collection,
				Key:        write.Key,
				Fields:     fields,
			})
		case writePut:
			staged = append(staged, JournalEntry{
				Collection: write.Collection,
				Key:        write.Key,
				Fields:     write.Fields.Clone(),
			})
		default:
			return fmt.Errorf("unknown write kind %q", write.Kind)
		}
	}

	if self.journal != nil && 0 < len(staged) {
		if err := self.journal.Apply(staged); err != nil {
			glog.Errorf("[docstore]journal apply failed: %s\n", err)
			return err
		}
	}

	changedCollections := map[string]bool{}
	for _, entry := range staged {
		keyDocs, ok := self.docs[entry.Collection]
		if !ok {
			keyDocs = map[string]Doc{}
			self.docs[entry.Collection] = keyDocs
		}
		if entry.Fields == nil {
			delete(keyDocs, entry.Key)
		} else {
			keyDocs[entry.Key] = entry.Fields
		}
		self.version += 1
		self.versions[docKey{entry.Collection, entry.Key}] = self.version
		changedCollections[entry.Collection] = true
	}

	for _, subscriber := range self.subs {
		if changedCollections[subscriber.collection] {
			subscriber.sub.push(self.queryLocked(subscriber.collection, subscriber.wheres))
		}
	}
	return nil
}
