package docstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// Remote speaks the gateway wire protocol and implements Store, so the
// social core runs unchanged against a local engine or a gateway.
type Remote struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn *websocket.Conn

	writeMutex sync.Mutex

	mutex         sync.Mutex
	nextRequestId uint64
	pending       map[uint64]chan *wireFrame
	nextSubId     uint64
	subs          map[uint64]*Subscription
	closed        bool
}

// DialRemote connects and authenticates with a session token
func DialRemote(ctx context.Context, url string, token string) (*Remote, error) {
	header := http.Header{}
	header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	conn, response, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial store: %w: unauthorized", ErrPermissionDenied)
		}
		return nil, fmt.Errorf("dial store: %w", err)
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	remote := &Remote{
		ctx:     cancelCtx,
		cancel:  cancel,
		conn:    conn,
		pending: map[uint64]chan *wireFrame{},
		subs:    map[uint64]*Subscription{},
	}
	go remote.read()
	return remote, nil
}

func (self *Remote) Close() {
	self.cancel()
	self.conn.Close()
}

func (self *Remote) read() {
	defer func() {
		self.cancel()
		self.conn.Close()

		self.mutex.Lock()
		self.closed = true
		pending := self.pending
		self.pending = map[uint64]chan *wireFrame{}
		subs := self.subs
		self.subs = map[uint64]*Subscription{}
		self.mutex.Unlock()

		for _, waiter := range pending {
			close(waiter)
		}
		for _, sub := range subs {
			sub.close()
		}
	}()

	for {
		frame := &wireFrame{}
		if err := self.conn.ReadJSON(frame); err != nil {
			if self.ctx.Err() == nil {
				glog.V(1).Infof("[remote]read: %s\n", err)
			}
			return
		}

		if frame.Sub != 0 {
			self.mutex.Lock()
			if sub, ok := self.subs[frame.Sub]; ok {
				sub.push(frame.Snapshots)
			}
			self.mutex.Unlock()
			continue
		}

		self.mutex.Lock()
		waiter, ok := self.pending[frame.Id]
		delete(self.pending, frame.Id)
		self.mutex.Unlock()
		if ok {
			waiter <- frame
			close(waiter)
		}
	}
}

func (self *Remote) call(ctx context.Context, request *wireFrame) (*wireFrame, error) {
	waiter := make(chan *wireFrame, 1)

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return nil, ErrClosed
	}
	self.nextRequestId += 1
	request.Id = self.nextRequestId
	self.pending[request.Id] = waiter
	self.mutex.Unlock()

	self.writeMutex.Lock()
	err := self.conn.WriteJSON(request)
	self.writeMutex.Unlock()
	if err != nil {
		self.mutex.Lock()
		delete(self.pending, request.Id)
		self.mutex.Unlock()
		return nil, fmt.Errorf("store call: %w", err)
	}

	select {
	case response, ok := <-waiter:
		if !ok {
			return nil, ErrClosed
		}
		if response.Error != "" {
			return response, wireError(response.ErrorCode, response.Error)
		}
		return response, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-self.ctx.Done():
		return nil, ErrClosed
	}
}

// Store implementation

func (self *Remote) Get(ctx context.Context, collection string, key string) (Doc, error) {
	response, err := self.call(ctx, &wireFrame{
		Op:         "get",
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		return nil, err
	}
	return response.Fields, nil
}

func (self *Remote) Set(ctx context.Context, collection string, key string, fields Doc, merge bool) error {
	_, err := self.call(ctx, &wireFrame{
		Op:         "set",
		Collection: collection,
		Key:        key,
		Fields:     fields,
		Merge:      merge,
	})
	return err
}

func (self *Remote) Update(ctx context.Context, collection string, key string, fields Doc) error {
	_, err := self.call(ctx, &wireFrame{
		Op:         "update",
		Collection: collection,
		Key:        key,
		Fields:     fields,
	})
	return err
}

func (self *Remote) Delete(ctx context.Context, collection string, key string) error {
	_, err := self.call(ctx, &wireFrame{
		Op:         "delete",
		Collection: collection,
		Key:        key,
	})
	return err
}

func (self *Remote) Insert(ctx context.Context, collection string, fields Doc) (string, error) {
	response, err := self.call(ctx, &wireFrame{
		Op:         "insert",
		Collection: collection,
		Fields:     fields,
	})
	if err != nil {
		return "", err
	}
	return response.Key, nil
}

func (self *Remote) Query(ctx context.Context, collection string, wheres ...Where) ([]Snapshot, error) {
	response, err := self.call(ctx, &wireFrame{
		Op:         "query",
		Collection: collection,
		Wheres:     wheres,
	})
	if err != nil {
		return nil, err
	}
	if response.Snapshots == nil {
		return []Snapshot{}, nil
	}
	return response.Snapshots, nil
}

func (self *Remote) Subscribe(ctx context.Context, collection string, wheres ...Where) (*Subscription, error) {
	// the client picks the subscription id and registers it before the
	// subscribe request goes out, so pushes can never outrun the
	// registration
	var sub *Subscription
	var subId uint64
	sub = newSubscription(func() {
		self.mutex.Lock()
		registered, ok := self.subs[subId]
		delete(self.subs, subId)
		self.mutex.Unlock()
		if !ok {
			return
		}

		self.writeMutex.Lock()
		// best effort, one way
		self.conn.WriteJSON(&wireFrame{
			Op:    "unsubscribe",
			SubId: subId,
		})
		self.writeMutex.Unlock()

		registered.close()
	})

	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		sub.close()
		return nil, ErrClosed
	}
	self.nextSubId += 1
	subId = self.nextSubId
	self.subs[subId] = sub
	self.mutex.Unlock()

	_, err := self.call(ctx, &wireFrame{
		Op:         "subscribe",
		Collection: collection,
		Wheres:     wheres,
		SubId:      subId,
	})
	if err != nil {
		self.mutex.Lock()
		delete(self.subs, subId)
		self.mutex.Unlock()
		sub.close()
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

func (self *Remote) RunTransaction(ctx context.Context, body func(tx *Tx) error) error {
	tx := newTx(ctx, self)
	if err := body(tx); err != nil {
		return err
	}
	_, err := self.call(ctx, &wireFrame{
		Op:     "commit",
		Reads:  tx.readChecks(),
		Writes: tx.writeOps(),
	})
	return err
}

// txSource

func (self *Remote) txGet(ctx context.Context, collection string, key string) (Doc, uint64, error) {
	response, err := self.call(ctx, &wireFrame{
		Op:         "get",
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) && response != nil {
			return nil, response.Version, ErrNotFound
		}
		return nil, 0, err
	}
	return response.Fields, response.Version, nil
}
