package docstore

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// websocket gateway
// serves one engine to many client sessions. The handshake binds the
// connection to the session token's user id; every write on the
// connection is checked against that identity's rules.

type wireFrame struct {
	// request fields
	Id         uint64      `json:"id,omitempty"`
	Op         string      `json:"op,omitempty"`
	Collection string      `json:"collection,omitempty"`
	Key        string      `json:"key,omitempty"`
	Fields     Doc         `json:"fields,omitempty"`
	Merge      bool        `json:"merge,omitempty"`
	Wheres     []Where     `json:"wheres,omitempty"`
	Reads      []ReadCheck `json:"reads,omitempty"`
	Writes     []WriteOp   `json:"writes,omitempty"`

	// response fields
	Error     string     `json:"error,omitempty"`
	ErrorCode string     `json:"errorCode,omitempty"`
	Version   uint64     `json:"version,omitempty"`
	Snapshots []Snapshot `json:"snapshots,omitempty"`
	SubId     uint64     `json:"subId,omitempty"`

	// asynchronous subscription delivery
	Sub uint64 `json:"sub,omitempty"`
}

const (
	wireCodeNotFound         = "notFound"
	wireCodeConflict         = "conflict"
	wireCodePermissionDenied = "permissionDenied"
)

func wireCode(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return wireCodeNotFound
	case errors.Is(err, ErrConflict):
		return wireCodeConflict
	case errors.Is(err, ErrPermissionDenied):
		return wireCodePermissionDenied
	default:
		return ""
	}
}

func wireError(code string, message string) error {
	switch code {
	case wireCodeNotFound:
		return ErrNotFound
	case wireCodeConflict:
		return ErrConflict
	case wireCodePermissionDenied:
		return ErrPermissionDenied
	default:
		return errors.New(message)
	}
}

type Gateway struct {
	memory   *Memory
	secret   []byte
	upgrader websocket.Upgrader
}

func NewGateway(memory *Memory, secret []byte) *Gateway {
	return &Gateway{
		memory: memory,
		secret: secret,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (self *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("auth")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	session, err := ParseSessionToken(token, self.secret)
	if err != nil {
		glog.Infof("[gateway]handshake rejected: %s\n", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[gateway]upgrade failed: %s\n", err)
		return
	}

	gatewayConn := &gatewayConn{
		memory:   self.memory,
		identity: session.UserId,
		conn:     conn,
		subs:     map[uint64]*Subscription{},
	}
	gatewayConn.run()
}

type gatewayConn struct {
	memory   *Memory
	identity string
	conn     *websocket.Conn

	writeMutex sync.Mutex

	mutex sync.Mutex
	subs  map[uint64]*Subscription
}

func (self *gatewayConn) run() {
	defer func() {
		self.conn.Close()
		self.mutex.Lock()
		subs := self.subs
		self.subs = map[uint64]*Subscription{}
		self.mutex.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	for {
		frame := &wireFrame{}
		if err := self.conn.ReadJSON(frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(1).Infof("[gateway]%s read: %s\n", self.identity, err)
			}
			return
		}
		self.writeFrame(self.handle(frame))
	}
}

func (self *gatewayConn) writeFrame(frame *wireFrame) {
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()

	if err := self.conn.WriteJSON(frame); err != nil {
		glog.V(1).Infof("[gateway]%s write: %s\n", self.identity, err)
	}
}

func (self *gatewayConn) handle(frame *wireFrame) *wireFrame {
	response := &wireFrame{
		Id: frame.Id,
	}
	fail := func(err error) *wireFrame {
		response.Error = err.Error()
		response.ErrorCode = wireCode(err)
		return response
	}

	switch frame.Op {
	case "get":
		fields, version, ok := self.memory.get(frame.Collection, frame.Key)
		response.Version = version
		if !ok {
			return fail(ErrNotFound)
		}
		response.Fields = fields

	case "set":
		kind := writePut
		if frame.Merge {
			kind = writeMerge
		}
		if err := self.commit(nil, []WriteOp{{
			Collection: frame.Collection,
			Key:        frame.Key,
			Kind:       kind,
			Fields:     frame.Fields,
		}}); err != nil {
			return fail(err)
		}

	case "update":
		if err := self.commit(nil, []WriteOp{{
			Collection: frame.Collection,
			Key:        frame.Key,
			Kind:       writeUpdate,
			Fields:     frame.Fields,
		}}); err != nil {
			return fail(err)
		}

	case "delete":
		if err := self.commit(nil, []WriteOp{{
			Collection: frame.Collection,
			Key:        frame.Key,
			Kind:       writeDelete,
		}}); err != nil {
			return fail(err)
		}

	case "insert":
		key := newKey()
		if err := self.commit(nil, []WriteOp{{
			Collection: frame.Collection,
			Key:        key,
			Kind:       writePut,
			Fields:     frame.Fields,
		}}); err != nil {
			return fail(err)
		}
		response.Key = key

	case "query":
		response.Snapshots = self.memory.query(frame.Collection, frame.Wheres)

	case "commit":
		if err := self.commit(frame.Reads, frame.Writes); err != nil {
			return fail(err)
		}

	case "subscribe":
		// the subscription id is chosen by the client so that pushes
		// arriving before the subscribe response still find their owner
		if frame.SubId == 0 {
			return fail(errors.New("missing subscription id"))
		}
		self.mutex.Lock()
		_, taken := self.subs[frame.SubId]
		self.mutex.Unlock()
		if taken {
			return fail(errors.New("subscription id in use"))
		}
		sub, err := self.memory.subscribe(frame.Collection, frame.Wheres)
		if err != nil {
			return fail(err)
		}
		self.mutex.Lock()
		self.subs[frame.SubId] = sub
		self.mutex.Unlock()
		go self.forward(frame.SubId, sub)
		response.SubId = frame.SubId

	case "unsubscribe":
		self.mutex.Lock()
		sub, ok := self.subs[frame.SubId]
		delete(self.subs, frame.SubId)
		self.mutex.Unlock()
		if ok {
			sub.Unsubscribe()
		}

	default:
		return fail(errors.New("unknown op"))
	}
	return response
}

func (self *gatewayConn) commit(reads []ReadCheck, writes []WriteOp) error {
	return self.memory.commit(self.identity, reads, writes)
}

func (self *gatewayConn) forward(subId uint64, sub *Subscription) {
	for snapshots := range sub.Snapshots() {
		if snapshots == nil {
			snapshots = []Snapshot{}
		}
		self.writeFrame(&wireFrame{
			Sub:       subId,
			Snapshots: snapshots,
		})
	}
}

// ListenAndServe runs the gateway from config until ctx is done
func ListenAndServe(ctx context.Context, config *GatewayConfig) error {
	var memory *Memory
	if config.DbPath != "" {
		journal, err := OpenSqliteJournal(config.DbPath)
		if err != nil {
			return err
		}
		memory, err = NewMemoryWithJournal(journal)
		if err != nil {
			journal.Close()
			return err
		}
	} else {
		memory = NewMemory()
	}
	defer memory.Close()

	mux := http.NewServeMux()
	mux.Handle("/v1/store", NewGateway(memory, []byte(config.SessionSecret)))

	server := &http.Server{
		Addr:    config.Addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	glog.Infof("[gateway]listening on %s\n", config.Addr)
	err := server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
