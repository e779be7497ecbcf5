// Package replication relays durable write-ahead log records to follower
// processes over WebSocket, fanning a single write stream out to many
// followers. A connecting follower is sent the whole on-disk log as
// backlog; replay cannot be started from a given offset.
package replication

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SeleniaProject/serindb/internal/wal"
)

// Handshake is the first message sent to every newly connected follower,
// stamped with the leader process instance's correlation id so operators
// can match a follower's feed against the leader's log file across a
// leader restart.
type Handshake struct {
	InstanceID string `json:"instance_id"`
}

// Frame is one unit of the replication stream: a WAL record plus its
// offset, the total payload bytes of every record before it in the log
// (record headers are not counted), so a follower can record how far it
// has replayed.
type Frame struct {
	Offset  int64  `json:"offset"`
	TSNanos int64  `json:"ts_nanos"`
	Payload []byte `json:"payload"`
}

// Feed fans out Frames published by the engine's WAL flush subscriber
// (after a durable WAL append) to every connected follower. It never
// blocks Publish on a slow follower: when a follower's outbound buffer is
// full, the frame is dropped for that follower, which stays connected.
type Feed struct {
	mu         sync.Mutex
	followers  map[chan Frame]struct{}
	logger     log.Logger
	upgrader   websocket.Upgrader
	walPath    string
	instanceID uuid.UUID
}

// NewFeed returns a feed that serves replay backlog from the WAL file at
// walPath, identifying its owning process instance with a fresh
// correlation id.
func NewFeed(walPath string, logger log.Logger) *Feed {
	return &Feed{
		followers:  make(map[chan Frame]struct{}),
		logger:     logger,
		walPath:    walPath,
		upgrader:   websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		instanceID: uuid.New(),
	}
}

// InstanceID returns the correlation id stamped on this feed's handshake.
// The engine also logs it when it opens the WAL.
func (f *Feed) InstanceID() uuid.UUID {
	return f.instanceID
}

// Publish fans frame out to every connected follower.
func (f *Feed) Publish(frame Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.followers {
		select {
		case ch <- frame:
		default:
			level.Warn(f.logger).Log("msg", "follower channel full, dropping frame", "offset", frame.Offset)
		}
	}
}

func (f *Feed) register() chan Frame {
	ch := make(chan Frame, 256)
	f.mu.Lock()
	f.followers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unregister(ch chan Frame) {
	f.mu.Lock()
	delete(f.followers, ch)
	f.mu.Unlock()
	close(ch)
}

// ServeFollower upgrades the HTTP request to a WebSocket connection,
// replays every WAL record already on disk as backlog frames, then
// streams newly published frames until the connection closes. Replay
// uses wal.ReadAll unconditionally; a follower resuming from a known
// offset is expected to skip frames whose Offset it has already applied.
func (f *Feed) ServeFollower(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Error(f.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	handshake, err := json.Marshal(Handshake{InstanceID: f.instanceID.String()})
	if err != nil {
		level.Error(f.logger).Log("msg", "marshal handshake failed", "err", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, handshake); err != nil {
		return
	}

	records, err := wal.ReadAll(f.walPath)
	if err != nil {
		level.Error(f.logger).Log("msg", "replay backlog failed", "err", err)
		return
	}
	var offset int64
	for _, rec := range records {
		frame := Frame{Offset: offset, TSNanos: rec.TSNanos, Payload: rec.Payload}
		if err := writeFrame(conn, frame); err != nil {
			return
		}
		offset += int64(len(rec.Payload))
	}

	ch := f.register()
	defer f.unregister(ch)

	for frame := range ch {
		if err := writeFrame(conn, frame); err != nil {
			return
		}
	}
}

func writeFrame(conn *websocket.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
