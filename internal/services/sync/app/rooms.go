package server

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/maplocus/wisn/internal/services/sync/entity"
)

// peerQueueSize bounds the per-connection outbound queue. A peer that cannot
// keep up is disconnected and re-snapshots on reconnect instead of queueing
// unbounded state. The bound also caps a join snapshot when the client's
// connection stalls mid-join (the writer normally drains concurrently), so it
// must comfortably exceed the record count of a large map.
const peerQueueSize = 1024

type wsPeer struct {
	conn       *websocket.Conn
	send       chan wsFrame
	done       chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	peer := &wsPeer{
		conn:       conn,
		send:       make(chan wsFrame, peerQueueSize),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go peer.writeLoop()
	return peer
}

// writeLoop is the single writer on the connection. On close it drains frames
// already queued, so an error or ack enqueued right before a disconnect still
// reaches the client.
func (p *wsPeer) writeLoop() {
	defer close(p.writerDone)
	defer func() { _ = p.conn.Close() }()
	encoder := json.NewEncoder(p.conn)
	for {
		select {
		case frame := <-p.send:
			if err := encoder.Encode(frame); err != nil {
				p.close()
				return
			}
		case <-p.done:
			// Bound the drain so a stalled client cannot pin the session.
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			for {
				select {
				case frame := <-p.send:
					if err := encoder.Encode(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue queues one frame for ordered delivery to this peer. Delivery is
// at-most-once: a closed or saturated peer drops the connection rather than
// blocking the broadcaster.
func (p *wsPeer) enqueue(frame wsFrame) {
	select {
	case p.send <- frame:
	case <-p.done:
	default:
		p.close()
	}
}

func (p *wsPeer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

type room struct {
	name    string
	mu      sync.Mutex
	members map[*wsPeer]struct{}
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		members: make(map[*wsPeer]struct{}),
	}
}

// joinWithSnapshot enqueues the joining peer's full snapshot and then
// registers it, holding the membership lock across both so no live broadcast
// interleaves before the snapshot is complete.
func (r *room) joinWithSnapshot(peer *wsPeer, snapshot func(enqueue func(wsFrame)) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if snapshot != nil {
		if err := snapshot(peer.enqueue); err != nil {
			return err
		}
	}
	r.members[peer] = struct{}{}
	return nil
}

func (r *room) leave(peer *wsPeer) {
	r.mu.Lock()
	delete(r.members, peer)
	r.mu.Unlock()
}

// broadcast delivers frame to every current member except exclude, used so an
// editor's own mutation is not echoed back to it.
func (r *room) broadcast(frame wsFrame, exclude *wsPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for member := range r.members {
		if member == exclude {
			continue
		}
		member.enqueue(frame)
	}
}

// broadcaster owns the two fixed subscriber groups. A connection joins exactly
// one of them for its lifetime.
type broadcaster struct {
	edit *room
	view *room
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		edit: newRoom(roomEdit),
		view: newRoom(roomView),
	}
}

// roomFor returns the room an entity's events are delivered to. The routing
// is fixed: editors never receive raw device telemetry and viewers never
// receive edit-room traffic.
func (b *broadcaster) roomFor(e entity.Entity) *room {
	switch e.(type) {
	case entity.Device:
		return b.view
	case entity.Node, entity.CalibrationPoint:
		return b.edit
	}
	return nil
}
