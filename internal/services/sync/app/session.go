package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/maplocus/wisn/internal/platform/keymutex"
	"github.com/maplocus/wisn/internal/services/sync/entity"
	"github.com/maplocus/wisn/internal/services/sync/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxDecodeErrorsPerConn = 3
)

// Update notification kinds published on the events topic for the
// localization backend.
const (
	updateKindNode        = "nodeUpdate"
	updateKindCalibration = "calibrationUpdate"
	updateKindUser        = "userUpdate"
)

var errUnknownRoom = errors.New("unknown room")

// updateNotifier publishes change notifications to the localization backend.
type updateNotifier interface {
	NotifyUpdate(kind string)
}

// coordinator drives the per-connection session state machine and routes
// mutations through the store and broadcaster. All collaborators are injected
// at construction.
type coordinator struct {
	store    storage.Store
	rooms    *broadcaster
	devices  *deviceTracker
	names    *keymutex.KeyMutex
	notifier updateNotifier
}

func newCoordinator(store storage.Store, rooms *broadcaster, devices *deviceTracker, notifier updateNotifier) *coordinator {
	return &coordinator{
		store:    store,
		rooms:    rooms,
		devices:  devices,
		names:    keymutex.New(),
		notifier: notifier,
	}
}

func (c *coordinator) notify(kind string) {
	if c.notifier == nil {
		return
	}
	c.notifier.NotifyUpdate(kind)
}

// handleConn runs one connection from first contact to close. The connection
// starts unjoined, must declare its room exactly once, and then either issues
// mutations (edit) or passively receives device events (view).
func (c *coordinator) handleConn(conn *websocket.Conn) {
	peer := newWSPeer(conn)
	defer func() {
		// The websocket server closes conn as soon as this handler returns.
		// Wait for the writer to drain so the last queued frame gets out.
		peer.close()
		<-peer.writerDone
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	var joined *room
	defer func() {
		if joined != nil {
			joined.leave(peer)
		}
	}()

	decoder := json.NewDecoder(conn)
	decodeErrors := 0
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			select {
			case <-peer.done:
				return
			default:
			}
			decodeErrors++
			peer.enqueue(errorFrame("", "INVALID_ARGUMENT", "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "payload too large"))
			continue
		}

		if joined == nil {
			if frame.Type != frameSetRoom {
				peer.enqueue(errorFrame(frame.RequestID, "FORBIDDEN", "must set a room first"))
				continue
			}
			room, err := c.joinRoom(ctx, frame, peer)
			if err != nil {
				if errors.Is(err, errUnknownRoom) {
					// Unrecoverable protocol violation for this connection.
					return
				}
				continue
			}
			joined = room
			continue
		}

		switch frame.Type {
		case frameSetRoom:
			peer.enqueue(errorFrame(frame.RequestID, "FAILED_PRECONDITION", "room is already set"))
		case frameAddNode, frameRepositionNode, frameAddCal, frameRepositionCal,
			frameDeleteNode, frameDeleteCal:
			if joined != c.rooms.edit {
				peer.enqueue(errorFrame(frame.RequestID, "FORBIDDEN", "view connections cannot mutate"))
				continue
			}
			c.handleMutation(ctx, frame, peer)
		default:
			peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type"))
		}
	}
}

// joinRoom transitions a connecting session into its room and sends the
// initial snapshot to this peer only. Snapshot records are complete upsert
// events, so client-side replay order does not matter.
func (c *coordinator) joinRoom(ctx context.Context, frame wsFrame, peer *wsPeer) (*room, error) {
	var payload roomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "invalid setRoom payload"))
		return nil, fmt.Errorf("decode setRoom payload: %w", err)
	}

	switch payload.Room {
	case roomEdit:
		err := c.rooms.edit.joinWithSnapshot(peer, func(enqueue func(wsFrame)) error {
			if err := c.store.ForEachNode(ctx, func(node entity.Node) error {
				enqueue(entityFrame(frameAddNode, node))
				return nil
			}); err != nil {
				return fmt.Errorf("snapshot nodes: %w", err)
			}
			if err := c.store.ForEachCalibrationPoint(ctx, func(point entity.CalibrationPoint) error {
				enqueue(entityFrame(frameAddCal, point))
				return nil
			}); err != nil {
				return fmt.Errorf("snapshot calibration points: %w", err)
			}
			return nil
		})
		if err != nil {
			log.Printf("sync: edit snapshot failed: %v", err)
			peer.enqueue(errorFrame(frame.RequestID, "UNAVAILABLE", "snapshot unavailable"))
			return nil, err
		}
		return c.rooms.edit, nil
	case roomView:
		err := c.rooms.view.joinWithSnapshot(peer, func(enqueue func(wsFrame)) error {
			c.devices.forEach(func(device entity.Device) {
				enqueue(entityFrame(frameAddDevice, device))
			})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return c.rooms.view, nil
	default:
		peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "unknown room"))
		return nil, errUnknownRoom
	}
}

func (c *coordinator) handleMutation(ctx context.Context, frame wsFrame, peer *wsPeer) {
	switch frame.Type {
	case frameAddNode, frameRepositionNode:
		point, ok := decodePointPayload(frame, peer)
		if !ok {
			return
		}
		c.applyUpsert(ctx, frame, peer, entity.Node{Name: point.Name, X: point.X, Y: point.Y})
	case frameAddCal, frameRepositionCal:
		point, ok := decodePointPayload(frame, peer)
		if !ok {
			return
		}
		c.applyUpsert(ctx, frame, peer, entity.CalibrationPoint{Name: point.Name, X: point.X, Y: point.Y})
	case frameDeleteNode, frameDeleteCal:
		var name string
		if err := json.Unmarshal(frame.Payload, &name); err != nil {
			peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "delete payload must be a name"))
			return
		}
		name = strings.TrimSpace(name)
		if name == "" {
			peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "name is required"))
			return
		}
		c.applyDelete(ctx, frame, peer, name)
	}
}

func decodePointPayload(frame wsFrame, peer *wsPeer) (pointPayload, bool) {
	var point pointPayload
	if err := json.Unmarshal(frame.Payload, &point); err != nil {
		peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "invalid position payload"))
		return pointPayload{}, false
	}
	point.Name = strings.TrimSpace(point.Name)
	if point.Name == "" {
		peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "name is required"))
		return pointPayload{}, false
	}
	if !entity.FiniteCoords(entity.Node{Name: point.Name, X: point.X, Y: point.Y}) {
		peer.enqueue(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "coordinates must be finite"))
		return pointPayload{}, false
	}
	return point, true
}

// applyUpsert commits an add or reposition and fans it out. An add on an
// existing name is the same upsert, so drag-to-existing and create flows stay
// uniform. The per-name lock spans commit and broadcast so events for one
// name reach the room in commit order.
func (c *coordinator) applyUpsert(ctx context.Context, frame wsFrame, peer *wsPeer, e entity.Entity) {
	unlock := c.names.Lock(mutationKey(e))

	var err error
	switch v := e.(type) {
	case entity.Node:
		err = c.store.PutNode(ctx, v)
	case entity.CalibrationPoint:
		err = c.store.PutCalibrationPoint(ctx, v)
	default:
		err = fmt.Errorf("unsupported entity %T", e)
	}
	if err != nil {
		unlock()
		log.Printf("sync: %s %q failed: %v", frame.Type, e.EntityName(), err)
		peer.enqueue(errorFrame(frame.RequestID, "UNAVAILABLE", "store unavailable"))
		return
	}

	c.rooms.roomFor(e).broadcast(entityFrame(frame.Type, e), peer)
	unlock()

	c.notify(updateKindFor(e))
	peer.enqueue(ackFrame(frame.RequestID, ackStatusOK, e.EntityName()))
}

// applyDelete removes a record and fans the delete out. Deleting an unknown
// name is a no-op outcome reported to the caller only.
func (c *coordinator) applyDelete(ctx context.Context, frame wsFrame, peer *wsPeer, name string) {
	var e entity.Entity
	var frameType string
	switch frame.Type {
	case frameDeleteNode:
		e = entity.Node{Name: name}
		frameType = frameDeleteNode
	case frameDeleteCal:
		e = entity.CalibrationPoint{Name: name}
		frameType = frameDeleteCal
	default:
		return
	}

	unlock := c.names.Lock(mutationKey(e))

	var err error
	switch e.(type) {
	case entity.Node:
		err = c.store.DeleteNode(ctx, name)
	case entity.CalibrationPoint:
		err = c.store.DeleteCalibrationPoint(ctx, name)
	}
	if errors.Is(err, storage.ErrNotFound) {
		unlock()
		peer.enqueue(ackFrame(frame.RequestID, ackStatusNotFound, name))
		return
	}
	if err != nil {
		unlock()
		log.Printf("sync: %s %q failed: %v", frame.Type, name, err)
		peer.enqueue(errorFrame(frame.RequestID, "UNAVAILABLE", "store unavailable"))
		return
	}

	c.rooms.roomFor(e).broadcast(deleteFrame(frameType, name), peer)
	unlock()

	c.notify(updateKindFor(e))
	peer.enqueue(ackFrame(frame.RequestID, ackStatusOK, name))
}

// mutationKey scopes per-name serialization to one collection, so writers to
// the same name in different collections do not contend.
func mutationKey(e entity.Entity) string {
	switch e.(type) {
	case entity.Node:
		return "nodes/" + e.EntityName()
	case entity.CalibrationPoint:
		return "cals/" + e.EntityName()
	case entity.Device:
		return "devices/" + e.EntityName()
	}
	return e.EntityName()
}

func updateKindFor(e entity.Entity) string {
	switch e.(type) {
	case entity.CalibrationPoint:
		return updateKindCalibration
	default:
		return updateKindNode
	}
}
