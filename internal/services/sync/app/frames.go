package server

import (
	"encoding/json"
	"log"

	"github.com/maplocus/wisn/internal/services/sync/entity"
)

const (
	roomEdit = "edit"
	roomView = "view"
)

// Frame types shared with the browser clients. Mutation frames are
// bidirectional on the edit room; device frames flow only from the core to
// viewers.
const (
	frameSetRoom = "setRoom"

	frameAddNode        = "addNode"
	frameDeleteNode     = "deleteNode"
	frameRepositionNode = "repositionNode"

	frameAddCal        = "addCal"
	frameDeleteCal     = "deleteCal"
	frameRepositionCal = "repositionCal"

	frameAddDevice        = "addDevice"
	frameDeleteDevice     = "deleteDevice"
	frameRepositionDevice = "repositionDevice"

	frameAck   = "ack"
	frameError = "error"
)

const (
	ackStatusOK       = "ok"
	ackStatusNotFound = "not_found"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type roomPayload struct {
	Room string `json:"room"`
}

// pointPayload carries a full node or calibration point record, so applying
// the same frame twice is idempotent.
type pointPayload struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

type devicePayload struct {
	Name string  `json:"name"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	R    float64 `json:"r"`
}

type ackPayload struct {
	Status string `json:"status"`
	Name   string `json:"name,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// entityFrame builds the broadcast frame for an upsert-style event. The frame
// type is kept as received so an add on an existing name echoes as an add.
func entityFrame(frameType string, e entity.Entity) wsFrame {
	switch v := e.(type) {
	case entity.Device:
		return wsFrame{Type: frameType, Payload: mustJSON(devicePayload{Name: v.Name, X: v.X, Y: v.Y, R: v.R})}
	case entity.Node:
		return wsFrame{Type: frameType, Payload: mustJSON(pointPayload{Name: v.Name, X: v.X, Y: v.Y})}
	case entity.CalibrationPoint:
		return wsFrame{Type: frameType, Payload: mustJSON(pointPayload{Name: v.Name, X: v.X, Y: v.Y})}
	}
	return wsFrame{Type: frameType}
}

// deleteFrame builds a delete event. Delete payloads carry the bare name.
func deleteFrame(frameType string, name string) wsFrame {
	return wsFrame{Type: frameType, Payload: mustJSON(name)}
}

func ackFrame(requestID string, status string, name string) wsFrame {
	return wsFrame{
		Type:      frameAck,
		RequestID: requestID,
		Payload:   mustJSON(ackPayload{Status: status, Name: name}),
	}
}

func errorFrame(requestID string, code string, message string) wsFrame {
	return wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload:   mustJSON(wsErrorEnvelope{Error: wsError{Code: code, Message: message}}),
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("sync: marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
