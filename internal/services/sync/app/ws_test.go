package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/maplocus/wisn/internal/services/sync/entity"
	"github.com/maplocus/wisn/internal/services/sync/storage"
	"github.com/maplocus/wisn/internal/services/sync/storage/sqlite"
)

type testEnv struct {
	store   *sqlite.Store
	rooms   *broadcaster
	devices *deviceTracker
	ingress *telemetryIngress
	srv     *httptest.Server
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) NotifyUpdate(kind string) {
	n.mu.Lock()
	n.kinds = append(n.kinds, kind)
	n.mu.Unlock()
}

func (n *recordingNotifier) recorded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithNotifier(t, nil)
}

func newTestEnvWithNotifier(t *testing.T, notifier updateNotifier) *testEnv {
	t.Helper()

	store, err := sqlite.Open(t.TempDir() + "/sync.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	rooms := newBroadcaster()
	devices := newDeviceTracker()
	coord := newCoordinator(store, rooms, devices, notifier)
	reg := newRegistry(store, devices, rooms, notifier)

	srv := httptest.NewServer(newHandler(coord, reg))
	t.Cleanup(srv.Close)

	return &testEnv{
		store:   store,
		rooms:   rooms,
		devices: devices,
		ingress: newTelemetryIngress(store, devices, rooms),
		srv:     srv,
	}
}

func (env *testEnv) dialWS(t *testing.T) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, err := websocket.Dial(wsURL, "", env.srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got wsFrame
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

// expectNoFrame asserts nothing arrives within a short window.
func expectNoFrame(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(300 * time.Millisecond))
	var got wsFrame
	if err := json.NewDecoder(conn).Decode(&got); err == nil {
		t.Fatalf("unexpected frame %q: %s", got.Type, string(got.Payload))
	}
	_ = conn.SetDeadline(time.Time{})
}

func joinRoom(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(t, conn, map[string]any{
		"type":    "setRoom",
		"payload": map[string]any{"room": room},
	})
}

func decodePoint(t *testing.T, payload json.RawMessage) pointPayload {
	t.Helper()
	var point pointPayload
	if err := json.Unmarshal(payload, &point); err != nil {
		t.Fatalf("decode point payload: %v", err)
	}
	return point
}

func decodeAck(t *testing.T, payload json.RawMessage) ackPayload {
	t.Helper()
	var ack ackPayload
	if err := json.Unmarshal(payload, &ack); err != nil {
		t.Fatalf("decode ack payload: %v", err)
	}
	return ack
}

func TestAddNodeBroadcastsToOtherEditorsOnly(t *testing.T) {
	env := newTestEnv(t)

	editorA := env.dialWS(t)
	editorB := env.dialWS(t)
	viewer := env.dialWS(t)
	joinRoom(t, editorA, "edit")
	joinRoom(t, editorB, "edit")
	joinRoom(t, viewer, "view")

	writeFrame(t, editorA, map[string]any{
		"type":       "addNode",
		"request_id": "req-1",
		"payload":    map[string]any{"name": "wisn1", "x": 12.5, "y": 30.0},
	})

	ack := readFrame(t, editorA)
	if ack.Type != frameAck {
		t.Fatalf("sender frame type = %q, want %q", ack.Type, frameAck)
	}
	if got := decodeAck(t, ack.Payload); got.Status != ackStatusOK || got.Name != "wisn1" {
		t.Fatalf("ack = %+v, want ok for wisn1", got)
	}

	got := readFrame(t, editorB)
	if got.Type != frameAddNode {
		t.Fatalf("receiver frame type = %q, want %q", got.Type, frameAddNode)
	}
	point := decodePoint(t, got.Payload)
	if point.Name != "wisn1" || point.X != 12.5 || point.Y != 30.0 {
		t.Fatalf("broadcast point = %+v, want wisn1 at (12.5, 30)", point)
	}

	// The originator gets only its ack and viewers see no edit traffic.
	expectNoFrame(t, editorA)
	expectNoFrame(t, viewer)
}

func TestEditSnapshotListsAllRecordsBeforeLiveEvents(t *testing.T) {
	env := newTestEnv(t)

	seeder := env.dialWS(t)
	joinRoom(t, seeder, "edit")
	for _, frame := range []map[string]any{
		{"type": "addNode", "payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 2.0}},
		{"type": "addNode", "payload": map[string]any{"name": "wisn2", "x": 3.0, "y": 4.0}},
		{"type": "addCal", "payload": map[string]any{"name": "cal1", "x": 5.0, "y": 6.0}},
	} {
		writeFrame(t, seeder, frame)
		if ack := readFrame(t, seeder); ack.Type != frameAck {
			t.Fatalf("seed frame type = %q, want %q", ack.Type, frameAck)
		}
	}

	joiner := env.dialWS(t)
	joinRoom(t, joiner, "edit")

	counts := map[string]int{}
	names := map[string]pointPayload{}
	for i := 0; i < 3; i++ {
		got := readFrame(t, joiner)
		counts[got.Type]++
		point := decodePoint(t, got.Payload)
		names[point.Name] = point
	}
	if counts[frameAddNode] != 2 || counts[frameAddCal] != 1 {
		t.Fatalf("snapshot counts = %v, want 2 addNode and 1 addCal", counts)
	}
	if names["wisn2"].X != 3.0 || names["wisn2"].Y != 4.0 {
		t.Fatalf("snapshot wisn2 = %+v, want (3, 4)", names["wisn2"])
	}
	expectNoFrame(t, joiner)
}

func TestAddOnExistingNameIsReposition(t *testing.T) {
	env := newTestEnv(t)

	editor := env.dialWS(t)
	joinRoom(t, editor, "edit")

	writeFrame(t, editor, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})
	_ = readFrame(t, editor)
	writeFrame(t, editor, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 9.0, "y": 9.0},
	})
	ack := readFrame(t, editor)
	if got := decodeAck(t, ack.Payload); got.Status != ackStatusOK {
		t.Fatalf("second add ack = %+v, want ok", got)
	}

	joiner := env.dialWS(t)
	joinRoom(t, joiner, "edit")
	got := readFrame(t, joiner)
	point := decodePoint(t, got.Payload)
	if point.Name != "wisn1" || point.X != 9.0 || point.Y != 9.0 {
		t.Fatalf("stored point = %+v, want wisn1 at (9, 9)", point)
	}
	expectNoFrame(t, joiner)
}

func TestRepositionEventsArriveInCommitOrder(t *testing.T) {
	env := newTestEnv(t)

	editorA := env.dialWS(t)
	editorB := env.dialWS(t)
	joinRoom(t, editorA, "edit")
	joinRoom(t, editorB, "edit")

	for i, x := range []float64{1, 2, 3} {
		writeFrame(t, editorA, map[string]any{
			"type":       "repositionNode",
			"request_id": "req",
			"payload":    map[string]any{"name": "wisn1", "x": x, "y": 0.0},
		})
		if ack := readFrame(t, editorA); ack.Type != frameAck {
			t.Fatalf("reposition %d frame type = %q, want %q", i, ack.Type, frameAck)
		}
	}

	for i, want := range []float64{1, 2, 3} {
		got := readFrame(t, editorB)
		if got.Type != frameRepositionNode {
			t.Fatalf("frame %d type = %q, want %q", i, got.Type, frameRepositionNode)
		}
		if point := decodePoint(t, got.Payload); point.X != want {
			t.Fatalf("frame %d x = %v, want %v", i, point.X, want)
		}
	}
}

func TestDeleteUnknownNodeAcksNotFoundWithoutBroadcast(t *testing.T) {
	env := newTestEnv(t)

	editorA := env.dialWS(t)
	editorB := env.dialWS(t)
	joinRoom(t, editorA, "edit")
	joinRoom(t, editorB, "edit")

	writeFrame(t, editorA, map[string]any{
		"type":       "deleteNode",
		"request_id": "req-del",
		"payload":    "wisn1",
	})

	ack := readFrame(t, editorA)
	if ack.Type != frameAck {
		t.Fatalf("frame type = %q, want %q", ack.Type, frameAck)
	}
	if got := decodeAck(t, ack.Payload); got.Status != ackStatusNotFound {
		t.Fatalf("ack status = %q, want %q", got.Status, ackStatusNotFound)
	}
	expectNoFrame(t, editorB)
}

func TestDeleteNodeBroadcastsBareName(t *testing.T) {
	env := newTestEnv(t)

	editorA := env.dialWS(t)
	editorB := env.dialWS(t)
	joinRoom(t, editorA, "edit")
	joinRoom(t, editorB, "edit")

	writeFrame(t, editorA, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})
	_ = readFrame(t, editorA)
	if got := readFrame(t, editorB); got.Type != frameAddNode {
		t.Fatalf("frame type = %q, want %q", got.Type, frameAddNode)
	}

	writeFrame(t, editorA, map[string]any{
		"type":    "deleteNode",
		"payload": "wisn1",
	})
	_ = readFrame(t, editorA)

	got := readFrame(t, editorB)
	if got.Type != frameDeleteNode {
		t.Fatalf("frame type = %q, want %q", got.Type, frameDeleteNode)
	}
	var name string
	if err := json.Unmarshal(got.Payload, &name); err != nil {
		t.Fatalf("decode delete payload: %v", err)
	}
	if name != "wisn1" {
		t.Fatalf("delete payload = %q, want %q", name, "wisn1")
	}
}

func TestUnknownRoomClosesConnection(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialWS(t)
	writeFrame(t, conn, map[string]any{
		"type":    "setRoom",
		"payload": map[string]any{"room": "lobby"},
	})

	got := readFrame(t, conn)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
		t.Fatalf("error payload = %s, expected INVALID_ARGUMENT", string(got.Payload))
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var next wsFrame
	if err := json.NewDecoder(conn).Decode(&next); err == nil {
		t.Fatalf("expected closed connection, got frame %q", next.Type)
	}
}

func TestMutationBeforeJoinIsRejected(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialWS(t)
	writeFrame(t, conn, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})

	got := readFrame(t, conn)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "FORBIDDEN") {
		t.Fatalf("error payload = %s, expected FORBIDDEN", string(got.Payload))
	}
}

func TestViewerMutationIsRejected(t *testing.T) {
	env := newTestEnv(t)

	viewer := env.dialWS(t)
	joinRoom(t, viewer, "view")

	writeFrame(t, viewer, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})

	got := readFrame(t, viewer)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "FORBIDDEN") {
		t.Fatalf("error payload = %s, expected FORBIDDEN", string(got.Payload))
	}
}

func TestSecondSetRoomIsRejected(t *testing.T) {
	env := newTestEnv(t)

	conn := env.dialWS(t)
	joinRoom(t, conn, "view")
	writeFrame(t, conn, map[string]any{
		"type":    "setRoom",
		"payload": map[string]any{"room": "edit"},
	})

	got := readFrame(t, conn)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "FAILED_PRECONDITION") {
		t.Fatalf("error payload = %s, expected FAILED_PRECONDITION", string(got.Payload))
	}
}

func TestNonFiniteCoordinatesAreRejected(t *testing.T) {
	env := newTestEnv(t)

	editor := env.dialWS(t)
	joinRoom(t, editor, "edit")

	// JSON cannot carry NaN, so a string coordinate stands in for a payload
	// the decoder rejects before validation.
	writeFrame(t, editor, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": "NaN", "y": 0.0},
	})

	got := readFrame(t, editor)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "INVALID_ARGUMENT") {
		t.Fatalf("error payload = %s, expected INVALID_ARGUMENT", string(got.Payload))
	}
}

func TestEmptyNameIsRejected(t *testing.T) {
	env := newTestEnv(t)

	editor := env.dialWS(t)
	joinRoom(t, editor, "edit")

	writeFrame(t, editor, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "   ", "x": 1.0, "y": 1.0},
	})

	got := readFrame(t, editor)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "name is required") {
		t.Fatalf("error payload = %s, expected name requirement", string(got.Payload))
	}
}

func TestApplyingSameAddTwiceLeavesSameState(t *testing.T) {
	env := newTestEnv(t)

	editor := env.dialWS(t)
	joinRoom(t, editor, "edit")

	for i := 0; i < 2; i++ {
		writeFrame(t, editor, map[string]any{
			"type":    "addNode",
			"payload": map[string]any{"name": "wisn1", "x": 12.5, "y": 30.0},
		})
		if ack := readFrame(t, editor); ack.Type != frameAck {
			t.Fatalf("apply %d frame type = %q, want %q", i, ack.Type, frameAck)
		}
	}

	joiner := env.dialWS(t)
	joinRoom(t, joiner, "edit")
	got := readFrame(t, joiner)
	point := decodePoint(t, got.Payload)
	if point.Name != "wisn1" || point.X != 12.5 || point.Y != 30.0 {
		t.Fatalf("snapshot point = %+v, want wisn1 at (12.5, 30)", point)
	}
	// Exactly one record: the duplicate apply did not fork state.
	expectNoFrame(t, joiner)
}

func TestStoreFailureReportsUnavailableToSenderOnly(t *testing.T) {
	env := newTestEnv(t)

	editorA := env.dialWS(t)
	editorB := env.dialWS(t)
	joinRoom(t, editorA, "edit")
	joinRoom(t, editorB, "edit")

	// A ghost delete acking not_found on each connection proves both joins
	// completed before the store goes away.
	for _, conn := range []*websocket.Conn{editorA, editorB} {
		writeFrame(t, conn, map[string]any{"type": "deleteNode", "payload": "ghost"})
		if ack := readFrame(t, conn); ack.Type != frameAck {
			t.Fatalf("join handshake frame type = %q, want %q", ack.Type, frameAck)
		}
	}

	if err := env.store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	writeFrame(t, editorA, map[string]any{
		"type":       "addNode",
		"request_id": "req-1",
		"payload":    map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})

	got := readFrame(t, editorA)
	if got.Type != frameError {
		t.Fatalf("frame type = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "UNAVAILABLE") {
		t.Fatalf("error payload = %s, expected UNAVAILABLE", string(got.Payload))
	}
	// The failed mutation was not committed, so nothing fans out.
	expectNoFrame(t, editorB)

	// The session survives the failure and keeps answering.
	writeFrame(t, editorA, map[string]any{
		"type":    "deleteNode",
		"payload": "wisn1",
	})
	got = readFrame(t, editorA)
	if got.Type != frameError {
		t.Fatalf("frame type after failure = %q, want %q", got.Type, frameError)
	}
	if !strings.Contains(string(got.Payload), "UNAVAILABLE") {
		t.Fatalf("error payload after failure = %s, expected UNAVAILABLE", string(got.Payload))
	}
}

func TestTelemetryReachesViewersOnly(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.PutNameMapping(context.Background(), storage.NameMapping{HardwareID: "AABBCCDDEEFF", Name: "alice"}); err != nil {
		t.Fatalf("put name mapping: %v", err)
	}

	editor := env.dialWS(t)
	viewer := env.dialWS(t)
	joinRoom(t, editor, "edit")
	joinRoom(t, viewer, "view")

	env.ingress.handleReport(context.Background(), []byte(`{"mac":"aa:bb:cc:dd:ee:ff","x":5,"y":5,"r":1}`))

	got := readFrame(t, viewer)
	if got.Type != frameAddDevice {
		t.Fatalf("viewer frame type = %q, want %q", got.Type, frameAddDevice)
	}
	var device devicePayload
	if err := json.Unmarshal(got.Payload, &device); err != nil {
		t.Fatalf("decode device payload: %v", err)
	}
	if device.Name != "alice" || device.X != 5 || device.Y != 5 || device.R != 1 {
		t.Fatalf("device payload = %+v, want alice at (5, 5) r 1", device)
	}
	expectNoFrame(t, editor)
}

func TestUnresolvedTelemetryProducesNoEvents(t *testing.T) {
	env := newTestEnv(t)

	viewer := env.dialWS(t)
	joinRoom(t, viewer, "view")

	env.ingress.handleReport(context.Background(), []byte(`{"mac":"aa:bb:cc:dd:ee:ff","x":5,"y":5,"r":1}`))

	expectNoFrame(t, viewer)
}

func TestViewSnapshotListsLastKnownDevices(t *testing.T) {
	env := newTestEnv(t)

	if err := env.store.PutNameMapping(context.Background(), storage.NameMapping{HardwareID: "AABBCCDDEEFF", Name: "alice"}); err != nil {
		t.Fatalf("put name mapping: %v", err)
	}
	env.ingress.handleReport(context.Background(), []byte(`{"mac":"AABBCCDDEEFF","x":1,"y":2,"r":3}`))
	env.ingress.handleReport(context.Background(), []byte(`{"mac":"AABBCCDDEEFF","x":7,"y":8,"r":9}`))

	viewer := env.dialWS(t)
	joinRoom(t, viewer, "view")

	got := readFrame(t, viewer)
	if got.Type != frameAddDevice {
		t.Fatalf("frame type = %q, want %q", got.Type, frameAddDevice)
	}
	var device devicePayload
	if err := json.Unmarshal(got.Payload, &device); err != nil {
		t.Fatalf("decode device payload: %v", err)
	}
	if device.X != 7 || device.Y != 8 || device.R != 9 {
		t.Fatalf("device payload = %+v, want last known (7, 8) r 9", device)
	}
	expectNoFrame(t, viewer)
}

func TestMutationsPublishUpdateNotifications(t *testing.T) {
	notifier := &recordingNotifier{}
	env := newTestEnvWithNotifier(t, notifier)

	editor := env.dialWS(t)
	joinRoom(t, editor, "edit")

	writeFrame(t, editor, map[string]any{
		"type":    "addNode",
		"payload": map[string]any{"name": "wisn1", "x": 1.0, "y": 1.0},
	})
	_ = readFrame(t, editor)
	writeFrame(t, editor, map[string]any{
		"type":    "addCal",
		"payload": map[string]any{"name": "cal1", "x": 1.0, "y": 1.0},
	})
	_ = readFrame(t, editor)

	kinds := notifier.recorded()
	want := []string{updateKindNode, updateKindCalibration}
	if len(kinds) != len(want) {
		t.Fatalf("notifications = %v, want %v", kinds, want)
	}
	for i, kind := range want {
		if kinds[i] != kind {
			t.Fatalf("notification %d = %q, want %q", i, kinds[i], kind)
		}
	}
}

func TestEditSnapshotDeliversLargeMaps(t *testing.T) {
	env := newTestEnv(t)

	const nodes = 400
	for i := 0; i < nodes; i++ {
		node := entity.Node{Name: fmt.Sprintf("wisn%03d", i), X: float64(i), Y: float64(i)}
		if err := env.store.PutNode(context.Background(), node); err != nil {
			t.Fatalf("seed node %d: %v", i, err)
		}
	}

	joiner := env.dialWS(t)
	joinRoom(t, joiner, "edit")

	seen := map[string]struct{}{}
	for i := 0; i < nodes; i++ {
		got := readFrame(t, joiner)
		if got.Type != frameAddNode {
			t.Fatalf("snapshot frame %d type = %q, want %q", i, got.Type, frameAddNode)
		}
		seen[decodePoint(t, got.Payload).Name] = struct{}{}
	}
	if len(seen) != nodes {
		t.Fatalf("distinct snapshot records = %d, want %d", len(seen), nodes)
	}
	expectNoFrame(t, joiner)
}

func TestUpEndpointReportsOK(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/up")
	if err != nil {
		t.Fatalf("get /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}
