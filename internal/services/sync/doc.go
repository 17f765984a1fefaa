// Package sync implements the real-time map synchronization core.
//
// It keeps WebSocket session lifecycle, room fan-out, and telemetry
// republication isolated from persistence so the entity store remains the
// single source of truth for editor-owned map state.
package sync
