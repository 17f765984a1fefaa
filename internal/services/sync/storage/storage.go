// Package storage defines persistence contracts for map synchronization state.
package storage

import (
	"context"
	"errors"

	"github.com/maplocus/wisn/internal/services/sync/entity"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// NameMapping links a device hardware id to its opted-in display name.
//
// The hardware id is stored normalized: uppercased with separator characters
// stripped.
type NameMapping struct {
	HardwareID string
	Name       string
}

// NodeStore persists editor-owned infrastructure nodes keyed by name.
type NodeStore interface {
	// PutNode upserts a node by name.
	PutNode(ctx context.Context, node entity.Node) error
	// DeleteNode removes a node by name. Returns ErrNotFound when absent.
	DeleteNode(ctx context.Context, name string) error
	// ForEachNode streams every stored node in iteration order. The sequence
	// is finite and consumed once; a non-nil fn error stops iteration.
	ForEachNode(ctx context.Context, fn func(entity.Node) error) error
}

// CalibrationStore persists editor-owned calibration points keyed by name.
type CalibrationStore interface {
	PutCalibrationPoint(ctx context.Context, point entity.CalibrationPoint) error
	DeleteCalibrationPoint(ctx context.Context, name string) error
	ForEachCalibrationPoint(ctx context.Context, fn func(entity.CalibrationPoint) error) error
}

// NameStore persists hardware-id to display-name mappings. The registration
// flow writes it; the synchronization core otherwise only resolves names.
type NameStore interface {
	PutNameMapping(ctx context.Context, mapping NameMapping) error
	// DeleteNameMapping removes a mapping. Returns ErrNotFound when absent.
	DeleteNameMapping(ctx context.Context, hardwareID string) error
	// ResolveName returns the display name for a normalized hardware id.
	// Returns ErrNotFound for devices with no opted-in name.
	ResolveName(ctx context.Context, hardwareID string) (string, error)
	ForEachNameMapping(ctx context.Context, fn func(NameMapping) error) error
}

// Store is the combined persistence surface of the synchronization core.
type Store interface {
	NodeStore
	CalibrationStore
	NameStore
	Close() error
}
