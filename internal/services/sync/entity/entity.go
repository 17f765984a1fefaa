// Package entity defines the tracked map entities and the closed variant
// over them.
//
// Nodes and calibration points are editor-owned and persisted; devices are
// telemetry-owned and carry only a last-known position. Code that routes or
// encodes entities dispatches on the concrete type rather than a kind string.
package entity

import "math"

// Node is a fixed infrastructure point placed by an editor.
type Node struct {
	Name string
	X    float64
	Y    float64
}

// CalibrationPoint is an editor-placed reference point used by the
// localization backend.
type CalibrationPoint struct {
	Name string
	X    float64
	Y    float64
}

// Device is the last reported position of a mobile device, resolved from
// telemetry to its display name. R is the uncertainty radius of the fix.
type Device struct {
	Name string
	X    float64
	Y    float64
	R    float64
}

// Entity is the closed variant over the three tracked entity kinds.
type Entity interface {
	// EntityName returns the unique per-collection name key.
	EntityName() string

	sealed()
}

// EntityName returns the node's name key.
func (n Node) EntityName() string { return n.Name }

// EntityName returns the calibration point's name key.
func (c CalibrationPoint) EntityName() string { return c.Name }

// EntityName returns the device's display name key.
func (d Device) EntityName() string { return d.Name }

func (Node) sealed()             {}
func (CalibrationPoint) sealed() {}
func (Device) sealed()           {}

// FiniteCoords reports whether every coordinate carried by e is a finite
// real number. NaN and infinities are rejected at the mutation boundary.
func FiniteCoords(e Entity) bool {
	switch v := e.(type) {
	case Node:
		return finite(v.X) && finite(v.Y)
	case CalibrationPoint:
		return finite(v.X) && finite(v.Y)
	case Device:
		return finite(v.X) && finite(v.Y) && finite(v.R)
	}
	return false
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
