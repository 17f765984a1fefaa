package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/maplocus/wisn/internal/services/sync/entity"
	"github.com/maplocus/wisn/internal/services/sync/storage"
)

// positionReport is one raw localization fix from the positions topic, keyed
// by device hardware id.
type positionReport struct {
	MAC string  `json:"mac"`
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	R   float64 `json:"r"`
}

// telemetryIngress normalizes raw position reports into device events for the
// view room. Reports for hardware ids with no opted-in display name are
// dropped: a device nobody registered is invisible.
type telemetryIngress struct {
	names   storage.NameStore
	devices *deviceTracker
	rooms   *broadcaster
}

func newTelemetryIngress(names storage.NameStore, devices *deviceTracker, rooms *broadcaster) *telemetryIngress {
	return &telemetryIngress{
		names:   names,
		devices: devices,
		rooms:   rooms,
	}
}

// handleReport ingests one raw report payload. Reports for the same hardware
// id must arrive here in receive order; cross-id ordering is not preserved.
func (i *telemetryIngress) handleReport(ctx context.Context, payload []byte) {
	var report positionReport
	if err := json.Unmarshal(payload, &report); err != nil {
		log.Printf("sync: drop malformed position report: %v", err)
		return
	}

	hardwareID := normalizeHardwareID(report.MAC)
	if hardwareID == "" {
		log.Printf("sync: drop position report without hardware id")
		return
	}

	name, err := i.names.ResolveName(ctx, hardwareID)
	if errors.Is(err, storage.ErrNotFound) {
		// Privacy gate: no opted-in name, no event.
		return
	}
	if err != nil {
		log.Printf("sync: resolve name for %s: %v", hardwareID, err)
		return
	}

	device := entity.Device{Name: name, X: report.X, Y: report.Y, R: report.R}
	if !entity.FiniteCoords(device) {
		log.Printf("sync: drop non-finite position report for %s", hardwareID)
		return
	}

	i.devices.observe(device)
	i.rooms.roomFor(device).broadcast(entityFrame(frameAddDevice, device), nil)
}

// normalizeHardwareID uppercases a hardware id and strips separator
// characters so stream-native and form-entered ids compare equal.
func normalizeHardwareID(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(raw)) {
		if r == ':' || r == '-' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
