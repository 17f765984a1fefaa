package server

import (
	"sync"

	"github.com/maplocus/wisn/internal/services/sync/entity"
)

// deviceTracker holds the last known position per resolved device name.
//
// Device positions are deliberately not persisted: the durable record is the
// hardware-id to display-name mapping, and positions age out only through an
// administrative removal of that mapping. A restart starts from an empty
// picture until telemetry repopulates it.
type deviceTracker struct {
	mu      sync.Mutex
	devices map[string]entity.Device
}

func newDeviceTracker() *deviceTracker {
	return &deviceTracker{devices: make(map[string]entity.Device)}
}

// observe records the latest position report for a device.
func (t *deviceTracker) observe(device entity.Device) {
	t.mu.Lock()
	t.devices[device.Name] = device
	t.mu.Unlock()
}

// remove forgets a device's last known position. Reports whether the device
// was known.
func (t *deviceTracker) remove(name string) bool {
	t.mu.Lock()
	_, known := t.devices[name]
	delete(t.devices, name)
	t.mu.Unlock()
	return known
}

// forEach visits a point-in-time copy of every last known device position.
func (t *deviceTracker) forEach(fn func(entity.Device)) {
	t.mu.Lock()
	snapshot := make([]entity.Device, 0, len(t.devices))
	for _, device := range t.devices {
		snapshot = append(snapshot, device)
	}
	t.mu.Unlock()

	for _, device := range snapshot {
		fn(device)
	}
}
