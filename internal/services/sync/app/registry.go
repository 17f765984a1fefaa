package server

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/maplocus/wisn/internal/services/sync/storage"
)

// registry implements the opt-in registration flow that maintains the
// hardware-id to display-name mapping read by telemetry ingress. The sync
// core itself only ever resolves the mapping; this is its single writer.
type registry struct {
	names    storage.NameStore
	devices  *deviceTracker
	rooms    *broadcaster
	notifier updateNotifier
}

func newRegistry(names storage.NameStore, devices *deviceTracker, rooms *broadcaster, notifier updateNotifier) *registry {
	return &registry{
		names:    names,
		devices:  devices,
		rooms:    rooms,
		notifier: notifier,
	}
}

func (reg *registry) notify(kind string) {
	if reg.notifier == nil {
		return
	}
	reg.notifier.NotifyUpdate(kind)
}

func (reg *registry) handleOptIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimSpace(r.FormValue("name"))
	hardwareID := normalizeHardwareID(r.FormValue("mac"))
	if name == "" || hardwareID == "" {
		http.Error(w, "name and mac are required", http.StatusBadRequest)
		return
	}

	mapping := storage.NameMapping{HardwareID: hardwareID, Name: name}
	if err := reg.names.PutNameMapping(r.Context(), mapping); err != nil {
		log.Printf("sync: opt-in %s failed: %v", hardwareID, err)
		http.Error(w, "registration unavailable", http.StatusServiceUnavailable)
		return
	}

	reg.notify(updateKindUser)
	fmt.Fprintln(w, "opt-in recorded")
}

func (reg *registry) handleOptOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hardwareID := normalizeHardwareID(r.FormValue("mac"))
	if hardwareID == "" {
		http.Error(w, "mac is required", http.StatusBadRequest)
		return
	}

	// Resolve first so the device's last known position can be forgotten and
	// viewers told to drop the marker.
	name, err := reg.names.ResolveName(r.Context(), hardwareID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Printf("sync: opt-out resolve %s failed: %v", hardwareID, err)
		http.Error(w, "registration unavailable", http.StatusServiceUnavailable)
		return
	}

	if err := reg.names.DeleteNameMapping(r.Context(), hardwareID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "no registration for that mac", http.StatusNotFound)
			return
		}
		log.Printf("sync: opt-out %s failed: %v", hardwareID, err)
		http.Error(w, "registration unavailable", http.StatusServiceUnavailable)
		return
	}

	if name != "" && reg.devices.remove(name) {
		reg.rooms.view.broadcast(deleteFrame(frameDeleteDevice, name), nil)
	}

	reg.notify(updateKindUser)
	fmt.Fprintln(w, "opt-out recorded")
}

func (reg *registry) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	err := reg.names.ForEachNameMapping(r.Context(), func(mapping storage.NameMapping) error {
		_, writeErr := fmt.Fprintf(w, "%s  -  %s\n", mapping.HardwareID, mapping.Name)
		return writeErr
	})
	if err != nil {
		// Headers are already sent; nothing better to do than log.
		log.Printf("sync: list registrations: %v", err)
	}
}
