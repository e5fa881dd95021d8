// Package registry implements §9's re-architecture of the source's
// process-wide device lists: a DeviceRegistry owning DeviceState values by
// a stable id, handing out DeviceHandle tokens to threads, plus the
// USB-resource broker and hotplug scanner that feed it.
package registry

import (
	"fmt"
	"sync"

	"gekkominer/internal/miner"
)

// DeviceHandle is a stable, opaque token identifying one registered
// device. It never aliases a freed slot: ids are never reused within a
// process lifetime.
type DeviceHandle uint64

type entry struct {
	id       DeviceHandle
	bus, addr int
	state    *miner.DeviceState
	blacklisted bool
}

// DeviceRegistry owns every known DeviceState by a stable id (arena +
// index) and tracks the "in use" and "blacklisted" sets as flat hash-sets
// keyed by (bus, address), replacing the source's doubly-linked globals
// (§9).
type DeviceRegistry struct {
	mu      sync.RWMutex
	nextID  DeviceHandle
	entries map[DeviceHandle]*entry
	byBus   map[[2]int]DeviceHandle
	blacklist map[[2]int]bool
}

// NewDeviceRegistry returns an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{
		entries:   map[DeviceHandle]*entry{},
		byBus:     map[[2]int]DeviceHandle{},
		blacklist: map[[2]int]bool{},
	}
}

// Register adds a newly acquired device, returning its handle. Fails if
// (bus, address) is blacklisted or already registered.
func (r *DeviceRegistry) Register(bus, addr int, ds *miner.DeviceState) (DeviceHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := [2]int{bus, addr}
	if r.blacklist[key] {
		return 0, fmt.Errorf("registry: (bus=%d,addr=%d) is blacklisted", bus, addr)
	}
	if _, exists := r.byBus[key]; exists {
		return 0, fmt.Errorf("registry: (bus=%d,addr=%d) already registered", bus, addr)
	}

	r.nextID++
	id := r.nextID
	r.entries[id] = &entry{id: id, bus: bus, addr: addr, state: ds}
	r.byBus[key] = id
	return id, nil
}

// Lookup resolves a handle to its DeviceState, or ok=false if it was
// unregistered (device gone).
func (r *DeviceRegistry) Lookup(h DeviceHandle) (ds *miner.DeviceState, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[h]
	if !exists {
		return nil, false
	}
	return e.state, true
}

// Unregister removes a device that has gone (libusb NODEV) or has been
// blacklisted by the user, returning it to the hotplug pool's candidate
// set (the absence from byBus is enough — the hotplug scanner will see it
// again on its next pass).
func (r *DeviceRegistry) Unregister(h DeviceHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return
	}
	delete(r.entries, h)
	delete(r.byBus, [2]int{e.bus, e.addr})
}

// Blacklist marks (bus, address) so future hotplug passes skip it until
// explicitly cleared, and unregisters it if currently registered.
func (r *DeviceRegistry) Blacklist(bus, addr int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := [2]int{bus, addr}
	r.blacklist[key] = true
	if id, ok := r.byBus[key]; ok {
		delete(r.entries, id)
		delete(r.byBus, key)
	}
}

// IsBlacklisted reports whether (bus, address) is blacklisted.
func (r *DeviceRegistry) IsBlacklisted(bus, addr int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blacklist[[2]int{bus, addr}]
}

// All returns every currently registered handle, a stable snapshot safe to
// range over without holding the registry lock.
func (r *DeviceRegistry) All() []DeviceHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceHandle, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Count returns the number of registered devices, and how many belong to
// driver (used against devtable.Limits before acquiring another).
func (r *DeviceRegistry) Count(driverOf func(DeviceHandle) string, driver string) (total, ofDriver int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total = len(r.entries)
	for id := range r.entries {
		if driverOf(id) == driver {
			ofDriver++
		}
	}
	return total, ofDriver
}
