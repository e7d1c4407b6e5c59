package devices

import (
	"context"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/perimeter-tech/devicegate/core"
	"github.com/perimeter-tech/devicegate/core/logger"
	"github.com/perimeter-tech/devicegate/credentials"
	"github.com/perimeter-tech/devicegate/devices/snapshot"
)

// Registry is the authoritative store of device records. State lives
// in memory; every mutation is followed by a durable write of the
// entire registry snapshot.
//
// One mutex serializes all mutations and the persistence step. Two
// interleaved snapshot writes racing to the same storage target could
// silently drop a mutation, so the single-writer discipline covers the
// save as well, not just the map update.
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	store   snapshot.Store
}

// NewRegistry creates a registry backed by the given snapshot store
// and loads the persisted device set. A missing snapshot is created
// empty; a corrupt or unreadable snapshot is logged and the registry
// starts empty rather than crashing the process.
func NewRegistry(ctx context.Context, store snapshot.Store) *Registry {
	if store == nil {
		panic("snapshot store is missing")
	}
	r := &Registry{
		devices: make(map[string]*Device),
		store:   store,
	}

	data, err := store.Load(ctx)
	switch {
	case err == snapshot.ErrNotExist:
		logger.FromContext(ctx).Infoln("no device snapshot found, starting empty")
		r.save(ctx)
	case err != nil:
		logger.FromContext(ctx).WithError(err).Errorln("cannot load device snapshot, starting empty")
	default:
		if err := json.Unmarshal(data, &r.devices); err != nil {
			logger.FromContext(ctx).WithError(err).Errorln("cannot decode device snapshot, starting empty")
			r.devices = make(map[string]*Device)
		} else {
			logger.FromContext(ctx).Infof("loaded %d devices from snapshot", len(r.devices))
		}
	}
	return r
}

// Register creates a new device with a freshly generated secret and
// persists it. The duplicate check and the insertion happen under one
// lock, so two concurrent registrations of the same identifier cannot
// both succeed. The returned credentials are the only place the secret
// ever leaves the registry.
func (r *Registry) Register(ctx context.Context, deviceID string, meta Metadata) (Credentials, error) {
	id := Normalize(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[id]; ok {
		return Credentials{}, core.ErrAlreadyRegistered
	}

	secret, err := credentials.GenerateSecret()
	if err != nil {
		return Credentials{}, err
	}

	r.devices[id] = &Device{
		DeviceID:     id,
		Secret:       secret,
		Status:       StatusActive,
		RegisteredAt: time.Now().UTC(),
		LastAuthAt:   nil,
		AuthCount:    0,
		Metadata:     meta.withDefaults(),
	}
	r.save(ctx)

	return Credentials{DeviceID: id, Secret: secret}, nil
}

// Lookup returns a copy of the device record, or false if the
// identifier is unknown. No side effects.
func (r *Registry) Lookup(ctx context.Context, deviceID string) (Device, bool) {
	id := Normalize(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// RecordSuccess marks one successful authentication: it sets the
// last-auth timestamp and increments the auth counter, then persists.
func (r *Registry) RecordSuccess(ctx context.Context, deviceID string) error {
	id := Normalize(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return core.ErrNotFound
	}
	now := time.Now().UTC()
	d.LastAuthAt = &now
	d.AuthCount++
	r.save(ctx)
	return nil
}

// Revoke permanently locks the device out. Re-revocation is allowed;
// reason and timestamp reflect the most recent call. There is no
// un-revoke.
func (r *Registry) Revoke(ctx context.Context, deviceID, reason string) error {
	id := Normalize(deviceID)

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return core.ErrNotFound
	}
	now := time.Now().UTC()
	d.Status = StatusRevoked
	d.RevokedAt = &now
	d.RevokeReason = reason
	r.save(ctx)
	return nil
}

// GetSafe returns the secret-stripped view of a device.
func (r *Registry) GetSafe(ctx context.Context, deviceID string) (View, bool) {
	d, ok := r.Lookup(ctx, deviceID)
	if !ok {
		return View{}, false
	}
	return d.View(), true
}

// ListSafe returns the secret-stripped views of all devices. The order
// is not meaningful.
func (r *Registry) ListSafe(ctx context.Context) []View {
	r.mu.Lock()
	defer r.mu.Unlock()

	views := make([]View, 0, len(r.devices))
	for _, d := range r.devices {
		views = append(views, d.View())
	}
	return views
}

// Size returns the number of registered devices.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// save persists the entire registry snapshot. Must be called with the
// mutex held. A failed save is logged and absorbed: the in-memory
// state remains authoritative and is written again with the next
// mutation. This trades a crash-window of data loss for availability.
func (r *Registry) save(ctx context.Context) {
	data, err := json.Marshal(r.devices)
	if err != nil {
		logger.FromContext(ctx).WithError(&core.PersistenceError{Err: err}).Errorln("cannot encode device snapshot")
		return
	}
	if err := r.store.Save(ctx, data); err != nil {
		logger.FromContext(ctx).WithError(&core.PersistenceError{Err: err}).Errorln("cannot save device snapshot")
	}
}
