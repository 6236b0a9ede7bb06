// Package hub holds the table of joined devices. The registry is the only
// owner of each device's control channel; callers address devices by id and
// receive read-only snapshots.
package hub

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/filecast/filecast/internal/identity"
	"github.com/filecast/filecast/internal/metrics"
)

const DefaultMaxDevices = 100

// Channel is a device's control channel as seen by the registry.
type Channel interface {
	Send(data []byte) error
	Close() error
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Identity is a snapshot of one joined device.
type Identity struct {
	ID           string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// Peer is the roster entry sent to clients.
type Peer struct {
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
}

type Config struct {
	MaxDevices    int
	MaxNameLength int
	DefaultName   string

	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// NewID overrides identifier generation in tests.
	NewID func() string
}

type device struct {
	Identity
	ch Channel
}

type Registry struct {
	maxDevices    int
	maxNameLength int
	defaultName   string
	clock         Clock
	log           *slog.Logger
	metrics       *metrics.Metrics
	newID         func() string

	mu      sync.Mutex
	devices map[string]*device
}

func New(cfg Config) *Registry {
	r := &Registry{
		maxDevices:    cfg.MaxDevices,
		maxNameLength: cfg.MaxNameLength,
		defaultName:   cfg.DefaultName,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		newID:         cfg.NewID,
		devices:       make(map[string]*device),
	}
	if r.maxDevices <= 0 {
		r.maxDevices = DefaultMaxDevices
	}
	if r.maxNameLength <= 0 {
		r.maxNameLength = identity.DefaultMaxNameLength
	}
	if r.defaultName == "" {
		r.defaultName = identity.DefaultName
	}
	if r.clock == nil {
		r.clock = realClock{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.newID == nil {
		r.newID = identity.NewID
	}
	return r
}

// AddDevice registers a new device reachable through ch.
func (r *Registry) AddDevice(name string, ch Channel) (Identity, error) {
	name = identity.SanitizeName(name, r.maxNameLength, r.defaultName)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) >= r.maxDevices {
		r.metrics.Inc(metrics.JoinRejectedCapacity)
		return Identity{}, ErrCapacityExceeded
	}

	var id string
	for i := 0; i < 3; i++ {
		candidate := r.newID()
		if _, exists := r.devices[candidate]; !exists {
			id = candidate
			break
		}
	}
	if id == "" {
		return Identity{}, ErrIDExhausted
	}

	d := &device{
		Identity: Identity{
			ID:           id,
			Name:         name,
			ConnectedAt:  now,
			LastActivity: now,
		},
		ch: ch,
	}
	r.devices[id] = d
	r.metrics.Inc(metrics.DevicesJoined)
	return d.Identity, nil
}

// RemoveDevice deletes the record for id. Removing an unknown id is a no-op.
func (r *Registry) RemoveDevice(id string) bool {
	r.mu.Lock()
	_, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()

	if ok {
		r.metrics.Inc(metrics.DevicesLeft)
	}
	return ok
}

// RenameDevice replaces the display name of id. It returns false when id is
// malformed or not registered.
func (r *Registry) RenameDevice(id, newName string) bool {
	if !identity.IsValidID(id) {
		return false
	}
	name := identity.SanitizeName(newName, r.maxNameLength, r.defaultName)
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.Name = name
	d.LastActivity = now
	return true
}

func (r *Registry) GetDevice(id string) (Identity, bool) {
	if !identity.IsValidID(id) {
		return Identity{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.devices[id]
	if !ok {
		return Identity{}, false
	}
	return d.Identity, true
}

func (r *Registry) UpdateActivity(id string) {
	now := r.clock.Now()

	r.mu.Lock()
	if d, ok := r.devices[id]; ok {
		d.LastActivity = now
	}
	r.mu.Unlock()
}

// ListDevices returns the roster ordered by join time, then id.
func (r *Registry) ListDevices() []Peer {
	r.mu.Lock()
	snap := make([]Identity, 0, len(r.devices))
	for _, d := range r.devices {
		snap = append(snap, d.Identity)
	}
	r.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool {
		if !snap[i].ConnectedAt.Equal(snap[j].ConnectedAt) {
			return snap[i].ConnectedAt.Before(snap[j].ConnectedAt)
		}
		return snap[i].ID < snap[j].ID
	})

	out := make([]Peer, 0, len(snap))
	for _, d := range snap {
		out = append(out, Peer{DeviceID: d.ID, DeviceName: d.Name})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// CleanupInactive evicts every device idle for longer than timeout, closes
// their channels and returns how many were removed.
func (r *Registry) CleanupInactive(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	cutoff := r.clock.Now().Add(-timeout)

	r.mu.Lock()
	var evicted []*device
	for id, d := range r.devices {
		if d.LastActivity.Before(cutoff) {
			evicted = append(evicted, d)
			delete(r.devices, id)
		}
	}
	r.mu.Unlock()

	for _, d := range evicted {
		r.log.Info("evicting inactive device", "device_id", d.ID, "idle", r.clock.Now().Sub(d.LastActivity).Round(time.Second))
		if d.ch != nil {
			if err := d.ch.Close(); err != nil {
				r.log.Debug("close evicted channel", "device_id", d.ID, "err", err)
			}
		}
	}
	r.metrics.Add(metrics.DevicesEvicted, uint64(len(evicted)))
	return len(evicted)
}

// SendTo writes data to the control channel of id. Malformed ids are
// rejected with ErrInvalidID without touching the table.
func (r *Registry) SendTo(id string, data []byte) error {
	if !identity.IsValidID(id) {
		return ErrInvalidID
	}
	r.mu.Lock()
	d, ok := r.devices[id]
	var ch Channel
	if ok {
		ch = d.ch
	}
	r.mu.Unlock()

	if !ok || ch == nil {
		return ErrDeviceNotFound
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("send to %s: %w", id, err)
	}
	return nil
}

// Broadcast writes data to every registered device and returns the number of
// channels the write failed on. Failures do not interrupt delivery to others.
func (r *Registry) Broadcast(data []byte) int {
	r.mu.Lock()
	targets := make(map[string]Channel, len(r.devices))
	for id, d := range r.devices {
		if d.ch != nil {
			targets[id] = d.ch
		}
	}
	r.mu.Unlock()

	failed := 0
	for id, ch := range targets {
		if err := ch.Send(data); err != nil {
			failed++
			r.log.Debug("broadcast send failed", "device_id", id, "err", err)
		}
	}
	r.metrics.Add(metrics.BroadcastSendFailed, uint64(failed))
	return failed
}
