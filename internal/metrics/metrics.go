package metrics

import "sync"

// Hub event counters.
const (
	DevicesJoined         = "devices_joined"
	DevicesLeft           = "devices_left"
	DevicesEvicted        = "devices_evicted_inactive"
	JoinRejectedCapacity  = "join_rejected_capacity"
	ConnectionLimitHit    = "connection_limit_exceeded"
	MessagesRateLimited   = "messages_rate_limited"
	FrameFloodClosed      = "frame_flood_closed"
	MessagesInvalid       = "messages_invalid"
	MessagesRelayed       = "messages_relayed"
	RelayTargetNotFound   = "relay_target_not_found"
	RelaySendFailed       = "relay_send_failed"
	BroadcastSendFailed   = "broadcast_send_failed"
	HandlerPanicRecovered = "handler_panic_recovered"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is a no-op on a nil receiver so optional metrics need no guards.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
