package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/metrics"
	"github.com/filecast/filecast/internal/ratelimit"
)

// Client-facing error replies.
const (
	errInvalidJSON       = "Invalid JSON"
	errMustJoin          = "Must join before sending other messages"
	errAlreadyJoined     = "Already joined"
	errTooManyConns      = "Too many connections from this address"
	errServerFull        = "Server is full, try again later"
	errRateLimited       = "Rate limit exceeded"
	errInvalidTarget     = "Invalid target id"
	errTargetNotFound    = "Target not found"
	errRenameOther       = "Cannot rename another device"
	errDeviceNotFound    = "Device not found"
	errInternal          = "Internal server error"
	errBinaryUnsupported = "Binary messages are not supported"
)

// Conn is a control channel as seen by a Session.
type Conn interface {
	Send(data []byte) error
	CloseWith(code int, reason string) error
	Close() error
}

// Relay holds the shared state every Session operates on.
type Relay struct {
	Registry    *hub.Registry
	Messages    *ratelimit.MessageLimiter
	Connections *ratelimit.ConnectionLimiter
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// NewSession starts tracking a freshly opened control channel from addr. The
// channel counts against the per-address limit from this point until Close;
// when addr is already at the limit the session is rejected with 1008 and
// ignores every frame.
func (r *Relay) NewSession(conn Conn, addr string) *Session {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		relay: r,
		conn:  conn,
		addr:  addr,
		log:   log.With("remote_addr", addr),
	}
	if !r.Connections.TryIncrement(addr) {
		r.Metrics.Inc(metrics.ConnectionLimitHit)
		s.log.Warn("connection limit exceeded")
		s.state = stateClosed
		s.reply(errTooManyConns)
		_ = conn.CloseWith(websocket.ClosePolicyViolation, "connection limit exceeded")
		return s
	}
	s.counted = true
	return s
}

// BroadcastRoster sends the current device list to every joined device.
func (r *Relay) BroadcastRoster() {
	r.Registry.Broadcast(encodeDeviceList(r.Registry.ListDevices()))
}

type connState int

const (
	stateUnauthenticated connState = iota
	stateJoined
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateJoined:
		return "joined"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("connState(%d)", int(s))
	}
}

// Session is the server side of one control channel. Frames for a session
// must be delivered sequentially.
type Session struct {
	relay *Relay
	conn  Conn
	addr  string
	log   *slog.Logger

	mu       sync.Mutex
	state    connState
	deviceID string
	counted  bool
}

// DeviceID returns the identity bound to this session, or "" before join.
func (s *Session) DeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

func (s *Session) currentState() connState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleFrame processes one text frame to completion. Panics are recovered
// here so a single bad message cannot take down the connection or the hub.
func (s *Session) HandleFrame(data []byte) {
	defer func() {
		if p := recover(); p != nil {
			s.relay.Metrics.Inc(metrics.HandlerPanicRecovered)
			s.log.Error("panic handling signaling message", "panic", p, "stack", string(debug.Stack()))
			s.reply(errInternal)
		}
	}()

	state := s.currentState()
	if state == stateClosed {
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		s.relay.Metrics.Inc(metrics.MessagesInvalid)
		var vErr *ValidationError
		switch {
		case errors.As(err, &vErr):
			s.reply(vErr.Reason)
		case errors.Is(err, ErrMalformedJSON):
			s.reply(errInvalidJSON)
		default:
			s.reply(errInternal)
		}
		return
	}

	if state == stateUnauthenticated {
		if msg.Signal != SignalDeviceJoin {
			s.reply(errMustJoin)
			return
		}
		s.join(msg)
		return
	}

	switch msg.Signal {
	case SignalDeviceJoin:
		s.reply(errAlreadyJoined)
	case SignalRename:
		s.rename(msg)
	case SignalOffer, SignalAnswer, SignalICE:
		s.forward(msg)
	}
}

// HandleBinary answers binary frames, which the control protocol does not use.
func (s *Session) HandleBinary() {
	if s.currentState() == stateClosed {
		return
	}
	s.relay.Metrics.Inc(metrics.MessagesInvalid)
	s.reply(errBinaryUnsupported)
}

func (s *Session) join(msg Message) {
	id, err := s.relay.Registry.AddDevice(msg.DeviceName, s.conn)
	if err != nil {
		s.log.Warn("device join rejected", "err", err)
		if errors.Is(err, hub.ErrCapacityExceeded) {
			s.reply(errServerFull)
			_ = s.conn.CloseWith(websocket.CloseTryAgainLater, "server full")
			s.Close()
			return
		}
		s.reply(errInternal)
		return
	}

	s.mu.Lock()
	if s.state == stateClosed {
		// The channel closed while we were registering.
		s.mu.Unlock()
		s.relay.Registry.RemoveDevice(id.ID)
		return
	}
	s.state = stateJoined
	s.deviceID = id.ID
	s.mu.Unlock()

	s.log = s.log.With("device_id", id.ID)
	s.log.Info("device joined", "device_name", id.Name)

	if err := s.conn.Send(encodeID(id.ID)); err != nil {
		s.log.Debug("send id assignment", "err", err)
	}
	s.relay.BroadcastRoster()
}

func (s *Session) allowMessage() bool {
	id := s.DeviceID()
	if s.relay.Messages.Exceeded(id) {
		s.relay.Metrics.Inc(metrics.MessagesRateLimited)
		s.log.Warn("message rate limit exceeded")
		s.reply(errRateLimited)
		return false
	}
	s.relay.Registry.UpdateActivity(id)
	return true
}

func (s *Session) rename(msg Message) {
	if !s.allowMessage() {
		return
	}
	if msg.ID != s.DeviceID() {
		s.reply(errRenameOther)
		return
	}
	if !s.relay.Registry.RenameDevice(msg.ID, msg.NewName) {
		s.reply(errDeviceNotFound)
		return
	}
	s.relay.BroadcastRoster()
}

func (s *Session) forward(msg Message) {
	if !s.allowMessage() {
		return
	}

	out, err := msg.WithFrom(s.DeviceID())
	if err != nil {
		s.log.Error("encode forwarded message", "signal", msg.Signal, "err", err)
		s.reply(errInternal)
		return
	}
	err = s.relay.Registry.SendTo(msg.Target, out)
	switch {
	case err == nil:
		s.relay.Metrics.Inc(metrics.MessagesRelayed)
	case errors.Is(err, hub.ErrInvalidID):
		s.reply(errInvalidTarget)
	case errors.Is(err, hub.ErrDeviceNotFound):
		s.relay.Metrics.Inc(metrics.RelayTargetNotFound)
		s.reply(errTargetNotFound)
	default:
		// The target may have just gone away; the sender is not told.
		s.relay.Metrics.Inc(metrics.RelaySendFailed)
		s.log.Warn("relay to target failed", "signal", msg.Signal, "target", msg.Target, "err", err)
	}
}

// Close releases everything the session holds. It is safe to call more than
// once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	wasJoined := s.state == stateJoined
	id := s.deviceID
	counted := s.counted
	s.state = stateClosed
	s.counted = false
	s.mu.Unlock()

	if counted {
		s.relay.Connections.Decrement(s.addr)
	}
	if !wasJoined {
		return
	}

	s.relay.Messages.Forget(id)
	if !s.relay.Registry.RemoveDevice(id) {
		// Already evicted by the inactivity sweep, which broadcasts itself.
		return
	}
	s.log.Info("device left")
	s.relay.BroadcastRoster()
}

func (s *Session) reply(message string) {
	if err := s.conn.Send(encodeError(message)); err != nil {
		s.log.Debug("send error reply", "err", err)
	}
}
