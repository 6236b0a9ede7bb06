package signaling

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/identity"
	"github.com/filecast/filecast/internal/metrics"
	"github.com/filecast/filecast/internal/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeConn struct {
	mu         sync.Mutex
	sent       []string
	closeCode  int
	closed     bool
	panicsLeft int
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panicsLeft > 0 {
		c.panicsLeft--
		panic("send exploded")
	}
	c.sent = append(c.sent, string(data))
	return nil
}

func (c *fakeConn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	c.closeCode = code
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.sent))
	for _, s := range c.sent {
		var m map[string]any
		_ = json.Unmarshal([]byte(s), &m)
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) last() map[string]any {
	msgs := c.messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

type relayFixture struct {
	relay *Relay
	clock *fakeClock
}

func newRelayFixture(t *testing.T, maxDevices, msgsPerWindow, connsPerAddr int) *relayFixture {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := metrics.New()
	return &relayFixture{
		clock: clk,
		relay: &Relay{
			Registry:    hub.New(hub.Config{MaxDevices: maxDevices, Clock: clk, Metrics: m}),
			Messages:    ratelimit.NewMessageLimiter(clk, msgsPerWindow, time.Minute),
			Connections: ratelimit.NewConnectionLimiter(connsPerAddr),
			Metrics:     m,
		},
	}
}

func (f *relayFixture) join(t *testing.T, name, addr string) (*Session, *fakeConn, string) {
	t.Helper()
	conn := &fakeConn{}
	sess := f.relay.NewSession(conn, addr)
	sess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"` + name + `"}`))

	msgs := conn.messages()
	if len(msgs) == 0 || msgs[0]["signal"] != "id" {
		t.Fatalf("join %s: first message=%v, want id assignment", name, msgs)
	}
	id, _ := msgs[0]["id"].(string)
	if !identity.IsValidID(id) {
		t.Fatalf("join %s: malformed id %q", name, id)
	}
	if sess.currentState() != stateJoined {
		t.Fatalf("join %s: state=%v, want joined", name, sess.currentState())
	}
	return sess, conn, id
}

func errorOf(m map[string]any) string {
	if m == nil || m["signal"] != "error" {
		return ""
	}
	s, _ := m["message"].(string)
	return s
}

func rosterIDs(m map[string]any) []string {
	list, _ := m["devicesOnline"].([]any)
	ids := make([]string, 0, len(list))
	for _, e := range list {
		entry, _ := e.(map[string]any)
		id, _ := entry["deviceId"].(string)
		ids = append(ids, id)
	}
	return ids
}

func TestSession_RequiresJoinFirst(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	conn := &fakeConn{}
	sess := f.relay.NewSession(conn, "10.0.0.1")

	sess.HandleFrame([]byte(`{"signal":"offer","target":"x","offer":{"sdp":"v=0"}}`))
	if got := errorOf(conn.last()); got != errMustJoin {
		t.Fatalf("error=%q, want %q", got, errMustJoin)
	}
	if sess.currentState() != stateUnauthenticated {
		t.Fatalf("state=%v, want unauthenticated", sess.currentState())
	}
	if f.relay.Registry.Len() != 0 {
		t.Fatalf("registry not empty")
	}
}

func TestSession_JoinBroadcastsRoster(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)

	_, aConn, aID := f.join(t, "A", "10.0.0.1")
	f.clock.Advance(time.Millisecond)
	_, _, bID := f.join(t, "B", "10.0.0.2")

	roster := aConn.last()
	if roster["signal"] != "updateDeviceList" {
		t.Fatalf("A last message=%v, want roster", roster)
	}
	ids := rosterIDs(roster)
	if len(ids) != 2 || ids[0] != aID || ids[1] != bID {
		t.Fatalf("roster ids=%v, want [%s %s]", ids, aID, bID)
	}
}

func TestSession_RejoinIsRejected(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	sess, conn, id := f.join(t, "A", "10.0.0.1")

	sess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"again"}`))
	if got := errorOf(conn.last()); got != errAlreadyJoined {
		t.Fatalf("error=%q, want %q", got, errAlreadyJoined)
	}
	if sess.DeviceID() != id || f.relay.Registry.Len() != 1 {
		t.Fatalf("rejoin changed state")
	}
}

func TestSession_InvalidJSONKeepsState(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	sess, conn, _ := f.join(t, "A", "10.0.0.1")

	sess.HandleFrame([]byte(`{not json`))
	if got := errorOf(conn.last()); got != errInvalidJSON {
		t.Fatalf("error=%q, want %q", got, errInvalidJSON)
	}
	sess.HandleFrame([]byte(`{"signal":"offer","target":"x"}`))
	if got := errorOf(conn.last()); got != "Missing offer data" {
		t.Fatalf("error=%q, want validation reason", got)
	}
	if sess.currentState() != stateJoined {
		t.Fatalf("state=%v, want joined", sess.currentState())
	}
}

func TestSession_ForwardAddsFrom(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	aSess, aConn, aID := f.join(t, "A", "10.0.0.1")
	_, bConn, bID := f.join(t, "B", "10.0.0.2")
	aConn.reset()
	bConn.reset()

	aSess.HandleFrame([]byte(`{"signal":"offer","target":"` + bID + `","offer":{"type":"offer","sdp":"v=0"}}`))

	if msgs := aConn.messages(); len(msgs) != 0 {
		t.Fatalf("sender received %v, want nothing", msgs)
	}
	got := bConn.last()
	if got["signal"] != "offer" || got["from"] != aID || got["target"] != bID {
		t.Fatalf("target received %v", got)
	}
	offer, _ := got["offer"].(map[string]any)
	if offer["sdp"] != "v=0" {
		t.Fatalf("offer payload changed: %v", offer)
	}
	if n := f.relay.Metrics.Get(metrics.MessagesRelayed); n != 1 {
		t.Fatalf("relayed metric=%d, want 1", n)
	}
}

func TestSession_ForwardErrors(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	sess, conn, _ := f.join(t, "A", "10.0.0.1")

	sess.HandleFrame([]byte(`{"signal":"ice","target":"nope","candidate":{"candidate":"c"}}`))
	if got := errorOf(conn.last()); got != errInvalidTarget {
		t.Fatalf("error=%q, want %q", got, errInvalidTarget)
	}

	sess.HandleFrame([]byte(`{"signal":"ice","target":"` + identity.NewID() + `","candidate":{"candidate":"c"}}`))
	if got := errorOf(conn.last()); got != errTargetNotFound {
		t.Fatalf("error=%q, want %q", got, errTargetNotFound)
	}
}

func TestSession_Rename(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	aSess, aConn, aID := f.join(t, "A", "10.0.0.1")
	_, bConn, bID := f.join(t, "B", "10.0.0.2")

	bConn.reset()
	aSess.HandleFrame([]byte(`{"signal":"rename","id":"` + bID + `","newName":"hijacked"}`))
	if got := errorOf(aConn.last()); got != errRenameOther {
		t.Fatalf("error=%q, want %q", got, errRenameOther)
	}
	if dev, _ := f.relay.Registry.GetDevice(bID); dev.Name != "B" {
		t.Fatalf("foreign rename changed B to %q", dev.Name)
	}
	if msgs := bConn.messages(); len(msgs) != 0 {
		t.Fatalf("refused rename broadcast %v", msgs)
	}

	bConn.reset()
	aSess.HandleFrame([]byte(`{"signal":"rename","id":"` + aID + `","newName":"<Desk>"}`))
	roster := bConn.last()
	if roster["signal"] != "updateDeviceList" {
		t.Fatalf("B did not receive roster after rename: %v", roster)
	}
	dev, ok := f.relay.Registry.GetDevice(aID)
	if !ok || dev.Name != "Desk" {
		t.Fatalf("device after rename=%+v ok=%v, want name Desk", dev, ok)
	}
}

func TestSession_MessageRateLimit(t *testing.T) {
	f := newRelayFixture(t, 10, 3, 5)
	aSess, aConn, _ := f.join(t, "A", "10.0.0.1")
	_, bConn, bID := f.join(t, "B", "10.0.0.2")
	bConn.reset()

	frame := []byte(`{"signal":"ice","target":"` + bID + `","candidate":{"candidate":"c"}}`)
	for i := 0; i < 3; i++ {
		aSess.HandleFrame(frame)
	}
	if n := len(bConn.messages()); n != 3 {
		t.Fatalf("target received %d messages, want 3", n)
	}

	aSess.HandleFrame(frame)
	if got := errorOf(aConn.last()); got != errRateLimited {
		t.Fatalf("error=%q, want %q", got, errRateLimited)
	}
	if n := len(bConn.messages()); n != 3 {
		t.Fatalf("rate limited message was forwarded")
	}

	f.clock.Advance(time.Minute + time.Second)
	aSess.HandleFrame(frame)
	if n := len(bConn.messages()); n != 4 {
		t.Fatalf("message after window not forwarded")
	}
}

func TestSession_ConnectionLimit(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 1)
	f.join(t, "A", "10.0.0.1")

	conn := &fakeConn{}
	sess := f.relay.NewSession(conn, "10.0.0.1")

	if got := errorOf(conn.last()); got != errTooManyConns {
		t.Fatalf("error=%q, want %q", got, errTooManyConns)
	}
	if conn.closeCode != websocket.ClosePolicyViolation {
		t.Fatalf("close code=%d, want %d", conn.closeCode, websocket.ClosePolicyViolation)
	}
	if n := f.relay.Connections.Count("10.0.0.1"); n != 1 {
		t.Fatalf("connection count=%d, want 1", n)
	}

	// Frames after the rejection are ignored.
	sess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"B"}`))
	if f.relay.Registry.Len() != 1 {
		t.Fatalf("identity created despite connection limit")
	}
	sess.Close()
	if n := f.relay.Connections.Count("10.0.0.1"); n != 1 {
		t.Fatalf("connection count after rejected close=%d, want 1", n)
	}
}

func TestSession_UnjoinedConnectionsCount(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)

	var open []*Session
	for i := 0; i < 5; i++ {
		sess := f.relay.NewSession(&fakeConn{}, "9.9.9.9")
		sess.HandleFrame([]byte(`{"signal":"rename","id":"x","newName":"y"}`))
		open = append(open, sess)
	}
	if n := f.relay.Connections.Count("9.9.9.9"); n != 5 {
		t.Fatalf("connection count=%d, want 5", n)
	}

	extra := &fakeConn{}
	f.relay.NewSession(extra, "9.9.9.9")
	if extra.closeCode != websocket.ClosePolicyViolation {
		t.Fatalf("sixth channel close code=%d, want %d", extra.closeCode, websocket.ClosePolicyViolation)
	}
	if n := f.relay.Metrics.Get(metrics.ConnectionLimitHit); n != 1 {
		t.Fatalf("connection limit metric=%d, want 1", n)
	}

	// Other addresses are unaffected.
	f.join(t, "B", "10.0.0.2")

	for _, sess := range open {
		sess.Close()
	}
	if n := f.relay.Connections.Count("9.9.9.9"); n != 0 {
		t.Fatalf("connection count after close=%d, want 0", n)
	}
	f.join(t, "C", "9.9.9.9")
}

func TestSession_CapacityExceeded(t *testing.T) {
	f := newRelayFixture(t, 1, 60, 5)
	f.join(t, "A", "10.0.0.1")

	conn := &fakeConn{}
	sess := f.relay.NewSession(conn, "10.0.0.2")
	sess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"B"}`))

	if got := errorOf(conn.last()); got != errServerFull {
		t.Fatalf("error=%q, want %q", got, errServerFull)
	}
	if conn.closeCode != websocket.CloseTryAgainLater {
		t.Fatalf("close code=%d, want %d", conn.closeCode, websocket.CloseTryAgainLater)
	}
	if n := f.relay.Connections.Count("10.0.0.2"); n != 0 {
		t.Fatalf("connection count=%d, want 0", n)
	}
}

func TestSession_CloseRemovesIdentity(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	_, aConn, aID := f.join(t, "A", "10.0.0.1")
	bSess, _, bID := f.join(t, "B", "10.0.0.1")
	aConn.reset()

	bSess.Close()
	bSess.Close()

	if _, ok := f.relay.Registry.GetDevice(bID); ok {
		t.Fatalf("identity survived close")
	}
	if n := f.relay.Connections.Count("10.0.0.1"); n != 1 {
		t.Fatalf("connection count=%d, want 1", n)
	}
	msgs := aConn.messages()
	if len(msgs) != 1 {
		t.Fatalf("A received %d messages after B closed, want exactly one roster", len(msgs))
	}
	if ids := rosterIDs(msgs[0]); len(ids) != 1 || ids[0] != aID {
		t.Fatalf("roster after close=%v, want [%s]", ids, aID)
	}

	bSess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"B"}`))
	if f.relay.Registry.Len() != 1 {
		t.Fatalf("closed session accepted a frame")
	}
}

func TestSession_CloseBeforeJoinIsQuiet(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	_, aConn, _ := f.join(t, "A", "10.0.0.1")
	aConn.reset()

	sess := f.relay.NewSession(&fakeConn{}, "10.0.0.9")
	sess.Close()

	if msgs := aConn.messages(); len(msgs) != 0 {
		t.Fatalf("unjoined close broadcast %v", msgs)
	}
}

func TestSession_RecoversFromPanics(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	conn := &fakeConn{panicsLeft: 1}
	sess := f.relay.NewSession(conn, "10.0.0.1")

	sess.HandleFrame([]byte(`{"signal":"rename","id":"x","newName":"y"}`))

	if got := errorOf(conn.last()); got != errInternal {
		t.Fatalf("error=%q, want %q", got, errInternal)
	}
	if n := f.relay.Metrics.Get(metrics.HandlerPanicRecovered); n != 1 {
		t.Fatalf("panic metric=%d, want 1", n)
	}

	sess.HandleFrame([]byte(`{"signal":"device-join","deviceName":"A"}`))
	if sess.currentState() != stateJoined {
		t.Fatalf("session unusable after recovered panic")
	}
}

func TestSession_BinaryFrameRejected(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	conn := &fakeConn{}
	sess := f.relay.NewSession(conn, "10.0.0.1")
	sess.HandleBinary()
	if got := errorOf(conn.last()); got != errBinaryUnsupported {
		t.Fatalf("error=%q, want %q", got, errBinaryUnsupported)
	}
}

func TestServer_SweepInactiveEvictsAndRebroadcasts(t *testing.T) {
	f := newRelayFixture(t, 10, 60, 5)
	srv := NewServer(Config{
		Registry:          f.relay.Registry,
		Messages:          f.relay.Messages,
		Connections:       f.relay.Connections,
		Metrics:           f.relay.Metrics,
		Clock:             f.clock,
		InactivityTimeout: time.Minute,
	})

	aSess, aConn, aID := f.join(t, "A", "10.0.0.1")
	f.clock.Advance(45 * time.Second)
	_, bConn, bID := f.join(t, "B", "10.0.0.2")
	f.clock.Advance(30 * time.Second)
	bConn.reset()

	if n := srv.SweepInactive(); n != 1 {
		t.Fatalf("evicted=%d, want 1", n)
	}
	aConn.mu.Lock()
	closed := aConn.closed
	aConn.mu.Unlock()
	if !closed {
		t.Fatalf("evicted channel was not closed")
	}
	if _, ok := f.relay.Registry.GetDevice(aID); ok {
		t.Fatalf("evicted device still registered")
	}

	msgs := bConn.messages()
	if len(msgs) != 1 || msgs[0]["signal"] != "updateDeviceList" {
		t.Fatalf("B received %v, want one roster", msgs)
	}
	if ids := rosterIDs(msgs[0]); len(ids) != 1 || ids[0] != bID {
		t.Fatalf("roster after sweep=%v, want [%s]", ids, bID)
	}

	// The evicted session's own close must not broadcast a second time.
	aSess.Close()
	if n := len(bConn.messages()); n != 1 {
		t.Fatalf("B received %d messages after evicted close, want 1", n)
	}
	if n := f.relay.Connections.Count("10.0.0.1"); n != 0 {
		t.Fatalf("connection count=%d, want 0", n)
	}

	if n := srv.SweepInactive(); n != 0 {
		t.Fatalf("second sweep evicted=%d, want 0", n)
	}
}
