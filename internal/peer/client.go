// Package peer is a Go device for the signaling hub: it joins over the
// control channel, tracks the roster and moves files over WebRTC.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/signaling"
	"github.com/filecast/filecast/internal/webrtcpeer"
)

const writeWait = 5 * time.Second

var ErrHubClosed = errors.New("hub connection closed")

// HubError is an error message sent by the hub.
type HubError struct {
	Message string
}

func (e *HubError) Error() string { return "hub: " + e.Message }

type ClientOptions struct {
	Logger *slog.Logger
	Dialer *websocket.Dialer
	Header http.Header

	OnRoster    func([]hub.Peer)
	OnOffer     func(from string, offer webrtcpeer.SessionDescription)
	OnAnswer    func(from string, answer webrtcpeer.SessionDescription)
	OnCandidate func(from string, c webrtcpeer.Candidate)
	OnError     func(message string)
}

type outbound struct {
	Signal     signaling.Signal `json:"signal"`
	DeviceName string           `json:"deviceName,omitempty"`
	ID         string           `json:"id,omitempty"`
	NewName    string           `json:"newName,omitempty"`
	Target     string           `json:"target,omitempty"`

	Offer     *webrtcpeer.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtcpeer.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtcpeer.Candidate          `json:"candidate,omitempty"`
}

type inbound struct {
	Signal        signaling.Signal `json:"signal"`
	ID            string           `json:"id"`
	Message       string           `json:"message"`
	From          string           `json:"from"`
	DevicesOnline []hub.Peer       `json:"devicesOnline"`

	Offer     *webrtcpeer.SessionDescription `json:"offer"`
	Answer    *webrtcpeer.SessionDescription `json:"answer"`
	Candidate *webrtcpeer.Candidate          `json:"candidate"`
}

// Client is a joined control channel. It implements webrtcpeer.Signaler.
type Client struct {
	conn *websocket.Conn
	opts ClientOptions
	log  *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	id       string
	roster   []hub.Peer
	rosterCh chan struct{}
	err      error

	idCh      chan struct{}
	idOnce    sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to hubURL (ws:// or wss://, path included), joins as name and
// waits for the hub to assign an id.
func Dial(ctx context.Context, hubURL, name string, opts ClientOptions) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, hubURL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial hub: %w", err)
	}

	c := &Client{
		conn:     conn,
		opts:     opts,
		log:      opts.Logger,
		rosterCh: make(chan struct{}),
		idCh:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	if err := c.send(outbound{Signal: signaling.SignalDeviceJoin, DeviceName: name}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("join: %w", err)
	}

	select {
	case <-c.idCh:
	case <-c.done:
		return nil, fmt.Errorf("join: %w", c.Err())
	case <-ctx.Done():
		_ = c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// ID is the identifier the hub assigned on join.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Devices returns the most recent roster, including this device.
func (c *Client) Devices() []hub.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]hub.Peer, len(c.roster))
	copy(out, c.roster)
	return out
}

// WaitForDevice blocks until a roster entry other than this device satisfies
// match.
func (c *Client) WaitForDevice(ctx context.Context, match func(hub.Peer) bool) (hub.Peer, error) {
	for {
		c.mu.Lock()
		self := c.id
		roster := c.roster
		changed := c.rosterCh
		c.mu.Unlock()

		for _, p := range roster {
			if p.DeviceID != self && match(p) {
				return p, nil
			}
		}

		select {
		case <-changed:
		case <-c.done:
			return hub.Peer{}, c.Err()
		case <-ctx.Done():
			return hub.Peer{}, ctx.Err()
		}
	}
}

func (c *Client) Rename(newName string) error {
	return c.send(outbound{Signal: signaling.SignalRename, ID: c.ID(), NewName: newName})
}

func (c *Client) SendOffer(target string, offer webrtcpeer.SessionDescription) error {
	return c.send(outbound{Signal: signaling.SignalOffer, Target: target, Offer: &offer})
}

func (c *Client) SendAnswer(target string, answer webrtcpeer.SessionDescription) error {
	return c.send(outbound{Signal: signaling.SignalAnswer, Target: target, Answer: &answer})
}

func (c *Client) SendCandidate(target string, cand webrtcpeer.Candidate) error {
	return c.send(outbound{Signal: signaling.SignalICE, Target: target, Candidate: &cand})
}

func (c *Client) send(msg outbound) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer c.shutdown(ErrHubClosed)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNormalClosure {
				c.shutdown(fmt.Errorf("%w: %d %s", ErrHubClosed, ce.Code, ce.Text))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("ignoring malformed hub message", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg inbound) {
	switch msg.Signal {
	case signaling.SignalID:
		c.mu.Lock()
		c.id = msg.ID
		c.mu.Unlock()
		c.idOnce.Do(func() { close(c.idCh) })

	case signaling.SignalDeviceList:
		c.mu.Lock()
		c.roster = msg.DevicesOnline
		close(c.rosterCh)
		c.rosterCh = make(chan struct{})
		c.mu.Unlock()
		if c.opts.OnRoster != nil {
			c.opts.OnRoster(msg.DevicesOnline)
		}

	case signaling.SignalError:
		c.log.Warn("hub error", "message", msg.Message)
		c.mu.Lock()
		if c.err == nil && c.id == "" {
			// An error before the id assignment is a rejected join.
			c.err = &HubError{Message: msg.Message}
		}
		c.mu.Unlock()
		if c.opts.OnError != nil {
			c.opts.OnError(msg.Message)
		}

	case signaling.SignalOffer:
		if msg.From == "" || msg.Offer == nil {
			c.log.Warn("ignoring offer without sender or payload")
			return
		}
		if c.opts.OnOffer != nil {
			c.opts.OnOffer(msg.From, *msg.Offer)
		}

	case signaling.SignalAnswer:
		if msg.From == "" || msg.Answer == nil {
			c.log.Warn("ignoring answer without sender or payload")
			return
		}
		if c.opts.OnAnswer != nil {
			c.opts.OnAnswer(msg.From, *msg.Answer)
		}

	case signaling.SignalICE:
		if msg.From == "" || msg.Candidate == nil {
			c.log.Warn("ignoring candidate without sender or payload")
			return
		}
		if c.opts.OnCandidate != nil {
			c.opts.OnCandidate(msg.From, *msg.Candidate)
		}

	default:
		c.log.Debug("ignoring hub message", "signal", msg.Signal)
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.Close()
	})
}

// Done is closed when the control channel is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the control channel closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	c.shutdown(ErrHubClosed)
	return nil
}
