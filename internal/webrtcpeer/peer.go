package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/filecast/filecast/internal/transfer"
)

var ErrPeerClosed = errors.New("peer connection closed")

// Signaler delivers negotiation messages to a remote device, normally through
// the signaling hub.
type Signaler interface {
	SendOffer(target string, offer SessionDescription) error
	SendAnswer(target string, answer SessionDescription) error
	SendCandidate(target string, c Candidate) error
}

type PeerConfig struct {
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	RemoteID   string
	Signaler   Signaler
	Logger     *slog.Logger

	// OnChannel runs synchronously when the remote side opens the transfer
	// channel, before any of its messages are dispatched. Handlers attached
	// here see every message.
	OnChannel func(*webrtc.DataChannel)
}

// Peer is one PeerConnection to one remote device. Either side may offer; the
// other calls Answer.
type Peer struct {
	remoteID string
	pc       *webrtc.PeerConnection
	signaler Signaler
	log      *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit

	open      chan *webrtc.DataChannel
	done      chan struct{}
	closeOnce sync.Once
}

func NewPeer(cfg PeerConfig) (*Peer, error) {
	if cfg.API == nil {
		return nil, errors.New("webrtcpeer: API is required")
	}
	if cfg.Signaler == nil {
		return nil, errors.New("webrtcpeer: Signaler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	pc, err := cfg.API.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		remoteID: cfg.RemoteID,
		pc:       pc,
		signaler: cfg.Signaler,
		log:      logger.With("remote", cfg.RemoteID),
		open:     make(chan *webrtc.DataChannel, 1),
		done:     make(chan struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := p.signaler.SendCandidate(p.remoteID, CandidateFromPion(c.ToJSON())); err != nil {
			p.log.Warn("send ice candidate failed", "err", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.Debug("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			p.markDone()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if err := validateTransferChannel(dc); err != nil {
			p.log.Warn("rejecting datachannel", "label", dc.Label(), "err", err)
			_ = dc.Close()
			return
		}
		if cfg.OnChannel != nil {
			cfg.OnChannel(dc)
		}
		p.watchOpen(dc)
	})
	return p, nil
}

func (p *Peer) RemoteID() string { return p.remoteID }

// Offer creates the transfer channel and sends an offer to the remote device.
func (p *Peer) Offer() (*webrtc.DataChannel, error) {
	dc, err := CreateTransferChannel(p.pc)
	if err != nil {
		return nil, fmt.Errorf("create datachannel: %w", err)
	}
	p.watchOpen(dc)

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := p.signaler.SendOffer(p.remoteID, SessionDescriptionFromPion(offer)); err != nil {
		return nil, fmt.Errorf("send offer: %w", err)
	}
	return dc, nil
}

// Answer applies a remote offer and replies with an answer.
func (p *Peer) Answer(offer SessionDescription) error {
	desc, err := offer.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("expected offer, got %q", offer.Type)
	}
	if err := p.setRemote(desc); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := p.signaler.SendAnswer(p.remoteID, SessionDescriptionFromPion(answer)); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer applies the remote answer to an offer made by Offer.
func (p *Peer) HandleAnswer(answer SessionDescription) error {
	desc, err := answer.ToPion()
	if err != nil {
		return err
	}
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("expected answer, got %q", answer.Type)
	}
	return p.setRemote(desc)
}

// AddCandidate applies a trickled remote candidate. Candidates that arrive
// before the remote description are queued.
func (p *Peer) AddCandidate(c Candidate) error {
	init := c.ToPion()
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, init)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, init := range pending {
		if err := p.pc.AddICECandidate(init); err != nil {
			p.log.Warn("add queued ice candidate failed", "err", err)
		}
	}
	return nil
}

func (p *Peer) watchOpen(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		select {
		case p.open <- dc:
		default:
		}
	})
}

// WaitChannel blocks until the transfer channel is open.
func (p *Peer) WaitChannel(ctx context.Context) (*webrtc.DataChannel, error) {
	select {
	case dc := <-p.open:
		return dc, nil
	case <-p.done:
		return nil, ErrPeerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the connection has failed or been closed.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) markDone() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *Peer) Close() error {
	err := p.pc.Close()
	p.markDone()
	return err
}

// AttachReceiver feeds every message on dc into recv and discards any partial
// file when the channel closes.
func AttachReceiver(dc *webrtc.DataChannel, recv *transfer.Receiver) {
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		recv.HandleMessage(msg.IsString, msg.Data)
	})
	dc.OnClose(func() {
		recv.Abort()
	})
}
