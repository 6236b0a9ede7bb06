package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/transfer"
	"github.com/filecast/filecast/internal/webrtcpeer"
)

const (
	// Candidates can overtake the offer they belong to; hold a few per sender.
	maxEarlyCandidates = 64

	drainPollInterval = 10 * time.Millisecond
	closeWait         = 5 * time.Second
)

type NodeConfig struct {
	HubURL string
	Name   string
	Header http.Header

	// API defaults to webrtcpeer.NewAPI with OS networking.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer

	// Sink receives incoming files. Offers are ignored when it is nil.
	Sink     transfer.Sink
	Sender   transfer.SenderOptions
	Receiver transfer.ReceiverOptions

	Logger *slog.Logger
}

// Node is a joined device that can send and receive files.
type Node struct {
	cfg    NodeConfig
	log    *slog.Logger
	client *Client
	ready  chan struct{}

	mu    sync.Mutex
	peers map[string]*webrtcpeer.Peer
	early map[string][]webrtcpeer.Candidate
}

func Connect(ctx context.Context, cfg NodeConfig) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.API == nil {
		api, err := webrtcpeer.NewAPI(webrtcpeer.Settings{Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.API = api
	}

	n := &Node{
		cfg:   cfg,
		log:   cfg.Logger,
		ready: make(chan struct{}),
		peers: make(map[string]*webrtcpeer.Peer),
		early: make(map[string][]webrtcpeer.Candidate),
	}
	client, err := Dial(ctx, cfg.HubURL, cfg.Name, ClientOptions{
		Logger:      cfg.Logger,
		Header:      cfg.Header,
		OnRoster:    n.handleRoster,
		OnOffer:     n.handleOffer,
		OnAnswer:    n.handleAnswer,
		OnCandidate: n.handleCandidate,
	})
	n.client = client
	if err == nil {
		n.log = n.log.With("device_id", client.ID())
	}
	// Handlers blocked on ready read n.client and n.log.
	close(n.ready)
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (n *Node) ID() string { return n.client.ID() }

func (n *Node) Devices() []hub.Peer { return n.client.Devices() }

func (n *Node) WaitForDevice(ctx context.Context, match func(hub.Peer) bool) (hub.Peer, error) {
	return n.client.WaitForDevice(ctx, match)
}

func (n *Node) Rename(name string) error { return n.client.Rename(name) }

// Done is closed when the hub connection is lost.
func (n *Node) Done() <-chan struct{} { return n.client.Done() }

// SendFile offers a connection to target and streams one file over it. It
// returns once the remote side has taken every byte or ctx ends.
func (n *Node) SendFile(ctx context.Context, target string, info transfer.FileInfo, r io.Reader) error {
	p, err := n.newPeer(target, nil)
	if err != nil {
		return err
	}
	defer n.dropPeer(target, p)

	if _, err := p.Offer(); err != nil {
		return err
	}
	dc, err := p.WaitChannel(ctx)
	if err != nil {
		return fmt.Errorf("wait for datachannel: %w", err)
	}

	sender := transfer.NewSender(dc, n.cfg.Sender)
	if err := sender.SendFile(ctx, info, r); err != nil {
		return err
	}
	return n.drainAndClose(ctx, dc)
}

// drainAndClose waits for pending bytes to leave, then closes the channel.
// The stream reset is ordered after the data, so the close completing means
// the remote has read everything.
func (n *Node) drainAndClose(ctx context.Context, dc *webrtc.DataChannel) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for dc.BufferedAmount() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	closed := make(chan struct{})
	var once sync.Once
	dc.OnClose(func() { once.Do(func() { close(closed) }) })
	if err := dc.Close(); err != nil {
		return fmt.Errorf("close datachannel: %w", err)
	}

	timer := time.NewTimer(closeWait)
	defer timer.Stop()
	select {
	case <-closed:
	case <-timer.C:
		n.log.Warn("datachannel close not acknowledged", "label", dc.Label())
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (n *Node) newPeer(remote string, onChannel func(*webrtc.DataChannel)) (*webrtcpeer.Peer, error) {
	p, err := webrtcpeer.NewPeer(webrtcpeer.PeerConfig{
		API:        n.cfg.API,
		ICEServers: n.cfg.ICEServers,
		RemoteID:   remote,
		Signaler:   n.client,
		Logger:     n.log,
		OnChannel:  onChannel,
	})
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	old := n.peers[remote]
	n.peers[remote] = p
	early := n.early[remote]
	delete(n.early, remote)
	n.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	for _, c := range early {
		if err := p.AddCandidate(c); err != nil {
			n.log.Warn("apply early candidate failed", "remote", remote, "err", err)
		}
	}

	go func() {
		<-p.Done()
		n.dropPeer(remote, p)
	}()
	return p, nil
}

func (n *Node) peer(remote string) *webrtcpeer.Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[remote]
}

func (n *Node) dropPeer(remote string, p *webrtcpeer.Peer) {
	n.mu.Lock()
	if n.peers[remote] == p {
		delete(n.peers, remote)
	}
	n.mu.Unlock()
	_ = p.Close()
}

func (n *Node) handleRoster(devices []hub.Peer) {
	online := make(map[string]bool, len(devices))
	for _, d := range devices {
		online[d.DeviceID] = true
	}
	n.mu.Lock()
	for id := range n.early {
		if !online[id] {
			delete(n.early, id)
		}
	}
	n.mu.Unlock()
}

func (n *Node) handleOffer(from string, offer webrtcpeer.SessionDescription) {
	<-n.ready
	if n.client == nil {
		return
	}
	if n.cfg.Sink == nil {
		n.log.Info("ignoring offer; not receiving", "remote", from)
		return
	}

	recvOpts := n.cfg.Receiver
	if recvOpts.Logger == nil {
		recvOpts.Logger = n.log.With("remote", from)
	}
	p, err := n.newPeer(from, func(dc *webrtc.DataChannel) {
		webrtcpeer.AttachReceiver(dc, transfer.NewReceiver(n.cfg.Sink, recvOpts))
	})
	if err != nil {
		n.log.Error("create peer for offer failed", "remote", from, "err", err)
		return
	}
	if err := p.Answer(offer); err != nil {
		n.log.Warn("answer failed", "remote", from, "err", err)
		n.dropPeer(from, p)
	}
}

func (n *Node) handleAnswer(from string, answer webrtcpeer.SessionDescription) {
	<-n.ready
	p := n.peer(from)
	if p == nil {
		n.log.Debug("ignoring answer without pending offer", "remote", from)
		return
	}
	if err := p.HandleAnswer(answer); err != nil {
		n.log.Warn("apply answer failed", "remote", from, "err", err)
		n.dropPeer(from, p)
	}
}

func (n *Node) handleCandidate(from string, c webrtcpeer.Candidate) {
	<-n.ready
	n.mu.Lock()
	p := n.peers[from]
	if p == nil {
		if len(n.early[from]) < maxEarlyCandidates {
			n.early[from] = append(n.early[from], c)
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	if err := p.AddCandidate(c); err != nil {
		n.log.Debug("add candidate failed", "remote", from, "err", err)
	}
}

// Close tears down every peer connection and leaves the hub.
func (n *Node) Close() error {
	n.mu.Lock()
	peers := n.peers
	n.peers = make(map[string]*webrtcpeer.Peer)
	n.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	return n.client.Close()
}

// OpenFile opens path for sending and describes it. The MIME type is guessed
// from the extension.
func OpenFile(path string) (*os.File, transfer.FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, transfer.FileInfo{}, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, transfer.FileInfo{}, err
	}
	if !st.Mode().IsRegular() {
		_ = f.Close()
		return nil, transfer.FileInfo{}, fmt.Errorf("%s: not a regular file", path)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return f, transfer.FileInfo{Name: filepath.Base(path), Size: st.Size(), MIME: mimeType}, nil
}
