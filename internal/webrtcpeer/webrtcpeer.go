// Package webrtcpeer builds pion PeerConnections for direct device-to-device
// transfers and carries offer/answer/candidate exchange over the hub.
package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

// Settings tunes the pion SettingEngine.
type Settings struct {
	ICEServers []webrtc.ICEServer

	// UDPPortMin and UDPPortMax bound local ICE ports when both are set.
	UDPPortMin uint16
	UDPPortMax uint16

	// NAT1To1IPs are advertised as host candidates instead of local addresses.
	NAT1To1IPs []string

	// ListenIP restricts candidate gathering to one local address.
	ListenIP net.IP

	// Net replaces the OS network stack, e.g. with a vnet.Net in tests.
	Net transport.Net

	Logger *slog.Logger
}

func NewAPI(s Settings) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, s); err != nil {
		return nil, err
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	se.LoggerFactory = NewSlogLoggerFactory(logger)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se)), nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, s Settings) error {
	if s.UDPPortMin != 0 || s.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(s.UDPPortMin, s.UDPPortMax); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}
	if len(s.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(s.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if s.ListenIP != nil && !s.ListenIP.IsUnspecified() {
		listenIP := s.ListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	if s.Net != nil {
		se.SetNet(s.Net)
	}
	return nil
}
