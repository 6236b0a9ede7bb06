package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/filecast/filecast/internal/config"
	"github.com/filecast/filecast/internal/peer"
	"github.com/filecast/filecast/internal/webrtcpeer"
)

const iceFetchTimeout = 5 * time.Second

var (
	hubURL     string
	deviceName string
	logLevel   string
	udpPortMin uint16
	udpPortMax uint16
	skipHubICE bool

	logger *slog.Logger
)

func Execute() error {
	root := &cobra.Command{
		Use:           "filecast-peer",
		Short:         "Send and receive files with devices on a FileCast hub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var lvl slog.Level
			if err := lvl.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("invalid --log-level %q", logLevel)
			}
			logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
			slog.SetDefault(logger)

			if deviceName == "" {
				host, err := os.Hostname()
				if err != nil || host == "" {
					host = "FileCast Peer"
				}
				deviceName = host
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&hubURL, "hub", "ws://127.0.0.1:8080/ws", "hub signaling URL")
	root.PersistentFlags().StringVar(&deviceName, "name", "", "device name shown to other devices (default hostname)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	root.PersistentFlags().Uint16Var(&udpPortMin, "udp-port-min", 0, "lowest local UDP port for ICE (0 = any)")
	root.PersistentFlags().Uint16Var(&udpPortMax, "udp-port-max", 0, "highest local UDP port for ICE (0 = any)")
	root.PersistentFlags().BoolVar(&skipHubICE, "no-hub-ice", false, "use the default STUN servers instead of asking the hub")

	root.AddCommand(sendCmd(), receiveCmd(), devicesCmd())

	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	return err
}

func newAPI() (*webrtc.API, error) {
	return webrtcpeer.NewAPI(webrtcpeer.Settings{
		UDPPortMin: udpPortMin,
		UDPPortMax: udpPortMax,
		Logger:     logger,
	})
}

func iceServers(ctx context.Context) []webrtc.ICEServer {
	fallback := config.DefaultICEServers()
	if skipHubICE {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, iceFetchTimeout)
	defer cancel()
	servers, err := peer.FetchICEServers(ctx, nil, hubURL)
	if err != nil {
		logger.Warn("hub ICE servers unavailable; using defaults", "err", err)
		return fallback
	}
	return servers
}

// connect joins the hub with the shared persistent flags applied.
func connect(ctx context.Context, cfg peer.NodeConfig) (*peer.Node, error) {
	api, err := newAPI()
	if err != nil {
		return nil, err
	}
	cfg.HubURL = hubURL
	cfg.Name = deviceName
	cfg.API = api
	cfg.ICEServers = iceServers(ctx)
	cfg.Logger = logger
	return peer.Connect(ctx, cfg)
}
