package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/peer"
	"github.com/filecast/filecast/internal/transfer"
)

// send <file>: stream a file to a device on the hub.
func sendCmd() *cobra.Command {
	var (
		to        string
		wait      time.Duration
		chunkSize int
		threshold uint64
	)
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send a file to a device by name or id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			f, info, err := peer.OpenFile(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			bars := &progressBars{}
			node, err := connect(ctx, peer.NodeConfig{
				Sender: transfer.SenderOptions{
					ChunkSize:       chunkSize,
					BufferThreshold: threshold,
					OnProgress:      bars.update,
				},
			})
			if err != nil {
				return err
			}
			defer node.Close()

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			target, err := node.WaitForDevice(waitCtx, matchDevice(to))
			cancel()
			if err != nil {
				return fmt.Errorf("device %q not found: %w", to, err)
			}

			if err := node.SendFile(ctx, target.DeviceID, info, f); err != nil {
				bars.reset()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes) to %s\n", info.Name, info.Size, target.DeviceName)
			return nil
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target device name or id")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the target to come online")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", transfer.DefaultChunkSize, "fragment size in bytes")
	cmd.Flags().Uint64Var(&threshold, "buffer-threshold", transfer.DefaultBufferThreshold, "pause sending above this many buffered bytes")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func matchDevice(nameOrID string) func(hub.Peer) bool {
	return func(p hub.Peer) bool {
		return p.DeviceID == nameOrID || strings.EqualFold(p.DeviceName, nameOrID)
	}
}
