package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/filecast/filecast/internal/hub"
	"github.com/filecast/filecast/internal/peer"
)

func devicesCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices currently online",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := connect(cmd.Context(), peer.NodeConfig{})
			if err != nil {
				return err
			}
			defer node.Close()

			// The roster follows the id message; give it a moment to arrive.
			waitCtx, cancel := context.WithTimeout(cmd.Context(), wait)
			_, err = node.WaitForDevice(waitCtx, func(hub.Peer) bool { return true })
			cancel()
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME")
			for _, d := range node.Devices() {
				if d.DeviceID == node.ID() {
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\n", d.DeviceID, d.DeviceName)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 2*time.Second, "how long to wait for other devices to appear")
	return cmd
}
