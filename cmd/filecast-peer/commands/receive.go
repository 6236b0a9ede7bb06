package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/filecast/filecast/internal/peer"
	"github.com/filecast/filecast/internal/transfer"
)

// receive: stay online and save incoming files.
func receiveCmd() *cobra.Command {
	var (
		outDir  string
		once    bool
		maxSize int64
	)
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Wait for incoming files and save them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}

			saved := make(chan string, 1)
			out := cmd.OutOrStdout()
			sink := &transfer.DirSink{
				Dir: outDir,
				OnSaved: func(path string) {
					fmt.Fprintln(out, "saved", path)
					select {
					case saved <- path:
					default:
					}
				},
			}

			bars := &progressBars{}
			node, err := connect(ctx, peer.NodeConfig{
				Sink: sink,
				Receiver: transfer.ReceiverOptions{
					MaxFileSize: maxSize,
					OnProgress:  bars.update,
					OnAbort: func(name string, received int64) {
						bars.reset()
						logger.Warn("transfer aborted", "file", name, "received", received)
					},
				},
			})
			if err != nil {
				return err
			}
			defer node.Close()

			fmt.Fprintf(out, "online as %q (%s); saving to %s\n", deviceName, node.ID(), outDir)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-node.Done():
					return fmt.Errorf("hub connection closed")
				case <-saved:
					if once {
						return nil
					}
				}
			}
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "directory to save files into")
	cmd.Flags().BoolVar(&once, "once", false, "exit after the first file is saved")
	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "reject files larger than this many bytes (0 = 2 GiB)")
	return cmd
}
