package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sshmux/internal/master"
	"sshmux/internal/sshlog"
	"sshmux/internal/target"
)

func newLogCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "log DEST",
		Short: "Show ssh diagnostics from the master for DEST",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			t, err := target.Parse(args[0])
			if err != nil {
				return err
			}
			socket, err := master.NewManager(cfg).SocketPath(t)
			if err != nil {
				return err
			}
			path := master.LogPath(socket)

			out := cmd.OutOrStdout()
			chunk, err := sshlog.Last(path, lines)
			if err != nil {
				return err
			}
			for _, line := range chunk.Lines {
				fmt.Fprintln(out, line)
			}
			if !follow {
				return nil
			}
			err = sshlog.Follow(cmd.Context(), path, chunk.Offset, 250*time.Millisecond, func(line string) {
				fmt.Fprintln(out, line)
			})
			if errors.Is(err, cmd.Context().Err()) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new lines")
	return cmd
}
