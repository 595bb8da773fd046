package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"sshmux/internal/forward"
	"sshmux/internal/master"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "check DEST",
		Short: "Check that the master for DEST is alive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaster(cmd.Context(), args[0], attachOnly, func(c context.Context, h *master.Handle) error {
				pid, err := h.Check(c)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Master running (pid %d)\n", pid)
				fmt.Fprintf(out, "Socket: %s\n", h.SocketPath())
				fmt.Fprintf(out, "Launched by this command: %s\n", yesNo(h.Launched()))
				return nil
			})
		},
	}
}

func newForwardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "forward DEST SPEC",
		Short: "Open a port forward on the master for DEST",
		Long: "Open a forward that stays with the master after sshmux exits.\n" +
			"SPEC is L:[listen_host:]port:host:port, R:[listen_host:]port:host:port or D:[listen_host:]port;\n" +
			"either side may be a unix socket path instead of host:port.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := forward.ParseSpec(args[1])
			if err != nil {
				return err
			}
			return ctx.withMaster(cmd.Context(), args[0], launchAndKeep, func(c context.Context, h *master.Handle) error {
				fh, err := h.Forwards().Open(c, spec)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Forwarding %s\n", fh.Spec)
				if fh.AssignedPort != 0 {
					fmt.Fprintf(out, "Allocated port %d\n", fh.AssignedPort)
				}
				return nil
			})
		},
	}
}

func newCancelForwardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-forward DEST SPEC",
		Short: "Cancel a port forward on the master for DEST",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := forward.ParseSpec(args[1])
			if err != nil {
				return err
			}
			return ctx.withMaster(cmd.Context(), args[0], attachOnly, func(c context.Context, h *master.Handle) error {
				if err := h.Forwards().Cancel(c, spec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s\n", spec)
				return nil
			})
		},
	}
}

func newStopListeningCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop-listening DEST",
		Short: "Stop the master for DEST from accepting new clients",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaster(cmd.Context(), args[0], attachOnly, func(c context.Context, h *master.Handle) error {
				if err := h.StopListening(c); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Master stopped listening")
				return nil
			})
		},
	}
}

func newExitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "exit DEST",
		Short: "Ask the master for DEST to exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withMaster(cmd.Context(), args[0], attachOnly, func(c context.Context, h *master.Handle) error {
				if err := h.Terminate(c); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Exit request sent")
				return nil
			})
		},
	}
}
