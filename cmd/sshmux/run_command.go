package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"sshmux/internal/backend"
	"sshmux/internal/master"
	"sshmux/internal/session"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var useProcess bool
	var tty bool
	var keep bool
	var env []string

	cmd := &cobra.Command{
		Use:   "run DEST -- COMMAND [ARG...]",
		Short: "Run a command over the shared connection",
		Long: "Run a command on DEST through its control master, launching the master if needed.\n" +
			"A single COMMAND word is passed to the remote shell as-is; several words are quoted individually.\n" +
			"The remote exit status becomes sshmux's exit status.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := buildCommand(args[1:])
			remote.TTY = tty
			remote.Env = env
			remote.Stdin = session.Inherit()
			remote.Stdout = session.Inherit()
			remote.Stderr = session.Inherit()

			use := launchPerConfig
			if keep {
				use = launchAndKeep
			}
			var code int
			err := ctx.withMaster(cmd.Context(), args[0], use, func(c context.Context, h *master.Handle) error {
				var runner backend.Runner = backend.NewMuxRunner(h.Sessions())
				if useProcess {
					runner = backend.NewProcessRunner(ctx.config.SSH.Binary, h.SocketPath(), h.Target())
				}
				var runErr error
				code, runErr = runner.Run(c, remote)
				return runErr
			})
			switch {
			case errors.Is(err, session.ErrCommandNotFound):
				fmt.Fprintf(cmd.ErrOrStderr(), "sshmux: %s: command not found\n", remote.Program)
				return exitStatus(code)
			case errors.Is(err, backend.ErrSSHFailed):
				return exitStatus(code)
			case err != nil:
				return err
			}
			return exitStatus(code)
		},
	}

	cmd.Flags().BoolVar(&useProcess, "process", false, "Run through a separate ssh client instead of the mux protocol")
	cmd.Flags().BoolVarP(&tty, "tty", "t", false, "Request a pseudo-terminal")
	cmd.Flags().BoolVar(&keep, "keep-master", false, "Leave a newly launched master running afterwards")
	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Forward NAME=value to the remote command (repeatable)")
	return cmd
}

func buildCommand(words []string) session.Command {
	if len(words) == 1 {
		return session.RawCommand(words[0])
	}
	return session.NewCommand(words[0], words[1:]...)
}
