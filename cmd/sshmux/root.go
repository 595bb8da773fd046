package main

import (
	"github.com/spf13/cobra"

	"sshmux/internal/master"
)

func newRootCommand(opts ...master.Option) *cobra.Command {
	var configFlag string
	var levelFlag string

	ctx := newCommandContext(&configFlag, &levelFlag)
	ctx.managerOpts = opts

	rootCmd := &cobra.Command{
		Use:           "sshmux",
		Short:         "Share one SSH connection between many commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&levelFlag, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newCheckCommand(ctx))
	rootCmd.AddCommand(newForwardCommand(ctx))
	rootCmd.AddCommand(newCancelForwardCommand(ctx))
	rootCmd.AddCommand(newStopListeningCommand(ctx))
	rootCmd.AddCommand(newExitCommand(ctx))
	rootCmd.AddCommand(newMastersCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))
	rootCmd.AddCommand(newLogCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
