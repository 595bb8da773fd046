package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"sshmux/internal/state"
)

type masterRow struct {
	SocketPath string     `json:"socket_path"`
	Target     string     `json:"target"`
	PID        int        `json:"pid"`
	LaunchedBy int        `json:"launched_by,omitempty"`
	LaunchedAt time.Time  `json:"launched_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
	Active     bool       `json:"active"`
}

func newMastersCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "masters",
		Short: "List masters recorded in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			masters, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			rows := make([]masterRow, 0, len(masters))
			for _, m := range masters {
				if !all && !m.Active() {
					continue
				}
				rows = append(rows, toMasterRow(m))
			}
			if asJSON {
				return writeJSON(cmd, rows)
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No masters recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderMasterTable(rows))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include released masters")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")

	cmd.AddCommand(newMastersForgetCommand(ctx))
	return cmd
}

func newMastersForgetCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "forget SOCKET",
		Short: "Remove a master from the registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openStore()
			if err != nil {
				return err
			}
			if err := store.Forget(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", args[0])
			return nil
		},
	}
}

func toMasterRow(m state.Master) masterRow {
	return masterRow{
		SocketPath: m.SocketPath,
		Target:     m.Target,
		PID:        m.PID,
		LaunchedBy: m.LaunchedBy,
		LaunchedAt: m.LaunchedAt,
		ReleasedAt: m.ReleasedAt,
		Active:     m.Active(),
	}
}

func renderMasterTable(rows []masterRow) string {
	cols := []column{
		{title: "Target"},
		{title: "PID", align: text.AlignRight},
		{title: "Launched"},
		{title: "Since"},
		{title: "Status"},
		{title: "Socket"},
	}
	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		launched := "attached"
		if r.LaunchedBy != 0 {
			launched = "pid " + strconv.Itoa(r.LaunchedBy)
		}
		status := "active"
		if !r.Active {
			status = "released"
		}
		body = append(body, []string{
			r.Target,
			strconv.Itoa(r.PID),
			launched,
			r.LaunchedAt.Local().Format("2006-01-02 15:04"),
			status,
			r.SocketPath,
		})
	}
	return renderTable(cols, body)
}
