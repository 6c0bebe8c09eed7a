package standard

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDaemonsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemons",
		Short: "Inspect and pause the background daemons",
	}
	cmd.AddCommand(newDaemonsListCmd())
	cmd.AddCommand(newDaemonToggleCmd("pause", true))
	cmd.AddCommand(newDaemonToggleCmd("resume", false))
	return cmd
}

func newDaemonsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List daemons and their last cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			daemons, err := api.ListDaemons(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %-7s %-8s %-25s %s\n", "NAME", "INTERVAL", "PAUSED", "CYCLES", "LAST RUN", "LAST ERROR")
			for _, d := range daemons {
				lastRun := "-"
				if !d.LastRun.IsZero() {
					lastRun = d.LastRun.Format(time.RFC3339)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-10s %-7t %-8d %-25s %s\n", d.Name, d.Interval, d.Paused, d.Cycles, lastRun, d.LastError)
			}
			return nil
		},
	}
}

func newDaemonToggleCmd(verb string, pause bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: fmt.Sprintf("%s a daemon", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			st, err := api.SetDaemonPaused(ctx, args[0], pause)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon %s paused=%t\n", st.Name, st.Paused)
			return nil
		},
	}
}
