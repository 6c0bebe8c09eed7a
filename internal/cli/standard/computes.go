package standard

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/fleet/internal/cli/client"
)

func newComputesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "computes",
		Aliases: []string{"compute", "c"},
		Short:   "Inspect and edit hosts and virtual machines",
	}
	cmd.AddCommand(newComputesListCmd())
	cmd.AddCommand(newComputesGetCmd())
	cmd.AddCommand(newComputesSetCmd())
	cmd.AddCommand(newComputesDeleteCmd())
	cmd.AddCommand(newComputesTemplatesCmd())
	return cmd
}

func newComputesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List hosts and virtual machines",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			computes, err := api.ListComputes(ctx)
			if err != nil {
				return err
			}
			if len(computes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No computes found")
				return nil
			}
			printComputes(cmd.OutOrStdout(), computes)
			return nil
		},
	}
}

func printComputes(out io.Writer, computes []client.Compute) {
	fmt.Fprintf(out, "%-36s %-24s %-10s %-10s %-15s %-5s %-8s %s\n", "ID", "NAME", "STATE", "EFFECTIVE", "IP", "CPU", "MEM", "FEATURES")
	for _, c := range computes {
		fmt.Fprintf(out, "%-36s %-24s %-10s %-10s %-15s %-5d %-8.0f %s\n",
			c.ID, c.Name, c.State, c.EffectiveState, c.IPv4Address, c.NumCores, c.Memory, strings.Join(c.Features, ","))
	}
}

func newComputesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show compute details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			compute, err := api.GetCompute(ctx, args[0])
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), compute)
		},
	}
}

func newComputesSetCmd() *cobra.Command {
	var (
		state    string
		hostname string
		cores    int
		memory   float64
		swap     float64
		cpuLimit float64
	)
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Edit the desired state or settings of a compute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch client.ComputePatch
			flags := cmd.Flags()
			if flags.Changed("state") {
				patch.State = &state
			}
			if flags.Changed("hostname") {
				patch.Hostname = &hostname
			}
			if flags.Changed("cores") {
				patch.NumCores = &cores
			}
			if flags.Changed("memory") {
				patch.Memory = &memory
			}
			if flags.Changed("swap") {
				patch.SwapSize = &swap
			}
			if flags.Changed("cpu-limit") {
				patch.CPULimit = &cpuLimit
			}
			if patch == (client.ComputePatch{}) {
				return fmt.Errorf("nothing to change")
			}

			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			compute, err := api.PatchCompute(ctx, args[0], patch)
			if err != nil {
				return err
			}
			return encodeAsJSON(cmd.OutOrStdout(), compute)
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Desired state (active|inactive|suspended)")
	cmd.Flags().StringVar(&hostname, "hostname", "", "Hostname")
	cmd.Flags().IntVar(&cores, "cores", 0, "Number of CPU cores")
	cmd.Flags().Float64Var(&memory, "memory", 0, "Memory (GB)")
	cmd.Flags().Float64Var(&swap, "swap", 0, "Swap size (GB)")
	cmd.Flags().Float64Var(&cpuLimit, "cpu-limit", 0, "CPU limit")
	return cmd
}

func newComputesDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a compute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if err := api.DeleteCompute(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Compute %s deleted\n", args[0])
			return nil
		},
	}
}

func newComputesTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates <id>",
		Short: "List the templates available to a compute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			templates, err := api.ListTemplates(ctx, args[0])
			if err != nil {
				return err
			}
			if len(templates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No templates found")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-8s %-10s %-12s %s\n", "NAME", "TYPE", "CORES", "MEMORY", "DEFAULT IP")
			for _, tpl := range templates {
				fmt.Fprintf(cmd.OutOrStdout(), "%-32s %-8s %-10s %-12s %s\n",
					tpl.Name, tpl.DomainType,
					fmt.Sprintf("%g-%g", tpl.Cores.Min, tpl.Cores.Max),
					fmt.Sprintf("%g-%g", tpl.Memory.Min, tpl.Memory.Max),
					tpl.Defaults["ip"])
			}
			return nil
		},
	}
}

func newActionCmd() *cobra.Command {
	var (
		target      string
		destination string
		offline     bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "action <id> <name>",
		Short: "Run an action (start, shutdown, deploy, migrate, sync, ...) against a compute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out, err := api.RunAction(ctx, args[0], args[1], client.ActionRequest{
				Target:      target,
				Destination: destination,
				Offline:     offline,
			})
			fmt.Fprint(cmd.OutOrStdout(), out)
			return err
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Target host for allocate")
	cmd.Flags().StringVar(&destination, "dest", "", "Destination host for migrate")
	cmd.Flags().BoolVar(&offline, "offline", false, "Migrate offline")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Action timeout")
	return cmd
}
