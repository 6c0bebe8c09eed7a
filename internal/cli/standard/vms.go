package standard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ccheshirecat/fleet/internal/cli/client"
)

func newVMsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vms",
		Short: "Create virtual machines and follow model changes",
	}
	cmd.AddCommand(newVMsCreateCmd())
	cmd.AddCommand(newVMsWatchCmd())
	return cmd
}

func newVMsCreateCmd() *cobra.Command {
	var (
		req      client.CreateVMRequest
		diskGB   float64
		password string
	)
	cmd := &cobra.Command{
		Use:   "create <container-id>",
		Short: "Create a virtual machine in a container; it deploys automatically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("disk") {
				req.Diskspace = &diskGB
			}
			if password != "" {
				req.RootPassword = password
				req.RootRepeat = password
			}

			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			vm, err := api.CreateVM(ctx, args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VM %s created (%s)\n", vm.Hostname, vm.ID)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&req.Hostname, "hostname", "", "Hostname of the new VM")
	flags.StringVar(&req.Template, "template", "", "Template name")
	flags.BoolVar(&req.StartOnBoot, "start", true, "Start the VM after deployment and on host boot")
	flags.StringVar(&req.IPv4Address, "ip", "", "IPv4 address")
	flags.StringVar(&req.DNS1, "dns1", "", "Primary nameserver")
	flags.StringVar(&req.DNS2, "dns2", "", "Secondary nameserver")
	flags.StringVar(&password, "root-password", "", "Root password")
	flags.Float64Var(&req.Memory, "memory", 0, "Memory (GB), template default when unset")
	flags.IntVar(&req.NumCores, "cores", 0, "CPU cores, template default when unset")
	flags.Float64Var(&req.SwapSize, "swap", 0, "Swap (GB), template default when unset")
	flags.Float64Var(&req.CPULimit, "cpu-limit", 0, "CPU limit, template default when unset")
	flags.Float64Var(&diskGB, "disk", 0, "Root disk size (GB)")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("template")
	return cmd
}

func newVMsWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream compute model events",
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := clientFromCmd(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			return api.WatchEvents(ctx, func(ev client.ModelEvent) {
				target := cmd.OutOrStdout()
				fmt.Fprintf(target, "%s\t%s\t%s\t%s\n", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.Name, strings.Join(ev.Changed(), ","))
			})
		},
	}
}
