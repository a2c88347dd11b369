package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/api"
	"capstan/internal/ipc"
)

func newEnvCommand(ctx *commandContext) *cobra.Command {
	envCmd := &cobra.Command{
		Use:   "env",
		Short: "Manage backend Python environments",
	}

	envCmd.AddCommand(newEnvStatusCommand(ctx))
	envCmd.AddCommand(newEnvInstallCommand(ctx))
	envCmd.AddCommand(newEnvSwitchCommand(ctx))
	envCmd.AddCommand(newEnvUninstallCommand(ctx))
	envCmd.AddCommand(newEnvVerifyCommand(ctx))

	return envCmd
}

func newEnvStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status <backend>",
		Short: "Show one backend's environment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.EnvStatus(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Backend)
				}
				stdout := cmd.OutOrStdout()
				b := resp.Backend
				colorize := shouldColorize(stdout)
				fmt.Fprintln(stdout, renderStatusLine("Backend", statusInfo, b.DisplayName, colorize))
				fmt.Fprintln(stdout, renderStatusLine("CPU", variantKind(b.CPU), variantCell(b.CPU), colorize))
				fmt.Fprintln(stdout, renderStatusLine("GPU", variantKind(b.GPU), variantCell(b.GPU), colorize))
				active := b.Active
				if active == "" {
					active = "none"
				}
				fmt.Fprintln(stdout, renderStatusLine("Active", statusInfo, active, colorize))
				if b.Service != "" {
					fmt.Fprintln(stdout, renderStatusLine("Service", statusInfo, b.Service, colorize))
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newEnvInstallCommand(ctx *commandContext) *cobra.Command {
	var gpu bool

	cmd := &cobra.Command{
		Use:   "install <backend>",
		Short: "Provision a backend environment with uv",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			variant := "cpu"
			if gpu {
				variant = "gpu"
			}
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Installing %s (%s)...\n", args[0], variant)
				err := callWithProgress(client, args[0], stdout, func() error {
					return client.Install(args[0], variant)
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Installed %s (%s)\n", args[0], variant)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&gpu, "gpu", false, "Install the CUDA variant instead of CPU")
	return cmd
}

func newEnvSwitchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <backend> <cpu|gpu>",
		Short: "Activate an installed environment variant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Switch(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Switched %s to %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newEnvUninstallCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <backend> <cpu|gpu>",
		Short: "Remove an environment variant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Uninstall(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (%s)\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newEnvVerifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <backend> <cpu|gpu>",
		Short: "Run the interpreter-backed readiness check",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Verify(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s) imports cleanly\n", args[0], args[1])
				return nil
			})
		},
	}
}

func variantKind(v api.VariantStatus) statusKind {
	switch {
	case v.Ready:
		return statusOK
	case v.Installed:
		return statusError
	default:
		return statusWarn
	}
}
