package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newServiceCommand(ctx *commandContext) *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Control persistent inference services",
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "stop <backend>",
		Short: "Terminate a backend's persistent service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.ServiceStop(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Service for %s stopped\n", args[0])
				return nil
			})
		},
	})

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "preload <backend> <audio-file>",
		Short: "Ask the service to decode and cache an audio file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.PreloadAudio(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Preloaded %s\n", args[1])
				return nil
			})
		},
	})

	return serviceCmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <backend>",
		Short: "Cancel a backend's running operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(args[0])
				if err != nil {
					return err
				}
				if resp.Cancelled {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancellation requested")
				}
				return nil
			})
		},
	}
}
