package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
)

func newModelCommand(ctx *commandContext) *cobra.Command {
	modelCmd := &cobra.Command{
		Use:   "model",
		Short: "Manage backend model caches",
	}

	modelCmd.AddCommand(newModelListCommand(ctx))
	modelCmd.AddCommand(newModelDownloadCommand(ctx))
	modelCmd.AddCommand(newModelDeleteCommand(ctx))

	return modelCmd
}

func newModelListCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list <backend>",
		Short: "List a backend's models and their download state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Models(args[0])
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Models)
				}
				rows := make([][]string, 0, len(resp.Models))
				for _, m := range resp.Models {
					state := "missing"
					switch {
					case m.Downloaded:
						state = "downloaded"
					case m.Downloading:
						state = "downloading"
					}
					rows = append(rows, []string{m.Name, m.DisplaySize, state})
				}
				stdout := cmd.OutOrStdout()
				fmt.Fprintln(stdout, renderTable(
					[]string{"Model", "Size", "State"},
					rows,
					[]columnAlignment{alignLeft, alignRight, alignLeft},
					shouldColorize(stdout),
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newModelDownloadCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "download <backend>",
		Short: "Download a backend's model files, resuming partial transfers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Downloading %s model files...\n", args[0])
				err := callWithProgress(client, args[0], stdout, func() error {
					return client.Download(args[0])
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(stdout, "Download complete")
				return nil
			})
		},
	}
}

func newModelDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backend> <model>",
		Short: "Remove a cached model",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.DeleteModel(args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s model %s\n", args[0], args[1])
				return nil
			})
		},
	}
}
