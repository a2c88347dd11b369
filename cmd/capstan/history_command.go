package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"capstan/internal/ipc"
	"capstan/internal/oplog"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var backendFilter string
	var limit int
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(backendFilter, limit)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Entries)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Entries) == 0 {
					fmt.Fprintln(stdout, "No operations recorded")
					return nil
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"When", "Backend", "Operation", "Variant", "Outcome", "Detail"},
					historyRows(resp.Entries),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
					shouldColorize(stdout),
				))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&backendFilter, "backend", "", "Only show one backend's operations")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to show (default 50)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func historyRows(entries []oplog.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		when := e.StartedAt.Local().Format("2006-01-02 15:04:05")
		target := e.Operation
		if e.Target != "" {
			target = fmt.Sprintf("%s %s", e.Operation, e.Target)
		}
		rows = append(rows, []string{
			when,
			e.Backend,
			target,
			e.Variant,
			titleCase(string(e.Status)),
			e.Detail,
		})
	}
	return rows
}
