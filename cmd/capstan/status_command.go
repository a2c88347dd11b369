package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"capstan/internal/api"
	"capstan/internal/backend"
	"capstan/internal/deps"
	"capstan/internal/envstate"
	"capstan/internal/ipc"
	"capstan/internal/svc"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, dependency, and backend status",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, offline := fetchStatus(ctx)
			if jsonOut {
				return writeJSON(cmd, status)
			}

			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			for _, line := range renderSectionHeader("Daemon", colorize) {
				fmt.Fprintln(stdout, line)
			}
			if status.Running {
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusOK,
					fmt.Sprintf("running (pid %d)", status.PID), colorize))
				fmt.Fprintln(stdout, renderStatusLine("Socket", statusInfo, status.SocketPath, colorize))
			} else {
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusWarn,
					"not running; showing local state", colorize))
				if offline != nil {
					fmt.Fprintln(stdout, renderStatusLine("Detail", statusInfo, offline.Error(), colorize))
				}
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Dependencies", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, dep := range status.Dependencies {
				kind := statusOK
				detail := "Ready"
				if !dep.Available {
					detail = dep.Detail
					if strings.TrimSpace(detail) == "" {
						detail = "not available"
					}
					kind = statusError
					if dep.Optional {
						kind = statusWarn
					}
				}
				fmt.Fprintln(stdout, renderStatusLine(dep.Name, kind, detail, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Preflight", colorize) {
				fmt.Fprintln(stdout, line)
			}
			for _, check := range status.Preflight {
				kind := statusOK
				if !check.Passed {
					kind = statusError
				}
				fmt.Fprintln(stdout, renderStatusLine(check.Name, kind, check.Detail, colorize))
			}
			fmt.Fprintln(stdout)

			for _, line := range renderSectionHeader("Backends", colorize) {
				fmt.Fprintln(stdout, line)
			}
			fmt.Fprintln(stdout, renderTable(
				[]string{"Backend", "CPU", "GPU", "Active", "Service"},
				backendRows(status.Backends),
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
				colorize,
			))
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Ping()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				return nil
			})
		},
	}
}

// fetchStatus prefers the daemon's view and falls back to probing the local
// filesystem when the daemon is down. The fallback is read-only.
func fetchStatus(ctx *commandContext) (api.DaemonStatus, error) {
	client, err := ctx.dialClient()
	if err == nil {
		defer client.Close()
		if resp, rpcErr := client.Status(); rpcErr == nil {
			return resp.Status, nil
		} else {
			err = rpcErr
		}
	}
	return localStatus(ctx), err
}

func localStatus(ctx *commandContext) api.DaemonStatus {
	cfg := ctx.configValue()
	status := api.DaemonStatus{
		Running:      false,
		SocketPath:   ctx.socketPath(),
		Dependencies: deps.CheckSystemDeps(),
		Preflight:    deps.RunPreflight(cfg),
	}
	if cfg == nil {
		return status
	}
	for _, desc := range backend.All {
		registry := envstate.New(cfg.Paths.ConfigRoot, desc, nil)
		state, err := registry.Probe()
		if err != nil {
			continue
		}
		status.Backends = append(status.Backends,
			api.FromEnvState(desc, state, svc.StateStopped, nil))
	}
	return status
}

func backendRows(backends []api.BackendStatus) [][]string {
	rows := make([][]string, 0, len(backends))
	for _, b := range backends {
		active := b.Active
		if active == "" {
			active = "none"
		}
		service := "-"
		if b.Service != "" {
			service = b.Service
		}
		rows = append(rows, []string{
			b.DisplayName,
			variantCell(b.CPU),
			variantCell(b.GPU),
			active,
			service,
		})
	}
	return rows
}

func variantCell(v api.VariantStatus) string {
	switch {
	case v.Ready:
		return "ready"
	case v.Installed:
		return "installed (broken)"
	default:
		return "missing"
	}
}
