package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"capstan/internal/engine"
	"capstan/internal/ipc"
)

func newTranscribeCommand(ctx *commandContext) *cobra.Command {
	var model string
	var lang string
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "transcribe <backend> <audio-file>",
		Short: "Transcribe an audio file with a backend's active environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()
				req := engine.TranscribeRequest{
					AudioPath: args[1],
					Model:     model,
					Language:  lang,
				}
				var resp *ipc.TranscribeResponse
				err := callWithProgress(client, args[0], stdout, func() error {
					var callErr error
					resp, callErr = client.Transcribe(args[0], req)
					return callErr
				})
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, resp.Result)
				}
				result := resp.Result
				if result.DeviceInfo != "" {
					fmt.Fprintf(stdout, "Device: %s\n", result.DeviceInfo)
				}
				if result.Language != "" {
					fmt.Fprintf(stdout, "Language: %s\n", result.Language)
				}
				for _, seg := range result.Segments {
					fmt.Fprintf(stdout, "[%8.2f - %8.2f] %s\n", seg.Start, seg.End, seg.Text)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model name (backend default when empty)")
	cmd.Flags().StringVar(&lang, "language", "", "Language hint (auto-detect when empty)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Emit machine-readable JSON")
	return cmd
}

func newCorrectCommand(ctx *commandContext) *cobra.Command {
	var entriesPath string
	var lang string
	var preserveCase bool
	var startMS, endMS int64
	var text string

	cmd := &cobra.Command{
		Use:   "correct <backend> <audio-file>",
		Short: "Correct subtitle entries against the audio",
		Long: "Correct subtitle entries against the audio.\n\n" +
			"With --entries, every entry in the JSON file is corrected in one\n" +
			"worker run. With --start/--end/--text, a single entry goes through\n" +
			"the backend's persistent service instead.",
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if entriesPath == "" && text == "" {
				return fmt.Errorf("either --entries or --start/--end/--text is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				stdout := cmd.OutOrStdout()
				if entriesPath != "" {
					data, err := os.ReadFile(entriesPath)
					if err != nil {
						return fmt.Errorf("read entries file: %w", err)
					}
					var entries []engine.CorrectionEntry
					if err := json.Unmarshal(data, &entries); err != nil {
						return fmt.Errorf("parse entries file: %w", err)
					}
					var resp *ipc.CorrectBatchResponse
					err = callWithProgress(client, args[0], stdout, func() error {
						var callErr error
						resp, callErr = client.CorrectBatch(args[0], args[1], entries)
						return callErr
					})
					if err != nil {
						return err
					}
					return writeJSON(cmd, resp.Results)
				}

				resp, err := client.Correct(args[0], engine.CorrectEntryRequest{
					AudioPath:    args[1],
					StartMS:      startMS,
					EndMS:        endMS,
					OriginalText: text,
					Language:     lang,
					PreserveCase: preserveCase,
				})
				if err != nil {
					return err
				}
				return writeJSON(cmd, resp.Result)
			})
		},
	}

	cmd.Flags().StringVar(&entriesPath, "entries", "", "JSON file of entries [{start_ms,end_ms,original_text}]")
	cmd.Flags().Int64Var(&startMS, "start", 0, "Entry start in milliseconds")
	cmd.Flags().Int64Var(&endMS, "end", 0, "Entry end in milliseconds")
	cmd.Flags().StringVar(&text, "text", "", "Original entry text")
	cmd.Flags().StringVar(&lang, "language", "", "Language hint")
	cmd.Flags().BoolVar(&preserveCase, "preserve-case", false, "Keep the original casing in the corrected text")
	return cmd
}
