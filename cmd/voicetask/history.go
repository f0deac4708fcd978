package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded dispatch and patch runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer store.Close()

		kind, _ := cmd.Flags().GetString("kind")
		host, _ := cmd.Flags().GetString("host")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := store.List(cmd.Context(), history.Filter{Kind: history.Kind(kind), Host: host, Limit: limit})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STARTED\tKIND\tHOST\tTRANSPORT\tSTATUS\tDURATION\tSUMMARY")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				r.StartedAt.Local().Format(time.DateTime), r.Kind, r.Host, r.Transport,
				r.Status, r.Duration.Round(time.Millisecond), r.Summary)
		}
		return tw.Flush()
	},
}

var verifyAuditCmd = &cobra.Command{
	Use:   "verify-audit [FILE]",
	Short: "Verify the hash chain of an audit trail file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = filepath.Join(auditDir(cfg), audit.FileName)
		}
		entries, err := audit.ReadFile(path)
		if err != nil {
			return err
		}
		if err := audit.Verify(entries); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d entries, chain intact\n", path, len(entries))
		return nil
	},
}

func init() {
	historyCmd.Flags().String("kind", "", "Filter by kind (dispatch, patch)")
	historyCmd.Flags().String("host", "", "Filter by host")
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum runs to list")
	historyCmd.Flags().Bool("json", false, "Print runs as JSON")

	historyCmd.AddCommand(verifyAuditCmd)
}
