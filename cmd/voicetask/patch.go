package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/voicetask/internal/patching"
)

var patchCmd = &cobra.Command{
	Use:   "patch",
	Short: "Check for and install updates on one machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := credentialFlags(cmd)
		if err != nil {
			return err
		}
		osHint, _ := cmd.Flags().GetString("os")
		asJSON, _ := cmd.Flags().GetBool("json")

		opts := appOptions{}
		if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
			opts.confirmer = promptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout())
		}
		a, err := newApp(cmd.Context(), opts)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		var onLog patching.ProgressCallback
		if !asJSON {
			onLog = func(line string) { fmt.Fprintln(out, line) }
		}

		vm := patching.VMInfo{Host: creds.Host, Username: creds.Username, Password: creds.Password, OS: osHint}
		state := a.patcher.Run(cmd.Context(), vm, onLog)

		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(state.Response())
		}
		fmt.Fprintf(out, "\n%s\n", state.Meta())
		if state.Status == patching.StatusError {
			return fmt.Errorf("patch run %s ended in error", state.RunID)
		}
		return nil
	},
}

var fleetCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Run the update workflow across an inventory of machines",
	Example: `  voicetask fleet --inventory fleet.yaml
  voicetask fleet --inventory fleet.yaml --concurrency 8`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("inventory")
		vms, err := patching.LoadInventory(path)
		if err != nil {
			return err
		}

		concurrency, _ := cmd.Flags().GetInt("concurrency")
		a, err := newApp(cmd.Context(), appOptions{concurrency: concurrency})
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		var mu sync.Mutex
		results := a.patcher.RunFleet(cmd.Context(), vms, func(host, line string) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(out, "[%s] %s\n", host, line)
		})

		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HOST\tOS\tSTATUS\tREBOOT\tNO-REBOOT\tRUN")
		failed := 0
		for _, r := range results {
			if r.State.Status == patching.StatusError {
				failed++
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				r.VM.Host, patching.NormalizeOS(r.VM.OS), r.State.Status,
				len(r.State.RebootUpdates), len(r.State.NoRebootUpdates), r.State.RunID)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d hosts ended in error", failed, len(results))
		}
		return nil
	},
}

func init() {
	addCredentialFlags(patchCmd)
	patchCmd.Flags().String("os", "windows", "Target OS (windows, linux)")
	patchCmd.Flags().BoolP("interactive", "i", false, "Ask before installing updates that need a reboot")
	patchCmd.Flags().Bool("json", false, "Print the final state as JSON")

	fleetCmd.Flags().StringP("inventory", "f", "", "YAML inventory of hosts")
	fleetCmd.Flags().Int("concurrency", 0, "Hosts patched in parallel (overrides fleet_concurrency)")
	_ = fleetCmd.MarkFlagRequired("inventory")
}

// promptConfirmer asks on the terminal before reboot-required installs.
// Anything but an explicit yes declines.
func promptConfirmer(in io.Reader, out io.Writer) patching.Confirmer {
	reader := bufio.NewReader(in)
	return patching.ConfirmFunc(func(ctx context.Context, vm patching.VMInfo, updates []patching.UpdateRecord) (bool, error) {
		fmt.Fprintf(out, "%d update(s) on %s require a reboot:\n", len(updates), vm.Host)
		for _, u := range updates {
			fmt.Fprintf(out, "  - %s\n", u.Label())
		}
		fmt.Fprint(out, "Install and reboot now? [y/N]: ")

		answer := make(chan string, 1)
		go func() {
			line, _ := reader.ReadString('\n')
			answer <- line
		}()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case line := <-answer:
			line = strings.ToLower(strings.TrimSpace(line))
			return line == "y" || line == "yes", nil
		}
	})
}
