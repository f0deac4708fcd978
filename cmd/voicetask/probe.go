package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gosnmp/gosnmp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/voicetask/internal/config"
	"github.com/breeze-rmm/voicetask/internal/discovery"
	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/snmp"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// probeResult is one row of probe output.
type probeResult struct {
	discovery.HostPorts
	Transport models.TransportKind `json:"transport"`
	Identity  *snmp.Identity       `json:"snmp,omitempty"`
}

var probeCmd = &cobra.Command{
	Use:   "probe HOST|CIDR...",
	Short: "Check which remote management ports hosts expose",
	Example: `  voicetask probe 10.0.0.5 build-01
  voicetask probe 10.0.0.0/28 --snmp`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
		if err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		defer logger.Sync()

		hosts, err := discovery.ExpandTargets(args)
		if err != nil {
			return err
		}
		osHint, _ := cmd.Flags().GetString("os")
		workers, _ := cmd.Flags().GetInt("workers")
		useSNMP, _ := cmd.Flags().GetBool("snmp")
		asJSON, _ := cmd.Flags().GetBool("json")

		ports := []int{cfg.SSHPort, cfg.WinRMPort, discovery.PortWinRMHTTPS}
		scanned := discovery.ProbeHosts(cmd.Context(), hosts, ports, cfg.ProbeTimeout, workers, logger)

		results := make([]probeResult, len(scanned))
		for i, hp := range scanned {
			results[i].HostPorts = hp
		}
		if useSNMP {
			identifyAll(cmd.Context(), cfg, results, workers)
		}
		for i := range results {
			hint := osHint
			if hint == "" && results[i].Identity != nil {
				hint = results[i].Identity.OS
			}
			results[i].Transport = discovery.ClassifyTransport(results[i].HostPorts, hint, cfg.WinRMPort, cfg.SSHPort)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}

		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HOST\tOPEN PORTS\tOS\tTRANSPORT")
		for _, r := range results {
			open := make([]string, 0, len(r.OpenPorts))
			for _, p := range r.OpenPorts {
				open = append(open, strconv.Itoa(p.Port)+"/"+p.Service)
			}
			if len(open) == 0 {
				open = append(open, "-")
			}
			detected := "-"
			if r.Identity != nil && r.Identity.OS != "" {
				detected = r.Identity.OS
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Host, strings.Join(open, ","), detected, r.Transport)
		}
		return tw.Flush()
	},
}

// identifyAll queries SNMP on every host, leaving Identity nil where no
// agent answers.
func identifyAll(ctx context.Context, cfg *config.Config, results []probeResult, workers int) {
	clientCfg := snmpConfig(cfg)
	if clientCfg.Version != gosnmp.Version3 && clientCfg.Auth.Community == "" {
		clientCfg.Auth.Community = "public"
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(workers, 1))
	for i := range results {
		g.Go(func() error {
			if id, err := snmp.Identify(ctx, results[i].Host, clientCfg); err == nil {
				results[i].Identity = id
			}
			return nil
		})
	}
	_ = g.Wait()
}

func init() {
	probeCmd.Flags().String("os", "", "OS hint used to pick the transport")
	probeCmd.Flags().Int("workers", 16, "Concurrent probes")
	probeCmd.Flags().Bool("snmp", false, "Identify hosts over SNMP using the snmp_* settings (v2c community defaults to public)")
	probeCmd.Flags().Bool("json", false, "Print results as JSON")
}
