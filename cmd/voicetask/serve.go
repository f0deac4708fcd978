package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/collector"
	"github.com/breeze-rmm/voicetask/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long:  `Serve /process_audio, /ask, /patch and the /patch/stream WebSocket until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, appOptions{translate: true})
		if err != nil {
			return err
		}
		defer a.Close()

		addr := a.cfg.ListenAddr
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			addr = listen
		}

		a.audit.Log(audit.EventServiceStart, "", "", map[string]any{"addr": addr, "version": version})
		defer a.audit.Log(audit.EventServiceStop, "", "", nil)

		a.logger.Info("starting voicetask", zap.String("version", version), zap.String("addr", addr))
		srv := server.New(a.dispatcher, a.patcher, a.cfg.UploadDir, a.logger).
			WithStatus(collector.NewServiceCollector(version, a.logger))
		return srv.ListenAndServe(ctx, addr, a.cfg.MaxConnections)
	},
}

func init() {
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (overrides listen_addr)")
}
