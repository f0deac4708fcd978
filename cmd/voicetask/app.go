package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gosnmp/gosnmp"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/audit"
	"github.com/breeze-rmm/voicetask/internal/config"
	"github.com/breeze-rmm/voicetask/internal/dispatch"
	"github.com/breeze-rmm/voicetask/internal/history"
	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/patching"
	"github.com/breeze-rmm/voicetask/internal/remote"
	"github.com/breeze-rmm/voicetask/internal/snmp"
	"github.com/breeze-rmm/voicetask/internal/transcribe"
	"github.com/breeze-rmm/voicetask/internal/translator"
)

// app holds the wired service graph for one CLI invocation.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	audit   *audit.Logger
	history *history.Store

	dispatcher *dispatch.Orchestrator
	patcher    *patching.Manager
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.LLMAPIKey == "" {
		cfg.LLMAPIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.STTAPIKey == "" {
		cfg.STTAPIKey = cfg.LLMAPIKey
	}
	return cfg, nil
}

func auditDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "audit")
}

// appOptions select the optional parts of the graph.
type appOptions struct {
	// translate builds the translator and transcriber; patch-only
	// commands leave it off and need no API key.
	translate bool
	// confirmer overrides the configured reboot policy.
	confirmer patching.Confirmer
	// concurrency overrides fleet_concurrency when positive.
	concurrency int
}

// newApp loads configuration and builds every collaborator. The returned
// app must be closed.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	for _, verr := range cfg.Validate() {
		logger.Warn("config validation", zap.Error(verr))
	}

	if opts.concurrency > 0 {
		cfg.FleetConcurrency = opts.concurrency
	}

	a := &app{cfg: cfg, logger: logger}

	a.audit, err = audit.NewLogger(audit.Options{
		Dir:        auditDir(cfg),
		MaxSizeMB:  cfg.AuditMaxSizeMB,
		MaxBackups: cfg.AuditMaxBackups,
	}, logger)
	if err != nil {
		logger.Warn("audit trail disabled", zap.Error(err))
		a.audit = nil
	}

	a.history, err = history.Open(cfg.HistoryPath)
	if err != nil {
		logger.Warn("run history disabled", zap.String("path", cfg.HistoryPath), zap.Error(err))
		a.history = nil
	}

	winrmConnect := remote.NewWinRMConnector(remote.WinRMOptions{
		Port:     cfg.WinRMPort,
		HTTPS:    cfg.WinRMHTTPS,
		Insecure: cfg.WinRMInsecure,
		Timeout:  cfg.ExecTimeout,
	})
	sshConnect := remote.NewSSHConnector(cfg.SSHPort, cfg.SSHConnectTimeout)

	var trans translator.Translator
	if opts.translate {
		trans, err = translator.FromSettings(ctx, translator.Settings{
			Provider:   cfg.LLMProvider,
			Model:      cfg.LLMModel,
			APIKey:     cfg.LLMAPIKey,
			BaseURL:    cfg.LLMBaseURL,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
		}, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize translator: %w", err)
		}
	}

	var stt transcribe.Transcriber
	if opts.translate {
		stt, err = transcribe.New(ctx, transcribe.Settings{
			Provider:   cfg.STTProvider,
			Model:      cfg.STTModel,
			APIKey:     cfg.STTAPIKey,
			BaseURL:    cfg.STTBaseURL,
			Timeout:    cfg.LLMTimeout,
			MaxRetries: cfg.LLMMaxRetries,
		}, logger)
		if err != nil {
			logger.Warn("speech to text disabled", zap.Error(err))
			stt = nil
		}
	}

	var guard *remote.Guard
	if cfg.BlockDangerousCommands {
		guard = remote.DefaultGuard()
	}

	dopts := dispatch.Options{
		ProbeTimeout: cfg.ProbeTimeout,
		WinRMPort:    cfg.WinRMPort,
		SSHPort:      cfg.SSHPort,
		WinRM:        remote.NewWinRMExecutor(winrmConnect, cfg.ExecTimeout, logger),
		SSH:          remote.NewSSHExecutor(sshConnect, cfg.ExecTimeout, logger),
		Guard:        guard,
	}
	// Interface fields stay nil when their backend is unavailable.
	if trans != nil {
		dopts.Translator = trans
	}
	if stt != nil {
		dopts.Transcriber = stt
	}
	if a.audit != nil {
		dopts.Audit = a.audit
	}
	if a.history != nil {
		dopts.History = a.history
	}
	if snmpEnabled(cfg) {
		dopts.DetectOS = snmpDetector(cfg, logger)
	}
	a.dispatcher = dispatch.New(dopts, logger)

	confirmer := opts.confirmer
	if confirmer == nil {
		confirmer, err = patching.ConfirmerForPolicy(cfg.RebootPolicy)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	mopts := patching.ManagerOptions{
		Confirmer:    confirmer,
		StageTimeout: cfg.PatchStageTimeout,
		Concurrency:  cfg.FleetConcurrency,
	}
	if a.audit != nil {
		mopts.Audit = a.audit
	}
	if a.history != nil {
		mopts.History = a.history
	}
	a.patcher = patching.NewManager(mopts, logger,
		patching.NewWindowsUpdateSource(winrmConnect, logger),
		patching.NewAptSource(sshConnect, logger),
	)

	return a, nil
}

// snmpDetector guesses a host's OS from its SNMP sysDescr. Hosts without
// an agent yield "" once the timeout passes.
func snmpDetector(cfg *config.Config, logger *zap.Logger) dispatch.OSDetector {
	clientCfg := snmpConfig(cfg)
	return func(ctx context.Context, host string) string {
		id, err := snmp.Identify(ctx, host, clientCfg)
		if err != nil {
			logger.Debug("snmp identification failed", zap.String(logging.KeyHost, host), zap.Error(err))
			return ""
		}
		return id.OS
	}
}

func snmpEnabled(cfg *config.Config) bool {
	if cfg.SNMPVersion == "3" {
		return cfg.SNMPUsername != ""
	}
	return cfg.SNMPCommunity != ""
}

func snmpConfig(cfg *config.Config) snmp.ClientConfig {
	c := snmp.ClientConfig{
		Version: gosnmp.Version2c,
		Auth:    snmp.Auth{Community: cfg.SNMPCommunity},
		Timeout: cfg.SNMPTimeout,
	}
	if cfg.SNMPVersion == "3" {
		c.Version = gosnmp.Version3
		c.Auth = snmp.Auth{
			Username:       cfg.SNMPUsername,
			AuthPassphrase: cfg.SNMPAuthPassphrase,
			PrivPassphrase: cfg.SNMPPrivPassphrase,
		}
	}
	return c
}

// Close releases the audit trail, the history store and the logger.
func (a *app) Close() error {
	var errs []error
	if a.audit != nil {
		if n := a.audit.DroppedCount(); n > 0 {
			a.logger.Warn("audit entries dropped", zap.Int64("count", n))
		}
		errs = append(errs, a.audit.Close())
	}
	if a.history != nil {
		errs = append(errs, a.history.Close())
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
