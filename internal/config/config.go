package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration
type Config struct {
	// HTTP API
	ListenAddr     string `mapstructure:"listen_addr"`
	MaxConnections int    `mapstructure:"max_connections"`
	UploadDir      string `mapstructure:"upload_dir"`

	// Storage
	DataDir     string `mapstructure:"data_dir"`
	HistoryPath string `mapstructure:"history_path"`

	// Audit
	AuditMaxSizeMB  int `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int `mapstructure:"audit_max_backups"`

	// Transports
	WinRMPort         int           `mapstructure:"winrm_port"`
	WinRMHTTPS        bool          `mapstructure:"winrm_https"`
	WinRMInsecure     bool          `mapstructure:"winrm_insecure"`
	SSHPort           int           `mapstructure:"ssh_port"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	SSHConnectTimeout time.Duration `mapstructure:"ssh_connect_timeout"`
	ExecTimeout       time.Duration `mapstructure:"exec_timeout"`

	// OS detection over SNMP. v2c needs a community, v3 a username;
	// detection is off when neither is set.
	SNMPVersion        string        `mapstructure:"snmp_version"`
	SNMPCommunity      string        `mapstructure:"snmp_community"`
	SNMPUsername       string        `mapstructure:"snmp_username"`
	SNMPAuthPassphrase string        `mapstructure:"snmp_auth_passphrase"`
	SNMPPrivPassphrase string        `mapstructure:"snmp_priv_passphrase"`
	SNMPTimeout        time.Duration `mapstructure:"snmp_timeout"`

	// Command translation
	LLMProvider   string        `mapstructure:"llm_provider"`
	LLMModel      string        `mapstructure:"llm_model"`
	LLMAPIKey     string        `mapstructure:"llm_api_key"`
	LLMBaseURL    string        `mapstructure:"llm_base_url"`
	LLMTimeout    time.Duration `mapstructure:"llm_timeout"`
	LLMMaxRetries int           `mapstructure:"llm_max_retries"`

	// Speech to text
	STTProvider string `mapstructure:"stt_provider"`
	STTModel    string `mapstructure:"stt_model"`
	STTAPIKey   string `mapstructure:"stt_api_key"`
	STTBaseURL  string `mapstructure:"stt_base_url"`

	// Safety
	BlockDangerousCommands bool `mapstructure:"block_dangerous_commands"`

	// Patching
	RebootPolicy      string        `mapstructure:"reboot_policy"`
	PatchStageTimeout time.Duration `mapstructure:"patch_stage_timeout"`
	FleetConcurrency  int           `mapstructure:"fleet_concurrency"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

// DefaultConfig returns configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:             "0.0.0.0:5000",
		MaxConnections:         64,
		UploadDir:              filepath.Join(os.TempDir(), "voicetask-uploads"),
		DataDir:                GetDataDir(),
		AuditMaxSizeMB:         50,
		AuditMaxBackups:        3,
		WinRMPort:              5985,
		SSHPort:                22,
		ProbeTimeout:           3 * time.Second,
		SSHConnectTimeout:      10 * time.Second,
		ExecTimeout:            10 * time.Minute,
		SNMPVersion:            "2c",
		SNMPTimeout:            time.Second,
		LLMProvider:            "openai",
		LLMModel:               "gpt-3.5-turbo",
		LLMBaseURL:             "https://api.openai.com/v1",
		LLMTimeout:             60 * time.Second,
		LLMMaxRetries:          3,
		STTProvider:            "openai",
		STTModel:               "whisper-1",
		STTBaseURL:             "https://api.openai.com/v1",
		BlockDangerousCommands: true,
		RebootPolicy:           "accept",
		PatchStageTimeout:      2 * time.Hour,
		FleetConcurrency:       4,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

// Load reads configuration from file and environment. An empty cfgFile
// searches the platform config directory and the working directory.
func Load(cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("voicetask")
		v.SetConfigType("yaml")
		v.AddConfigPath(getConfigDir())
		v.AddConfigPath(".")
	}

	// Environment variable support
	v.SetEnvPrefix("VOICETASK")
	v.AutomaticEnv()
	bindEnv(v)

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(cfg.DataDir, "history.db")
	}

	return cfg, nil
}

// Save writes the current configuration to path, or to the platform config
// directory when path is empty. Secrets are written with owner-only access.
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(getConfigDir(), "voicetask.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	for key, value := range c.settings() {
		v.Set(key, value)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

func (c *Config) settings() map[string]any {
	return map[string]any{
		"listen_addr":              c.ListenAddr,
		"max_connections":          c.MaxConnections,
		"upload_dir":               c.UploadDir,
		"data_dir":                 c.DataDir,
		"history_path":             c.HistoryPath,
		"audit_max_size_mb":        c.AuditMaxSizeMB,
		"audit_max_backups":        c.AuditMaxBackups,
		"winrm_port":               c.WinRMPort,
		"winrm_https":              c.WinRMHTTPS,
		"winrm_insecure":           c.WinRMInsecure,
		"ssh_port":                 c.SSHPort,
		"probe_timeout":            c.ProbeTimeout,
		"ssh_connect_timeout":      c.SSHConnectTimeout,
		"exec_timeout":             c.ExecTimeout,
		"snmp_version":             c.SNMPVersion,
		"snmp_community":           c.SNMPCommunity,
		"snmp_username":            c.SNMPUsername,
		"snmp_auth_passphrase":     c.SNMPAuthPassphrase,
		"snmp_priv_passphrase":     c.SNMPPrivPassphrase,
		"snmp_timeout":             c.SNMPTimeout,
		"llm_provider":             c.LLMProvider,
		"llm_model":                c.LLMModel,
		"llm_api_key":              c.LLMAPIKey,
		"llm_base_url":             c.LLMBaseURL,
		"llm_timeout":              c.LLMTimeout,
		"llm_max_retries":          c.LLMMaxRetries,
		"stt_provider":             c.STTProvider,
		"stt_model":                c.STTModel,
		"stt_api_key":              c.STTAPIKey,
		"stt_base_url":             c.STTBaseURL,
		"block_dangerous_commands": c.BlockDangerousCommands,
		"reboot_policy":            c.RebootPolicy,
		"patch_stage_timeout":      c.PatchStageTimeout,
		"fleet_concurrency":        c.FleetConcurrency,
		"log_level":                c.LogLevel,
		"log_format":               c.LogFormat,
		"log_file":                 c.LogFile,
	}
}

// bindEnv registers every key so AutomaticEnv overrides apply to Unmarshal
// even when the key is absent from the config file.
func bindEnv(v *viper.Viper) {
	for key := range DefaultConfig().settings() {
		_ = v.BindEnv(key)
	}
}

// getConfigDir returns the platform-specific config directory
func getConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VoiceTask")
	case "darwin":
		return "/Library/Application Support/VoiceTask"
	default: // Linux and others
		return "/etc/voicetask"
	}
}

// GetDataDir returns the platform-specific data directory
func GetDataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "VoiceTask", "data")
	case "darwin":
		return "/Library/Application Support/VoiceTask/data"
	default:
		return "/var/lib/voicetask"
	}
}
