package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validProviders = map[string]bool{
	"openai": true,
	"gemini": true,
}

// Validate checks the config for invalid values and returns all errors found.
// Values that would make a remote call block forever or fan out unbounded are
// clamped to safe defaults; the caller decides whether to log or abort.
func (c *Config) Validate() []error {
	var errs []error
	defaults := DefaultConfig()

	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("listen_addr %q is not host:port: %w", c.ListenAddr, err))
	}

	for name, port := range map[string]*int{"winrm_port": &c.WinRMPort, "ssh_port": &c.SSHPort} {
		if *port < 1 || *port > 65535 {
			errs = append(errs, fmt.Errorf("%s %d is out of range, using default", name, *port))
			if name == "winrm_port" {
				*port = defaults.WinRMPort
			} else {
				*port = defaults.SSHPort
			}
		}
	}

	errs = append(errs, clampDuration("probe_timeout", &c.ProbeTimeout, 100*time.Millisecond, time.Minute)...)
	errs = append(errs, clampDuration("ssh_connect_timeout", &c.SSHConnectTimeout, time.Second, 2*time.Minute)...)
	errs = append(errs, clampDuration("exec_timeout", &c.ExecTimeout, time.Second, 4*time.Hour)...)
	errs = append(errs, clampDuration("snmp_timeout", &c.SNMPTimeout, 100*time.Millisecond, 30*time.Second)...)
	errs = append(errs, clampDuration("llm_timeout", &c.LLMTimeout, time.Second, 10*time.Minute)...)
	errs = append(errs, clampDuration("patch_stage_timeout", &c.PatchStageTimeout, time.Minute, 12*time.Hour)...)

	if c.LLMMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("llm_max_retries %d is below minimum 1, clamping", c.LLMMaxRetries))
		c.LLMMaxRetries = 1
	} else if c.LLMMaxRetries > 10 {
		errs = append(errs, fmt.Errorf("llm_max_retries %d exceeds maximum 10, clamping", c.LLMMaxRetries))
		c.LLMMaxRetries = 10
	}

	if c.FleetConcurrency < 1 {
		errs = append(errs, fmt.Errorf("fleet_concurrency %d is below minimum 1, clamping", c.FleetConcurrency))
		c.FleetConcurrency = 1
	} else if c.FleetConcurrency > 64 {
		errs = append(errs, fmt.Errorf("fleet_concurrency %d exceeds maximum 64, clamping", c.FleetConcurrency))
		c.FleetConcurrency = 64
	}

	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("max_connections %d is below minimum 1, using default", c.MaxConnections))
		c.MaxConnections = defaults.MaxConnections
	}

	if !validProviders[strings.ToLower(c.LLMProvider)] {
		errs = append(errs, fmt.Errorf("llm_provider %q is not one of openai, gemini", c.LLMProvider))
	}
	if !validProviders[strings.ToLower(c.STTProvider)] {
		errs = append(errs, fmt.Errorf("stt_provider %q is not one of openai, gemini", c.STTProvider))
	}

	for name, raw := range map[string]string{"llm_base_url": c.LLMBaseURL, "stt_base_url": c.STTBaseURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a valid URL: %w", name, raw, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("%s scheme must be http or https, got %q", name, u.Scheme))
		}
	}

	switch c.SNMPVersion {
	case "2c", "3":
	default:
		errs = append(errs, fmt.Errorf("snmp_version %q is not 2c or 3, using 2c", c.SNMPVersion))
		c.SNMPVersion = "2c"
	}
	if c.SNMPPrivPassphrase != "" && c.SNMPAuthPassphrase == "" {
		errs = append(errs, fmt.Errorf("%s requires %s", "snmp_priv_passphrase", "snmp_auth_passphrase"))
	}

	switch strings.ToLower(c.RebootPolicy) {
	case "accept", "decline":
	default:
		errs = append(errs, fmt.Errorf("reboot_policy %q is not accept or decline, using accept", c.RebootPolicy))
		c.RebootPolicy = "accept"
	}

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not recognized", c.LogLevel))
	}

	return errs
}

func clampDuration(name string, d *time.Duration, min, max time.Duration) []error {
	switch {
	case *d < min:
		err := fmt.Errorf("%s %s is below minimum %s, clamping", name, *d, min)
		*d = min
		return []error{err}
	case *d > max:
		err := fmt.Errorf("%s %s exceeds maximum %s, clamping", name, *d, max)
		*d = max
		return []error{err}
	}
	return nil
}
