// Package snmp identifies hosts over SNMP so their operating system can be
// guessed before a transport is chosen.
package snmp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Auth holds SNMP v2c community or v3 authentication parameters.
type Auth struct {
	Community      string
	Username       string
	AuthProtocol   gosnmp.SnmpV3AuthProtocol
	AuthPassphrase string
	PrivProtocol   gosnmp.SnmpV3PrivProtocol
	PrivPassphrase string
	SecurityLevel  gosnmp.SnmpV3MsgFlags
}

// ClientConfig defines connection settings for one target.
type ClientConfig struct {
	Target  string
	Port    uint16
	Version gosnmp.SnmpVersion
	Auth    Auth
	Timeout time.Duration
	Retries int
}

// Client wraps a connected gosnmp session.
type Client struct {
	client *gosnmp.GoSNMP
}

// NewClient creates and connects a client for v2c or v3. Requests are
// abandoned when ctx is cancelled.
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	config = normalizeClientConfig(config)
	if config.Target == "" {
		return nil, errors.New("SNMP target is required")
	}

	gs := &gosnmp.GoSNMP{
		Context: ctx,
		Target:  config.Target,
		Port:    config.Port,
		Version: config.Version,
		Timeout: config.Timeout,
		Retries: config.Retries,
	}

	switch config.Version {
	case gosnmp.Version3:
		if config.Auth.Username == "" {
			return nil, errors.New("SNMP v3 username is required")
		}
		gs.SecurityModel = gosnmp.UserSecurityModel
		gs.MsgFlags = config.Auth.SecurityLevel
		gs.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 config.Auth.Username,
			AuthenticationProtocol:   config.Auth.AuthProtocol,
			AuthenticationPassphrase: config.Auth.AuthPassphrase,
			PrivacyProtocol:          config.Auth.PrivProtocol,
			PrivacyPassphrase:        config.Auth.PrivPassphrase,
		}
	default:
		gs.Community = config.Auth.Community
	}

	if err := gs.Connect(); err != nil {
		return nil, fmt.Errorf("SNMP connect failed: %w", err)
	}

	return &Client{client: gs}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	if c == nil || c.client == nil || c.client.Conn == nil {
		return
	}
	_ = c.client.Conn.Close()
}

// Get fetches the given OIDs in a single request.
func (c *Client) Get(oids ...string) ([]gosnmp.SnmpPDU, error) {
	if len(oids) == 0 {
		return nil, errors.New("oid is required")
	}
	packet, err := c.client.Get(oids)
	if err != nil {
		return nil, err
	}
	if packet == nil || len(packet.Variables) == 0 {
		return nil, errors.New("SNMP response contained no variables")
	}
	return packet.Variables, nil
}

func normalizeClientConfig(config ClientConfig) ClientConfig {
	if config.Port == 0 {
		config.Port = 161
	}
	if config.Version == 0 {
		config.Version = gosnmp.Version2c
	}
	if config.Timeout == 0 {
		config.Timeout = 2 * time.Second
	}
	if config.Retries < 0 {
		config.Retries = 0
	}

	if config.Version == gosnmp.Version3 {
		// A passphrase without a protocol gets SHA/AES; no passphrase means none.
		if config.Auth.AuthProtocol == 0 {
			config.Auth.AuthProtocol = gosnmp.NoAuth
			if config.Auth.AuthPassphrase != "" {
				config.Auth.AuthProtocol = gosnmp.SHA
			}
		}
		if config.Auth.PrivProtocol == 0 {
			config.Auth.PrivProtocol = gosnmp.NoPriv
			if config.Auth.PrivPassphrase != "" {
				config.Auth.PrivProtocol = gosnmp.AES
			}
		}
		if config.Auth.SecurityLevel == 0 {
			config.Auth.SecurityLevel = inferSecurityLevel(config.Auth)
		}
	} else if config.Auth.Community == "" {
		config.Auth.Community = "public"
	}

	return config
}

func inferSecurityLevel(auth Auth) gosnmp.SnmpV3MsgFlags {
	if auth.PrivPassphrase != "" || auth.PrivProtocol != gosnmp.NoPriv {
		return gosnmp.AuthPriv
	}
	if auth.AuthPassphrase != "" || auth.AuthProtocol != gosnmp.NoAuth {
		return gosnmp.AuthNoPriv
	}
	return gosnmp.NoAuthNoPriv
}
