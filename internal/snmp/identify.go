package snmp

import (
	"context"
	"errors"
	"strings"

	"github.com/gosnmp/gosnmp"
)

const (
	oidSysDescr    = "1.3.6.1.2.1.1.1.0"
	oidSysObjectID = "1.3.6.1.2.1.1.2.0"
	oidSysName     = "1.3.6.1.2.1.1.5.0"
)

// Identity contains basic system identifiers and the OS inferred from them.
type Identity struct {
	Host        string `json:"host"`
	SysDescr    string `json:"sysDescr,omitempty"`
	SysObjectID string `json:"sysObjectId,omitempty"`
	SysName     string `json:"sysName,omitempty"`
	OS          string `json:"os,omitempty"` // windows, linux, mac or empty
}

// Identify queries the system group of host. config.Target is ignored.
func Identify(ctx context.Context, host string, config ClientConfig) (*Identity, error) {
	config.Target = host
	client, err := NewClient(ctx, config)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	pdus, err := client.Get(oidSysDescr, oidSysObjectID, oidSysName)
	if err != nil {
		return nil, err
	}

	identity := &Identity{Host: host}
	for _, pdu := range pdus {
		switch strings.TrimPrefix(pdu.Name, ".") {
		case oidSysDescr:
			identity.SysDescr = pduString(pdu)
		case oidSysObjectID:
			identity.SysObjectID = pduString(pdu)
		case oidSysName:
			identity.SysName = pduString(pdu)
		}
	}

	if identity.SysDescr == "" && identity.SysName == "" && identity.SysObjectID == "" {
		return nil, errors.New("SNMP response did not include system identity")
	}
	identity.OS = OSFromSysDescr(identity.SysDescr)
	return identity, nil
}

// OSFromSysDescr maps a sysDescr string to an OS hint, or "" when unknown.
func OSFromSysDescr(descr string) string {
	d := strings.ToLower(descr)
	switch {
	case d == "":
		return ""
	case strings.Contains(d, "windows"):
		return "windows"
	case strings.Contains(d, "darwin"), strings.Contains(d, "macos"), strings.Contains(d, "mac os"):
		return "mac"
	case strings.Contains(d, "linux"), strings.Contains(d, "ubuntu"), strings.Contains(d, "debian"):
		return "linux"
	default:
		return ""
	}
}

func pduString(pdu gosnmp.SnmpPDU) string {
	if pdu.Value == nil {
		return ""
	}
	switch value := pdu.Value.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	default:
		return gosnmp.ToBigInt(value).String()
	}
}
