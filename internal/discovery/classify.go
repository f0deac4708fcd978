package discovery

import (
	"strings"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

// TransportOrder returns the transports to try for a host, most preferred
// first. Without an OS hint, or with "windows", WinRM always precedes SSH.
// A unix hint flips the order so SSH wins when both ports answer.
func TransportOrder(osHint string) []models.TransportKind {
	switch strings.ToLower(strings.TrimSpace(osHint)) {
	case "linux", "mac", "macos", "darwin", "unix":
		return []models.TransportKind{models.TransportSSH, models.TransportWinRM}
	default:
		return []models.TransportKind{models.TransportWinRM, models.TransportSSH}
	}
}

// ClassifyTransport picks the transport a host would be dispatched over
// given its open ports.
func ClassifyTransport(host HostPorts, osHint string, winrmPort, sshPort int) models.TransportKind {
	for _, kind := range TransportOrder(osHint) {
		switch kind {
		case models.TransportWinRM:
			if hasPort(host.OpenPorts, winrmPort) {
				return kind
			}
		case models.TransportSSH:
			if hasPort(host.OpenPorts, sshPort) {
				return kind
			}
		}
	}
	return models.TransportUnreachable
}

func hasPort(openPorts []OpenPort, port int) bool {
	for _, openPort := range openPorts {
		if openPort.Port == port {
			return true
		}
	}
	return false
}
