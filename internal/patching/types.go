package patching

import (
	"context"
	"strings"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

// Status is the workflow's position in the patch lifecycle.
type Status string

const (
	StatusEmpty        Status = ""
	StatusUpToDate     Status = "up_to_date"
	StatusUpdatesFound Status = "updates_found"
	StatusUserAccepted Status = "user_accepted"
	StatusUserDeclined Status = "user_declined"
	StatusAllInstalled Status = "all_installed"
	StatusError        Status = "error"
)

// UpdateRecord describes one pending update reported by the target.
type UpdateRecord struct {
	Title          string `json:"Title"`
	KB             string `json:"KB"`
	RebootRequired bool   `json:"RebootRequired"`
}

// Label is the identifier used in logs and install commands.
func (u UpdateRecord) Label() string {
	if u.KB != "" {
		return u.KB
	}
	return u.Title
}

// VMInfo identifies a patch target.
type VMInfo struct {
	Host     string `json:"host" yaml:"host"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	OS       string `json:"os" yaml:"os"`
}

// Credentials returns the authentication half of the target.
func (v VMInfo) Credentials() models.Credentials {
	return models.Credentials{Host: v.Host, Username: v.Username, Password: v.Password}
}

// InstallResult captures the outcome of one remote install command.
type InstallResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// UpdateSource is implemented by per-platform update mechanisms reached
// over a remote transport. Every call opens its own session.
type UpdateSource interface {
	ID() string
	Name() string
	// Platforms lists the normalized OS hints this source serves.
	Platforms() []string
	Discover(ctx context.Context, creds models.Credentials) ([]UpdateRecord, error)
	Install(ctx context.Context, creds models.Credentials, updates []UpdateRecord, reboot bool) (InstallResult, error)
}

// NormalizeOS maps free-form OS hints onto the platform names sources use.
// An empty hint means windows.
func NormalizeOS(hint string) string {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "", "windows", "win", "win32", "win64":
		return "windows"
	case "linux", "ubuntu", "debian":
		return "linux"
	case "mac", "macos", "darwin", "osx":
		return "mac"
	default:
		return strings.ToLower(strings.TrimSpace(hint))
	}
}

// Partition splits updates into reboot-required and no-reboot sets,
// preserving order.
func Partition(updates []UpdateRecord) (reboot, noReboot []UpdateRecord) {
	reboot = []UpdateRecord{}
	noReboot = []UpdateRecord{}
	for _, u := range updates {
		if u.RebootRequired {
			reboot = append(reboot, u)
		} else {
			noReboot = append(noReboot, u)
		}
	}
	return reboot, noReboot
}
