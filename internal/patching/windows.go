package patching

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/remote"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// DiscoverScript lists pending updates as JSON. ConvertTo-Json emits a bare
// object for a single update and nothing at all when there are none.
const DiscoverScript = "Import-Module PSWindowsUpdate; Get-WindowsUpdate -MicrosoftUpdate | Select Title, KB, RebootRequired | ConvertTo-Json"

// WindowsUpdateSource drives the PSWindowsUpdate module over WinRM.
type WindowsUpdateSource struct {
	connect remote.WinRMConnector
	logger  *zap.Logger
}

// NewWindowsUpdateSource creates a source that opens a fresh WinRM session
// for every call.
func NewWindowsUpdateSource(connect remote.WinRMConnector, logger *zap.Logger) *WindowsUpdateSource {
	return &WindowsUpdateSource{connect: connect, logger: logging.OrNop(logger)}
}

// ID returns the source identifier.
func (w *WindowsUpdateSource) ID() string {
	return "windows-update"
}

// Name returns the human-readable source name.
func (w *WindowsUpdateSource) Name() string {
	return "Windows Update"
}

// Platforms returns the OS hints served.
func (w *WindowsUpdateSource) Platforms() []string {
	return []string{"windows"}
}

// Discover runs the update query and parses its JSON.
func (w *WindowsUpdateSource) Discover(ctx context.Context, creds models.Credentials) ([]UpdateRecord, error) {
	stdout, stderr, code, err := w.run(ctx, creds, DiscoverScript)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &ErrQueryFailed{ExitCode: code, Stderr: strings.TrimSpace(stderr)}
	}
	return ParseUpdates(w.Name(), stdout)
}

// Install installs exactly the given updates. reboot selects -AutoReboot.
func (w *WindowsUpdateSource) Install(ctx context.Context, creds models.Credentials, updates []UpdateRecord, reboot bool) (InstallResult, error) {
	script, err := InstallScript(updates, reboot)
	if err != nil {
		return InstallResult{}, err
	}
	stdout, stderr, code, err := w.run(ctx, creds, script)
	if err != nil {
		return InstallResult{}, err
	}
	return InstallResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (w *WindowsUpdateSource) run(ctx context.Context, creds models.Credentials, script string) (string, string, int, error) {
	runner, err := w.connect(creds)
	if err != nil {
		return "", "", -1, err
	}
	w.logger.Debug("running update script", zap.String(logging.KeyHost, creds.Host))
	return runner.RunPowerShell(ctx, script)
}

// InstallScript builds the PSWindowsUpdate install command for exactly
// updates. When every update carries a KB the install is restricted with
// -KBArticleID; otherwise pending updates are re-queried and filtered by KB
// or exact title, since drivers and some definition updates have no KB.
func InstallScript(updates []UpdateRecord, reboot bool) (string, error) {
	if len(updates) == 0 {
		return "", errors.New("no updates to install")
	}
	var kbs, titles []string
	for _, u := range updates {
		switch {
		case u.KB != "":
			kbs = append(kbs, psQuote(u.KB))
		case u.Title != "":
			titles = append(titles, psQuote(u.Title))
		default:
			return "", errors.New("update has neither a KB nor a title")
		}
	}

	autoReboot := "-AutoReboot:$false"
	if reboot {
		autoReboot = "-AutoReboot"
	}
	if len(titles) == 0 {
		return fmt.Sprintf(
			"Import-Module PSWindowsUpdate; Install-WindowsUpdate -MicrosoftUpdate -KBArticleID %s -AcceptAll %s -Confirm:$false | Out-String",
			strings.Join(kbs, ","), autoReboot,
		), nil
	}
	return fmt.Sprintf(
		"Import-Module PSWindowsUpdate; $kbs = @(%s); $titles = @(%s); "+
			"Get-WindowsUpdate -MicrosoftUpdate | Where-Object { ($_.KB -and $kbs -contains $_.KB) -or $titles -contains $_.Title } | "+
			"Install-WindowsUpdate -MicrosoftUpdate -AcceptAll %s -Confirm:$false | Out-String",
		strings.Join(kbs, ","), strings.Join(titles, ","), autoReboot,
	), nil
}

// psQuote renders s as a single-quoted PowerShell literal.
func psQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ParseUpdates decodes update-query output: empty, one JSON object, or a
// JSON array of objects.
func ParseUpdates(source, output string) ([]UpdateRecord, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return []UpdateRecord{}, nil
	}

	switch trimmed[0] {
	case '[':
		var updates []UpdateRecord
		if err := json.Unmarshal([]byte(trimmed), &updates); err != nil {
			return nil, &ErrMalformedOutput{Source: source, Detail: err.Error()}
		}
		if updates == nil {
			updates = []UpdateRecord{}
		}
		return updates, nil
	case '{':
		var u UpdateRecord
		if err := json.Unmarshal([]byte(trimmed), &u); err != nil {
			return nil, &ErrMalformedOutput{Source: source, Detail: err.Error()}
		}
		return []UpdateRecord{u}, nil
	default:
		return nil, &ErrMalformedOutput{Source: source, Detail: fmt.Sprintf("unexpected leading %q", trimmed[0])}
	}
}
