package patching

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
	"github.com/breeze-rmm/voicetask/internal/remote"
	"github.com/breeze-rmm/voicetask/pkg/models"
)

// aptListCommand refreshes package indexes before listing. The refresh is
// best effort: hosts without passwordless sudo still report from the
// existing cache.
const aptListCommand = "{ sudo -n env DEBIAN_FRONTEND=noninteractive apt-get update -qq >/dev/null 2>&1 || true; }; LANG=C apt list --upgradable 2>/dev/null"

// rebootPackagePrefixes mark upgrades that only take effect after a restart.
var rebootPackagePrefixes = []string{
	"linux-image",
	"linux-generic",
	"linux-modules",
	"linux-firmware",
	"libc6",
	"systemd",
	"dbus",
	"intel-microcode",
	"amd64-microcode",
}

// AptSource upgrades Debian/Ubuntu hosts over SSH.
type AptSource struct {
	connect remote.SSHConnector
	logger  *zap.Logger
}

// NewAptSource creates an AptSource.
func NewAptSource(connect remote.SSHConnector, logger *zap.Logger) *AptSource {
	return &AptSource{connect: connect, logger: logging.OrNop(logger)}
}

// ID returns the source identifier.
func (a *AptSource) ID() string {
	return "apt"
}

// Name returns the human-readable source name.
func (a *AptSource) Name() string {
	return "APT"
}

// Platforms returns the OS hints served.
func (a *AptSource) Platforms() []string {
	return []string{"linux"}
}

// Discover lists upgradable packages.
func (a *AptSource) Discover(ctx context.Context, creds models.Credentials) ([]UpdateRecord, error) {
	stdout, stderr, code, err := a.run(ctx, creds, aptListCommand)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, &ErrQueryFailed{ExitCode: code, Stderr: strings.TrimSpace(stderr)}
	}

	updates := []UpdateRecord{}
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "Listing") || strings.HasPrefix(line, "WARNING") {
			continue
		}

		name, version := parseAptUpgradable(line)
		if name == "" {
			continue
		}
		updates = append(updates, UpdateRecord{
			Title:          name,
			KB:             version,
			RebootRequired: needsReboot(name),
		})
	}
	return updates, scanner.Err()
}

// Install upgrades the named packages; reboot schedules a restart after a
// successful upgrade.
func (a *AptSource) Install(ctx context.Context, creds models.Credentials, updates []UpdateRecord, reboot bool) (InstallResult, error) {
	cmd, err := aptInstallCommand(updates, reboot)
	if err != nil {
		return InstallResult{}, err
	}
	stdout, stderr, code, err := a.run(ctx, creds, cmd)
	if err != nil {
		return InstallResult{}, err
	}
	return InstallResult{Stdout: stdout, Stderr: stderr, ExitCode: code}, nil
}

func (a *AptSource) run(ctx context.Context, creds models.Credentials, command string) (string, string, int, error) {
	runner, err := a.connect(ctx, creds)
	if err != nil {
		return "", "", -1, err
	}
	defer runner.Close()
	a.logger.Debug("running apt command", zap.String(logging.KeyHost, creds.Host))
	return runner.RunShell(ctx, command)
}

func aptInstallCommand(updates []UpdateRecord, reboot bool) (string, error) {
	if len(updates) == 0 {
		return "", fmt.Errorf("no packages to install")
	}
	pkgs := make([]string, 0, len(updates))
	for _, u := range updates {
		pkgs = append(pkgs, shQuote(u.Title))
	}
	cmd := "sudo -n env DEBIAN_FRONTEND=noninteractive apt-get -y install --only-upgrade " + strings.Join(pkgs, " ")
	if reboot {
		cmd += " && sudo -n shutdown -r +1"
	}
	return cmd, nil
}

func needsReboot(pkg string) bool {
	for _, prefix := range rebootPackagePrefixes {
		if strings.HasPrefix(pkg, prefix) {
			return true
		}
	}
	return false
}

// shQuote renders s as a single-quoted POSIX shell word.
func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parseAptUpgradable splits "name/suite version arch [upgradable from: x]"
// into the package name and target version.
func parseAptUpgradable(line string) (string, string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", ""
	}
	nameSuite := strings.SplitN(fields[0], "/", 2)
	if len(nameSuite) != 2 || nameSuite[0] == "" {
		return "", ""
	}
	return nameSuite[0], fields[1]
}
