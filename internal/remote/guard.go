package remote

import (
	"fmt"
	"regexp"
	"strings"
)

// BlockedError reports a command rejected before it reached the host.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("command contains potentially dangerous pattern: %s", e.Reason)
}

type dangerousPattern struct {
	re   *regexp.Regexp
	desc string
}

// Guard screens generated commands for destructive operations. These are
// heuristic checks and not foolproof.
type Guard struct {
	patterns []dangerousPattern
}

var defaultPatterns = []struct {
	pattern string
	desc    string
}{
	{`rm\s+-rf\s+/\s*$`, "dangerous recursive delete on root"},
	{`rm\s+-rf\s+/\*`, "dangerous recursive delete on root wildcard"},
	{`mkfs\.`, "filesystem format command"},
	{`dd\s+if=.*of=/dev/`, "direct disk write"},
	{`chmod\s+-r\s+777\s+/(\s|$)`, "dangerous recursive chmod on root"},
	{regexp.QuoteMeta(`:(){ :|:& };:`), "fork bomb"},
	// Windows-specific dangerous patterns
	{`format\s+[a-z]:`, "disk format command"},
	{`format-volume\b`, "disk format command"},
	{`clear-disk\b`, "disk wipe command"},
	{`del\s+/[fqs]\s+[a-z]:\\windows`, "Windows system file deletion"},
	{`rd\s+/s\s+/q\s+[a-z]:\\windows`, "Windows system directory deletion"},
	{`remove-item\s+.*[a-z]:\\windows.*-recurse`, "Windows system directory deletion"},
	{`remove-item\s+.*-recurse.*[a-z]:\\windows`, "Windows system directory deletion"},
}

// DefaultGuard returns a Guard with the built-in pattern set.
func DefaultGuard() *Guard {
	g := &Guard{}
	for _, p := range defaultPatterns {
		g.patterns = append(g.patterns, dangerousPattern{re: regexp.MustCompile(p.pattern), desc: p.desc})
	}
	return g
}

// Check returns a *BlockedError when command matches a dangerous pattern.
// A nil Guard allows everything.
func (g *Guard) Check(command string) error {
	if g == nil {
		return nil
	}
	lower := strings.ToLower(command)
	for _, p := range g.patterns {
		if p.re.MatchString(lower) {
			return &BlockedError{Reason: p.desc}
		}
	}
	return nil
}
