// Package translator turns operator instructions into shell commands using
// a language model. A model that cannot map an instruction answers with the
// refusal prefix instead of a command.
package translator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/internal/logging"
)

// MachineKind names the command dialect requested from the model.
type MachineKind string

const (
	MachineWindows MachineKind = "Windows(Powershell)"
	MachineSSH     MachineKind = "SSH"
)

// RefusalPrefix starts every answer that must not be executed.
const RefusalPrefix = "Cannot execute command:"

const promptTemplate = `You are a helpful assistant. Convert the user's request into a valid %s command.
Note: If the command cannot be executed using WinRM or SSH, respond exactly with:
%s [brief reason here]

User request: %s

Command:
`

// Translator converts an instruction into a command or a refusal.
type Translator interface {
	Translate(ctx context.Context, machine MachineKind, instruction string) (string, error)
}

// Completer sends one prompt to a language model and returns its text.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// IsRefusal reports whether a translation must be surfaced instead of run.
func IsRefusal(command string) bool {
	trimmed := strings.TrimSpace(command)
	prefix := strings.TrimSuffix(RefusalPrefix, ":")
	return len(trimmed) >= len(prefix) && strings.EqualFold(trimmed[:len(prefix)], prefix)
}

// BuildPrompt renders the fixed instruction template.
func BuildPrompt(machine MachineKind, instruction string) string {
	return fmt.Sprintf(promptTemplate, machine, RefusalPrefix, strings.TrimSpace(instruction))
}

// Options tune retries around the completer.
type Options struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// PromptTranslator implements Translator over any Completer.
type PromptTranslator struct {
	completer Completer
	opts      Options
	logger    *zap.Logger
}

// New creates a PromptTranslator.
func New(completer Completer, opts Options, logger *zap.Logger) *PromptTranslator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 500 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 10 * time.Second
	}
	return &PromptTranslator{
		completer: completer,
		opts:      opts,
		logger:    logging.OrNop(logger).Named("translator"),
	}
}

// ErrEmptyInstruction is returned when there is nothing to translate.
var ErrEmptyInstruction = errors.New("instruction is empty")

// Translate asks the model for a command. Transient failures are retried;
// errors marked permanent by the completer are returned immediately.
func (t *PromptTranslator) Translate(ctx context.Context, machine MachineKind, instruction string) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", ErrEmptyInstruction
	}
	prompt := BuildPrompt(machine, instruction)

	raw, err := retry.DoWithData(func() (string, error) {
		return t.completer.Complete(ctx, prompt)
	},
		retry.Context(ctx),
		retry.Attempts(uint(t.opts.MaxAttempts)),
		retry.Delay(t.opts.InitialDelay),
		retry.MaxDelay(t.opts.MaxDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("translation attempt failed", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("translate instruction: %w", err)
	}

	command := CleanCommand(raw)
	if command == "" {
		return "", errors.New("translate instruction: model returned an empty command")
	}

	t.logger.Debug("instruction translated",
		zap.String("machine", string(machine)),
		zap.Bool("refusal", IsRefusal(command)),
	)
	return command, nil
}

// CleanCommand strips markdown fences, a leading "Command:" label and
// surrounding whitespace from a model answer.
func CleanCommand(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			// drop the language tag line, e.g. ```powershell
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.TrimSpace(s)
	if len(s) >= len("command:") && strings.EqualFold(s[:len("command:")], "command:") {
		s = strings.TrimSpace(s[len("command:"):])
	}
	return s
}

// permanent marks an error so retries stop.
func permanent(err error) error {
	return retry.Unrecoverable(err)
}
