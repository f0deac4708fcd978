package models

import (
	"strings"
	"time"
)

// TransportKind identifies how a host is reached for remote execution
type TransportKind string

const (
	TransportWinRM       TransportKind = "winrm"
	TransportSSH         TransportKind = "ssh"
	TransportUnreachable TransportKind = "unreachable"
)

// Credentials authenticate one remote invocation. They are never persisted.
type Credentials struct {
	Host     string `json:"host"`
	Username string `json:"username"`
	Password string `json:"-"`
}

// Missing returns the names of required fields that are empty
func (c Credentials) Missing() []string {
	var missing []string
	if strings.TrimSpace(c.Host) == "" {
		missing = append(missing, "host")
	}
	if strings.TrimSpace(c.Username) == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	return missing
}

// ExecutionResult represents the result of one remote command
type ExecutionResult struct {
	Command   string        `json:"command"`
	Transport TransportKind `json:"transport"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	// Output is the text surfaced to the operator: stdout or stderr for
	// WinRM, stdout+stderr for SSH, or an error description.
	Output    string        `json:"output"`
	ExitCode  int           `json:"exitCode"` // -1 when the command never ran
	Succeeded bool          `json:"succeeded"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// DispatchResponse is returned for a single instruction
type DispatchResponse struct {
	Transcription string        `json:"transcription"`
	Command       string        `json:"command"`
	Output        string        `json:"output"`
	Transport     TransportKind `json:"transport,omitempty"`
}

// PatchRequest starts a patch workflow against one machine
type PatchRequest struct {
	Host     string `json:"host" yaml:"host"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	OS       string `json:"os" yaml:"os"` // windows, linux, mac
}

// Credentials returns the authentication half of the request
func (r PatchRequest) Credentials() Credentials {
	return Credentials{Host: r.Host, Username: r.Username, Password: r.Password}
}

// Missing returns the names of required fields that are empty
func (r PatchRequest) Missing() []string {
	missing := r.Credentials().Missing()
	if strings.TrimSpace(r.OS) == "" {
		missing = append(missing, "os")
	}
	return missing
}

// StageOutcome is the result category of one workflow stage
type StageOutcome string

const (
	StageOK      StageOutcome = "ok"
	StageSkipped StageOutcome = "skipped"
	StageFailed  StageOutcome = "failed"
)

// StageResult records how a workflow stage ended
type StageResult struct {
	Stage   string       `json:"stage"`
	Outcome StageOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

// PatchResponse is returned when a patch workflow completes
type PatchResponse struct {
	RunID  string        `json:"runId"`
	Log    []string      `json:"log"`
	Meta   string        `json:"meta"`
	Status string        `json:"status"`
	Stages []StageResult `json:"stages"`
}

// StreamMessage is one frame on the patch log stream
type StreamMessage struct {
	Type   string         `json:"type"` // log, result, error
	Line   string         `json:"line,omitempty"`
	Result *PatchResponse `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
}

// ServiceStatus is the body of GET /status
type ServiceStatus struct {
	Status        string         `json:"status"` // ok, degraded
	Version       string         `json:"version"`
	StartedAt     time.Time      `json:"startedAt"`
	UptimeSeconds int64          `json:"uptimeSeconds"`
	Goroutines    int            `json:"goroutines"`
	Process       ProcessMetrics `json:"process"`
	Host          HostMetrics    `json:"host"`
}

// ProcessMetrics describes the service process
type ProcessMetrics struct {
	RSSBytes uint64  `json:"rssBytes"`
	CPUPct   float64 `json:"cpuPct"`
	Threads  int32   `json:"threads"`
}

// HostMetrics describes the machine running the service
type HostMetrics struct {
	CPUPct       float64 `json:"cpuPct"`
	MemUsedPct   float64 `json:"memUsedPct"`
	MemAvailable uint64  `json:"memAvailable"`
	LoadAvg1     float64 `json:"loadAvg1"`
}
