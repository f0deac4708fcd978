package patching

// ProgressCallback receives each log line as it is appended to a State.
// It runs on the workflow goroutine and must not block for long.
type ProgressCallback func(line string)

// FleetProgressCallback receives log lines tagged with the target host.
type FleetProgressCallback func(host, line string)
