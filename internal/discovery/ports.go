package discovery

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds a single TCP reachability check.
const DefaultProbeTimeout = 3 * time.Second

// Well-known remote management ports.
const (
	PortSSH        = 22
	PortWinRM      = 5985
	PortWinRMHTTPS = 5986
)

// OpenPort is a port that accepted a TCP connection.
type OpenPort struct {
	Port    int    `json:"port"`
	Service string `json:"service,omitempty"`
}

// HostPorts is the probe result for one host.
type HostPorts struct {
	Host      string     `json:"host"`
	OpenPorts []OpenPort `json:"openPorts"`
}

// Probe reports whether a TCP connection to host:port succeeds before the
// timeout or ctx expires. Refusals, timeouts and resolution errors all
// report false.
func Probe(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ProbeHosts checks every port on every host with a bounded number of
// workers. Results keep the order of hosts; ports are sorted ascending.
func ProbeHosts(ctx context.Context, hosts []string, ports []int, timeout time.Duration, workers int, logger *zap.Logger) []HostPorts {
	results := make([]HostPorts, len(hosts))
	for i, host := range hosts {
		results[i] = HostPorts{Host: host, OpenPorts: []OpenPort{}}
	}
	if len(hosts) == 0 || len(ports) == 0 {
		return results
	}
	if workers <= 0 {
		workers = 32
	}

	jobs := make(chan portJob)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				if Probe(ctx, hosts[job.index], job.port, timeout) {
					mu.Lock()
					results[job.index].OpenPorts = append(results[job.index].OpenPorts, OpenPort{Port: job.port, Service: ServiceName(job.port)})
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for index := range hosts {
		for _, port := range ports {
			select {
			case jobs <- portJob{index: index, port: port}:
			case <-ctx.Done():
				break feed
			}
		}
	}
	close(jobs)

	wg.Wait()

	for i := range results {
		ports := results[i].OpenPorts
		sort.Slice(ports, func(a, b int) bool { return ports[a].Port < ports[b].Port })
	}

	if logger != nil {
		logger.Debug("port probe completed", zap.Int("hosts", len(hosts)), zap.Int("ports", len(ports)))
	}
	return results
}

type portJob struct {
	index int
	port  int
}

// ServiceName returns the conventional service on a management port.
func ServiceName(port int) string {
	switch port {
	case PortSSH:
		return "ssh"
	case 3389:
		return "rdp"
	case 445:
		return "smb"
	case PortWinRM, PortWinRMHTTPS:
		return "winrm"
	default:
		return ""
	}
}
