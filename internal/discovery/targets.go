package discovery

import (
	"fmt"
	"net"
	"strings"
)

// MaxExpandedHosts bounds how many addresses one CIDR argument may yield.
const MaxExpandedHosts = 4096

// ExpandTargets turns host names, IPs and IPv4 CIDR ranges into a flat,
// de-duplicated host list in input order.
func ExpandTargets(args []string) ([]string, error) {
	seen := make(map[string]bool)
	var hosts []string
	add := func(h string) {
		if !seen[h] {
			seen[h] = true
			hosts = append(hosts, h)
		}
	}

	for _, arg := range args {
		arg = strings.TrimSpace(arg)
		if arg == "" {
			continue
		}
		if !strings.Contains(arg, "/") {
			add(arg)
			continue
		}
		ips, err := expandSubnet(arg)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			add(ip.String())
		}
	}
	return hosts, nil
}

func expandSubnet(subnet string) ([]net.IP, error) {
	_, network, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", subnet, err)
	}
	if network.IP.To4() == nil {
		return nil, fmt.Errorf("subnet %q: only IPv4 ranges can be expanded", subnet)
	}

	ones, bits := network.Mask.Size()
	hosts := uint64(1) << uint(bits-ones)
	if hosts > MaxExpandedHosts {
		return nil, fmt.Errorf("subnet %q has %d addresses, limit is %d", subnet, hosts, MaxExpandedHosts)
	}

	ips := make([]net.IP, 0, int(hosts))
	for ip := network.IP.Mask(network.Mask); network.Contains(ip); ip = nextIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	// Drop network and broadcast addresses for ordinary ranges.
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}
	return ips, nil
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
