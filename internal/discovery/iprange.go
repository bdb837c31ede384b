package discovery

import (
	"fmt"
	"net"
	"strings"
)

// ExpandRanges turns configured range expressions into individual IPs.
// Supported forms: "192.168.1.10-192.168.1.50" and CIDR ("192.168.1.0/24",
// network and broadcast addresses excluded).
func ExpandRanges(ranges []string) ([]string, error) {
	var out []string
	seen := make(map[string]struct{})
	add := func(ip string) {
		if _, ok := seen[ip]; ok {
			return
		}
		seen[ip] = struct{}{}
		out = append(out, ip)
	}

	for _, r := range ranges {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		switch {
		case strings.Contains(r, "/"):
			ips, err := expandCIDR(r)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				add(ip)
			}
		case strings.Contains(r, "-"):
			ips, err := expandDashRange(r)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				add(ip)
			}
		default:
			if net.ParseIP(r) == nil {
				return nil, fmt.Errorf("invalid IP %q", r)
			}
			add(r)
		}
	}
	return out, nil
}

func expandDashRange(r string) ([]string, error) {
	parts := strings.SplitN(r, "-", 2)
	start := net.ParseIP(strings.TrimSpace(parts[0])).To4()
	end := net.ParseIP(strings.TrimSpace(parts[1])).To4()
	if start == nil || end == nil {
		return nil, fmt.Errorf("invalid IP range %q", r)
	}
	s, e := ipToUint(start), ipToUint(end)
	if e < s {
		return nil, fmt.Errorf("descending IP range %q", r)
	}
	if e-s > 65535 {
		return nil, fmt.Errorf("IP range %q too large", r)
	}
	ips := make([]string, 0, e-s+1)
	for v := s; v <= e; v++ {
		ips = append(ips, uintToIP(v).String())
	}
	return ips, nil
}

func expandCIDR(r string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(r)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR %q: %w", r, err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("only IPv4 CIDRs supported: %q", r)
	}
	ones, bits := ipnet.Mask.Size()
	if bits-ones > 16 {
		return nil, fmt.Errorf("CIDR %q too large", r)
	}
	first := ipToUint(ipnet.IP.To4())
	last := first | (1<<(bits-ones) - 1)
	var ips []string
	for v := first; v <= last; v++ {
		// Skip network and broadcast addresses for real subnets.
		if bits-ones >= 2 && (v == first || v == last) {
			continue
		}
		ips = append(ips, uintToIP(v).String())
	}
	return ips, nil
}

func ipToUint(ip net.IP) uint32 {
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func uintToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
