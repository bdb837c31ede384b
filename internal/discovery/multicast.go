package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	multicastAddress = "239.255.255.250:1900"
	readTimeout      = 100 * time.Millisecond
	maxDatagramSize  = 1500

	discoverPayload = "TYPE: WM-DISCOVER\nVERSION: 1.0\nSERVICES: com.rtcoa.tstat:1.0"
)

// MulticastDiscover sends WM-DISCOVER queries on the SSDP multicast group
// and collects the IPs of thermostats that answer with WM-NOTIFY, until the
// timeout elapses or ctx is cancelled. The query is re-sent every
// queryInterval because CT50 units routinely miss the first one.
func MulticastDiscover(ctx context.Context, timeout, queryInterval time.Duration) ([]string, error) {
	mcastAddr, err := net.ResolveUDPAddr("udp4", multicastAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast address: %w", err)
	}

	iface, _ := bestMulticastInterface()
	conn, err := net.ListenMulticastUDP("udp4", iface, mcastAddr)
	if err != nil {
		return nil, fmt.Errorf("multicast listen: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	var lastQuery time.Time
	buf := make([]byte, maxDatagramSize)
	seen := make(map[string]struct{})
	var found []string

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if time.Since(lastQuery) >= queryInterval {
			if _, err := conn.WriteTo([]byte(discoverPayload), mcastAddr); err != nil {
				return found, fmt.Errorf("send discover query: %w", err)
			}
			lastQuery = time.Now()
		}

		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return found, err
		}
		n, sender, err := conn.ReadFrom(buf)
		if err != nil {
			continue
		}
		payload := string(buf[:n])
		ip, ok := ParseNotify(payload)
		if !ok {
			// Some firmware answers WM-NOTIFY without a LOCATION header;
			// fall back to the datagram's source address.
			if !strings.HasPrefix(strings.TrimSpace(payload), "TYPE: WM-NOTIFY") {
				continue
			}
			if udp, okAddr := sender.(*net.UDPAddr); okAddr {
				ip = udp.IP.String()
			} else {
				continue
			}
		}
		if _, dup := seen[ip]; dup {
			continue
		}
		seen[ip] = struct{}{}
		found = append(found, ip)
	}
	return found, nil
}

// ParseNotify extracts the device IP from a WM-NOTIFY datagram. The answer
// looks like:
//
//	TYPE: WM-NOTIFY
//	VERSION: 1.0
//	SERVICES: com.rtcoa.tstat:1.0
//	LOCATION: http://192.168.1.50/sys/
func ParseNotify(payload string) (string, bool) {
	if !strings.HasPrefix(strings.TrimSpace(payload), "TYPE: WM-NOTIFY") {
		return "", false
	}
	for _, line := range strings.Split(payload, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "LOCATION:") {
			continue
		}
		loc := strings.TrimSpace(line[len("LOCATION:"):])
		loc = strings.TrimPrefix(loc, "http://")
		loc = strings.TrimPrefix(loc, "https://")
		if i := strings.IndexAny(loc, "/:"); i >= 0 {
			loc = loc[:i]
		}
		if net.ParseIP(loc) == nil {
			return "", false
		}
		return loc, true
	}
	return "", false
}

// bestMulticastInterface prefers an up, multicast-capable, non-loopback
// interface with an IPv4 address. Returns nil to let the stack choose when
// nothing qualifies.
func bestMulticastInterface() (*net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range interfaces {
		iface := &interfaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.To4() != nil {
				return iface, nil
			}
		}
	}
	return nil, fmt.Errorf("no suitable multicast interface")
}
