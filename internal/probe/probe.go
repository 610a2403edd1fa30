// Package probe checks whether the door appliance is reachable on the
// network.
package probe

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"zk-agent-go/internal/types"
)

const (
	DefaultPort    = 4370
	DefaultTimeout = 5 * time.Second

	MethodTCP  = "tcp"
	MethodNmap = "nmap"
)

type Prober interface {
	Probe(ctx context.Context) types.ApplianceStatus
}

type Target struct {
	Address string
	Port    int
	Timeout time.Duration
}

func (t Target) withDefaults() Target {
	if t.Port <= 0 {
		t.Port = DefaultPort
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	return t
}

func (t Target) status(method string) types.ApplianceStatus {
	return types.ApplianceStatus{
		Address:   t.Address,
		Port:      t.Port,
		Method:    method,
		CheckedAt: types.Now(),
	}
}

// New returns the prober for method, "tcp" or "nmap".
func New(method string, target Target) (Prober, error) {
	target = target.withDefaults()
	switch method {
	case "", MethodTCP:
		return TCPProber{Target: target}, nil
	case MethodNmap:
		return NmapProber{Target: target}, nil
	default:
		return nil, fmt.Errorf("unknown probe method %q", method)
	}
}

// TCPProber opens and closes one TCP connection.
type TCPProber struct {
	Target Target
}

func (p TCPProber) Probe(ctx context.Context) types.ApplianceStatus {
	t := p.Target.withDefaults()
	status := t.status(MethodTCP)

	dialer := net.Dialer{Timeout: t.Timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Address, strconv.Itoa(t.Port)))
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Error = err.Error()
		return status
	}
	_ = conn.Close()
	status.Reachable = true
	return status
}

// NmapProber runs a single-port nmap scan without host discovery, which also
// works for appliances that drop ICMP.
type NmapProber struct {
	Target Target
}

func (p NmapProber) Probe(ctx context.Context) types.ApplianceStatus {
	t := p.Target.withDefaults()
	status := t.status(MethodNmap)

	ctx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	scanner, err := nmap.NewScanner(
		ctx,
		nmap.WithTargets(t.Address),
		nmap.WithPorts(strconv.Itoa(t.Port)),
		nmap.WithSkipHostDiscovery(),
	)
	if err != nil {
		status.Error = fmt.Sprintf("create scanner: %v", err)
		return status
	}

	start := time.Now()
	result, warnings, err := scanner.Run()
	status.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		status.Error = fmt.Sprintf("scan failed: %v", err)
		return status
	}
	if warnings != nil && len(*warnings) > 0 {
		log.Printf("probe: nmap warnings for %s: %v", t.Address, *warnings)
	}
	status.Reachable = portOpen(result, t.Port)
	if !status.Reachable {
		status.Error = fmt.Sprintf("port %d not open", t.Port)
	}
	return status
}

func portOpen(result *nmap.Run, port int) bool {
	if result == nil {
		return false
	}
	for _, host := range result.Hosts {
		if host.Status.State != "up" {
			continue
		}
		for _, p := range host.Ports {
			if int(p.ID) == port && p.State.State == "open" {
				return true
			}
		}
	}
	return false
}

// Poll probes immediately and then every interval until ctx is done, handing
// each result to update. Transitions between reachable and unreachable are
// logged.
func Poll(ctx context.Context, p Prober, interval time.Duration, update func(types.ApplianceStatus)) {
	if p == nil || update == nil {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	var lastReachable bool
	for {
		status := p.Probe(ctx)
		if first || status.Reachable != lastReachable {
			if status.Reachable {
				log.Printf("probe: appliance %s:%d reachable (%d ms)", status.Address, status.Port, status.LatencyMS)
			} else {
				log.Printf("probe: appliance %s:%d unreachable: %s", status.Address, status.Port, status.Error)
			}
		}
		first = false
		lastReachable = status.Reachable
		update(status)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
