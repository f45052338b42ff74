// Package probe implements reachability checks for PMD.
// The ICMP prober sends a single unprivileged echo per call; anything that
// goes wrong (socket error, resolution failure, timeout) is reported as a
// lost sample, never as an error, so monitoring loops cannot be killed by a
// flaky network.
package probe

import (
	"context"
	"time"

	"github.com/go-ping/ping"
)

// Result is the outcome of one reachability check.
// Lost=true implies LatencyMs=nil: a lost probe has no latency.
type Result struct {
	LatencyMs *float64
	Hops      *int
	Lost      bool
}

// Prober executes one reachability check against an address.
// Implementations must bound their own runtime; Ping never blocks
// indefinitely.
type Prober interface {
	Ping(ctx context.Context, addr string) Result
}

// ICMPProber probes with a single ICMP echo request in unprivileged
// (UDP datagram) mode, so the server does not need CAP_NET_RAW.
type ICMPProber struct {
	// Timeout bounds one probe end to end.
	Timeout time.Duration
}

// NewICMPProber returns a prober with the given per-probe timeout
// (default 1s).
func NewICMPProber(timeout time.Duration) *ICMPProber {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ICMPProber{Timeout: timeout}
}

// Ping sends one echo request and reports latency, estimated hop count and
// loss. The effective timeout is the smaller of the prober timeout and the
// context deadline, so cancellation during a probe is observed promptly.
func (p *ICMPProber) Ping(ctx context.Context, addr string) Result {
	lost := Result{Lost: true}

	pinger, err := ping.NewPinger(addr)
	if err != nil {
		return lost
	}
	pinger.Count = 1
	pinger.SetPrivileged(false)

	timeout := p.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return lost
	}
	pinger.Timeout = timeout

	var recvTTL int
	pinger.OnRecv = func(pkt *ping.Packet) {
		recvTTL = pkt.Ttl
	}

	if err := pinger.Run(); err != nil {
		return lost
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return lost
	}

	latency := float64(stats.AvgRtt) / float64(time.Millisecond)
	res := Result{LatencyMs: &latency}
	if hops := hopsFromTTL(recvTTL); hops > 0 {
		res.Hops = &hops
	}
	return res
}

// hopsFromTTL estimates the path length from the TTL of the echo reply.
// Hosts start at 64, 128 or 255; the reply's TTL is the start value minus
// the hops traversed. Returns 0 when the TTL is unusable.
func hopsFromTTL(ttl int) int {
	if ttl <= 0 {
		return 0
	}
	for _, initial := range []int{64, 128, 255} {
		if ttl <= initial {
			return initial - ttl + 1
		}
	}
	return 0
}
