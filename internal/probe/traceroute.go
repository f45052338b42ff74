package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TracerouteHop is one parsed hop line.
type TracerouteHop struct {
	Hop       int      `json:"hop"`
	Host      *string  `json:"host"`
	IP        *string  `json:"ip"`
	RTTMs     *float64 `json:"rtt_ms"`
	IsTimeout bool     `json:"is_timeout"`
	Raw       string   `json:"raw"`
}

// TracerouteResult is the outcome of one traceroute run.
type TracerouteResult struct {
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	DurationMs float64         `json:"duration_ms"`
	Hops       []TracerouteHop `json:"hops"`
}

// Traceroute runs the system traceroute binary against addr with the given
// hop limit and overall timeout, and parses its output into hops. The
// command is killed when the context deadline passes.
func Traceroute(ctx context.Context, addr string, maxHops int, timeout time.Duration) (*TracerouteResult, error) {
	if maxHops <= 0 {
		maxHops = 20
	}
	if timeout <= 0 {
		timeout = 25 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now().UTC()
	cmd := exec.CommandContext(ctx, "traceroute", "-n", "-q", "1",
		"-m", strconv.Itoa(maxHops), "-w", "2", addr)
	out, err := cmd.Output()
	finished := time.Now().UTC()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("traceroute to %s timed out after %s", addr, timeout)
	}
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("running traceroute: %w", err)
	}

	return &TracerouteResult{
		StartedAt:  started,
		FinishedAt: finished,
		DurationMs: float64(finished.Sub(started)) / float64(time.Millisecond),
		Hops:       parseTraceroute(out),
	}, nil
}

// parseTraceroute turns traceroute output lines into hops. Lines that do
// not start with a hop number (the header, noise) are skipped; a line whose
// probe column is "*" is a timeout hop.
func parseTraceroute(out []byte) []TracerouteHop {
	var hops []TracerouteHop
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		num, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		hop := TracerouteHop{Hop: num, Raw: line}
		if fields[1] == "*" {
			hop.IsTimeout = true
			hops = append(hops, hop)
			continue
		}

		// With -n the second column is the responding IP. Resolved runs
		// (no -n) put the hostname first and the IP in parentheses.
		addr := fields[1]
		if strings.HasPrefix(addr, "(") {
			addr = strings.Trim(addr, "()")
		}
		if len(fields) >= 3 && strings.HasPrefix(fields[2], "(") {
			host := fields[1]
			hop.Host = &host
			addr = strings.Trim(fields[2], "()")
		}
		hop.IP = &addr

		for i := 2; i < len(fields)-1; i++ {
			if fields[i+1] == "ms" {
				if rtt, err := strconv.ParseFloat(fields[i], 64); err == nil {
					hop.RTTMs = &rtt
					break
				}
			}
		}
		hops = append(hops, hop)
	}
	return hops
}
