package probe

import "testing"

func TestParseTraceroute(t *testing.T) {
	out := []byte(`traceroute to 8.8.8.8 (8.8.8.8), 20 hops max, 60 byte packets
 1  192.168.1.1  0.512 ms
 2  *
 3  10.10.0.1  4.200 ms
 4  dns.google (8.8.8.8)  9.1 ms
`)
	hops := parseTraceroute(out)
	if len(hops) != 4 {
		t.Fatalf("hops = %d, want 4", len(hops))
	}

	if hops[0].Hop != 1 || hops[0].IP == nil || *hops[0].IP != "192.168.1.1" {
		t.Fatalf("hop 1 = %+v", hops[0])
	}
	if hops[0].RTTMs == nil || *hops[0].RTTMs != 0.512 {
		t.Fatalf("hop 1 rtt = %v", hops[0].RTTMs)
	}

	if !hops[1].IsTimeout || hops[1].IP != nil {
		t.Fatalf("hop 2 should be a timeout: %+v", hops[1])
	}

	if hops[2].IP == nil || *hops[2].IP != "10.10.0.1" {
		t.Fatalf("hop 3 = %+v", hops[2])
	}

	// Resolved form: hostname first, IP in parentheses.
	if hops[3].Host == nil || *hops[3].Host != "dns.google" {
		t.Fatalf("hop 4 host = %+v", hops[3].Host)
	}
	if hops[3].IP == nil || *hops[3].IP != "8.8.8.8" {
		t.Fatalf("hop 4 ip = %+v", hops[3].IP)
	}
	if hops[3].RTTMs == nil || *hops[3].RTTMs != 9.1 {
		t.Fatalf("hop 4 rtt = %v", hops[3].RTTMs)
	}
}

func TestParseTracerouteSkipsHeaderAndNoise(t *testing.T) {
	out := []byte(`traceroute to 10.0.0.1 (10.0.0.1), 20 hops max
garbage line
`)
	if hops := parseTraceroute(out); len(hops) != 0 {
		t.Fatalf("hops = %d, want 0", len(hops))
	}
}

func TestHopsFromTTL(t *testing.T) {
	cases := []struct {
		ttl  int
		want int
	}{
		{0, 0},
		{-3, 0},
		{64, 1},  // reply from a directly attached host
		{60, 5},  // unix-style initial TTL 64
		{120, 9}, // windows-style initial TTL 128
		{250, 6}, // router-style initial TTL 255
		{300, 0}, // not a TTL any stack produces
	}
	for _, tc := range cases {
		if got := hopsFromTTL(tc.ttl); got != tc.want {
			t.Fatalf("hopsFromTTL(%d) = %d, want %d", tc.ttl, got, tc.want)
		}
	}
}
