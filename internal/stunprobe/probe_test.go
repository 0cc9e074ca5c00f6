package stunprobe

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

// TestGetExternalIPbySTUN_SecondServerAnswers is the S6 scenario: a fixed
// entropy value and a 3-entry server list where only the second entry is
// reachable and returns a mapped address.
func TestGetExternalIPbySTUN_SecondServerAnswers(t *testing.T) {
	good, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer good.Close()

	go serveOneBindingResponse(t, good, net.ParseIP("203.0.113.7"), 40000)

	servers := []string{
		"127.0.0.1:1",
		good.LocalAddr().String(),
		"127.0.0.1:2",
	}

	// entropy ≡ 1 (mod 3) puts pos at index 1, the reachable server, on
	// the very first attempt so the test doesn't pay for the unreachable
	// servers' timeouts.
	const entropy = 1

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := GetExternalIPbySTUN(ctx, servers, entropy)
	if err != nil {
		t.Fatalf("GetExternalIPbySTUN: %v", err)
	}
	if result.Server != servers[1] {
		t.Errorf("answering server = %q, want %q", result.Server, servers[1])
	}
	if result.Addr.IP.String() != "203.0.113.7" || result.Addr.Port != 40000 {
		t.Errorf("mapped addr = %s, want 203.0.113.7:40000", result.Addr)
	}
}

func TestGetExternalIPbySTUN_NoServers(t *testing.T) {
	if _, err := GetExternalIPbySTUN(context.Background(), nil, 0); err == nil {
		t.Fatal("expected error for empty server list")
	}
}

func TestParseServerList(t *testing.T) {
	if got := ParseServerList(""); len(got) != len(DefaultServers) {
		t.Errorf("empty config should fall back to DefaultServers, got %v", got)
	}
	got := ParseServerList("a:1,b:2, c:3")
	want := []string{"a:1", "b:2", " c:3"}
	if len(got) != len(want) {
		t.Fatalf("ParseServerList length = %d, want %d (%v)", len(got), len(want), got)
	}
}

// serveOneBindingResponse answers the first BIND-REQUEST conn receives
// with a success response carrying the given mapped address, echoing the
// request's transaction ID as RFC 5389 requires.
func serveOneBindingResponse(t *testing.T, conn *net.UDPConn, ip net.IP, port int) {
	buf := make([]byte, 1500)
	n, raddr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return
	}
	req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
	if err := req.Decode(); err != nil {
		t.Logf("fake server: decode request: %v", err)
		return
	}

	res := &stun.Message{Type: stun.BindingSuccess}
	res.TransactionID = req.TransactionID
	xorAddr := &stun.XORMappedAddress{IP: ip, Port: port}
	if err := xorAddr.AddTo(res); err != nil {
		t.Logf("fake server: add xor-mapped-address: %v", err)
		return
	}
	res.WriteHeader()
	_, _ = conn.WriteToUDP(res.Raw, raddr)
}
