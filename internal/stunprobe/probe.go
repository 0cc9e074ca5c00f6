package stunprobe

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/novastake/novastaked/internal/log"
)

// DefaultServers is tried when the operator configures no STUN server of
// their own.
var DefaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// ProbeTimeout bounds a single server's round trip.
const ProbeTimeout = 3 * time.Second

// Result is the answering server and the external endpoint it reported.
type Result struct {
	Addr   *net.UDPAddr
	Server string
}

// GetExternalIPbySTUN walks servers with a pseudo-random (pos, step) pair
// derived from entropy, for at most 2*len(servers) probes, and returns the
// first mapped address a server reports. Entropy also seeds the
// transaction ID of every probe in the walk.
func GetExternalIPbySTUN(ctx context.Context, servers []string, entropy uint64) (*Result, error) {
	n := len(servers)
	if n == 0 {
		return nil, fmt.Errorf("stunprobe: no servers configured")
	}

	pos := int(entropy % uint64(n))
	step := 1
	if n > 1 {
		step = 1 + int((entropy>>32)%uint64(n-1))
	}
	txID := TransactionID(entropy)

	maxAttempts := 2 * n
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		server := servers[pos]
		addr, err := probeOnce(ctx, server, txID)
		if err == nil {
			log.Net.Debug().Str("server", server).Str("addr", addr.String()).Msg("STUN probe answered")
			return &Result{Addr: addr, Server: server}, nil
		}
		lastErr = err
		log.Net.Debug().Str("server", server).Err(err).Msg("STUN probe failed")
		pos = (pos + step) % n
	}
	return nil, fmt.Errorf("stunprobe: exhausted %d probes: %w", maxAttempts, lastErr)
}

// probeOnce sends one BIND-REQUEST to server and returns its mapped
// address, or an error if the server didn't answer within ProbeTimeout.
func probeOnce(ctx context.Context, server string, txID [16]byte) (*net.UDPAddr, error) {
	raddr, err := net.ResolveUDPAddr("udp4", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", server, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(ProbeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline for %s: %w", server, err)
	}

	req := &stun.Message{Type: stun.BindingRequest}
	copy(req.TransactionID[:], txID[:stun.TransactionIDSize])
	req.WriteHeader()

	if _, err := conn.Write(req.Raw); err != nil {
		return nil, fmt.Errorf("send to %s: %w", server, err)
	}

	buf := make([]byte, 1500)
	nRead, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read from %s: %w", server, err)
	}

	res := &stun.Message{Raw: append([]byte(nil), buf[:nRead]...)}
	if err := res.Decode(); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", server, err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(res); err == nil {
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
	return nil, fmt.Errorf("no mapped address in response from %s", server)
}

// ParseServerList splits a comma-separated config value into a server
// list, falling back to DefaultServers when empty.
func ParseServerList(configured string) []string {
	if configured == "" {
		return DefaultServers
	}
	var out []string
	start := 0
	for i := 0; i <= len(configured); i++ {
		if i == len(configured) || configured[i] == ',' {
			if i > start {
				out = append(out, configured[start:i])
			}
			start = i + 1
		}
	}
	if len(out) == 0 {
		return DefaultServers
	}
	return out
}
