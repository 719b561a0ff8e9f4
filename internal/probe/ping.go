package probe

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/guardant/guardant/internal/model"
)

const (
	defaultPingCount = 4
	defaultPingSize  = 32
)

// PingStats is the raw outcome of one ping burst.
type PingStats struct {
	Sent     int
	Received int
	RTTs     []time.Duration
}

// Pinger sends an ICMP echo burst. Injectable for tests.
type Pinger interface {
	Ping(ctx context.Context, host string, count, size int) (PingStats, error)
}

// pingStrategy executes ICMP probes. Up iff at least one echo reply arrives;
// rtt is the mean over received replies.
type pingStrategy struct {
	pinger Pinger
}

func (s *pingStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	opts := spec.Config.Ping
	if opts == nil {
		opts = &model.PingOptions{}
	}
	count := opts.Count
	if count <= 0 {
		count = defaultPingCount
	}
	size := opts.PacketSize
	if size <= 0 {
		size = defaultPingSize
	}

	pinger := s.pinger
	if pinger == nil {
		pinger = icmpPinger{}
	}
	stats, err := pinger.Ping(ctx, spec.Target, count, size)
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}
	return summarizePing(stats)
}

// summarizePing derives the probe outcome from a completed burst.
func summarizePing(stats PingStats) Outcome {
	out := Outcome{}
	if stats.Sent > 0 {
		out.Sample.PacketLossPct = 100 * float64(stats.Sent-stats.Received) / float64(stats.Sent)
	}
	if stats.Received == 0 {
		out.Status = model.StatusDown
		out.Error = &model.ProbeError{Kind: model.KindProbeTimeout, Detail: "no echo replies received"}
		return out
	}
	var total time.Duration
	for _, rtt := range stats.RTTs {
		total += rtt
	}
	out.RTTMs = float64(total) / float64(len(stats.RTTs)) / float64(time.Millisecond)
	out.Status = model.StatusUp
	return out
}

// matchEchoReply reports whether a parsed reply answers the echo request
// (id, seq). A straggler from an earlier sequence must not be credited to
// the current one. The kernel rewrites the echo ID on unprivileged datagram
// sockets, so the ID only discriminates on raw sockets, which see every
// process's replies.
func matchEchoReply(parsed *icmp.Message, id, seq int, raw bool) bool {
	if parsed.Type != ipv4.ICMPTypeEchoReply {
		return false
	}
	echo, ok := parsed.Body.(*icmp.Echo)
	if !ok || echo.Seq != seq {
		return false
	}
	if raw && echo.ID != id {
		return false
	}
	return true
}

// icmpPinger is the network Pinger. It prefers an unprivileged datagram
// socket and falls back to a raw socket when the platform allows it.
type icmpPinger struct{}

func (icmpPinger) Ping(ctx context.Context, host string, count, size int) (PingStats, error) {
	dst, err := net.ResolveIPAddr("ip4", host)
	if err != nil {
		return PingStats{}, err
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	network := "udp4"
	if err != nil {
		conn, err = icmp.ListenPacket("ip4:icmp", "0.0.0.0")
		network = "ip4"
		if err != nil {
			return PingStats{}, fmt.Errorf("ping: open socket: %w", err)
		}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var dstAddr net.Addr = dst
	if network == "udp4" {
		dstAddr = &net.UDPAddr{IP: dst.IP}
	}

	id := os.Getpid() & 0xffff
	payload := make([]byte, size)
	stats := PingStats{}

	for seq := 0; seq < count; seq++ {
		if ctx.Err() != nil {
			break
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Body: &icmp.Echo{ID: id, Seq: seq, Data: payload},
		}
		wire, err := msg.Marshal(nil)
		if err != nil {
			return stats, fmt.Errorf("ping: marshal echo: %w", err)
		}

		sentAt := time.Now()
		if _, err := conn.WriteTo(wire, dstAddr); err != nil {
			stats.Sent++
			continue
		}
		stats.Sent++

		reply := make([]byte, 1500)
		for {
			n, _, err := conn.ReadFrom(reply)
			if err != nil {
				break // timed out or unreadable; counts as loss
			}
			parsed, err := icmp.ParseMessage(1, reply[:n])
			if err != nil || !matchEchoReply(parsed, id, seq, network == "ip4") {
				continue
			}
			stats.Received++
			stats.RTTs = append(stats.RTTs, time.Since(sentAt))
			break
		}
	}
	return stats, nil
}
