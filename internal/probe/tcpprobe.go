package probe

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/netutil"
)

// tcpStrategy implements tcp and port probes. Port probes are
// connection-only; tcp probes may additionally send probe bytes and expect
// a response prefix within the deadline.
type tcpStrategy struct {
	connectOnly bool
}

func (s *tcpStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	host, port, err := netutil.SplitTarget(spec.Target)
	if err != nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()},
		}
	}

	opts := spec.Config.TCP
	if opts == nil {
		opts = &model.TCPOptions{}
	}

	dialer := &net.Dialer{}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}
	defer conn.Close()
	rtt := time.Since(start)

	out := Outcome{RTTMs: float64(rtt) / float64(time.Millisecond)}

	if s.connectOnly || (opts.ProbeBytes == "" && opts.ExpectedPrefix == "") {
		out.Status = model.StatusUp
		return out
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if opts.ProbeBytes != "" {
		if _, err := conn.Write([]byte(opts.ProbeBytes)); err != nil {
			out.Status = model.StatusDown
			out.Error = classifyNetError(err)
			return out
		}
	}

	if opts.ExpectedPrefix != "" {
		buf := make([]byte, len(opts.ExpectedPrefix)+256)
		n, err := conn.Read(buf)
		// RTT includes the banner exchange when one is expected.
		out.RTTMs = float64(time.Since(start)) / float64(time.Millisecond)
		if err != nil && n == 0 {
			out.Status = model.StatusDown
			out.Error = classifyNetError(err)
			return out
		}
		got := string(buf[:n])
		if !strings.HasPrefix(got, opts.ExpectedPrefix) {
			out.Status = model.StatusDown
			out.Error = &model.ProbeError{
				Kind:   model.KindProbeProtocol,
				Detail: fmt.Sprintf("expected prefix %q, got %q", opts.ExpectedPrefix, truncate(got, 64)),
			}
			return out
		}
	}

	out.Status = model.StatusUp
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
