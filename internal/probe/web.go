package probe

import (
	"crypto/tls"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/xxh3"

	"github.com/guardant/guardant/internal/model"
)

const (
	maxRedirectHops   = 10
	tlsExpiryWarnDays = 14
	probeUserAgent    = "GuardAnt-Worker/1.0"
)

// webStrategy serves both web and keyword probes. A keyword probe is a web
// probe plus a substring check over the first MiB of the body.
type webStrategy struct {
	maxRespBytes int64
}

func (s *webStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	opts := spec.Config.Web
	if opts == nil {
		opts = &model.WebOptions{}
	}

	transport := &http.Transport{
		TLSClientConfig:   &tls.Config{InsecureSkipVerify: !opts.VerifyTLS()},
		DisableKeepAlives: true,
		ForceAttemptHTTP2: true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if !opts.FollowRedirects {
				return http.ErrUseLastResponse
			}
			if len(via) >= maxRedirectHops {
				return fmt.Errorf("stopped after %d redirects", maxRedirectHops)
			}
			return nil
		},
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.Target, nil)
	if err != nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()},
		}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}
	defer resp.Body.Close()
	rtt := time.Since(start)

	out := Outcome{
		RTTMs:      float64(rtt) / float64(time.Millisecond),
		StatusCode: resp.StatusCode,
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		days := int(time.Until(resp.TLS.PeerCertificates[0].NotAfter).Hours() / 24)
		if days < tlsExpiryWarnDays {
			out.Sample.TLSExpiryDays = days
		}
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, s.maxRespBytes))
	if readErr != nil {
		out.Status = model.StatusDown
		out.Error = classifyNetError(readErr)
		return out
	}
	if len(body) > 0 {
		out.Sample.BodyHash = fmt.Sprintf("%016x", xxh3.Hash(body))
	}

	if !statusMatches(resp.StatusCode, opts.ExpectedStatus) {
		out.Status = model.StatusDown
		out.Error = &model.ProbeError{
			Kind:   model.KindProbeProtocol,
			Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
		return out
	}

	if spec.Type == model.ServiceTypeKeyword {
		if !strings.Contains(string(body), opts.ExpectedBodySubstring) {
			out.Status = model.StatusDown
			out.Error = &model.ProbeError{
				Kind:   model.KindProbeProtocol,
				Detail: "expected substring not found in body",
			}
			return out
		}
	}

	// Status matched. Latency above half the interval degrades the result.
	if rtt > spec.Interval()/2 {
		out.Status = model.StatusDegraded
		return out
	}
	out.Status = model.StatusUp
	return out
}

// statusMatches accepts any 2xx when expected is zero, exact match otherwise.
func statusMatches(got, expected int) bool {
	if expected == 0 {
		return got >= 200 && got < 300
	}
	return got == expected
}
