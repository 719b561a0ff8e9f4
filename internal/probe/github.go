package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guardant/guardant/internal/model"
)

const githubAPIBase = "https://api.github.com"

// githubStrategy checks repository reachability through the GitHub API.
// A 2xx is up; an exhausted rate limit degrades the result and carries the
// reset time in the error detail.
type githubStrategy struct {
	baseURL string
}

func (s *githubStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	opts := spec.Config.Github
	if opts == nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: "github config missing"},
		}
	}

	base := s.baseURL
	if base == "" {
		base = githubAPIBase
	}
	url := fmt.Sprintf("%s/repos/%s/%s", base, opts.Owner, opts.Repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()},
		}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+opts.Token)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	out := Outcome{
		RTTMs:      float64(time.Since(start)) / float64(time.Millisecond),
		StatusCode: resp.StatusCode,
	}

	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		out.Status = model.StatusDegraded
		out.Error = &model.ProbeError{
			Kind:   model.KindProbeProtocol,
			Detail: "rate limit exhausted, resets at " + resp.Header.Get("X-RateLimit-Reset"),
		}
		return out
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Status = model.StatusUp
		return out
	}
	out.Status = model.StatusDown
	out.Error = &model.ProbeError{
		Kind:   model.KindProbeProtocol,
		Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode),
	}
	return out
}
