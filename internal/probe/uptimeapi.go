package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/guardant/guardant/internal/model"
)

// uptimeAPIStrategy probes a JSON endpoint and evaluates a path predicate
// against the decoded body.
type uptimeAPIStrategy struct {
	maxRespBytes int64
}

func (s *uptimeAPIStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	opts := spec.Config.UptimeAPI
	if opts == nil || opts.Predicate == "" {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: "uptime-api predicate missing"},
		}
	}
	pred, err := parsePredicate(opts.Predicate)
	if err != nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.Target, nil)
	if err != nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()},
		}
	}
	req.Header.Set("User-Agent", probeUserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}
	defer resp.Body.Close()

	out := Outcome{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxRespBytes))
	out.RTTMs = float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		out.Status = model.StatusDown
		out.Error = classifyNetError(err)
		return out
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		out.Status = model.StatusDown
		out.Error = &model.ProbeError{Kind: model.KindProbeProtocol, Detail: "response is not valid JSON"}
		return out
	}

	ok, err := pred.Eval(doc)
	if err != nil {
		out.Status = model.StatusDown
		out.Error = &model.ProbeError{Kind: model.KindProbeProtocol, Detail: err.Error()}
		return out
	}
	if !ok {
		out.Status = model.StatusDown
		out.Error = &model.ProbeError{
			Kind:   model.KindProbeProtocol,
			Detail: fmt.Sprintf("predicate %q not satisfied", opts.Predicate),
		}
		return out
	}
	out.Status = model.StatusUp
	return out
}
