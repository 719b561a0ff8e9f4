package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/guardant/guardant/internal/model"
)

// heartbeatStrategy is passive: instead of reaching out, it checks that the
// service has pushed a heartbeat recently enough.
type heartbeatStrategy struct {
	reader HeartbeatReader
}

func (s *heartbeatStrategy) Execute(ctx context.Context, spec ServiceSpec) Outcome {
	opts := spec.Config.Heartbeat
	if opts == nil {
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeProtocol, Detail: "heartbeat config missing"},
		}
	}

	last, ok, err := s.reader.LastServiceHeartbeat(ctx, spec.NestID, spec.ServiceID)
	if err != nil {
		return Outcome{Status: model.StatusDown, Error: classifyNetError(err)}
	}

	allowed := time.Duration(opts.ExpectedIntervalSeconds+opts.GraceSeconds) * time.Second
	if !ok || time.Since(last) > allowed {
		detail := "no heartbeat received"
		if ok {
			detail = fmt.Sprintf("last heartbeat %s ago exceeds %s", time.Since(last).Round(time.Second), allowed)
		}
		return Outcome{
			Status: model.StatusDown,
			Error:  &model.ProbeError{Kind: model.KindProbeTimeout, Detail: detail},
		}
	}
	return Outcome{Status: model.StatusUp}
}
