// Package probe implements the probe engine: a pure function of
// (ServiceSpec, now) -> ProbeResult with one strategy per service type.
// Retry policy lives in the dispatcher; the engine never retries.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guardant/guardant/internal/model"
)

// ServiceSpec is the immutable snapshot a strategy executes against.
type ServiceSpec struct {
	ServiceID       string
	NestID          string
	Type            model.ServiceType
	Target          string
	Config          model.TypeConfig
	IntervalSeconds int
	TimeoutMs       int
}

// Interval returns the probe interval as a duration.
func (s ServiceSpec) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Timeout returns the combined connect+read deadline. DNS resolution is
// included in this budget.
func (s ServiceSpec) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Outcome is what a strategy produces; the engine wraps it into a ProbeResult.
type Outcome struct {
	Status     model.ProbeStatus
	RTTMs      float64
	StatusCode int
	Error      *model.ProbeError
	Sample     model.ProbeSample
}

// Strategy executes one probe of a specific service type.
type Strategy interface {
	Execute(ctx context.Context, spec ServiceSpec) Outcome
}

// HeartbeatReader supplies the last received heartbeat for passive
// heartbeat services. Backed by the ingest store in production.
type HeartbeatReader interface {
	LastServiceHeartbeat(ctx context.Context, nestID, serviceID string) (time.Time, bool, error)
}

// EngineConfig wires the engine's strategies.
type EngineConfig struct {
	// MaxRespBytes caps how much of a response body is read (default 1 MiB).
	MaxRespBytes int64
	// Heartbeats backs the heartbeat strategy; nil disables that type.
	Heartbeats HeartbeatReader
	// GithubBaseURL overrides https://api.github.com (tests).
	GithubBaseURL string
	// Pinger overrides the ICMP sender (tests); nil uses the network.
	Pinger Pinger
	// DisabledTypes removes strategies the host cannot run, e.g. ping
	// without raw-socket privileges.
	DisabledTypes []model.ServiceType
}

// Engine dispatches probes to their per-type strategies.
type Engine struct {
	strategies map[model.ServiceType]Strategy
}

// NewEngine builds an engine with the full strategy set.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MaxRespBytes <= 0 {
		cfg.MaxRespBytes = 1 << 20
	}
	web := &webStrategy{maxRespBytes: cfg.MaxRespBytes}
	e := &Engine{strategies: map[model.ServiceType]Strategy{
		model.ServiceTypeWeb:     web,
		model.ServiceTypeKeyword: web,
		model.ServiceTypeTCP:     &tcpStrategy{},
		model.ServiceTypePort:    &tcpStrategy{connectOnly: true},
		model.ServiceTypePing:    &pingStrategy{pinger: cfg.Pinger},
		model.ServiceTypeGithub:  &githubStrategy{baseURL: cfg.GithubBaseURL},
		model.ServiceTypeUptimeAPI: &uptimeAPIStrategy{
			maxRespBytes: cfg.MaxRespBytes,
		},
	}}
	if cfg.Heartbeats != nil {
		e.strategies[model.ServiceTypeHeartbeat] = &heartbeatStrategy{reader: cfg.Heartbeats}
	}
	for _, t := range cfg.DisabledTypes {
		delete(e.strategies, t)
	}
	return e
}

// Execute runs the probe for a task and assembles the wire-level result.
// Probe failures are normal results, never errors.
func (e *Engine) Execute(ctx context.Context, task model.ProbeTask, workerID, region string) model.ProbeResult {
	spec := ServiceSpec{
		ServiceID:       task.ServiceID,
		NestID:          task.NestID,
		Type:            task.ServiceType,
		Target:          task.Target,
		Config:          task.TypeConfig,
		IntervalSeconds: task.IntervalSeconds,
		TimeoutMs:       task.TimeoutMs,
	}
	started := time.Now()

	var out Outcome
	strategy, ok := e.strategies[spec.Type]
	if !ok {
		out = Outcome{
			Status: model.StatusDown,
			Error: &model.ProbeError{
				Kind:   model.KindProbeProtocol,
				Detail: fmt.Sprintf("unsupported service type %q", spec.Type),
			},
		}
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, spec.Timeout())
		out = strategy.Execute(probeCtx, spec)
		cancel()
	}

	return model.ProbeResult{
		ResultID:    uuid.NewString(),
		TaskID:      task.TaskID,
		ServiceID:   task.ServiceID,
		NestID:      task.NestID,
		WorkerID:    workerID,
		Region:      region,
		StartedAtNs: started.UnixNano(),
		RTTMs:       out.RTTMs,
		Status:      out.Status,
		StatusCode:  out.StatusCode,
		Error:       out.Error,
		Sample:      out.Sample,
	}
}

// Supports reports whether the engine has a strategy for t.
func (e *Engine) Supports(t model.ServiceType) bool {
	_, ok := e.strategies[t]
	return ok
}
