// Package agent implements the worker runtime: registration and approval,
// dual queue consumption, probe execution with concurrency and rpm limits,
// durable result buffering, heartbeats, and remote control commands.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guardant/guardant/internal/buffer"
	"github.com/guardant/guardant/internal/bus"
	"github.com/guardant/guardant/internal/model"
	"github.com/guardant/guardant/internal/probe"
	"github.com/guardant/guardant/internal/scanloop"
)

// errReauth signals that broker credentials were rejected repeatedly and the
// agent must re-enter the registration flow.
var errReauth = errors.New("agent: credentials rejected, re-registering")

// ErrUnauthorized is returned by Run when re-registration also fails to
// produce working credentials.
var ErrUnauthorized = errors.New("agent: registration rejected")

const (
	approvalPollBase = 5 * time.Second
	approvalPollCap  = time.Minute

	// authStrikes within authStrikeWindow trip the re-registration rule.
	authStrikes      = 3
	authStrikeWindow = 5 * time.Minute

	// bufferPauseFraction pauses task consumption while the local buffer
	// is above this share of its capacity.
	bufferPauseFraction = 0.8
)

// Config wires an Agent.
type Config struct {
	WorkerID   string
	OwnerEmail string
	Version    string
	Region     string // empty: assigned on approval
	Location   model.WorkerLocation

	Concurrency int
	RPM         int
	MaxRespMB   int

	// DisabledProbes lists service types this host must not advertise,
	// e.g. ping on hosts without raw-socket privileges.
	DisabledProbes []model.ServiceType

	HeartbeatInterval time.Duration
	PointsValue       string
}

// DialFunc connects to the broker with the credentials issued on approval.
type DialFunc func(ctx context.Context, amqpURL string) (bus.MessageBus, error)

// UpdateFunc applies an update_worker or rebuild_worker command. The default
// implementation only logs; deployments inject the real artifact swap.
type UpdateFunc func(cmd model.ControlCommand) error

// Agent is one worker process.
type Agent struct {
	cfg     Config
	client  *Client
	engine  *probe.Engine
	buf     *buffer.Buffer
	dial    DialFunc
	update  UpdateFunc
	metrics *Metrics

	ledger *Ledger

	mu     sync.Mutex
	region string
	creds  *model.BrokerCredentials

	suspended atomic.Bool
	connected atomic.Bool
	inFlight  atomic.Int32

	// regionSwitch wakes the consume loop after change_region.
	regionSwitch chan struct{}

	authMu       sync.Mutex
	authFailures []time.Time

	updateFailed atomic.Bool
}

// New builds an agent. engine may be nil, in which case a default engine
// backed by the client's pulse reader is created.
func New(cfg Config, client *Client, engine *probe.Engine, buf *buffer.Buffer, dial DialFunc, metrics *Metrics) *Agent {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if engine == nil {
		engine = probe.NewEngine(probe.EngineConfig{
			MaxRespBytes:  int64(cfg.MaxRespMB) << 20,
			Heartbeats:    client,
			DisabledTypes: cfg.DisabledProbes,
		})
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Agent{
		cfg:          cfg,
		client:       client,
		engine:       engine,
		buf:          buf,
		dial:         dial,
		update:       func(cmd model.ControlCommand) error { return nil },
		metrics:      metrics,
		ledger:       &Ledger{},
		region:       cfg.Region,
		regionSwitch: make(chan struct{}, 1),
	}
}

// SetUpdateFunc installs the handler invoked for update_worker and
// rebuild_worker commands.
func (a *Agent) SetUpdateFunc(fn UpdateFunc) {
	if fn != nil {
		a.update = fn
	}
}

// Region returns the currently assigned region.
func (a *Agent) Region() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.region
}

// Suspended reports whether task consumption is paused by operator command.
func (a *Agent) Suspended() bool { return a.suspended.Load() }

// Connected reports whether the broker link is believed healthy.
func (a *Agent) Connected() bool { return a.connected.Load() }

func (a *Agent) setRegion(region string) {
	a.mu.Lock()
	a.region = region
	a.mu.Unlock()
}

// Run is the agent main loop: register, wait for approval, then serve until
// ctx is cancelled. Credential rejection re-enters the registration flow.
func (a *Agent) Run(ctx context.Context) error {
	reauths := 0
	for {
		if err := a.register(ctx); err != nil {
			return err
		}
		creds, region, err := a.waitForApproval(ctx)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.creds = creds
		a.mu.Unlock()
		if region != "" {
			a.setRegion(region)
		}
		log.Printf("[agent] approved for region %s", a.Region())

		started := time.Now()
		err = a.serve(ctx, creds)
		if errors.Is(err, errReauth) {
			if time.Since(started) > time.Minute {
				// The link worked for a while; treat this as a fresh
				// revocation, not a rejected registration.
				reauths = 0
			}
			reauths++
			if reauths >= 2 {
				return fmt.Errorf("%w: broker still rejects credentials after re-registration", ErrUnauthorized)
			}
			log.Printf("[agent] broker rejected credentials, re-entering registration")
			continue
		}
		return err
	}
}

func (a *Agent) register(ctx context.Context) error {
	payload := RegisterPayload{
		WorkerID:   a.cfg.WorkerID,
		OwnerEmail: a.cfg.OwnerEmail,
		Location:   a.cfg.Location,
		Capabilities: model.WorkerCapabilities{
			ServiceTypes: supportedTypes(a.engine),
			Limits: model.WorkerLimits{
				MaxConcurrency: a.cfg.Concurrency,
				RPM:            a.cfg.RPM,
				MaxRespMB:      a.cfg.MaxRespMB,
			},
		},
		Version: a.cfg.Version,
	}
	if _, err := a.client.Register(ctx, payload); err != nil {
		return err
	}
	log.Printf("[agent] registered as %s, waiting for approval", a.cfg.WorkerID)
	return nil
}

func supportedTypes(e *probe.Engine) []model.ServiceType {
	all := []model.ServiceType{
		model.ServiceTypeWeb, model.ServiceTypeKeyword, model.ServiceTypeTCP,
		model.ServiceTypePort, model.ServiceTypePing, model.ServiceTypeHeartbeat,
		model.ServiceTypeGithub, model.ServiceTypeUptimeAPI,
	}
	out := make([]model.ServiceType, 0, len(all))
	for _, t := range all {
		if e.Supports(t) {
			out = append(out, t)
		}
	}
	return out
}

// waitForApproval polls with jittered exponential backoff until approved.
func (a *Agent) waitForApproval(ctx context.Context) (*model.BrokerCredentials, string, error) {
	backoff := approvalPollBase
	for {
		st, err := a.client.Approval(ctx, a.cfg.WorkerID)
		if err == nil && st.Approved && st.Credentials != nil {
			return st.Credentials, st.Region, nil
		}
		if err != nil {
			log.Printf("[agent] approval poll: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(scanloop.Jitter(backoff, 0.2)):
		}
		backoff = min(backoff*2, approvalPollCap)
	}
}

// serve runs the connected phase: consume, probe, buffer, heartbeat.
func (a *Agent) serve(ctx context.Context, creds *model.BrokerCredentials) error {
	b, err := a.dial(ctx, creds.AMQPURL)
	if err != nil {
		if a.recordAuthFailure(err) {
			return errReauth
		}
		return err
	}
	defer b.Close()
	a.connected.Store(true)
	a.metrics.Connected.Set(1)
	defer func() {
		a.connected.Store(false)
		a.metrics.Connected.Set(0)
	}()

	serveCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	fwd := buffer.NewForwarder(a.buf, b)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		fwd.Run(serveCtx)
	}()
	go func() {
		defer wg.Done()
		a.heartbeatLoop(serveCtx, fwd)
	}()
	go func() {
		defer wg.Done()
		a.commandLoop(serveCtx, cancel, b)
	}()

	err = a.taskLoop(serveCtx, b, fwd)
	cancel(nil)
	wg.Wait()
	if cause := context.Cause(serveCtx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return err
}

// taskLoop consumes the regional task stream, re-subscribing after
// change_region commands.
func (a *Agent) taskLoop(ctx context.Context, b bus.MessageBus, fwd *buffer.Forwarder) error {
	limiter := newTokenBucket(a.cfg.RPM)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		region := a.Region()
		subCtx, unsubscribe := context.WithCancel(ctx)
		tasks, err := b.ConsumeTasks(subCtx, region, a.cfg.WorkerID)
		if err != nil {
			unsubscribe()
			if ctx.Err() != nil {
				return nil
			}
			if a.recordAuthFailure(err) {
				return errReauth
			}
			log.Printf("[agent] consume tasks.%s: %v", region, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(scanloop.Jitter(5*time.Second, 0.2)):
			}
			continue
		}
		log.Printf("[agent] consuming tasks.%s", region)

	consume:
		for {
			select {
			case <-ctx.Done():
				unsubscribe()
				return nil
			case <-a.regionSwitch:
				// Atomic switch: the old subscription ends before the
				// new region's begins.
				unsubscribe()
				break consume
			case d, open := <-tasks:
				if !open {
					unsubscribe()
					if ctx.Err() != nil {
						return nil
					}
					break consume
				}
				if a.shouldYield(d.Task) {
					if d.Nack != nil {
						_ = d.Nack(ctx)
					}
					continue
				}
				if !a.admitTask(ctx, limiter, fwd) {
					if d.Nack != nil {
						_ = d.Nack(ctx)
					}
					continue
				}
				a.inFlight.Add(1)
				wg.Add(1)
				go func(d bus.TaskDelivery) {
					defer wg.Done()
					defer a.inFlight.Add(-1)
					a.runTask(ctx, d)
				}(d)
			}
		}
	}
}

// shouldYield reports whether a task scored for another worker ought to go
// back on the queue: a busy agent defers to the preferred executor, an idle
// one takes anything.
func (a *Agent) shouldYield(task model.ProbeTask) bool {
	return task.WorkerHint != "" && task.WorkerHint != a.cfg.WorkerID && a.inFlight.Load() > 0
}

// admitTask applies suspension, backpressure, rpm, and concurrency gates.
// Returns false when the task should be returned to the queue.
func (a *Agent) admitTask(ctx context.Context, limiter *tokenBucket, fwd *buffer.Forwarder) bool {
	for a.suspended.Load() {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}

	// Buffer nearly full: stop taking work until the forwarder drains it.
	for {
		depth, err := a.buf.Depth()
		if err != nil || float64(depth) < bufferPauseFraction*float64(a.buf.Capacity()) {
			break
		}
		log.Printf("[agent] buffer at %d/%d, pausing consumption", depth, a.buf.Capacity())
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}

	if err := limiter.Wait(ctx); err != nil {
		return false
	}

	// Publish lag halves the effective concurrency until the queue drains.
	limit := int32(a.cfg.Concurrency)
	if fwd.Lagging() {
		limit = max(1, limit/2)
	}
	for a.inFlight.Load() >= limit {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(50 * time.Millisecond):
		}
		limit = int32(a.cfg.Concurrency)
		if fwd.Lagging() {
			limit = max(1, limit/2)
		}
	}
	return true
}

// runTask executes one probe and commits the result to the local buffer
// before acknowledging the delivery.
func (a *Agent) runTask(ctx context.Context, d bus.TaskDelivery) {
	started := time.Now()
	res := a.engine.Execute(ctx, d.Task, a.cfg.WorkerID, a.Region())
	if ctx.Err() != nil {
		// Shutdown cancelled the probe mid-flight; the result is partial
		// and must not be buffered or scored. Leave the delivery for
		// redelivery elsewhere.
		if d.Nack != nil {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = d.Nack(nctx)
			cancel()
		}
		return
	}
	a.metrics.ProbeSeconds.Observe(time.Since(started).Seconds())
	a.metrics.ProbesTotal.WithLabelValues(string(d.Task.ServiceType), string(res.Status)).Inc()

	// First delivery of the task in this region earns the bonus.
	a.ledger.Award(d.Task.ServiceType, res, d.Attempt <= 1)
	a.metrics.PointsTotal.Set(a.ledgerTotal())

	if err := a.buf.Append(res); err != nil {
		log.Printf("[agent] buffer append: %v", err)
		if d.Nack != nil {
			_ = d.Nack(ctx)
		}
		return
	}
	if d.Ack != nil {
		_ = d.Ack(ctx)
	}
}

func (a *Agent) ledgerTotal() float64 {
	hb := model.Heartbeat{}
	a.ledger.Snapshot(&hb)
	return hb.TotalPoints
}

// heartbeatLoop reports liveness every HeartbeatInterval.
func (a *Agent) heartbeatLoop(ctx context.Context, fwd *buffer.Forwarder) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sendHeartbeat(ctx, fwd)
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context, fwd *buffer.Forwarder) {
	depth, _ := a.buf.Depth()
	hb := &model.Heartbeat{
		WorkerID:     a.cfg.WorkerID,
		Version:      a.cfg.Version,
		Region:       a.Region(),
		LastSeenNs:   time.Now().UnixNano(),
		PointsValue:  a.cfg.PointsValue,
		BufferDepth:  depth,
		Connected:    a.connected.Load() && !fwd.Lagging(),
		UpdateFailed: a.updateFailed.Load(),
	}
	a.ledger.Snapshot(hb)

	a.metrics.BufferDepth.Set(float64(depth))
	a.metrics.BufferDrops.Set(float64(a.buf.Dropped()))

	hbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.client.Heartbeat(hbCtx, hb); err != nil {
		log.Printf("[agent] heartbeat: %v", err)
	}
}

// commandLoop consumes worker.<id> and applies control commands.
func (a *Agent) commandLoop(ctx context.Context, cancel context.CancelCauseFunc, b bus.MessageBus) {
	cmds, err := b.ConsumeCommands(ctx, a.cfg.WorkerID)
	if err != nil {
		if ctx.Err() == nil {
			if a.recordAuthFailure(err) {
				cancel(errReauth)
				return
			}
			log.Printf("[agent] consume commands: %v", err)
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, open := <-cmds:
			if !open {
				return
			}
			a.applyCommand(ctx, d.Command)
			if d.Ack != nil {
				_ = d.Ack(ctx)
			}
		}
	}
}

func (a *Agent) applyCommand(ctx context.Context, cmd model.ControlCommand) {
	log.Printf("[agent] command %s", cmd.Command)
	switch cmd.Command {
	case model.CommandSuspend:
		a.suspended.Store(true)
	case model.CommandResume:
		a.suspended.Store(false)
	case model.CommandChangeRegion:
		region, _ := cmd.Data["region"].(string)
		if region == "" {
			log.Printf("[agent] change_region without region, ignoring")
			return
		}
		a.setRegion(region)
		select {
		case a.regionSwitch <- struct{}{}:
		default:
		}
	case model.CommandResetPointsPeriod:
		a.ledger.ResetPeriod()
	case model.CommandUpdateWorker, model.CommandRebuildWorker:
		if err := a.update(cmd); err != nil {
			log.Printf("[agent] %s failed: %v", cmd.Command, err)
			a.updateFailed.Store(true)
			return
		}
		a.updateFailed.Store(false)
	default:
		log.Printf("[agent] unknown command %q, ignoring", cmd.Command)
	}
}

// recordAuthFailure tracks broker credential rejections; three inside the
// strike window trip re-registration.
func (a *Agent) recordAuthFailure(err error) bool {
	if !isAuthError(err) {
		return false
	}
	now := time.Now()
	a.authMu.Lock()
	defer a.authMu.Unlock()

	kept := a.authFailures[:0]
	for _, t := range a.authFailures {
		if now.Sub(t) < authStrikeWindow {
			kept = append(kept, t)
		}
	}
	a.authFailures = append(kept, now)
	return len(a.authFailures) >= authStrikes
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "NOAUTH") ||
		strings.Contains(msg, "WRONGPASS") ||
		strings.Contains(msg, "NOPERM") ||
		strings.Contains(msg, "AUTHENTICATION")
}
