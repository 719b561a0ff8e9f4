// Package model defines domain structs shared across the probing fabric.
package model

import "time"

// ServiceType identifies the probe strategy for a service.
type ServiceType string

const (
	ServiceTypeWeb       ServiceType = "web"
	ServiceTypeTCP       ServiceType = "tcp"
	ServiceTypePing      ServiceType = "ping"
	ServiceTypePort      ServiceType = "port"
	ServiceTypeKeyword   ServiceType = "keyword"
	ServiceTypeHeartbeat ServiceType = "heartbeat"
	ServiceTypeGithub    ServiceType = "github"
	ServiceTypeUptimeAPI ServiceType = "uptime-api"
)

// ValidServiceType reports whether t names a known probe strategy.
func ValidServiceType(t ServiceType) bool {
	switch t {
	case ServiceTypeWeb, ServiceTypeTCP, ServiceTypePing, ServiceTypePort,
		ServiceTypeKeyword, ServiceTypeHeartbeat, ServiceTypeGithub, ServiceTypeUptimeAPI:
		return true
	}
	return false
}

// ProbeStatus is the semantic outcome of a probe.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDown     ProbeStatus = "down"
	StatusDegraded ProbeStatus = "degraded"
)

// SubscriptionTier controls quotas and dispatch priority.
type SubscriptionTier string

const (
	TierFree      SubscriptionTier = "free"
	TierPro       SubscriptionTier = "pro"
	TierUnlimited SubscriptionTier = "unlimited"
)

// Priority returns the broker priority for the tier (lower is more urgent).
func (t SubscriptionTier) Priority() int {
	switch t {
	case TierUnlimited:
		return 1
	case TierPro:
		return 5
	default:
		return 10
	}
}

// Subscription describes a nest's plan limits.
type Subscription struct {
	Tier          SubscriptionTier `json:"tier"`
	ServicesLimit int              `json:"services_limit"`
	TeamLimit     int              `json:"team_limit"`
	ValidUntilNs  int64            `json:"valid_until_ns"`
}

// Nest is a tenant organisation. Soft-deactivation cascades to services;
// nests are never hard-deleted while referenced services exist.
type Nest struct {
	ID           string       `json:"id"`
	Subdomain    string       `json:"subdomain"`
	Name         string       `json:"name"`
	OwnerEmail   string       `json:"owner_email"`
	Subscription Subscription `json:"subscription"`
	IsActive     bool         `json:"is_active"`
	CreatedAtNs  int64        `json:"created_at_ns"`
	UpdatedAtNs  int64        `json:"updated_at_ns"`
}

// RegionStrategy selects how target regions are chosen for a service.
type RegionStrategy string

const (
	RegionStrategyClosest    RegionStrategy = "closest"
	RegionStrategyRoundRobin RegionStrategy = "round_robin"
	RegionStrategyFailover   RegionStrategy = "failover"
)

// Service is a monitored endpoint owned by a nest.
type Service struct {
	ID              string         `json:"id"`
	NestID          string         `json:"nest_id"`
	Name            string         `json:"name"`
	Type            ServiceType    `json:"type"`
	Target          string         `json:"target"`
	TypeConfig      TypeConfig     `json:"type_config"`
	IntervalSeconds int            `json:"interval_seconds"`
	TimeoutMs       int            `json:"timeout_ms"`
	Regions         []string       `json:"regions"`
	RegionStrategy  RegionStrategy `json:"region_strategy,omitempty"`
	MinRegions      int            `json:"min_regions,omitempty"`
	IsActive        bool           `json:"is_active"`
	CreatedAtNs     int64          `json:"created_at_ns"`
	UpdatedAtNs     int64          `json:"updated_at_ns"`
}

// Interval returns the probe interval as a duration.
func (s *Service) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Region is a logical grouping of workers by location.
type Region struct {
	ID          string      `json:"id"`
	Continent   string      `json:"continent"`
	Country     string      `json:"country"`
	City        string      `json:"city"`
	Coordinates Coordinates `json:"coordinates"`
	Flags       []string    `json:"capability_flags,omitempty"`
}

// WorkerLocation is the detected geolocation of a worker process.
type WorkerLocation struct {
	City        string      `json:"city"`
	Country     string      `json:"country"`
	Continent   string      `json:"continent"`
	Coordinates Coordinates `json:"coordinates"`
	ASN         int         `json:"asn,omitempty"`
	ISP         string      `json:"isp,omitempty"`
}

// WorkerFeatures enumerates optional probe capabilities.
type WorkerFeatures struct {
	ICMP          bool `json:"icmp"`
	IPv6          bool `json:"ipv6"`
	CustomHeaders bool `json:"custom_headers"`
	TLSVerify     bool `json:"tls_verify"`
	Bandwidth     bool `json:"bandwidth"`
}

// WorkerLimits bounds a worker's resource usage.
type WorkerLimits struct {
	MaxConcurrency int `json:"max_concurrency"`
	RPM            int `json:"rpm"`
	MaxRespMB      int `json:"max_resp_mb"`
	TimeoutS       int `json:"timeout_s"`
}

// WorkerCapabilities describes what a worker can probe.
type WorkerCapabilities struct {
	ServiceTypes []ServiceType  `json:"service_types"`
	Features     WorkerFeatures `json:"features"`
	Limits       WorkerLimits   `json:"limits"`
}

// Supports reports whether the worker can execute probes of type t.
func (c WorkerCapabilities) Supports(t ServiceType) bool {
	for _, st := range c.ServiceTypes {
		if st == t {
			return true
		}
	}
	return false
}

// BrokerCredentials are issued by the registry on approval.
type BrokerCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
	AMQPURL  string `json:"amqp_url"`
}

// WorkerStatus tracks the registry-side lifecycle of a worker.
type WorkerStatus struct {
	Approved         bool               `json:"approved"`
	Suspended        bool               `json:"suspended"`
	Credentials      *BrokerCredentials `json:"credentials,omitempty"`
	Version          string             `json:"version"`
	Region           string             `json:"region,omitempty"`
	StartedAtNs      int64              `json:"started_at_ns"`
	LastHeartbeatNs  int64              `json:"last_heartbeat_ns"`
	UpdateFailedAtNs int64              `json:"update_failed_at_ns,omitempty"`
}

// WorkerCounters is the points/latency accounting replicated via heartbeat.
// The worker is authoritative; the registry never increments independently.
type WorkerCounters struct {
	ChecksOK            int64   `json:"checks_ok"`
	ChecksFail          int64   `json:"checks_fail"`
	TotalPoints         float64 `json:"total_points"`
	CurrentPeriodPoints float64 `json:"current_period_points"`
	AvgRTMs             float64 `json:"avg_rt_ms"`
}

// Worker is a registered probing process.
type Worker struct {
	WorkerID       string             `json:"worker_id"`
	OwnerEmail     string             `json:"owner_email"`
	Location       WorkerLocation     `json:"location"`
	Capabilities   WorkerCapabilities `json:"capabilities"`
	Status         WorkerStatus       `json:"status"`
	Counters       WorkerCounters     `json:"counters"`
	RegisteredAtNs int64              `json:"registered_at_ns"`
}

// ProbeTask is an ephemeral unit of work published to the task exchange.
// Delivery is at-least-once; the aggregator deduplicates downstream.
type ProbeTask struct {
	TaskID          string      `json:"task_id"`
	NestID          string      `json:"nest_id"`
	ServiceID       string      `json:"service_id"`
	ServiceType     ServiceType `json:"service_type"`
	Target          string      `json:"target"`
	TypeConfig      TypeConfig  `json:"type_config"`
	IntervalSeconds int         `json:"interval_seconds"`
	TimeoutMs       int         `json:"timeout_ms"`
	RegionHint      string      `json:"region_hint"`
	WorkerHint      string      `json:"worker_hint,omitempty"`
	Priority        int         `json:"priority"`
	NotBeforeNs     int64       `json:"not_before_ns"`
	Attempt         int         `json:"attempt"`
}

// ProbeError carries the machine-readable failure classification of a probe.
type ProbeError struct {
	Kind   ErrorKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// ProbeSample holds optional extras observed during a probe.
type ProbeSample struct {
	BodyHash      string  `json:"body_hash,omitempty"`
	TLSExpiryDays int     `json:"tls_expiry_days,omitempty"`
	PacketLossPct float64 `json:"packet_loss_pct,omitempty"`
}

// ProbeResult is the outcome of a single probe execution.
// Idempotent on ResultID and on (ServiceID, StartedAtNs, Region).
type ProbeResult struct {
	ResultID    string      `json:"result_id"`
	TaskID      string      `json:"task_id"`
	ServiceID   string      `json:"service_id"`
	NestID      string      `json:"nest_id"`
	WorkerID    string      `json:"worker_id"`
	Region      string      `json:"region"`
	StartedAtNs int64       `json:"started_at_ns"`
	RTTMs       float64     `json:"rtt_ms"`
	Status      ProbeStatus `json:"status"`
	StatusCode  int         `json:"status_code,omitempty"`
	Error       *ProbeError `json:"error,omitempty"`
	Sample      ProbeSample `json:"sample,omitempty"`
}

// WindowStats is one rolling-window aggregate.
type WindowStats struct {
	UptimePct float64 `json:"uptime_pct"`
	AvgRTTMs  float64 `json:"avg_rtt_ms"`
	Samples   int64   `json:"samples"`
}

// RegionState is the latest observed state for a (service, region) pair.
type RegionState struct {
	Region      string      `json:"region"`
	Status      ProbeStatus `json:"status"`
	RTTMs       float64     `json:"rtt_ms"`
	StartedAtNs int64       `json:"started_at_ns"`
	ResultID    string      `json:"result_id"`
}

// ServiceRollup is the authoritative derived state backing status pages.
type ServiceRollup struct {
	ServiceID        string                 `json:"service_id"`
	NestID           string                 `json:"nest_id"`
	CurrentStatus    ProbeStatus            `json:"current_status"`
	LastTransitionNs int64                  `json:"last_transition_ns"`
	Regions          map[string]RegionState `json:"regions"`
	Window24h        WindowStats            `json:"window_24h"`
	Window7d         WindowStats            `json:"window_7d"`
	Window30d        WindowStats            `json:"window_30d"`
	UpdatedAtNs      int64                  `json:"updated_at_ns"`
}

// IncidentSeverity classifies operator-visible impact.
type IncidentSeverity string

const (
	SeverityMinor    IncidentSeverity = "minor"
	SeverityMajor    IncidentSeverity = "major"
	SeverityCritical IncidentSeverity = "critical"
)

// IncidentState is the incident lifecycle state. Transitions are monotonic
// apart from resolved, which is terminal; reopening creates a new incident.
type IncidentState string

const (
	IncidentInvestigating IncidentState = "investigating"
	IncidentIdentified    IncidentState = "identified"
	IncidentMonitoring    IncidentState = "monitoring"
	IncidentResolved      IncidentState = "resolved"
)

// incidentRank orders lifecycle states for the monotonicity check.
func incidentRank(s IncidentState) int {
	switch s {
	case IncidentInvestigating:
		return 0
	case IncidentIdentified:
		return 1
	case IncidentMonitoring:
		return 2
	case IncidentResolved:
		return 3
	}
	return -1
}

// CanTransition reports whether an incident may move from to next.
func CanTransition(from, to IncidentState) bool {
	if from == IncidentResolved {
		return false
	}
	if to == IncidentResolved {
		return true
	}
	return incidentRank(to) > incidentRank(from)
}

// IncidentUpdate is one operator or system annotation on an incident.
type IncidentUpdate struct {
	State       IncidentState `json:"state"`
	Message     string        `json:"message"`
	Author      string        `json:"author,omitempty"`
	CreatedAtNs int64         `json:"created_at_ns"`
}

// Incident records sustained degradation of one or more services.
type Incident struct {
	ID                 string           `json:"id"`
	NestID             string           `json:"nest_id"`
	AffectedServiceIDs []string         `json:"affected_service_ids"`
	Severity           IncidentSeverity `json:"severity"`
	State              IncidentState    `json:"state"`
	StartedAtNs        int64            `json:"started_at_ns"`
	ResolvedAtNs       int64            `json:"resolved_at_ns,omitempty"`
	Updates            []IncidentUpdate `json:"updates"`
}

// CommandName enumerates remote control commands.
type CommandName string

const (
	CommandUpdateWorker      CommandName = "update_worker"
	CommandRebuildWorker     CommandName = "rebuild_worker"
	CommandSuspend           CommandName = "suspend"
	CommandResume            CommandName = "resume"
	CommandChangeRegion      CommandName = "change_region"
	CommandResetPointsPeriod CommandName = "reset_points_period"
)

// BroadcastTarget addresses a control command to the whole fleet.
const BroadcastTarget = "broadcast"

// Role classifies an authenticated API principal.
type Role string

const (
	RolePlatformAdmin Role = "platform_admin"
	RoleNestUser      Role = "nest_user"
)

// Principal is an authenticated API caller. Nest users are scoped to one
// nest; platform admins see everything.
type Principal struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	NestID string `json:"nest_id,omitempty"`
	Role   Role   `json:"role"`
}

// ControlCommand is a message from the control plane to one or all workers.
type ControlCommand struct {
	Command    CommandName    `json:"command"`
	Data       map[string]any `json:"data,omitempty"`
	Target     string         `json:"target"`
	IssuedAtNs int64          `json:"issued_at_ns"`
}

// Heartbeat is the periodic worker liveness report. Last-writer-wins in the
// heartbeat KV; entries carry a 90 s TTL on every write path.
type Heartbeat struct {
	WorkerID            string  `json:"worker_id"`
	Version             string  `json:"version"`
	Region              string  `json:"region"`
	LastSeenNs          int64   `json:"last_seen_ns"`
	ChecksOK            int64   `json:"checks_ok"`
	ChecksFail          int64   `json:"checks_fail"`
	TotalPoints         float64 `json:"total_points"`
	CurrentPeriodPoints float64 `json:"current_period_points"`
	AvgRTMs             float64 `json:"avg_rt_ms"`
	PointsValue         string  `json:"points_value,omitempty"`
	BufferDepth         int     `json:"buffer_depth"`
	Connected           bool    `json:"connected"`
	UpdateFailed        bool    `json:"update_failed,omitempty"`
}
