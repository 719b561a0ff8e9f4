package model

// ErrorKind classifies failures across the probing fabric. Kinds are wire
// values, not Go error types; recoverable errors stay local to the component
// that raised them.
type ErrorKind string

const (
	// Probe-level kinds, carried inside ProbeResult.Error.
	KindProbeTimeout  ErrorKind = "probe.timeout"
	KindProbeTLS      ErrorKind = "probe.tls"
	KindProbeDNS      ErrorKind = "probe.dns"
	KindProbeProtocol ErrorKind = "probe.protocol"
	// Synthetic results injected by the dispatcher.
	KindUndeliverable ErrorKind = "undeliverable"
	KindNoCoverage    ErrorKind = "no_coverage"

	// Worker-level kinds, surfaced via heartbeat fields.
	KindBrokerUnreachable ErrorKind = "worker.broker_unreachable"
	KindWorkerAuth        ErrorKind = "worker.auth"
	KindSelfUpdate        ErrorKind = "worker.self_update"

	// Coordinator / aggregator kinds.
	KindNoWorkers   ErrorKind = "coord.no_workers"
	KindOutOfWindow ErrorKind = "agg.out_of_window"

	// API kinds.
	KindAuthz     ErrorKind = "api.authz"
	KindRateLimit ErrorKind = "api.ratelimit"

	// Store kinds.
	KindStoreConflict ErrorKind = "store.conflict"
)
