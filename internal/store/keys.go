package store

// Persisted key layout. Live-status keys are namespaced by nest id so a read
// under one nest can never return another nest's data.
const (
	keyNestPrefix      = "nest:"
	keyNestSubdomain   = "nest:subdomain:"
	keyNestEmail       = "nest:email:"
	keyServicePrefix   = "service:"
	keyRollupPrefix    = "rollup:"
	keyIncidentPrefix  = "incidents:"
	keyHeartbeatPrefix = "workers:heartbeat:"

	keyWorkerByOwnerPrefix = "workers:by_owner:"

	// WorkerRegistrationsKey is the hash of all worker registration blobs.
	WorkerRegistrationsKey = "workers:registrations"
	// WorkerPendingKey is the zset of unapproved workers scored by
	// registered_at.
	WorkerPendingKey = "workers:pending"

	keyServicePulse = "pulse:"
	keyAPIToken     = "auth:token:"

	statusChannelPrefix = "nest:"
	statusChannelSuffix = ":status"
)

// ServicePulseKey addresses the last inbound heartbeat ping for a
// heartbeat-type service.
func ServicePulseKey(nestID, serviceID string) string {
	return keyServicePulse + nestID + ":" + serviceID
}

// APITokenKey maps a bearer token to its principal blob.
func APITokenKey(token string) string { return keyAPIToken + token }

// NestKey addresses a nest blob.
func NestKey(id string) string { return keyNestPrefix + id }

// NestSubdomainKey maps a subdomain to a nest id.
func NestSubdomainKey(sub string) string { return keyNestSubdomain + sub }

// NestEmailKey maps an owner email to a nest id.
func NestEmailKey(email string) string { return keyNestEmail + email }

// ServiceKey addresses a service blob under its nest.
func ServiceKey(nestID, serviceID string) string {
	return keyServicePrefix + nestID + ":" + serviceID
}

// ServicePrefix is the scan prefix for all services of a nest.
func ServicePrefix(nestID string) string { return keyServicePrefix + nestID + ":" }

// RollupKey addresses the cached rollup for a service.
func RollupKey(nestID, serviceID string) string {
	return keyRollupPrefix + nestID + ":" + serviceID
}

// IncidentKey addresses an incident blob.
func IncidentKey(nestID, incidentID string) string {
	return keyIncidentPrefix + nestID + ":" + incidentID
}

// OpenIncidentsKey is the zset of open incidents for a nest, scored by
// started_at.
func OpenIncidentsKey(nestID string) string { return keyIncidentPrefix + nestID + ":open" }

// HeartbeatKey addresses one worker's latest heartbeat. Heartbeats are
// individual keys rather than hash fields so each carries its own 90 s TTL.
func HeartbeatKey(workerID string) string { return keyHeartbeatPrefix + workerID }

// WorkerByOwnerKey is the set of worker ids registered by an owner email.
func WorkerByOwnerKey(email string) string { return keyWorkerByOwnerPrefix + email }

// StatusChannel is the pub/sub channel for a nest's live status updates.
func StatusChannel(nestID string) string {
	return statusChannelPrefix + nestID + statusChannelSuffix
}

// StatusChannelPattern subscribes to all nests' status channels.
const StatusChannelPattern = "nest:*:status"
