package telemetry

// Counter names shared between the relay and peers.
const (
	MetricRequestsStaged     = "ownership_requests_staged"
	MetricRequestsGranted    = "ownership_requests_granted"
	MetricRequestsDenied     = "ownership_requests_denied"
	MetricRequestsTimedOut   = "ownership_requests_timed_out"
	MetricRequestsCancelled  = "ownership_requests_cancelled"
	MetricReleases           = "ownership_releases"
	MetricRevocations        = "ownership_revocations"
	MetricAutoReleases       = "ownership_auto_releases"
	MetricStateForwarded     = "state_updates_forwarded"
	MetricStateRejected      = "state_updates_rejected"
	MetricCommandsDropped    = "commands_dropped"
	MetricCommandsPurged     = "commands_purged"
	MetricPeersConnected     = "peers_connected"
	MetricPeersExpired       = "peers_expired"
	MetricReanchors          = "anchors_reanchored"
	MetricReanchorFailures   = "anchors_reanchor_failures"
	MetricAnchorsAnnounced   = "anchors_announced"
	MetricDigestMismatches   = "digest_mismatches"
	MetricFramesCompressed   = "frames_compressed"
	MetricObjectsRegistered  = "objects_registered"
	MetricTickDurationMicros = "tick_duration_us"
)
