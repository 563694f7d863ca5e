package metrics

const (
	// job outcomes, labelled by outcome
	MetricJobsTotal   = "ssh_fleet_jobs_total"
	MetricJobDuration = "ssh_fleet_job_duration_seconds"

	// slot health
	MetricSlotsBusy       = "ssh_fleet_slots_busy"
	MetricReconnectsTotal = "ssh_fleet_reconnects_total"

	// batch
	MetricPassesTotal       = "ssh_fleet_passes_total"
	MetricCoreStagingsTotal = "ssh_fleet_core_stagings_total"
)

// Job outcome label values.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDropped   = "dropped"
)
