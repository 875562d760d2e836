package models

// BackendSnapshot is a point-in-time telemetry record for one inference
// backend, written by the health tracker's sampling loop and immutable once
// stored. Telemetry fields are nullable: not every backend reports them.
type BackendSnapshot struct {
	ID         int64  `db:"id"          json:"id"`
	CapturedAt int64  `db:"captured_at" json:"captured_at"`
	BackendURL string `db:"backend_url" json:"backend_url"`

	CPUPercent *float64 `db:"cpu_percent" json:"cpu_percent,omitempty"`
	RAMPercent *float64 `db:"ram_percent" json:"ram_percent,omitempty"`

	ActiveJobs *int `db:"active_jobs" json:"active_jobs,omitempty"`
	QueuedJobs *int `db:"queued_jobs" json:"queued_jobs,omitempty"`

	LoadedModels *int     `db:"loaded_models" json:"loaded_models,omitempty"`
	VRAMUsedGB   *float64 `db:"vram_used_gb"  json:"vram_used_gb,omitempty"`

	AvgTokensPerSecond *float64 `db:"avg_tokens_per_second" json:"avg_tokens_per_second,omitempty"`
}
