package models

import "time"

// Decision records how the gateway handled one inbound update.
type Decision struct {
	RequestID string    `json:"request_id"`
	ChatID    string    `json:"chat_id"`
	Action    string    `json:"action"`
	Tier      string    `json:"tier,omitempty"`
	Status    string    `json:"status"`
	Cached    bool      `json:"cached"`
	Degraded  bool      `json:"degraded"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// AuditQueryOpts specifies filters for querying decisions.
type AuditQueryOpts struct {
	ChatID string
	Tier   string
	Status string
	Since  time.Time
	Limit  int
}

// AuditStat holds aggregate decision counts for a tier/day combination.
type AuditStat struct {
	Tier  string
	Day   string
	Count int
}
