// Package storage provides the PostgreSQL-backed persistence layer for the
// kernel registry. It tracks one row per live kernel process, upserted every
// time that kernel reports its status, and exposes the read paths the
// registry's REST API and WebSocket broadcaster need.
package storage

import "time"

// Status is the lifecycle state of a kernel process as last reported.
type Status string

const (
	StatusStarting      Status = "STARTING"
	StatusRunning       Status = "RUNNING"
	StatusAwaitingInput Status = "AWAITING_INPUT"
	StatusStopped       Status = "STOPPED"
)

// KernelSession maps to the `kernel_sessions` table: one row per kernel_id,
// upserted on every status report.
type KernelSession struct {
	KernelID       string     `json:"kernel_id"`
	SessionMode    bool       `json:"session_mode"`
	Status         Status     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	LastPingAt     *time.Time `json:"last_ping_at,omitempty"`
	LastExecAt     *time.Time `json:"last_exec_at,omitempty"`
	ExecutionCount int64      `json:"execution_count"`
}
