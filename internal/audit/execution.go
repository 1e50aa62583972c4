package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ExecutionRecord is the payload RecordExecution appends to the hash chain
// for one completed code_execution (spec.md's Execution, §4.4.6). The
// submitted source is recorded only as a digest, never verbatim, so the
// log stays compact and never duplicates potentially sensitive program
// text.
type ExecutionRecord struct {
	KernelID    string    `json:"kernel_id"`
	MsgID       string    `json:"msg_id"`
	SourceSHA2  string    `json:"source_sha256"`
	StdoutBytes int       `json:"stdout_bytes"`
	StderrBytes int       `json:"stderr_bytes"`
	StartedAt   time.Time `json:"started_at"`
	Duration    string    `json:"duration"`
}

// RecordExecution appends one ExecutionRecord to the chain. source is
// hashed, never stored; stdoutBytes/stderrBytes are the full byte counts
// of everything the execution emitted on that stream, chunked or
// residual.
func (l *Logger) RecordExecution(kernelID, msgID, source string, stdoutBytes, stderrBytes int, startedAt time.Time, duration time.Duration) (Entry, error) {
	sum := sha256.Sum256([]byte(source))

	rec := ExecutionRecord{
		KernelID:    kernelID,
		MsgID:       msgID,
		SourceSHA2:  hex.EncodeToString(sum[:]),
		StdoutBytes: stdoutBytes,
		StderrBytes: stderrBytes,
		StartedAt:   startedAt,
		Duration:    duration.String(),
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal execution record: %w", err)
	}
	return l.Append(payload)
}
