// Package reporter implements the kernel's best-effort status push to the
// kernel registry. It satisfies the kernel.StatusReporter interface with a
// plain HTTP client — the registry is an optional dashboard the control loop
// must never block or fail on, so every call here is bounded by the caller's
// context and returns transport errors to the caller rather than retrying or
// buffering.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/manasgarg/plutoid-kernel/internal/kernel"
	"github.com/manasgarg/plutoid-kernel/internal/registry/storage"
)

// statusPayload is the wire shape POSTed to the registry's
// /api/v1/kernels/{kernel_id}/status endpoint, using the registry's own
// STARTING/RUNNING/AWAITING_INPUT/STOPPED status vocabulary rather than
// the kernel's internal idle/executing/awaiting_input one.
type statusPayload struct {
	KernelID       string    `json:"kernel_id"`
	SessionMode    bool      `json:"session_mode"`
	Status         string    `json:"status"`
	LastPingAt     time.Time `json:"last_ping_at"`
	ExecutionCount int       `json:"execution_count"`
}

// registryStatus maps a kernel.Snapshot's internal status to the
// registry's STARTING/RUNNING/AWAITING_INPUT/STOPPED vocabulary. A
// reporting kernel is always either actively running or waiting on
// input, so it never reports STARTING or STOPPED; the registry stores the
// status each report carries and does not assign either value itself.
func registryStatus(kernelStatus string) storage.Status {
	if kernelStatus == kernel.StatusAwaitingInput {
		return storage.StatusAwaitingInput
	}
	return storage.StatusRunning
}

// Reporter pushes Snapshot values to a registry base URL over HTTP.
type Reporter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Reporter that posts to baseURL (e.g.
// "http://registry.internal:8090"). A zero-value http.Client with no
// timeout of its own is used, since the kernel already
// bounds every Report call with its own reporterTimeout context.
func New(baseURL string, logger *slog.Logger) *Reporter {
	return &Reporter{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Report implements kernel.StatusReporter. It never returns an error that
// would be meaningful to act on beyond logging — the caller (Kernel.report)
// already discards the error — but the return value still surfaces it for
// that log line.
func (r *Reporter) Report(ctx context.Context, snap kernel.Snapshot) error {
	body, err := json.Marshal(statusPayload{
		KernelID:       snap.KernelID,
		SessionMode:    snap.SessionMode,
		Status:         string(registryStatus(snap.Status)),
		LastPingAt:     snap.LastPingAt,
		ExecutionCount: snap.ExecutionCount,
	})
	if err != nil {
		return fmt.Errorf("reporter: marshal snapshot: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/kernels/%s/status", r.baseURL, snap.KernelID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("reporter: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reporter: post status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("reporter: registry returned %s", resp.Status)
	}
	return nil
}
