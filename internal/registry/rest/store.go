// Package rest provides the HTTP admin API for the kernel registry. It
// includes a chi router, optional JWT authentication middleware, and
// handler functions for all /api/v1 endpoints plus the kernel-facing status
// ingest route.
package rest

import (
	"context"

	"github.com/manasgarg/plutoid-kernel/internal/registry/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	// UpsertSession records or updates a kernel's reported status.
	UpsertSession(ctx context.Context, sess storage.KernelSession) error

	// GetSession returns a single kernel's session row by kernel_id.
	GetSession(ctx context.Context, kernelID string) (*storage.KernelSession, error)

	// ListSessions returns every tracked kernel session, ordered by kernel_id.
	ListSessions(ctx context.Context) ([]storage.KernelSession, error)
}
