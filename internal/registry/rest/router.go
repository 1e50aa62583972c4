package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the kernel registry's admin
// API.
//
// Route layout:
//
//	GET  /healthz                        – liveness probe (no auth)
//	GET  /api/v1/kernels                 – list all tracked kernel sessions (JWT required)
//	GET  /api/v1/kernels/{id}            – fetch one kernel session (JWT required)
//	POST /api/v1/kernels/{id}/status     – kernel status report ingest (no auth — see handleReportStatus)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// admin-facing /api/v1/kernels routes. Pass nil to disable JWT validation
// (dev mode).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Post("/api/v1/kernels/{id}/status", srv.handleReportStatus)

	r.Route("/api/v1/kernels", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/", srv.handleListKernels)
		r.Get("/{id}", srv.handleGetKernel)
	})

	return r
}
