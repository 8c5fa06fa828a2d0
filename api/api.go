// Package api exposes the certificate authority over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/ironca/ca"
	"github.com/jmcleod/ironca/pki"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	svc            *ca.Service
	audit          *auditLogger
	trustedProxies []netip.Prefix
}

//go:embed openapi.yaml
var openapiDocument []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.audit = newAuditLogger(logger)
	}
}

// New creates a new API instance backed by svc.
func New(svc *ca.Service, opts ...Option) *API {
	a := &API{svc: svc}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = newAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.audit.clientIP = a.clientIP
	return a
}

// Router returns a chi.Router with all API routes. It is meant to be
// mounted at /api/v1.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiDocument)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/api/v1/openapi.yaml",
		Path:    "api/v1/redoc",
	}, nil))

	r.Post("/certificates", a.SignCertificate)
	r.Get("/certificates", a.ListCertificates)
	r.Route("/certificates/{serial}", func(r chi.Router) {
		r.Get("/", a.GetCertificate)
		r.Get("/pem", a.GetCertificatePEM)
		r.Post("/revoke", a.RevokeCertificate)
	})

	r.Get("/crl.pem", a.GetCRL(pki.EncodingPEM))
	r.Get("/crl.der", a.GetCRL(pki.EncodingDER))

	return r
}
