package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posterrama/devicehub/internal/auth"
)

const healthCheckTimeout = 3 * time.Second

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	wsPath := s.wsCfg.Path
	if wsPath == "" {
		wsPath = "/ws/device"
	}
	// Devices authenticate inside the socket, not with HTTP auth.
	r.Get(wsPath, s.handleDeviceSocket)

	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/devices", s.handleListDevices)
			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/devices/connected", s.handleConnectedDevices)
			r.With(s.requirePermission(auth.PermDeviceRead)).Get("/groups", s.handleListGroups)

			r.With(s.requirePermission(auth.PermDeviceCommand)).Post("/devices/{id}/command", s.handleDeviceCommand)
			r.With(s.requirePermission(auth.PermDeviceCommand)).Post("/groups/{id}/command", s.handleGroupCommand)

			r.With(s.requirePermission(auth.PermDeviceConfigure)).Post("/devices/{id}/settings", s.handleDeviceSettings)
			r.With(s.requirePermission(auth.PermFleetBroadcast)).Post("/broadcast", s.handleBroadcast)
			r.With(s.requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
		})
	})

	return r
}

// handleHealth reports "degraded" if any optional dependency is failing.
// The hub itself cannot be unhealthy while the process serves requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(s.checks))
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.checks[name].HealthCheck(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":            status,
		"version":           s.version,
		"devices_connected": len(s.hub.ConnectedDevices()),
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	writeJSON(w, http.StatusOK, body)
}
