// Copyright 2025 James Ross
package obs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// ReadinessCheck reports whether a dependency (backend, queue stats,
// provider pool) is currently healthy, along with a human-readable reason.
type ReadinessCheck func(ctx context.Context) (bool, string)

// StartHTTPServer exposes /healthz (liveness: process is running, no
// dependency checks) and /readyz (composite readiness).
func StartHTTPServer(port int, checks map[string]ReadinessCheck) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		result := map[string]any{}
		ready := true
		for name, check := range checks {
			ok, reason := check(r.Context())
			result[name] = map[string]any{"ready": ok, "reason": reason}
			ready = ready && ok
		}
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": result})
	})
	srv := &http.Server{Handler: mux}
	if port > 0 {
		srv.Addr = fmt.Sprintf(":%d", port)
		go func() { _ = srv.ListenAndServe() }()
	}
	return srv
}
