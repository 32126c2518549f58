package main

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pixeltown.ai/internal/sim/instance"
	"pixeltown.ai/internal/sim/sweeper"
	"pixeltown.ai/internal/sim/world"
)

// Admin endpoints are operator tools and are restricted to loopback
// clients. They never mutate world state directly; sweep triggers go
// through the same serialized input queue as everything else.
func registerAdminHandlers(mux *http.ServeMux, w *world.World, mgr *instance.Manager, sw *sweeper.Sweeper, defaultInputAge time.Duration) {
	adminOnly := func(h http.HandlerFunc) http.HandlerFunc {
		return func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			h(rw, r)
		}
	}

	mux.HandleFunc("/admin/v1/inputs/pending", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := struct {
			WorldID string               `json:"world_id"`
			Tick    uint64               `json:"tick"`
			Pending []world.PendingInput `json:"pending"`
		}{
			WorldID: w.ID(),
			Tick:    w.CurrentTick(),
			Pending: w.PendingInputs(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}))

	mux.HandleFunc("/admin/v1/sweep/inputs", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		age := defaultInputAge
		if raw := strings.TrimSpace(r.URL.Query().Get("age_ms")); raw != "" {
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v <= 0 {
				http.Error(rw, "bad age_ms", http.StatusBadRequest)
				return
			}
			age = time.Duration(v) * time.Millisecond
		}
		submitted := sw.SweepInputs(age)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "submitted_for": submitted})
	}))

	mux.HandleFunc("/admin/v1/sweep/orphans", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		archived := sw.SweepOrphans()
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "archived": archived})
	}))

	mux.HandleFunc("/admin/v1/instances", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		resp := struct {
			Instances []instance.Instance    `json:"instances"`
			Health    []instance.HealthEntry `json:"health"`
		}{
			Instances: mgr.Instances(),
			Health:    sw.HealthPass(),
		}
		_ = json.NewEncoder(rw).Encode(resp)
	}))

	mux.HandleFunc("/admin/v1/snapshot", adminOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		_ = json.NewEncoder(rw).Encode(w.View())
	}))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
