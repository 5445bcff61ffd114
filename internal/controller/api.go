package controller

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/wingman/internal/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxCommandBody = 1 << 20

// Router returns the HTTP handler for the local API.
func (c *Controller) Router() http.Handler {
	mux := http.NewServeMux()

	// Liveness probe
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"uptime":   time.Since(c.start).String(),
			"closed":   c.closed.Load(),
			"platform": c.target.Platform,
			"arch":     c.target.Arch,
			"time_utc": time.Now().UTC().Format(time.RFC3339),
		})
	})

	// Host commands: POST /v1/commands/{command}
	mux.HandleFunc("/v1/commands/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/commands/"), "/")
		if name == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, Reply{"status": http.StatusBadRequest, "message": err.Error()})
			return
		}
		code, reply := c.Handle(r.Context(), name, body)
		writeJSON(w, code, reply)
	})

	// Recent status events, oldest first. ?n= limits the count.
	mux.HandleFunc("/v1/events", func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		writeJSON(w, http.StatusOK, map[string]any{
			"total":  c.history.Total(),
			"events": c.history.Recent(n),
		})
	})

	// Process records
	mux.HandleFunc("/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		if c.sup == nil {
			writeJSON(w, http.StatusOK, []any{})
			return
		}
		recs, err := c.sup.List(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("list agents")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		writeJSON(w, http.StatusOK, recs)
	})

	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, c.sessions.List())
	})

	// Install state: downloadedBinary.json, tools version and the last manifest.
	mux.HandleFunc("/v1/install", func(w http.ResponseWriter, r *http.Request) {
		m, found, err := state.Load(c.layout.StatusFile())
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
		tools, _ := c.layout.ToolsVersion()
		resp := map[string]any{
			"root":         c.layout.Root,
			"found":        found,
			"install":      m,
			"toolsVersion": tools,
		}
		if c.manifest != nil {
			if mf, at, ok := c.manifest.Cached(); ok {
				resp["manifest"] = mf
				resp["manifestFetchedAt"] = at.UTC().Format(time.RFC3339)
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	// Root handler with tiny landing
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("Wingman controller is running. See /healthz, /metrics and /v1/commands/{command}\n"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
