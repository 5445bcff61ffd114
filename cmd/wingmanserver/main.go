package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/carlosprados/wingman/internal/logging"
	"github.com/carlosprados/wingman/internal/manifest"
	"github.com/carlosprados/wingman/internal/validate"
	"github.com/rs/zerolog/log"
)

// wingmanserver serves a release directory for local testing. Point
// WINGMAN_DOWNLOAD_BASE at it:
//
//	go run ./cmd/wingmanserver --root ./release --addr :9000
//
// The directory holds manifest.json, config.json and the artifacts it names:
//
//	http://127.0.0.1:9000/manifest.json
//	http://127.0.0.1:9000/bitowingman-1.4.0-linux-x64.exe
//	http://127.0.0.1:9000/bitowingman-tools-1.4.0-linux-x64.zip
func main() {
	var (
		root     = flag.String("root", ".", "release directory to serve")
		addr     = flag.String("addr", ":9000", "listen address (host:port)")
		logLevel = flag.String("log-level", "", "log level")
	)
	flag.Parse()
	logging.Setup(*logLevel)

	absRoot, err := filepath.Abs(*root)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve root")
	}
	st, err := os.Stat(absRoot)
	if err != nil {
		log.Fatal().Err(err).Str("root", absRoot).Msg("stat root")
	}
	if !st.IsDir() {
		log.Fatal().Str("root", absRoot).Msg("root is not a directory")
	}
	if err := checkManifest(absRoot); err != nil {
		log.Warn().Err(err).Msg("manifest.json will be rejected by clients")
	}

	srv := &http.Server{Addr: *addr, Handler: newHandler(absRoot), ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("root", absRoot).Str("addr", *addr).Msg("wingmanserver serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("listen")
	}
}

func checkManifest(root string) error {
	b, err := os.ReadFile(filepath.Join(root, manifest.FileName))
	if err != nil {
		return err
	}
	return validate.Manifest(b)
}

func newHandler(root string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]any{"status": "ok", "time_utc": time.Now().UTC().Format(time.RFC3339)}
		if err := checkManifest(root); err != nil {
			status["status"] = "degraded"
			status["manifest"] = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	})
	files := http.FileServer(http.Dir(root))
	mux.Handle("/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("path", r.URL.Path).Str("ua", r.UserAgent()).Msg("request")
		// manifest and config must never be cached by the controller
		if r.URL.Path == "/"+manifest.FileName || r.URL.Path == "/"+manifest.ConfigTemplate {
			w.Header().Set("Cache-Control", "no-store")
		}
		files.ServeHTTP(w, r)
	}))
	return mux
}
