package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/controller"
	"github.com/carlosprados/wingman/internal/logging"
	"github.com/carlosprados/wingman/internal/version"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "", "Controller config file (TOML); default <root>/wingman.toml")
	httpAddr := flag.String("http", "", "HTTP listen address for the command API, health and metrics")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error); default WINGMAN_LOG_LEVEL or info")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("wingmand %s (%s)\n", version.Version, version.Commit)
		return
	}
	config.LoadDotEnvDefault()
	logging.Setup(*logLevel)

	path := *configPath
	if path == "" {
		path = filepath.Join(rootFromEnv(), "wingman.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal().Err(err).Str("config", path).Msg("load config")
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := controller.Assemble(ctx, cfg, controller.AssembleOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("assemble controller")
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: st.Controller.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("version", version.Version).Str("root", cfg.Root).Msg("wingmand starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	st.Close()

	log.Info().Msg("bye")
	_ = os.Stdout.Sync()
}

// rootFromEnv resolves the install root before the config file is read.
func rootFromEnv() string {
	if r := os.Getenv("WINGMAN_ROOT"); r != "" {
		return r
	}
	return config.DefaultRoot()
}
