package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/carlosprados/wingman/internal/agentcfg"
	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/keys"
	"github.com/carlosprados/wingman/internal/manifest"
	"github.com/carlosprados/wingman/internal/platform"
	"github.com/carlosprados/wingman/internal/registry"
	"github.com/carlosprados/wingman/internal/runner"
	"github.com/carlosprados/wingman/internal/supervisor"
	"github.com/carlosprados/wingman/internal/telemetry"
	"github.com/carlosprados/wingman/internal/version"
	"github.com/rs/zerolog/log"
)

// Stack is a controller wired from a Config together with the resources it
// owns. The daemon and the CLI both build one.
type Stack struct {
	Config     config.Config
	Layout     install.Layout
	Target     platform.Target
	Manifest   *manifest.Client
	Engine     *artifact.Engine
	Checker    *version.Checker
	DB         *registry.DB
	Supervisor *supervisor.Supervisor
	Controller *Controller

	closeSinks func()
	closeOnce  sync.Once
}

// AssembleOptions carries what the embedding binary provides.
type AssembleOptions struct {
	UserAgent string
	Progress  host.Progress
	Notifier  host.Notifier
	Workers   int
	// Target overrides the probed platform.
	Target *platform.Target
}

// Assemble opens the process database and wires every component.
func Assemble(ctx context.Context, cfg config.Config, o AssembleOptions) (*Stack, error) {
	if cfg.DownloadBase == "" {
		return nil, fmt.Errorf("download_base is not configured (set WINGMAN_DOWNLOAD_BASE)")
	}
	if o.UserAgent == "" {
		o.UserAgent = "wingmand/" + version.Version
	}
	layout := install.NewLayout(cfg.Root)
	if err := layout.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create %s: %w", cfg.Root, err)
	}
	target := platform.Current()
	if o.Target != nil {
		target = *o.Target
	}

	mc, err := manifest.NewClient(manifest.Options{
		BaseURL:        cfg.DownloadBase,
		UserAgent:      o.UserAgent,
		ClientInfo:     cfg.ClientInfo,
		ConnectTimeout: cfg.Manifest.ConnectTimeout.Duration,
		ReadTimeout:    cfg.Manifest.Timeout.Duration,
		RetryMax:       2,
	})
	if err != nil {
		return nil, err
	}
	engine := artifact.NewEngine(artifact.Options{
		ChunkSize:        cfg.Download.ChunkSize,
		ProgressInterval: cfg.Download.ProgressInterval.Duration,
		ConnectTimeout:   cfg.Manifest.ConnectTimeout.Duration,
		ReadTimeout:      cfg.Manifest.Timeout.Duration,
		UserAgent:        o.UserAgent,
	})
	run := runner.New()
	checker := &version.Checker{Layout: layout, Source: mc, Prober: run}

	db, err := registry.Open(ctx, layout.ProcessDB())
	if err != nil {
		return nil, err
	}

	deviceID, err := telemetry.DeviceID(layout.DeviceIDFile())
	if err != nil {
		log.Warn().Err(err).Msg("device id unavailable")
	}
	sinks, closeSinks := telemetry.Sinks(cfg.Telemetry, deviceID, o.UserAgent, cfg.ClientInfo)

	st := &Stack{
		Config:     cfg,
		Layout:     layout,
		Target:     target,
		Manifest:   mc,
		Engine:     engine,
		Checker:    checker,
		DB:         db,
		closeSinks: closeSinks,
	}

	configs := agentcfg.NewStore(layout)
	opts := supervisor.OptionsFromConfig(cfg.Supervisor)
	opts.Platform = target.Platform
	opts.OnFailure = func(id identity.Identity, err error) {
		if st.Controller != nil {
			st.Controller.AgentFailed(id, err)
		}
	}
	st.Supervisor = supervisor.New(db, layout, configs, run, opts)

	var kp host.KeyProvider
	if cfg.API.MgmtURL != "" {
		kc, err := keys.New(cfg.API.MgmtURL, 0)
		if err != nil {
			st.Close()
			return nil, err
		}
		kp = kc
	} else {
		log.Warn().Msg("mgmt_url not set, agents start with the configured API key only")
	}

	st.Controller = New(Deps{
		Layout:     layout,
		Target:     target,
		Manifest:   mc,
		Engine:     engine,
		Checker:    checker,
		Configs:    configs,
		Supervisor: st.Supervisor,
		Keys:       kp,
		Events:     sinks,
		Progress:   o.Progress,
		Notifier:   o.Notifier,
		Env:        config.AgentEnv{APIURL: cfg.API.BaseURL, TrackingURL: cfg.API.TrackingURL},
		Workers:    o.Workers,
	})
	log.Info().Str("root", layout.Root).Str("platform", target.Platform).Str("arch", target.Arch).
		Bool("supported", target.Supported).Str("download_base", cfg.DownloadBase).Msg("controller assembled")
	return st, nil
}

// Close stops background work, monitors and telemetry, then closes the
// database. Agents keep running.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		if s.Controller != nil {
			_ = s.Controller.Close()
		}
		if s.Supervisor != nil {
			s.Supervisor.Close()
		}
		s.Engine.Wait()
		if s.closeSinks != nil {
			s.closeSinks()
		}
		if err := s.DB.Close(); err != nil {
			log.Warn().Err(err).Msg("close process database")
		}
	})
}
