package controller

import (
	"context"
	"errors"
	"os"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/state"
	"github.com/carlosprados/wingman/internal/store"
	"github.com/carlosprados/wingman/internal/supervisor"
	"github.com/carlosprados/wingman/internal/validate"
	"github.com/rs/zerolog/log"
)

// setupPremium prepares the identity's env and config files and brings the
// agent up. With restart set a running agent is replaced so it picks up a new
// binary.
func (c *Controller) setupPremium(ctx context.Context, s store.Session, restart bool) (supervisor.Info, error) {
	id := s.Identity
	if c.sup == nil {
		return supervisor.Info{}, errdefs.New(errdefs.SpawnFailed, "no supervisor")
	}
	m, ok := c.installed()
	if !ok {
		return supervisor.Info{}, errdefs.New(errdefs.FSNotFound, "agent not installed")
	}

	env := c.env
	if c.keys != nil {
		key, err := c.keys.WorkspaceKey(ctx, id, s.Token)
		if err != nil {
			return supervisor.Info{}, err
		}
		env.APIKey = key
	}
	if err := c.layout.WriteEnvFiles(id, env); err != nil {
		return supervisor.Info{}, err
	}
	if err := c.ensureConfig(ctx, s); err != nil {
		return supervisor.Info{}, err
	}
	if s.ResponseLanguage != "" {
		if err := c.configs.SetResponseLanguage(ctx, id, s.ResponseLanguage); err != nil {
			return supervisor.Info{}, err
		}
	}

	spec := c.spec(s, m.BinaryPath())
	var (
		info supervisor.Info
		err  error
	)
	if restart && c.sup.IsRunning(ctx, id) {
		log.Info().Str("identity", id.String()).Msg("restarting agent on new binary")
		info, err = c.sup.Restart(ctx, spec)
	} else {
		info, err = c.sup.Start(ctx, spec)
	}
	if err != nil {
		return info, err
	}
	if _, err := state.Update(c.layout.StatusFile(), func(m *state.InstallManifest) {
		m.Host, m.Port = info.Host, info.Port
	}); err != nil {
		log.Warn().Err(err).Str("identity", id.String()).Msg("record agent address")
	}
	return info, nil
}

// ensureConfig fetches the config template into the identity directory when
// no config.json exists yet. A template that fails validation is discarded
// and the supervisor materializes a minimal config instead.
func (c *Controller) ensureConfig(ctx context.Context, s store.Session) error {
	path := c.layout.ConfigFile(s.Identity)
	if _, err := os.Stat(path); err == nil || !errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if c.manifest == nil || c.engine == nil {
		return nil
	}
	if err := os.MkdirAll(c.layout.IdentityDir(s.Identity), 0o755); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "create identity dir", err)
	}
	tmp := path + ".download"
	defer os.Remove(tmp)
	if err := c.manifest.FetchConfigTemplate(ctx, c.engine, tmp); err != nil {
		log.Warn().Err(err).Str("identity", s.Identity.String()).Msg("config template unavailable")
		return nil
	}
	b, err := os.ReadFile(tmp)
	if err != nil {
		return errdefs.Wrap(errdefs.DownloadIO, "read config template", err)
	}
	if err := validate.AgentConfig(b); err != nil {
		log.Warn().Err(err).Str("identity", s.Identity.String()).Msg("config template rejected")
		return nil
	}
	if err := os.Rename(tmp, path); err != nil {
		return errdefs.Wrap(errdefs.FSPermission, "install config template", err)
	}
	log.Info().Str("identity", s.Identity.String()).Str("file", path).Msg("config template installed")
	return nil
}

// StartAgent records s and runs premium setup in the caller's goroutine.
func (c *Controller) StartAgent(ctx context.Context, s store.Session) (supervisor.Info, error) {
	if !s.Identity.Valid() {
		return supervisor.Info{}, errdefs.New(errdefs.MissingIdentity, "start agent")
	}
	s.Premium = true
	s = c.sessions.Upsert(s)
	c.setDowngraded(s.Identity, false)
	return c.setupPremium(ctx, s, false)
}
