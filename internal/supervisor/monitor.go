package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/carlosprados/wingman/internal/agentcfg"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/metrics"
	"github.com/carlosprados/wingman/internal/registry"
	"github.com/rs/zerolog/log"
)

// monitor checks a every MonitorInterval and restarts it when it stops
// serving its port.
func (s *Supervisor) monitor(ctx context.Context, key string, a *agent) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if s.healthy(a) {
			continue
		}
		if !s.recover(ctx, key, a) {
			return
		}
	}
}

func (s *Supervisor) healthy(a *agent) bool {
	select {
	case <-a.handle.Exited():
		return false
	default:
	}
	return s.listening(a.host, a.port)
}

// recover makes up to MaxRestarts attempts with linear backoff. It returns
// false when monitoring of a must end.
func (s *Supervisor) recover(ctx context.Context, key string, a *agent) bool {
	log.Warn().Str("identity", key).Int("port", a.port).Int("pid", a.handle.PID).Msg("agent stopped serving, restarting")
	s.setState(key, StateRestarting)
	for attempt := 1; attempt <= s.opts.MaxRestarts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(attempt) * s.opts.RestartBackoff):
		}
		unlock, err := s.locks.LockContext(ctx, key)
		if err != nil {
			return false
		}
		if !s.current(key, a) {
			unlock()
			return false
		}
		err = s.restartOnce(ctx, key, a)
		unlock()
		if err == nil {
			metrics.IncRestarts(key)
			s.sample(ctx, key, a.handle.PID)
			metrics.SetPort(key, a.port)
			s.setState(key, StateRunning)
			log.Info().Str("identity", key).Int("attempt", attempt).Int("port", a.port).Int("pid", a.handle.PID).Msg("agent restarted")
			return true
		}
		log.Warn().Err(err).Str("identity", key).Int("attempt", attempt).Msg("restart attempt failed")
	}

	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return false
	}
	if s.current(key, a) {
		s.forget(key)
		s.markFailed(ctx, key)
		s.setState(key, StateFailed)
	}
	unlock()
	err = errdefs.Wrap(errdefs.RestartExhausted, "keep agent alive", fmt.Errorf("%d restarts failed", s.opts.MaxRestarts))
	log.Error().Err(err).Str("identity", key).Msg("giving up on agent")
	if s.opts.OnFailure != nil {
		s.opts.OnFailure(a.spec.Identity, err)
	}
	return false
}

// restartOnce replaces a's process. The old port is reused unless something
// else bound it meanwhile.
func (s *Supervisor) restartOnce(ctx context.Context, key string, a *agent) error {
	_ = s.run.Stop(ctx, a.handle, s.opts.StopTimeout)
	port := a.port
	if s.inUse(a.host, port) {
		p, err := s.reserve(ctx, a.spec)
		if err != nil {
			return err
		}
		port = p
		if err := s.cfg.SetServer(ctx, a.spec.Identity, agentcfg.ServerInfo{Host: a.host, Port: port, ToolsDir: s.layout.ToolsDir()}); err != nil {
			return err
		}
	} else {
		s.record(ctx, a.spec, port, 0, registry.StatusStarting)
	}
	h, err := s.run.Start(ctx, s.runOptions(a.spec, port))
	if err != nil {
		return errdefs.Wrap(errdefs.SpawnFailed, "respawn agent", err)
	}
	if err := s.waitReady(ctx, h, port); err != nil {
		_ = s.run.Stop(context.WithoutCancel(ctx), h, s.opts.StopTimeout)
		return err
	}
	a.handle, a.port = h, port
	s.record(ctx, a.spec, port, h.PID, registry.StatusRunning)
	return nil
}
