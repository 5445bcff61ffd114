// Package supervisor runs at most one agent process per identity across all
// controller instances on the machine, allocates its port, and keeps it alive.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/agentcfg"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/lock"
	"github.com/carlosprados/wingman/internal/metrics"
	"github.com/carlosprados/wingman/internal/ports"
	"github.com/carlosprados/wingman/internal/registry"
	"github.com/carlosprados/wingman/internal/runner"
	sysrt "github.com/carlosprados/wingman/internal/runtime"
	"github.com/rs/zerolog/log"
)

// Runner spawns and stops agent processes.
type Runner interface {
	Start(ctx context.Context, opts runner.Options) (*runner.ProcessHandle, error)
	Stop(ctx context.Context, h *runner.ProcessHandle, timeout time.Duration) error
	StopPID(ctx context.Context, pid int, timeout time.Duration) error
}

const (
	readyPoll = 50 * time.Millisecond
	// releaseWindow bounds how long Stop waits for the port to close.
	releaseWindow = 2 * time.Second
)

// Supervisor owns the agents started by this controller and coordinates with
// other controllers through the process database.
type Supervisor struct {
	opts   Options
	db     *registry.DB
	layout install.Layout
	cfg    *agentcfg.Store
	alloc  *ports.Allocator
	run    Runner
	locks  *lock.Keyed

	// probes, replaceable in tests
	inUse     func(host string, port int) bool
	listening func(host string, port int) bool
	alive     func(pid int) bool
	freePort  func(ctx context.Context, host string, port int) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	agents map[string]*agent
	states map[string]State
}

// agent is a process this controller spawned and monitors.
type agent struct {
	spec   Spec
	host   string
	port   int
	handle *runner.ProcessHandle
	cancel context.CancelFunc
}

// New returns a Supervisor. Close stops its monitors.
func New(db *registry.DB, layout install.Layout, cfg *agentcfg.Store, run Runner, opts Options) *Supervisor {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	alloc := ports.NewAllocator(opts.Host)
	alloc.Base, alloc.Fallback = opts.BasePort, opts.FallbackPort
	return &Supervisor{
		opts:      opts,
		db:        db,
		layout:    layout,
		cfg:       cfg,
		alloc:     alloc,
		run:       run,
		locks:     lock.NewKeyed(),
		inUse:     ports.IsInUse,
		listening: ports.IsListening,
		alive:     sysrt.IsProcessRunning,
		freePort:  ports.FreePort,
		ctx:       ctx,
		cancel:    cancel,
		agents:    map[string]*agent{},
		states:    map[string]State{},
	}
}

// Close stops monitoring. Running agents are left alone so other host
// instances, or the next controller, can keep using them.
func (s *Supervisor) Close() {
	s.cancel()
	s.wg.Wait()
}

// State returns the last known state for id.
func (s *Supervisor) State(id identity.Identity) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id.String()]; ok {
		return st
	}
	return StateIdle
}

func (s *Supervisor) setState(key string, st State) {
	s.mu.Lock()
	prev := s.states[key]
	s.states[key] = st
	s.mu.Unlock()
	metrics.ObserveAgentState(key, string(st))
	if prev != st {
		log.Info().Str("identity", key).Str("from", string(prev)).Str("to", string(st)).Msg("agent state change")
	}
}

// Start runs the agent for spec.Identity and attaches spec.ProjectID to it.
// When an agent already serves the identity its host and port are returned
// and nothing is spawned.
func (s *Supervisor) Start(ctx context.Context, spec Spec) (Info, error) {
	if !spec.Identity.Valid() {
		return Info{}, errdefs.New(errdefs.MissingIdentity, "start agent")
	}
	key := spec.Identity.String()
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return Info{}, err
	}
	defer unlock()

	deadline := time.Now().Add(s.opts.ReadyTimeout + time.Second)
	for {
		info, wait, err := s.attach(ctx, spec)
		if err != nil {
			return Info{}, err
		}
		if info.Port != 0 {
			return info, nil
		}
		if !wait {
			break
		}
		// another controller is starting this identity
		if time.Now().After(deadline) {
			log.Warn().Str("identity", key).Msg("peer start did not finish, taking over")
			if err := s.clear(ctx, key); err != nil {
				return Info{}, err
			}
			break
		}
		select {
		case <-ctx.Done():
			return Info{}, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return s.spawn(ctx, spec)
}

// StartAsync runs Start in the background and delivers its result.
func (s *Supervisor) StartAsync(ctx context.Context, spec Spec) <-chan Result {
	ch := make(chan Result, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		info, err := s.Start(ctx, spec)
		ch <- Result{Info: info, Err: err}
	}()
	return ch
}

func projectLink(spec Spec, pid int) registry.ProjectLink {
	return registry.ProjectLink{
		WorkspaceUserID: spec.Identity.String(),
		ProjectID:       spec.ProjectID,
		ProcessID:       pid,
		ParentProcessID: spec.ParentPID,
	}
}

// attach looks at the current record. A live RUNNING agent is reused. A
// fresh STARTING record from another controller asks the caller to wait.
// Anything else is stale and removed.
func (s *Supervisor) attach(ctx context.Context, spec Spec) (info Info, wait bool, err error) {
	key := spec.Identity.String()
	var stale registry.Record
	err = s.db.Lock(ctx, func(tx *registry.Tx) error {
		rec, ok, err := tx.FindByWorkspaceUserID(ctx, key)
		if err != nil || !ok {
			return err
		}
		switch {
		case rec.Status == registry.StatusRunning && rec.Port > 0 && s.inUse(rec.Host, rec.Port):
			if err := tx.SaveProject(ctx, projectLink(spec, rec.ProcessID)); err != nil {
				return err
			}
			info = Info{Identity: key, Host: rec.Host, Port: rec.Port, PID: rec.ProcessID, State: StateRunning, Reused: true}
			return nil
		case rec.Status == registry.StatusStarting && time.Since(rec.UpdatedAt) < s.opts.ReadyTimeout+time.Second &&
			(rec.ProcessID == 0 || s.alive(rec.ProcessID)) && !s.owned(key):
			wait = true
			return nil
		default:
			stale = rec
			return tx.DeleteByWorkspaceUserID(ctx, key)
		}
	})
	if err != nil {
		return Info{}, false, err
	}
	if info.Port != 0 {
		log.Info().Str("identity", key).Int("port", info.Port).Str("project", spec.ProjectID).Msg("attached to running agent")
		metrics.SetPort(key, info.Port)
		s.setState(key, StateRunning)
		return info, false, nil
	}
	if stale.WorkspaceUserID != "" {
		log.Info().Str("identity", key).Str("status", string(stale.Status)).Int("port", stale.Port).Int("pid", stale.ProcessID).Msg("cleared stale process record")
		s.reap(ctx, key, stale)
	}
	return Info{}, wait, nil
}

// clear deletes the record of key and reaps whatever it pointed to.
func (s *Supervisor) clear(ctx context.Context, key string) error {
	var rec registry.Record
	err := s.db.Lock(ctx, func(tx *registry.Tx) error {
		r, ok, err := tx.FindByWorkspaceUserID(ctx, key)
		if err != nil || !ok {
			return err
		}
		rec = r
		return tx.DeleteByWorkspaceUserID(ctx, key)
	})
	if err == nil && rec.WorkspaceUserID != "" {
		s.reap(ctx, key, rec)
	}
	return err
}

// reap stops the process of a stale record and, when its port is still held
// after the agent is gone, frees it.
func (s *Supervisor) reap(ctx context.Context, key string, rec registry.Record) {
	if a := s.forget(key); a != nil && a.handle != nil {
		_ = s.run.Stop(ctx, a.handle, s.opts.StopTimeout)
	} else if rec.ProcessID > 0 && s.alive(rec.ProcessID) {
		if err := s.run.StopPID(ctx, rec.ProcessID, s.opts.StopTimeout); err != nil {
			log.Warn().Err(err).Str("identity", key).Int("pid", rec.ProcessID).Msg("stop stale agent")
		}
	}
	if rec.Port > 0 && s.listening(rec.Host, rec.Port) && !s.alive(rec.ProcessID) {
		if err := s.freePort(ctx, rec.Host, rec.Port); err != nil {
			log.Warn().Err(err).Str("identity", key).Int("port", rec.Port).Msg("free stale port")
		}
	}
}

// spawn is the fresh start path: reconcile config, reserve a port, write it
// into the config, launch the agent and wait for it to bind.
func (s *Supervisor) spawn(ctx context.Context, spec Spec) (Info, error) {
	key := spec.Identity.String()
	s.setState(key, StateStarting)

	toolsDir := s.layout.ToolsDir()
	if _, err := s.cfg.Reconcile(ctx, spec.Identity, agentcfg.ServerInfo{Host: s.opts.Host, ToolsDir: toolsDir}); err != nil {
		return s.failStart(ctx, key, err)
	}
	port, err := s.reserve(ctx, spec)
	if err != nil {
		return s.failStart(ctx, key, err)
	}
	if err := s.cfg.SetServer(ctx, spec.Identity, agentcfg.ServerInfo{Host: s.opts.Host, Port: port, ToolsDir: toolsDir}); err != nil {
		return s.failStart(ctx, key, err)
	}
	h, err := s.run.Start(ctx, s.runOptions(spec, port))
	if err != nil {
		return s.failStart(ctx, key, errdefs.Wrap(errdefs.SpawnFailed, "spawn agent", err))
	}
	s.record(ctx, spec, port, h.PID, registry.StatusStarting)

	if err := s.waitReady(ctx, h, port); err != nil {
		_ = s.run.Stop(context.Background(), h, s.opts.StopTimeout)
		return s.failStart(ctx, key, err)
	}
	s.record(ctx, spec, port, h.PID, registry.StatusRunning)

	mctx, cancel := context.WithCancel(s.ctx)
	a := &agent{spec: spec, host: s.opts.Host, port: port, handle: h, cancel: cancel}
	s.mu.Lock()
	s.agents[key] = a
	s.mu.Unlock()
	s.wg.Add(1)
	go s.monitor(mctx, key, a)
	s.sample(mctx, key, h.PID)

	metrics.SetPort(key, port)
	s.setState(key, StateRunning)
	log.Info().Str("identity", key).Str("host", s.opts.Host).Int("port", port).Int("pid", h.PID).Msg("agent running")
	return Info{Identity: key, Host: s.opts.Host, Port: port, PID: h.PID, State: StateRunning}, nil
}

// sample publishes process metrics for pid until it exits or ctx ends.
func (s *Supervisor) sample(ctx context.Context, key string, pid int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		metrics.SampleProcessMetrics(ctx, key, pid, 5*s.opts.MonitorInterval)
	}()
}

func (s *Supervisor) failStart(ctx context.Context, key string, err error) (Info, error) {
	s.markFailed(ctx, key)
	s.setState(key, StateFailed)
	log.Error().Err(err).Str("identity", key).Msg("agent start failed")
	return Info{}, err
}

func (s *Supervisor) markFailed(ctx context.Context, key string) {
	ctx = context.WithoutCancel(ctx)
	err := s.db.Lock(ctx, func(tx *registry.Tx) error {
		return tx.SetStatus(ctx, key, registry.StatusFailed)
	})
	if err != nil && !errors.Is(err, registry.ErrNoRecord) {
		log.Warn().Err(err).Str("identity", key).Msg("mark record failed")
	}
}

// reserve allocates a port and persists the STARTING record in one
// transaction. When the database is unusable it allocates above the fallback
// base without persisting.
func (s *Supervisor) reserve(ctx context.Context, spec Spec) (int, error) {
	key := spec.Identity.String()
	var port int
	err := s.db.Lock(ctx, func(tx *registry.Tx) error {
		p, err := s.alloc.Allocate(ctx, tx)
		if err != nil {
			return err
		}
		port = p
		if err := tx.Save(ctx, registry.Record{
			WorkspaceUserID: key,
			Host:            s.opts.Host,
			Port:            p,
			ParentProcessID: spec.ParentPID,
			Platform:        s.opts.Platform,
			ProjectID:       spec.ProjectID,
			Status:          registry.StatusStarting,
		}); err != nil {
			return err
		}
		return tx.SaveProject(ctx, projectLink(spec, 0))
	})
	if err == nil || errdefs.Is(err, errdefs.PortExhausted) || ctx.Err() != nil {
		return port, err
	}
	log.Warn().Err(err).Str("identity", key).Msg("process db unavailable, allocating from fallback base")
	return s.alloc.Allocate(ctx, nil)
}

// record updates the process record with the spawned pid and status.
func (s *Supervisor) record(ctx context.Context, spec Spec, port, pid int, st registry.Status) {
	err := s.db.Lock(ctx, func(tx *registry.Tx) error {
		if err := tx.Save(ctx, registry.Record{
			WorkspaceUserID: spec.Identity.String(),
			Host:            s.opts.Host,
			Port:            port,
			ProcessID:       pid,
			ParentProcessID: spec.ParentPID,
			Platform:        s.opts.Platform,
			ProjectID:       spec.ProjectID,
			Status:          st,
		}); err != nil {
			return err
		}
		return tx.SaveProject(ctx, projectLink(spec, pid))
	})
	if err != nil {
		log.Warn().Err(err).Str("identity", spec.Identity.String()).Str("status", string(st)).Msg("update process record")
	}
}

func (s *Supervisor) runOptions(spec Spec, port int) runner.Options {
	repl := strings.NewReplacer(
		"{config}", s.layout.ConfigFile(spec.Identity),
		"{env}", s.layout.IdentityEnvFile(spec.Identity),
		"{host}", s.opts.Host,
		"{port}", strconv.Itoa(port),
		"{tools}", s.layout.ToolsDir(),
	)
	args := make([]string, len(s.opts.AgentArgs))
	for i, a := range s.opts.AgentArgs {
		args[i] = repl.Replace(a)
	}
	return runner.Options{
		Name:       "agent",
		Command:    spec.Binary,
		Args:       args,
		Env:        s.opts.Env,
		WorkingDir: s.layout.BinDir(),
		NoFile:     4096,
		Identity:   spec.Identity.String(),
	}
}

// waitReady polls until the agent accepts connections on port, exits, or
// ReadyTimeout elapses.
func (s *Supervisor) waitReady(ctx context.Context, h *runner.ProcessHandle, port int) error {
	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()
	tick := time.NewTicker(readyPoll)
	defer tick.Stop()
	for {
		if s.listening(s.opts.Host, port) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Exited():
			return errdefs.Wrap(errdefs.SpawnFailed, "agent exited before binding", fmt.Errorf("exit: %v", h.Err()))
		case <-timer.C:
			return errdefs.Wrap(errdefs.HealthTimeout, "wait for agent", fmt.Errorf("port %d not bound within %s", port, s.opts.ReadyTimeout))
		case <-tick.C:
		}
	}
}

// Stop detaches projectID of host process parentPID from every identity it
// is attached to. An agent is stopped and its record deleted only when no
// other project uses it. It reports whether any agent was stopped.
func (s *Supervisor) Stop(ctx context.Context, parentPID int, projectID string) (bool, error) {
	var links []registry.ProjectLink
	err := s.db.View(ctx, func(tx *registry.Tx) error {
		var err error
		links, err = tx.FindProjects(ctx, parentPID, projectID)
		return err
	})
	if err != nil {
		return false, err
	}
	stopped := false
	for _, link := range links {
		ok, err := s.detach(ctx, link)
		if err != nil {
			return stopped, err
		}
		stopped = stopped || ok
	}
	return stopped, nil
}

// detach removes one project link and stops the agent when it was the last.
func (s *Supervisor) detach(ctx context.Context, link registry.ProjectLink) (bool, error) {
	key := link.WorkspaceUserID
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return false, err
	}
	defer unlock()

	var (
		rec       registry.Record
		remaining int
	)
	err = s.db.Lock(ctx, func(tx *registry.Tx) error {
		if err := tx.DeleteProject(ctx, link); err != nil {
			return err
		}
		// links of host processes that died without stopping count as gone
		if _, err := tx.PruneProjects(ctx, key, s.hostAlive); err != nil {
			return err
		}
		n, err := tx.CountProjects(ctx, key)
		if err != nil {
			return err
		}
		remaining = n
		rec, _, err = tx.FindByWorkspaceUserID(ctx, key)
		return err
	})
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		log.Info().Str("identity", key).Int("projects", remaining).Msg("agent still in use, not stopping")
		return false, nil
	}
	if err := s.terminate(ctx, key, rec); err != nil {
		return false, err
	}
	return true, nil
}

// StopAsync runs Stop in the background.
func (s *Supervisor) StopAsync(ctx context.Context, parentPID int, projectID string) <-chan error {
	ch := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.Stop(ctx, parentPID, projectID)
		ch <- err
	}()
	return ch
}

// Restart replaces the agent of spec.Identity, typically after a binary
// upgrade. Project links of other host instances are kept.
func (s *Supervisor) Restart(ctx context.Context, spec Spec) (Info, error) {
	if !spec.Identity.Valid() {
		return Info{}, errdefs.New(errdefs.MissingIdentity, "restart agent")
	}
	key := spec.Identity.String()
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return Info{}, err
	}
	defer unlock()
	rec, ok, err := s.db.Get(ctx, key)
	if err != nil {
		return Info{}, err
	}
	if ok || s.owned(key) {
		if err := s.terminate(ctx, key, rec); err != nil {
			return Info{}, err
		}
	}
	return s.spawn(ctx, spec)
}

// StopIdentity stops the agent of id regardless of attached projects and
// removes its record and links. The recorded port is freed if something
// still holds it.
func (s *Supervisor) StopIdentity(ctx context.Context, id identity.Identity) error {
	key := id.String()
	unlock, err := s.locks.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	var rec registry.Record
	err = s.db.Lock(ctx, func(tx *registry.Tx) error {
		r, _, err := tx.FindByWorkspaceUserID(ctx, key)
		if err != nil {
			return err
		}
		rec = r
		return tx.DeleteProjects(ctx, key)
	})
	if err != nil {
		return err
	}
	if err := s.terminate(ctx, key, rec); err != nil {
		return err
	}
	if rec.Port > 0 && s.listening(rec.Host, rec.Port) {
		if err := s.freePort(ctx, rec.Host, rec.Port); err != nil {
			log.Warn().Err(err).Str("identity", key).Int("port", rec.Port).Msg("free port after downgrade")
		}
	}
	return nil
}

// terminate stops the agent, waits for its port to close and deletes the
// process record.
func (s *Supervisor) terminate(ctx context.Context, key string, rec registry.Record) error {
	s.setState(key, StateStopping)
	host, port, pid := rec.Host, rec.Port, rec.ProcessID
	var err error
	if a := s.forget(key); a != nil && a.handle != nil {
		host, port, pid = a.host, a.port, a.handle.PID
		err = s.run.Stop(ctx, a.handle, s.opts.StopTimeout)
	} else if pid > 0 {
		err = s.run.StopPID(ctx, pid, s.opts.StopTimeout)
	}
	if err != nil {
		log.Error().Err(err).Str("identity", key).Int("pid", pid).Msg("stop agent")
		return err
	}
	if port > 0 {
		deadline := time.Now().Add(releaseWindow)
		for s.listening(host, port) && time.Now().Before(deadline) {
			time.Sleep(readyPoll)
		}
	}
	if rec.WorkspaceUserID != "" {
		if err := s.db.Lock(ctx, func(tx *registry.Tx) error { return tx.DeleteByWorkspaceUserID(ctx, key) }); err != nil {
			return err
		}
	}
	metrics.SetPort(key, 0)
	s.setState(key, StateStopped)
	log.Info().Str("identity", key).Int("pid", pid).Int("port", port).Msg("agent stopped")
	return nil
}

// hostAlive treats links without a host pid as alive.
func (s *Supervisor) hostAlive(pid int) bool { return pid <= 0 || s.alive(pid) }

// owned reports whether this controller spawned the agent for key.
func (s *Supervisor) owned(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.agents[key]
	return ok
}

// forget stops monitoring key and returns its agent, if any.
func (s *Supervisor) forget(key string) *agent {
	s.mu.Lock()
	a := s.agents[key]
	delete(s.agents, key)
	s.mu.Unlock()
	if a != nil {
		a.cancel()
	}
	return a
}

// current reports whether a is still the tracked agent for key.
func (s *Supervisor) current(key string, a *agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents[key] == a
}

// Get returns the process record of id.
func (s *Supervisor) Get(ctx context.Context, id identity.Identity) (registry.Record, bool, error) {
	return s.db.Get(ctx, id.String())
}

// List returns every process record.
func (s *Supervisor) List(ctx context.Context) ([]registry.Record, error) {
	return s.db.ListRecords(ctx)
}

// IsRunning reports whether id has a RUNNING record whose port is bound.
func (s *Supervisor) IsRunning(ctx context.Context, id identity.Identity) bool {
	rec, ok, err := s.db.Get(ctx, id.String())
	if err != nil || !ok {
		return false
	}
	return rec.Status == registry.StatusRunning && s.listening(rec.Host, rec.Port)
}
