// Package controller sequences install, configuration and supervision of the
// agent in response to host commands, and reports progress as status events.
package controller

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carlosprados/wingman/internal/agentcfg"
	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/lock"
	"github.com/carlosprados/wingman/internal/manifest"
	"github.com/carlosprados/wingman/internal/platform"
	"github.com/carlosprados/wingman/internal/registry"
	"github.com/carlosprados/wingman/internal/store"
	"github.com/carlosprados/wingman/internal/supervisor"
	"github.com/carlosprados/wingman/internal/version"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Agent is the part of the supervisor the controller drives.
type Agent interface {
	Start(ctx context.Context, spec supervisor.Spec) (supervisor.Info, error)
	Restart(ctx context.Context, spec supervisor.Spec) (supervisor.Info, error)
	Stop(ctx context.Context, parentPID int, projectID string) (bool, error)
	StopIdentity(ctx context.Context, id identity.Identity) error
	IsRunning(ctx context.Context, id identity.Identity) bool
	Get(ctx context.Context, id identity.Identity) (registry.Record, bool, error)
	List(ctx context.Context) ([]registry.Record, error)
}

// Deps wires a Controller. Nil collaborators are replaced by no-ops.
type Deps struct {
	Layout     install.Layout
	Target     platform.Target
	Manifest   *manifest.Client
	Engine     *artifact.Engine
	Checker    *version.Checker
	Configs    *agentcfg.Store
	Supervisor Agent
	Keys       host.KeyProvider
	Events     host.EventSink
	Progress   host.Progress
	Notifier   host.Notifier
	Sessions   *store.MemoryStore
	// History keeps recent events for GET /v1/events; it also receives
	// every emitted event.
	History *store.EventLog
	// Env seeds the agent env files; the API key is filled per identity.
	Env config.AgentEnv
	// Workers bounds concurrent background work. Default 4.
	Workers int
	// PID identifies this controller in download.pid. Default os.Getpid().
	PID int
}

// Controller is the orchestrator. Every command returns promptly; blocking
// work runs on a bounded background group.
type Controller struct {
	layout   install.Layout
	target   platform.Target
	manifest *manifest.Client
	engine   *artifact.Engine
	checker  *version.Checker
	configs  *agentcfg.Store
	sup      Agent
	keys     host.KeyProvider
	events   host.EventSink
	progress host.Progress
	notifier host.Notifier
	sessions *store.MemoryStore
	history  *store.EventLog
	pidFile  *lock.PIDFile
	env      config.AgentEnv
	pid      int

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	start  time.Time
	closed atomic.Bool
	// pending tracks submissions waiting for a free worker slot.
	pending sync.WaitGroup

	// downloading is this process's half of the download guard; download.pid
	// is the machine-wide half.
	downloading atomic.Bool

	mu         sync.Mutex
	downgraded map[string]bool
}

// New returns a Controller. Close waits for background work.
func New(d Deps) *Controller {
	if d.Progress == nil {
		d.Progress = host.NopProgress{}
	}
	if d.Notifier == nil {
		d.Notifier = host.NopNotifier{}
	}
	if d.Sessions == nil {
		d.Sessions = store.NewMemoryStore()
	}
	if d.History == nil {
		d.History = store.NewEventLog(256)
	}
	if d.Configs == nil {
		d.Configs = agentcfg.NewStore(d.Layout)
	}
	if d.Workers <= 0 {
		d.Workers = 4
	}
	if d.PID <= 0 {
		d.PID = os.Getpid()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		layout:     d.Layout,
		target:     d.Target,
		manifest:   d.Manifest,
		engine:     d.Engine,
		checker:    d.Checker,
		configs:    d.Configs,
		sup:        d.Supervisor,
		keys:       d.Keys,
		events:     host.EventSinks{d.Events, d.History},
		progress:   d.Progress,
		notifier:   d.Notifier,
		sessions:   d.Sessions,
		history:    d.History,
		pidFile:    lock.NewPIDFile(d.Layout.PIDFile()),
		env:        d.Env,
		pid:        d.PID,
		ctx:        ctx,
		cancel:     cancel,
		start:      time.Now(),
		downgraded: map[string]bool{},
	}
	c.group.SetLimit(d.Workers)
	return c
}

// Close cancels background work and waits for it.
func (c *Controller) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	err := c.Wait()
	log.Info().Msg("controller closed")
	return err
}

// Wait blocks until queued background work is done. Used by the CLI.
func (c *Controller) Wait() error {
	c.pending.Wait()
	return c.group.Wait()
}

// Sessions exposes the session store.
func (c *Controller) Sessions() *store.MemoryStore { return c.sessions }

// submit queues fn on the background group. The host-facing reply never
// waits for it.
func (c *Controller) submit(name string, id identity.Identity, fn func(ctx context.Context) error) {
	if c.closed.Load() {
		log.Warn().Str("task", name).Str("identity", id.String()).Msg("controller closed, task dropped")
		return
	}
	task := func() error {
		if err := fn(c.ctx); err != nil {
			log.Error().Err(err).Str("task", name).Str("identity", id.String()).Msg("background task failed")
		}
		return nil
	}
	if c.group.TryGo(task) {
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		c.group.Go(task)
	}()
}

func (c *Controller) emit(ctx context.Context, key host.EventKey, s store.Session, msg string) {
	ev := host.Event{
		Key:         key,
		Identity:    s.Identity,
		Message:     msg,
		WorkgroupID: s.WorkgroupID,
		Token:       s.Token,
		At:          time.Now(),
	}
	log.Info().Str("identity", s.Identity.String()).Str("event", string(key)).Str("message", msg).Msg("status event")
	c.events.Emit(context.WithoutCancel(ctx), ev)
}

func (c *Controller) isDowngraded(id identity.Identity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downgraded[id.String()]
}

func (c *Controller) setDowngraded(id identity.Identity, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v {
		c.downgraded[id.String()] = true
	} else {
		delete(c.downgraded, id.String())
	}
}

// session records a command that carries the user's plan.
func (c *Controller) session(req Request) store.Session {
	prev, _ := c.sessions.Get(req.Identity())
	return c.sessions.Upsert(store.Session{
		Identity:         req.Identity(),
		ProjectID:        req.ProjectID,
		ProjectName:      req.ProjectName,
		ProjectPath:      req.ProjectPath,
		ParentPID:        req.ParentPID,
		WorkgroupID:      string(req.WorkgroupID),
		Token:            req.Token,
		Premium:          req.IsPremiumPlan,
		BitoPlanID:       req.BitoPlanID,
		ResponseLanguage: req.ResponseLanguage,
		TabOpen:          prev.TabOpen,
	})
}

// touch records the project fields of a command that does not carry the
// plan, keeping what an earlier command stored.
func (c *Controller) touch(req Request) store.Session {
	id := req.Identity()
	s, ok := c.sessions.Update(id, func(s *store.Session) {
		if req.ProjectID != "" {
			s.ProjectID = req.ProjectID
		}
		if req.ProjectName != "" {
			s.ProjectName = req.ProjectName
		}
		if req.ProjectPath != "" {
			s.ProjectPath = req.ProjectPath
		}
		if req.ParentPID > 0 {
			s.ParentPID = req.ParentPID
		}
		if req.Token != "" {
			s.Token = req.Token
		}
		if req.WorkgroupID != "" {
			s.WorkgroupID = string(req.WorkgroupID)
		}
	})
	if ok {
		return s
	}
	return c.session(req)
}

// spec builds the supervisor request for s and the installed binary.
func (c *Controller) spec(s store.Session, binary string) supervisor.Spec {
	parent := s.ParentPID
	if parent <= 0 {
		parent = c.pid
	}
	project := s.ProjectID
	if project == "" {
		project = s.ProjectPath
	}
	if project == "" {
		project = "default"
	}
	return supervisor.Spec{Identity: s.Identity, ProjectID: project, ParentPID: parent, Binary: binary}
}

// AgentFailed reports an agent the supervisor could not keep alive.
func (c *Controller) AgentFailed(id identity.Identity, err error) {
	s, ok := c.sessions.Get(id)
	if !ok {
		s = store.Session{Identity: id}
	}
	c.notifier.Error("Wingman", "Wingman stopped: "+errdefs.Code(err))
	c.emit(c.ctx, host.DownloadFailed, s, errdefs.Code(err))
}
