package supervisor

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/carlosprados/wingman/internal/agentcfg"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/ports"
	"github.com/carlosprados/wingman/internal/registry"
	"github.com/carlosprados/wingman/internal/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	fakeAgentEnv = "WINGMAN_FAKE_AGENT"
	modeFileEnv  = "WINGMAN_FAKE_AGENT_MODE_FILE"
)

// TestMain doubles as the agent binary: it reads its port from --config,
// listens on it and exits on SIGTERM. The mode file switches to "noport"
// (never bind) or "exit" (die at once).
func TestMain(m *testing.M) {
	if os.Getenv(fakeAgentEnv) == "1" {
		fakeAgent()
		return
	}
	os.Exit(m.Run())
}

func fakeAgent() {
	mode := ""
	if f := os.Getenv(modeFileEnv); f != "" {
		if b, err := os.ReadFile(f); err == nil {
			mode = strings.TrimSpace(string(b))
		}
	}
	if mode == "exit" {
		os.Exit(2)
	}
	var cfgPath string
	for i, a := range os.Args {
		if a == "--config" && i+1 < len(os.Args) {
			cfgPath = os.Args[i+1]
		}
	}
	doc, err := agentcfg.Load(cfgPath)
	if err != nil {
		os.Exit(3)
	}
	host, _ := doc.Host()
	port, _ := doc.Port()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if mode != "noport" {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			os.Exit(4)
		}
		go func() {
			for {
				c, err := ln.Accept()
				if err != nil {
					return
				}
				c.Close()
			}
		}()
	}
	<-ctx.Done()
	os.Exit(0)
}

type harness struct {
	s        *Supervisor
	db       *registry.DB
	layout   install.Layout
	base     int
	modeFile string
}

// freeBase returns a base port whose successor is currently free.
func freeBase(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return p - 1
}

func setup(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := newHarness(t, mutate)
	t.Cleanup(func() { h.shutdown(t) })
	return h
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	root := t.TempDir()
	layout := install.NewLayout(root)
	require.NoError(t, layout.EnsureDirs())
	db, err := registry.Open(context.Background(), layout.ProcessDB())
	require.NoError(t, err)

	modeFile := filepath.Join(root, "agent.mode")
	base := freeBase(t)
	opts := Options{
		Host:            "127.0.0.1",
		Platform:        "linux",
		BasePort:        base,
		ReadyTimeout:    5 * time.Second,
		MonitorInterval: 50 * time.Millisecond,
		MaxRestarts:     2,
		RestartBackoff:  20 * time.Millisecond,
		StopTimeout:     2 * time.Second,
		Env:             []string{fakeAgentEnv + "=1", modeFileEnv + "=" + modeFile},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(db, layout, agentcfg.NewStore(layout), runner.New(), opts)
	return &harness{s: s, db: db, layout: layout, base: base, modeFile: modeFile}
}

func (h *harness) shutdown(t *testing.T) {
	ctx := context.Background()
	recs, err := h.db.ListRecords(ctx)
	assert.NoError(t, err)
	for _, r := range recs {
		id, err := identity.Parse(r.WorkspaceUserID)
		if assert.NoError(t, err) {
			assert.NoError(t, h.s.StopIdentity(ctx, id))
		}
	}
	h.s.Close()
	assert.NoError(t, h.db.Close())
}

func (h *harness) setMode(t *testing.T, mode string) {
	require.NoError(t, os.WriteFile(h.modeFile, []byte(mode), 0o644))
}

func spec(id identity.Identity, project string) Spec {
	return Spec{Identity: id, ProjectID: project, ParentPID: os.Getpid(), Binary: os.Args[0]}
}

func killPID(t *testing.T, pid int) {
	p, err := os.FindProcess(pid)
	require.NoError(t, err)
	require.NoError(t, p.Kill())
}

func TestStartRejectsMissingIdentity(t *testing.T) {
	h := setup(t, nil)
	_, err := h.s.Start(context.Background(), spec(identity.Identity{}, "p1"))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.MissingIdentity))
}

func TestStartReusesRunningAgent(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 42)

	first, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	assert.False(t, first.Reused)
	assert.Equal(t, h.base+1, first.Port)
	assert.Equal(t, "127.0.0.1", first.Host)
	assert.True(t, ports.IsListening("127.0.0.1", first.Port))

	second, err := h.s.Start(ctx, spec(id, "p2"))
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Port, second.Port)
	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, StateRunning, h.s.State(id))

	rec, ok, err := h.s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusRunning, rec.Status)
	assert.Equal(t, first.PID, rec.ProcessID)

	doc, err := agentcfg.Load(h.layout.ConfigFile(id))
	require.NoError(t, err)
	port, _ := doc.Port()
	assert.Equal(t, first.Port, port)
	bk, err := agentcfg.Load(h.layout.BackupConfigFile(id))
	require.NoError(t, err)
	bkPort, _ := bk.Port()
	assert.Equal(t, first.Port, bkPort)
}

func TestStopIsReferenceCounted(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 43)

	info, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	_, err = h.s.Start(ctx, spec(id, "p2"))
	require.NoError(t, err)

	stopped, err := h.s.Stop(ctx, os.Getpid(), "p1")
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.True(t, ports.IsListening("127.0.0.1", info.Port))

	stopped, err = h.s.Stop(ctx, os.Getpid(), "p2")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Eventually(t, func() bool { return !ports.IsListening("127.0.0.1", info.Port) }, 2*time.Second, 50*time.Millisecond)
	assert.Equal(t, StateStopped, h.s.State(id))

	_, ok, err := h.s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// unknown project is a no-op
	stopped, err = h.s.Stop(ctx, os.Getpid(), "p2")
	require.NoError(t, err)
	assert.False(t, stopped)
}

func TestDistinctIdentitiesGetDistinctPorts(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()

	var chans []<-chan Result
	for u := 1; u <= 3; u++ {
		chans = append(chans, h.s.StartAsync(ctx, spec(identity.New(9, u), "p")))
	}
	seen := map[int]bool{}
	for _, ch := range chans {
		res := <-ch
		require.NoError(t, res.Err)
		assert.False(t, seen[res.Info.Port], "port %d handed out twice", res.Info.Port)
		seen[res.Info.Port] = true
	}
	recs, err := h.s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestHealthTimeout(t *testing.T) {
	h := setup(t, func(o *Options) { o.ReadyTimeout = 300 * time.Millisecond })
	h.setMode(t, "noport")
	id := identity.New(7, 44)

	_, err := h.s.Start(context.Background(), spec(id, "p1"))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.HealthTimeout))
	assert.Equal(t, StateFailed, h.s.State(id))

	rec, ok, err := h.s.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, rec.Status)
}

func TestSpawnFailedWhenAgentExits(t *testing.T) {
	h := setup(t, nil)
	h.setMode(t, "exit")
	_, err := h.s.Start(context.Background(), spec(identity.New(7, 45), "p1"))
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.SpawnFailed))
}

func TestRestartAfterCrash(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 46)

	info, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	killPID(t, info.PID)

	require.Eventually(t, func() bool {
		rec, ok, err := h.s.Get(ctx, id)
		return err == nil && ok && rec.Status == registry.StatusRunning &&
			rec.ProcessID != info.PID && rec.ProcessID > 0 &&
			ports.IsListening("127.0.0.1", rec.Port)
	}, 10*time.Second, 50*time.Millisecond)

	rec, _, err := h.s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, info.Port, rec.Port)
	assert.Equal(t, StateRunning, h.s.State(id))
}

func TestRestartExhausted(t *testing.T) {
	failures := make(chan error, 1)
	h := setup(t, func(o *Options) {
		o.OnFailure = func(_ identity.Identity, err error) { failures <- err }
	})
	ctx := context.Background()
	id := identity.New(7, 47)

	info, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	h.setMode(t, "exit")
	killPID(t, info.PID)

	select {
	case err := <-failures:
		assert.True(t, errdefs.Is(err, errdefs.RestartExhausted))
	case <-time.After(10 * time.Second):
		t.Fatal("no failure reported")
	}
	assert.Equal(t, StateFailed, h.s.State(id))
	rec, ok, err := h.s.Get(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, registry.StatusFailed, rec.Status)
}

func TestStaleRecordIsReplaced(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 48)

	// RUNNING on a port nobody listens on, owned by a pid that is gone
	require.NoError(t, h.db.Lock(ctx, func(tx *registry.Tx) error {
		return tx.Save(ctx, registry.Record{
			WorkspaceUserID: id.String(),
			Host:            "127.0.0.1",
			Port:            h.base + 5,
			Status:          registry.StatusRunning,
		})
	}))

	info, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	assert.False(t, info.Reused)
	assert.Equal(t, h.base+1, info.Port)
	assert.True(t, h.s.IsRunning(ctx, id))
}

func TestStopIdentityClearsLinks(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 49)

	info, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	_, err = h.s.Start(ctx, spec(id, "p2"))
	require.NoError(t, err)

	require.NoError(t, h.s.StopIdentity(ctx, id))
	assert.False(t, ports.IsListening("127.0.0.1", info.Port))
	require.NoError(t, h.db.View(ctx, func(tx *registry.Tx) error {
		n, err := tx.CountProjects(ctx, id.String())
		assert.Equal(t, 0, n)
		return err
	}))
}

func TestRunOptionsTemplating(t *testing.T) {
	layout := install.NewLayout(t.TempDir())
	s := New(nil, layout, nil, nil, Options{AgentArgs: []string{"--config", "{config}", "--port={port}", "--tools", "{tools}"}})
	defer s.Close()
	id := identity.New(1, 2)

	o := s.runOptions(Spec{Identity: id, Binary: "/opt/agent"}, 3501)
	assert.Equal(t, "/opt/agent", o.Command)
	assert.Equal(t, []string{"--config", layout.ConfigFile(id), "--port=3501", "--tools", layout.ToolsDir()}, o.Args)
	assert.Equal(t, layout.BinDir(), o.WorkingDir)
	assert.Equal(t, "1-2", o.Identity)
}

func TestNoGoroutinesLeftAfterClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := newHarness(t, nil)
	ctx := context.Background()
	id := identity.New(7, 50)
	_, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	stopped, err := h.s.Stop(ctx, os.Getpid(), "p1")
	require.NoError(t, err)
	assert.True(t, stopped)
	h.shutdown(t)
}

func TestRestartReplacesProcessKeepingLinks(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	id := identity.New(7, 51)

	first, err := h.s.Start(ctx, spec(id, "p1"))
	require.NoError(t, err)
	_, err = h.s.Start(ctx, spec(id, "p2"))
	require.NoError(t, err)

	second, err := h.s.Restart(ctx, spec(id, "p1"))
	require.NoError(t, err)
	assert.NotEqual(t, first.PID, second.PID)
	assert.True(t, ports.IsListening("127.0.0.1", second.Port))
	require.NoError(t, h.db.View(ctx, func(tx *registry.Tx) error {
		n, err := tx.CountProjects(ctx, id.String())
		assert.Equal(t, 2, n)
		return err
	}))
}

func TestOptionDefaults(t *testing.T) {
	o := Options{}.withDefaults()
	assert.Equal(t, 3, o.MaxRestarts)
	assert.Equal(t, 5*time.Second, o.ReadyTimeout)
	assert.Equal(t, []string{"--config", "{config}", "--env", "{env}"}, o.AgentArgs)

	assert.Equal(t, 0, Options{MaxRestarts: -1}.withDefaults().MaxRestarts)
	assert.Equal(t, 2, Options{MaxRestarts: 2}.withDefaults().MaxRestarts)
}

func TestStopDetachesEveryIdentityOfProject(t *testing.T) {
	h := setup(t, nil)
	ctx := context.Background()
	a, b := identity.New(11, 1), identity.New(11, 2)

	ia, err := h.s.Start(ctx, spec(a, "shared"))
	require.NoError(t, err)
	ib, err := h.s.Start(ctx, spec(b, "shared"))
	require.NoError(t, err)

	stopped, err := h.s.Stop(ctx, os.Getpid(), "shared")
	require.NoError(t, err)
	assert.True(t, stopped)
	for _, p := range []int{ia.Port, ib.Port} {
		port := p
		assert.Eventually(t, func() bool { return !ports.IsListening("127.0.0.1", port) }, 2*time.Second, 50*time.Millisecond)
	}
	assert.Equal(t, StateStopped, h.s.State(a))
	assert.Equal(t, StateStopped, h.s.State(b))
}
