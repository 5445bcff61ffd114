package controller

import (
	"context"
	"os"
	"path/filepath"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/platform"
	"github.com/carlosprados/wingman/internal/state"
	"github.com/carlosprados/wingman/internal/store"
	"github.com/carlosprados/wingman/internal/version"
	"github.com/rs/zerolog/log"
)

// Outcome summarizes one install cycle.
type Outcome struct {
	Fresh          bool   `json:"fresh"`
	BinaryVersion  string `json:"binaryVersion,omitempty"`
	ToolsVersion   string `json:"toolsVersion,omitempty"`
	BinaryChanged  bool   `json:"binaryChanged"`
	ToolsChanged   bool   `json:"toolsChanged"`
	AgentStarted   bool   `json:"agentStarted"`
	AgentPort      int    `json:"agentPort,omitempty"`
	SkippedByOther bool   `json:"skippedByOther"`
}

// RunCycle performs one download cycle for s in the caller's goroutine:
// lock, install or update, optional premium start, final event. Coordination
// failures are reported as IN_PROGRESS and return a nil error with
// SkippedByOther set.
func (c *Controller) RunCycle(ctx context.Context, s store.Session) (Outcome, error) {
	var out Outcome
	if !c.downloading.CompareAndSwap(false, true) {
		c.emit(ctx, host.DownloadInProgress, s, string(errdefs.AnotherDownloadInProgress))
		out.SkippedByOther = true
		return out, nil
	}
	defer c.downloading.Store(false)

	if err := c.pidFile.Acquire(ctx, c.pid); err != nil {
		if errdefs.Is(err, errdefs.AnotherDownloadInProgress) {
			log.Info().Str("identity", s.Identity.String()).Msg("another host is downloading")
			c.emit(ctx, host.DownloadInProgress, s, errdefs.Code(err))
			out.SkippedByOther = true
			return out, nil
		}
		return out, c.fail(ctx, s, err)
	}
	defer func() {
		if err := c.pidFile.Release(context.WithoutCancel(ctx), c.pid); err != nil {
			log.Warn().Err(err).Str("identity", s.Identity.String()).Msg("release download.pid")
		}
	}()

	c.emit(ctx, host.DownloadStarted, s, "")
	if _, err := state.Update(c.layout.StatusFile(), func(m *state.InstallManifest) {
		m.DownloadStartedByUserID = s.Identity.UserID
		m.ErrorMsg = ""
	}); err != nil {
		return out, c.fail(ctx, s, errdefs.Wrap(errdefs.FSPermission, "update install manifest", err))
	}

	out, err := c.install(ctx)
	if err != nil {
		return out, c.fail(ctx, s, err)
	}

	// the plan may have changed while downloading
	if cur, ok := c.sessions.Get(s.Identity); ok {
		s = cur
	}
	if s.Premium && !c.isDowngraded(s.Identity) {
		info, err := c.setupPremium(ctx, s, out.BinaryChanged)
		if err != nil {
			return out, c.fail(ctx, s, err)
		}
		out.AgentStarted, out.AgentPort = true, info.Port
	}
	c.emit(ctx, host.DownloadFinished, s, "")
	return out, nil
}

// runCycle adapts RunCycle to the background group.
func (c *Controller) runCycle(ctx context.Context, s store.Session) error {
	_, err := c.RunCycle(ctx, s)
	return err
}

// fail records err in the install manifest, emits DOWNLOAD_FAILED and returns err.
func (c *Controller) fail(ctx context.Context, s store.Session, err error) error {
	code := errdefs.Code(err)
	if _, uerr := state.Update(c.layout.StatusFile(), func(m *state.InstallManifest) { m.ErrorMsg = code }); uerr != nil {
		log.Warn().Err(uerr).Str("identity", s.Identity.String()).Msg("record install error")
	}
	log.Error().Err(err).Str("identity", s.Identity.String()).Str("code", code).Msg("download cycle failed")
	c.notifier.Error("Wingman", "Wingman setup failed: "+code)
	c.emit(ctx, host.DownloadFailed, s, code)
	return err
}

// installed reports whether a previous cycle left a usable binary.
func (c *Controller) installed() (state.InstallManifest, bool) {
	m, found, err := state.Load(c.layout.StatusFile())
	if err != nil || !found || !m.IsDownloaded || m.BinaryName == "" {
		return m, false
	}
	return m, install.IsExecutable(m.BinaryPath())
}

// install brings bin/ up to the manifest. Tools go first; a tools failure
// aborts before the binary is touched.
func (c *Controller) install(ctx context.Context) (Outcome, error) {
	var out Outcome
	if err := c.layout.EnsureDirs(); err != nil {
		return out, errdefs.Wrap(errdefs.FSPermission, "create install layout", err)
	}
	_, ok := c.installed()
	out.Fresh = !ok

	var binVer, toolsVer string
	latest := c.manifest.Latest(ctx)
	if out.Fresh {
		if version.IsSentinel(latest.Binary) {
			return out, errdefs.New(errdefs.ManifestFetch, "fresh install")
		}
		binVer, toolsVer = latest.Binary, latest.Tools
	} else {
		if chk := c.checker.ToolsUpdate(latest); chk.Required {
			toolsVer = chk.Available
		}
		if chk := c.checker.BinaryUpdate(ctx, latest); chk.Required {
			binVer = chk.Available
		}
	}

	if !version.IsSentinel(toolsVer) {
		changed, err := c.downloadTools(ctx, toolsVer)
		if err != nil {
			return out, err
		}
		out.ToolsVersion, out.ToolsChanged = toolsVer, changed
	}
	if !version.IsSentinel(binVer) {
		changed, err := c.downloadBinary(ctx, binVer)
		if err != nil {
			return out, err
		}
		out.BinaryVersion, out.BinaryChanged = binVer, changed
	}
	log.Info().Bool("fresh", out.Fresh).Str("binary", out.BinaryVersion).Str("tools", out.ToolsVersion).Msg("install step done")
	return out, nil
}

func (c *Controller) downloadTools(ctx context.Context, v string) (bool, error) {
	name := platform.ToolsZipFileName(c.target, v)
	dest := filepath.Join(c.layout.TempDir(), name)
	if _, err := c.engine.Download(ctx, artifact.Request{
		URL:     c.manifest.URL(name),
		Dest:    dest,
		Headers: c.manifest.Headers(),
		Title:   "Downloading Wingman tools",
		Label:   "tools",
	}, c.progress); err != nil {
		return false, err
	}
	return c.layout.InstallTools(dest, v)
}

func (c *Controller) downloadBinary(ctx context.Context, v string) (bool, error) {
	name := platform.BinaryFileName(c.target, v)
	staged := c.layout.StagedBinaryPath(name)
	if _, err := c.engine.Download(ctx, artifact.Request{
		URL:     c.manifest.URL(name),
		Dest:    staged,
		Headers: c.manifest.Headers(),
		Title:   "Downloading Wingman",
		Label:   "binary",
	}, c.progress); err != nil {
		return false, err
	}
	if _, err := os.Stat(staged); err != nil {
		return false, errdefs.Wrap(errdefs.FSNotFound, "staged binary", err)
	}
	_, changed, err := c.layout.InstallBinary(staged, name)
	if err != nil {
		return false, err
	}
	if _, err := state.Update(c.layout.StatusFile(), func(m *state.InstallManifest) {
		m.BinaryDir = c.layout.BinDir()
		m.BinaryName = name
		m.IsDownloaded = true
		m.InstalledVersion = v
		m.ErrorMsg = ""
	}); err != nil {
		return false, errdefs.Wrap(errdefs.FSPermission, "update install manifest", err)
	}
	return changed, nil
}
