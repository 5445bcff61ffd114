package version

import (
	"context"
	"time"

	"github.com/carlosprados/wingman/internal/install"
	"github.com/carlosprados/wingman/internal/state"
	"github.com/rs/zerolog/log"
)

// Latest is the release pair published by the manifest.
type Latest struct {
	Binary string
	Tools  string
}

// LatestSource returns the latest published versions. Failures are reported
// as the sentinel pair, never as an error.
type LatestSource interface {
	Latest(ctx context.Context) Latest
}

// Prober runs the installed agent with --version.
type Prober interface {
	Version(ctx context.Context, binary string, timeout time.Duration) (string, error)
}

// Check is the outcome of one version comparison.
type Check struct {
	Required  bool   `json:"required"`
	Installed string `json:"installed"`
	Available string `json:"available"`
	Reason    string `json:"reason"`
}

// Checker compares what is installed under Layout against the manifest.
type Checker struct {
	Layout       install.Layout
	Source       LatestSource
	Prober       Prober
	ProbeTimeout time.Duration
}

// IsBinaryUpdateRequired reports whether the agent binary should be
// (re)downloaded. A sentinel manifest skips the update. A missing install
// manifest or binary requires one. The installed version comes from the
// agent's --version output, falling back to the install manifest when the
// probe fails.
func (c *Checker) IsBinaryUpdateRequired(ctx context.Context) Check {
	return c.BinaryUpdate(ctx, c.Source.Latest(ctx))
}

// BinaryUpdate is IsBinaryUpdateRequired against an already fetched release
// pair, so one cycle compares both artifacts with the same manifest.
func (c *Checker) BinaryUpdate(ctx context.Context, latest Latest) Check {
	available := latest.Binary
	chk := Check{Available: available}
	if IsSentinel(available) {
		chk.Reason = "manifest unavailable"
		log.Info().Str("available", available).Msg("skip binary update")
		return chk
	}
	m, found, err := state.Load(c.Layout.StatusFile())
	if err != nil || !found || m.BinaryName == "" {
		chk.Required, chk.Reason = true, "no install manifest"
		return chk
	}
	bin := c.Layout.BinaryPath(m.BinaryName)
	if !install.IsExecutable(bin) {
		chk.Required, chk.Reason = true, "binary missing"
		return chk
	}
	chk.Installed = c.probe(ctx, bin)
	if chk.Installed == "" {
		chk.Installed = m.InstalledVersion
	}
	if chk.Installed == "" {
		chk.Required, chk.Reason = true, "installed version unknown"
		return chk
	}
	chk.Required = Less(chk.Installed, available)
	if chk.Required {
		chk.Reason = "newer release"
	}
	log.Info().Str("installed", chk.Installed).Str("available", available).Bool("required", chk.Required).Msg("binary version check")
	return chk
}

// IsBinaryToolsUpdateRequired compares bin/tools/version.txt with the
// manifest. A missing or empty version file requires an update.
func (c *Checker) IsBinaryToolsUpdateRequired(ctx context.Context) Check {
	return c.ToolsUpdate(c.Source.Latest(ctx))
}

// ToolsUpdate is IsBinaryToolsUpdateRequired against an already fetched
// release pair.
func (c *Checker) ToolsUpdate(latest Latest) Check {
	available := latest.Tools
	chk := Check{Available: available}
	if IsSentinel(available) {
		chk.Reason = "manifest unavailable"
		log.Info().Str("available", available).Msg("skip tools update")
		return chk
	}
	installed, err := c.Layout.ToolsVersion()
	if err != nil {
		chk.Required, chk.Reason = true, "tools version missing"
		return chk
	}
	chk.Installed = installed
	chk.Required = Less(installed, available)
	if chk.Required {
		chk.Reason = "newer release"
	}
	log.Info().Str("installed", installed).Str("available", available).Bool("required", chk.Required).Msg("tools version check")
	return chk
}

func (c *Checker) probe(ctx context.Context, bin string) string {
	if c.Prober == nil {
		return ""
	}
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	out, err := c.Prober.Version(ctx, bin, timeout)
	if err != nil {
		log.Warn().Err(err).Str("binary", bin).Msg("version probe failed")
		return ""
	}
	v, ok := ParseProbeOutput(out)
	if !ok {
		log.Warn().Str("output", out).Msg("unrecognised version output")
		return ""
	}
	return v
}
