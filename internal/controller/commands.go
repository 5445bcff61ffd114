package controller

import (
	"context"
	"net/http"
	"strings"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/state"
	"github.com/carlosprados/wingman/internal/store"
	"github.com/rs/zerolog/log"
)

// Download status values reported by check-wingman-download-status.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusFinished   = "FINISHED"
	StatusFailed     = "FAILED"
)

// Handle decodes body and runs command. It returns the HTTP status and the
// reply; it never blocks on downloads or process start.
func (c *Controller) Handle(ctx context.Context, command string, body []byte) (int, Reply) {
	requireIdentity := false
	switch command {
	case CmdDownload, CmdActivatePremium, CmdOpenInIDE, CmdTabState:
		requireIdentity = true
	case CmdSetLanguage, CmdCheckStatus, CmdSuggestPopup, CmdStop:
	default:
		return http.StatusNotFound, Reply{"status": http.StatusNotFound, "message": "unknown command " + command}
	}
	req, err := ParseRequest(body, requireIdentity)
	if err != nil {
		log.Warn().Err(err).Str("command", command).Msg("rejected command")
		return http.StatusBadRequest, Reply{"status": http.StatusBadRequest, "message": "invalid user parameters"}
	}
	log.Debug().Str("command", command).Str("identity", req.Identity().String()).Msg("command")

	switch command {
	case CmdDownload:
		return c.Download(ctx, req)
	case CmdActivatePremium:
		return c.ActivatePremium(ctx, req)
	case CmdOpenInIDE:
		return c.OpenInIDE(ctx, req)
	case CmdSetLanguage:
		return c.SetResponseLanguage(ctx, req)
	case CmdCheckStatus:
		return c.CheckStatus(ctx, req)
	case CmdSuggestPopup:
		return c.SuggestPopup(ctx, req)
	case CmdStop:
		return c.Stop(ctx, req)
	default:
		return c.SetTabState(ctx, req)
	}
}

// Download starts a download cycle in the background.
func (c *Controller) Download(ctx context.Context, req Request) (int, Reply) {
	s := c.session(req)
	if !c.target.Supported {
		log.Error().Str("identity", s.Identity.String()).Str("platform", c.target.Platform).Str("arch", c.target.Arch).Msg("unsupported platform")
		c.submit("report-unsupported", s.Identity, func(ctx context.Context) error {
			c.emit(ctx, host.DownloadFailed, s, string(errdefs.UnsupportedPlatform))
			return nil
		})
		return http.StatusInternalServerError, Reply{"status": http.StatusInternalServerError, "message": string(errdefs.UnsupportedPlatform)}
	}
	if req.IsPremiumPlan {
		c.setDowngraded(s.Identity, false)
	}
	c.submit("download", s.Identity, func(ctx context.Context) error { return c.runCycle(ctx, s) })
	return http.StatusOK, Reply{"status": http.StatusOK}
}

// ActivatePremium enables or disables the agent for the identity's plan.
func (c *Controller) ActivatePremium(ctx context.Context, req Request) (int, Reply) {
	s := c.session(req)
	id := s.Identity
	if req.IsFreePlan() {
		c.downgrade(id)
		return http.StatusOK, Reply{"hasWingmanSetup": false}
	}
	if !req.IsPremiumPlan || !c.target.Supported {
		return http.StatusOK, Reply{"hasWingmanSetup": false}
	}
	c.setDowngraded(id, false)
	if _, ok := c.installed(); ok {
		c.submit("premium-setup", id, func(ctx context.Context) error {
			if _, err := c.setupPremium(ctx, s, false); err != nil {
				return c.fail(ctx, s, err)
			}
			return nil
		})
		return http.StatusOK, Reply{"hasWingmanSetup": true}
	}
	c.submit("download", id, func(ctx context.Context) error { return c.runCycle(ctx, s) })
	return http.StatusOK, Reply{"hasWingmanSetup": false}
}

// downgrade marks the identity free at once and stops its agent in the
// background; it stays stopped until a premium command arrives. Artifacts
// stay on disk.
func (c *Controller) downgrade(id identity.Identity) {
	c.setDowngraded(id, true)
	c.sessions.Update(id, func(s *store.Session) { s.Premium = false })
	log.Info().Str("identity", id.String()).Msg("plan downgraded, stopping agent")
	if c.sup == nil {
		return
	}
	c.submit("downgrade", id, func(ctx context.Context) error {
		if c.isDowngraded(id) {
			return c.sup.StopIdentity(ctx, id)
		}
		return nil
	})
}

// OpenInIDE returns the agent's address, starting it when it is installed
// but not running.
func (c *Controller) OpenInIDE(ctx context.Context, req Request) (int, Reply) {
	s := c.touch(req)
	id := s.Identity
	if c.sup != nil && c.sup.IsRunning(ctx, id) {
		s, _ = c.sessions.Update(id, func(s *store.Session) { s.TabOpen = true })
		rec, _, err := c.sup.Get(ctx, id)
		if err != nil {
			return http.StatusInternalServerError, Reply{"status": http.StatusInternalServerError, "message": errdefs.Code(err)}
		}
		return http.StatusOK, Reply{"status": http.StatusOK, "host": rec.Host, "port": rec.Port}
	}
	if _, ok := c.installed(); ok && s.Premium && !c.isDowngraded(id) {
		c.submit("premium-setup", id, func(ctx context.Context) error {
			if _, err := c.setupPremium(ctx, s, false); err != nil {
				return c.fail(ctx, s, err)
			}
			return nil
		})
		return http.StatusAccepted, Reply{"status": http.StatusAccepted, "message": "server starting"}
	}
	return http.StatusOK, Reply{"status": http.StatusOK, "message": "wingman not set up"}
}

// SetResponseLanguage writes responseLanguage into the identity's config.
func (c *Controller) SetResponseLanguage(ctx context.Context, req Request) (int, Reply) {
	lang := strings.TrimSpace(req.ResponseLanguage)
	s, ok := c.sessionOrLast(req)
	if !ok || lang == "" {
		return http.StatusBadRequest, Reply{"status": http.StatusBadRequest, "message": "invalid user parameters"}
	}
	c.sessions.Update(s.Identity, func(s *store.Session) { s.ResponseLanguage = lang })
	if err := c.configs.SetResponseLanguage(ctx, s.Identity, lang); err != nil {
		log.Error().Err(err).Str("identity", s.Identity.String()).Msg("set response language")
		return http.StatusInternalServerError, Reply{"status": http.StatusInternalServerError, "message": errdefs.Code(err)}
	}
	return http.StatusOK, Reply{"status": http.StatusOK, "message": "wingman response language set to " + lang}
}

// CheckStatus reports the install state from disk and download.pid.
func (c *Controller) CheckStatus(ctx context.Context, req Request) (int, Reply) {
	s, _ := c.sessionOrLast(req)
	m, found, err := state.Load(c.layout.StatusFile())
	if err != nil {
		log.Error().Err(err).Msg("read install manifest")
		return http.StatusInternalServerError, Reply{"status": http.StatusInternalServerError, "message": string(errdefs.ConfigParse)}
	}
	status := StatusInProgress
	switch holder, _ := c.pidFile.Holder(ctx); {
	case !found:
	case holder > 0:
	case m.IsDownloaded:
		status = StatusFinished
	case m.ErrorMsg != "":
		status = StatusFailed
	}
	return http.StatusOK, Reply{
		"status":                  status,
		"userId":                  s.Identity.UserID,
		"downloadStartedByUserID": m.DownloadStartedByUserID,
		"projectName":             s.ProjectName,
		"projectPath":             s.ProjectPath,
		"errorMsg":                m.ErrorMsg,
	}
}

// SuggestPopup tells the host whether to advertise the agent panel.
func (c *Controller) SuggestPopup(ctx context.Context, req Request) (int, Reply) {
	show := false
	if s, ok := c.sessionOrLast(req); ok {
		switch {
		case c.sup != nil && c.sup.IsRunning(ctx, s.Identity):
			show = !s.TabOpen
		case !s.Premium:
			_, show = c.installed()
		}
	}
	return http.StatusOK, Reply{"status": http.StatusOK, "showWingmanPopUp": show}
}

// Stop releases the calling project's reference on its agent.
func (c *Controller) Stop(ctx context.Context, req Request) (int, Reply) {
	if req.ParentPID <= 0 || req.ProjectID == "" {
		return http.StatusBadRequest, Reply{"status": http.StatusBadRequest, "message": "parentPid and projectId required"}
	}
	if c.sup == nil {
		return http.StatusOK, Reply{"status": http.StatusOK, "stopped": false}
	}
	stopped, err := c.sup.Stop(ctx, req.ParentPID, req.ProjectID)
	if err != nil {
		log.Error().Err(err).Int("parentPid", req.ParentPID).Str("project", req.ProjectID).Msg("stop agent")
		return http.StatusInternalServerError, Reply{"status": http.StatusInternalServerError, "message": errdefs.Code(err)}
	}
	return http.StatusOK, Reply{"status": http.StatusOK, "stopped": stopped}
}

// SetTabState records whether the host shows the agent panel.
func (c *Controller) SetTabState(ctx context.Context, req Request) (int, Reply) {
	if req.TabOpen == nil {
		return http.StatusBadRequest, Reply{"status": http.StatusBadRequest, "message": "tabOpen required"}
	}
	c.touch(req)
	c.sessions.Update(req.Identity(), func(s *store.Session) { s.TabOpen = *req.TabOpen })
	return http.StatusOK, Reply{"status": http.StatusOK}
}

// sessionOrLast returns the session of the request's identity, or the most
// recent one when the request carries none.
func (c *Controller) sessionOrLast(req Request) (store.Session, bool) {
	if id := req.Identity(); id.Valid() {
		if s, ok := c.sessions.Get(id); ok {
			return s, true
		}
		return store.Session{Identity: id}, true
	}
	return c.sessions.Last()
}
