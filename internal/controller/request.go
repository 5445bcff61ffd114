package controller

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/carlosprados/wingman/internal/validate"
)

// Command names accepted from the host bridge.
const (
	CmdDownload        = "download-wingman"
	CmdActivatePremium = "activate-bito-wingman-for-premium-users-in-ide"
	CmdOpenInIDE       = "open-bito-wingman-in-ide"
	CmdSetLanguage     = "wingman-set-response-language"
	CmdCheckStatus     = "check-wingman-download-status"
	CmdSuggestPopup    = "suggest-wingman-popup"
	CmdStop            = "stop-wingman"
	CmdTabState        = "set-wingman-tab-state"
)

// FreePlanID is the plan that disables the agent.
const FreePlanID = "bito_free"

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Request is the union of command inputs.
type Request struct {
	WorkspaceID      int        `json:"wsId"`
	UserID           int        `json:"userId"`
	Token            string     `json:"token"`
	WorkgroupID      flexString `json:"wgId"`
	IsPremiumPlan    bool       `json:"isPremiumPlan"`
	BitoPlanID       string     `json:"bitoPlanId"`
	ResponseLanguage string     `json:"responseLanguage"`
	ProjectID        string     `json:"projectId"`
	ProjectName      string     `json:"projectName"`
	ProjectPath      string     `json:"projectPath"`
	ParentPID        int        `json:"parentPid"`
	TabOpen          *bool      `json:"tabOpen"`
}

// Identity returns the request's identity, which may be invalid.
func (r Request) Identity() identity.Identity { return identity.New(r.WorkspaceID, r.UserID) }

// Reply is the JSON body returned for a command.
type Reply map[string]any

// Status returns the numeric status in the reply, 200 when absent.
func (r Reply) Status() int {
	switch v := r["status"].(type) {
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return http.StatusOK
}

// ParseRequest decodes body. When identity is required the wsId/userId pair
// is validated against the request schema first.
func ParseRequest(body []byte, requireIdentity bool) (Request, error) {
	var req Request
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if requireIdentity {
		if err := validate.DownloadRequest(body); err != nil {
			return req, errdefs.Wrap(errdefs.MissingIdentity, "invalid user parameters", err)
		}
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errdefs.Wrap(errdefs.MissingIdentity, "decode request", err)
	}
	req.BitoPlanID = strings.TrimSpace(req.BitoPlanID)
	if requireIdentity && !req.Identity().Valid() {
		return req, errdefs.Wrap(errdefs.MissingIdentity, "invalid user parameters", fmt.Errorf("wsId=%d userId=%d", req.WorkspaceID, req.UserID))
	}
	return req, nil
}

// IsFreePlan reports whether the request downgrades the user.
func (r Request) IsFreePlan() bool {
	return !r.IsPremiumPlan && strings.EqualFold(r.BitoPlanID, FreePlanID)
}
