package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/host"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// WSOptions configures a WSSink.
type WSOptions struct {
	Host        string
	Path        string
	MessageType int
	DeviceID    string
	UserAgent   string
	ClientInfo  string
	Timeout     time.Duration
	RetryMax    int
}

// WSSink posts status updates to the WebSocket service, which relays them
// to the user's open panels.
type WSSink struct {
	url    string
	opts   WSOptions
	client *retryablehttp.Client
}

// NewWSSink returns nil when no host is configured.
func NewWSSink(o WSOptions) *WSSink {
	if strings.TrimSpace(o.Host) == "" {
		return nil
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 2
	}
	url := strings.TrimRight(o.Host, "/") + "/" + strings.TrimLeft(o.Path, "/")
	return &WSSink{url: url, opts: o, client: artifact.NewHTTPClient(o.Timeout, o.Timeout, o.RetryMax)}
}

// statusBody is the message relayed to the panel.
type statusBody struct {
	Event    host.EventKey `json:"event"`
	Message  panelMessage  `json:"message"`
	DeviceID string        `json:"deviceId"`
}

type panelMessage struct {
	WorkspaceID int    `json:"wsId"`
	UserID      int    `json:"userId"`
	WorkgroupID string `json:"wgId,omitempty"`
	Msg         string `json:"msg,omitempty"`
}

type wsPayload struct {
	Channel     int    `json:"chid"`
	Msg         string `json:"msg"`
	Sender      int    `json:"sender"`
	MessageType int    `json:"mtyId"`
}

// payload encodes ev; msg is itself a JSON string.
func (s *WSSink) payload(ev host.Event) ([]byte, error) {
	return encodePayload(ev, s.opts.DeviceID, s.opts.MessageType)
}

func encodePayload(ev host.Event, deviceID string, messageType int) ([]byte, error) {
	msg, err := json.Marshal(statusBody{
		Event: ev.Key,
		Message: panelMessage{
			WorkspaceID: ev.Identity.WorkspaceID,
			UserID:      ev.Identity.UserID,
			WorkgroupID: ev.WorkgroupID,
			Msg:         ev.Message,
		},
		DeviceID: deviceID,
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wsPayload{Msg: string(msg), Sender: ev.Identity.UserID, MessageType: messageType})
}

// Emit posts ev and logs failures.
func (s *WSSink) Emit(ctx context.Context, ev host.Event) {
	if s == nil {
		return
	}
	if err := s.Send(ctx, ev); err != nil {
		log.Warn().Err(err).Str("identity", ev.Identity.String()).Str("event", string(ev.Key)).Msg("telemetry post failed")
	}
}

// Send posts ev and reports the outcome.
func (s *WSSink) Send(ctx context.Context, ev host.Event) error {
	body, err := s.payload(ev)
	if err != nil {
		return fmt.Errorf("encode status update: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}
	if s.opts.ClientInfo != "" {
		req.Header.Set("X-ClientInfo", s.opts.ClientInfo)
	}
	req.Header.Set("authorization", ev.Token)
	req.Header.Set("cid", ev.WorkgroupID)
	req.Header.Set("ctype", "2")
	req.Header.Set("wid", strconv.Itoa(ev.Identity.WorkspaceID))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post status update: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("post status update: %s", resp.Status)
	}
	log.Debug().Str("identity", ev.Identity.String()).Str("event", string(ev.Key)).Msg("status update delivered")
	return nil
}
