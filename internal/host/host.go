// Package host declares what the controller needs from the application that
// embeds it: a progress surface, user notifications, status events and API
// keys. The host provides implementations; the controller never blocks on them.
package host

import (
	"context"
	"time"

	"github.com/carlosprados/wingman/internal/artifact"
	"github.com/carlosprados/wingman/internal/identity"
)

// Progress is the download progress surface.
type Progress = artifact.Progress

// Notifier shows one-off messages to the user.
type Notifier interface {
	Info(title, body string)
	Error(title, body string)
}

// EventKey is a status event name.
type EventKey string

const (
	DownloadStarted    EventKey = "WINGMAN_DOWNLOAD_STARTED"
	DownloadInProgress EventKey = "WINGMAN_DOWNLOAD_IN_PROGRESS"
	DownloadFinished   EventKey = "WINGMAN_DOWNLOAD_FINISHED"
	DownloadFailed     EventKey = "WINGMAN_DOWNLOAD_FAILED"
)

// Event is one status update for an identity.
type Event struct {
	Key      EventKey          `json:"event"`
	Identity identity.Identity `json:"identity"`
	Message  string            `json:"message,omitempty"`
	// WorkgroupID and Token address the telemetry endpoint for this user.
	WorkgroupID string    `json:"wgId,omitempty"`
	Token       string    `json:"-"`
	At          time.Time `json:"at"`
}

// EventSink receives status events. Implementations must not block for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// KeyProvider returns the API key the agent authenticates with.
type KeyProvider interface {
	WorkspaceKey(ctx context.Context, id identity.Identity, token string) (string, error)
}

// NopProgress discards progress.
type NopProgress struct{}

func (NopProgress) Start(string)           {}
func (NopProgress) Update(float64, string) {}
func (NopProgress) Finish(bool, string)    {}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Info(string, string)  {}
func (NopNotifier) Error(string, string) {}

// EventSinks fans one event out to several sinks.
type EventSinks []EventSink

func (s EventSinks) Emit(ctx context.Context, ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ctx, ev)
		}
	}
}
