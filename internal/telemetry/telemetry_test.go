package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carlosprados/wingman/internal/config"
	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/identity"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDIsPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deviceId")
	id, err := DeviceID(path)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	again, err := DeviceID(path)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}

func TestDeviceIDReplacesGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deviceId")
	require.NoError(t, os.WriteFile(path, []byte("not-a-uuid"), 0o644))
	id, err := DeviceID(path)
	require.NoError(t, err)
	assert.NotEqual(t, "not-a-uuid", id)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, id, string(b))
}

func TestWSSinkPostsStatusUpdate(t *testing.T) {
	type captured struct {
		header http.Header
		body   []byte
		path   string
	}
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: b, path: r.URL.Path}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWSSink(WSOptions{
		Host:        srv.URL + "/",
		Path:        "/ws/postMessage",
		MessageType: 17,
		DeviceID:    "dev-1",
		UserAgent:   "wingmand/test",
		ClientInfo:  "ci",
	})
	require.NotNil(t, sink)
	ev := host.Event{
		Key:         host.DownloadFinished,
		Identity:    identity.New(3, 9),
		Message:     "done",
		WorkgroupID: "wg-5",
		Token:       "secret",
	}
	require.NoError(t, sink.Send(context.Background(), ev))

	c := <-got
	assert.Equal(t, "/ws/postMessage", c.path)
	assert.Equal(t, "secret", c.header.Get("authorization"))
	assert.Equal(t, "wg-5", c.header.Get("cid"))
	assert.Equal(t, "2", c.header.Get("ctype"))
	assert.Equal(t, "3", c.header.Get("wid"))
	assert.Equal(t, "wingmand/test", c.header.Get("User-Agent"))
	assert.Equal(t, "ci", c.header.Get("X-ClientInfo"))

	var p struct {
		Chid  int    `json:"chid"`
		Msg   string `json:"msg"`
		Send  int    `json:"sender"`
		MtyID int    `json:"mtyId"`
	}
	require.NoError(t, json.Unmarshal(c.body, &p))
	assert.Equal(t, 0, p.Chid)
	assert.Equal(t, 9, p.Send)
	assert.Equal(t, 17, p.MtyID)

	var msg struct {
		Event    string         `json:"event"`
		DeviceID string         `json:"deviceId"`
		Message  map[string]any `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(p.Msg), &msg))
	assert.Equal(t, "WINGMAN_DOWNLOAD_FINISHED", msg.Event)
	assert.Equal(t, "dev-1", msg.DeviceID)
	assert.Equal(t, "done", msg.Message["msg"])
	assert.NotContains(t, p.Msg, "secret")
}

func TestWSSinkReportsServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := NewWSSink(WSOptions{Host: srv.URL, Path: "x", Timeout: 2 * time.Second})
	err := sink.Send(context.Background(), host.Event{Key: host.DownloadFailed, Identity: identity.New(1, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	// 4xx is not retried
	assert.Equal(t, int32(1), calls.Load())
}

func TestNilWSSinkIsSafe(t *testing.T) {
	sink := NewWSSink(WSOptions{})
	assert.Nil(t, sink)
	assert.NotPanics(t, func() { sink.Emit(context.Background(), host.Event{}) })
}

func TestBusEventEncoding(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b, err := encodeBusEvent(host.Event{Key: host.DownloadStarted, Identity: identity.New(1, 2), At: at}, "dev")
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"WINGMAN_DOWNLOAD_STARTED","identity":"1-2","deviceId":"dev","at":"2026-01-02T03:04:05Z"}`, string(b))
}

func TestSinksSkipsUnreachableBuses(t *testing.T) {
	sinks, closeAll := Sinks(config.TelemetryConfig{
		NATSURL:    "nats://127.0.0.1:1",
		MQTTBroker: "tcp://127.0.0.1:1",
	}, "dev", "ua", "ci")
	defer closeAll()
	assert.Empty(t, sinks)
}
