package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/carlosprados/wingman/internal/metrics"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"
)

// Progress is the surface a download reports to. Fraction is in [0,1], or -1
// when the content length is unknown.
type Progress interface {
	Start(title string)
	Update(fraction float64, text string)
	Finish(ok bool, message string)
}

// Canceller is optionally implemented by a Progress to request cancellation.
type Canceller interface {
	Cancelled() bool
}

// Request describes one download.
type Request struct {
	URL     string
	Dest    string
	Headers map[string]string
	Title   string
	// Label names the artifact in metrics (binary, tools, config).
	Label string
}

// Result is delivered when a download completes.
type Result struct {
	Path    string
	Bytes   int64
	Elapsed time.Duration
	Err     error
}

// Options configures an Engine. Zero values take defaults.
type Options struct {
	ChunkSize        int
	ProgressInterval time.Duration
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	RetryMax         int
	UserAgent        string
}

// Engine streams HTTP downloads to disk with throttled progress.
type Engine struct {
	client      *retryablehttp.Client
	chunk       int
	interval    time.Duration
	readTimeout time.Duration
	userAgent   string
	wg          sync.WaitGroup
}

// NewEngine returns an Engine with a retrying HTTP client.
func NewEngine(o Options) *Engine {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 8 * 1024
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 200 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.UserAgent == "" {
		o.UserAgent = "wingman-controller"
	}
	return &Engine{
		client:      NewHTTPClient(o.ConnectTimeout, o.ReadTimeout, o.RetryMax),
		chunk:       o.ChunkSize,
		interval:    o.ProgressInterval,
		readTimeout: o.ReadTimeout,
		userAgent:   o.UserAgent,
	}
}

// NewHTTPClient builds the retrying client shared by the downloader, the
// manifest client and telemetry. Exhausted retries return the last response
// instead of an error so callers can report the status code.
func NewHTTPClient(connectTimeout, readTimeout time.Duration, retryMax int) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = retryMax
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.HTTPClient.Transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		ResponseHeaderTimeout: readTimeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
	}
	return client
}

// Go runs Download on a background goroutine and calls done with the result.
func (e *Engine) Go(ctx context.Context, req Request, sink Progress, done func(Result)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		res, err := e.Download(ctx, req, sink)
		res.Err = err
		if done != nil {
			done(res)
		}
	}()
}

// Wait blocks until all downloads started with Go have completed.
func (e *Engine) Wait() { e.wg.Wait() }

// Download fetches req.URL into req.Dest. The partial file is removed on any
// failure. Errors are DOWNLOAD_HTTP (with status), DOWNLOAD_IO or DOWNLOAD_CANCELLED.
func (e *Engine) Download(ctx context.Context, req Request, sink Progress) (Result, error) {
	start := time.Now()
	res := Result{Path: req.Dest}
	title := req.Title
	if title == "" {
		title = "Downloading " + filepath.Base(req.Dest)
	}
	if sink != nil {
		sink.Start(title)
	}
	n, err := e.fetch(ctx, req, sink, start)
	res.Bytes = n
	res.Elapsed = time.Since(start)
	label := req.Label
	if label == "" {
		label = "artifact"
	}
	if err != nil {
		_ = os.Remove(req.Dest)
		metrics.ObserveDownload(label, errdefs.Code(err), n)
		log.Error().Err(err).Str("url", req.URL).Str("dest", req.Dest).Msg("download failed")
		if sink != nil {
			sink.Finish(false, errdefs.Code(err))
		}
		return res, err
	}
	metrics.ObserveDownload(label, "ok", n)
	log.Info().Str("url", req.URL).Str("dest", req.Dest).Int64("bytes", n).Dur("elapsed", res.Elapsed).Msg("download finished")
	if sink != nil {
		sink.Finish(true, filepath.Base(req.Dest))
	}
	return res, nil
}

func (e *Engine) fetch(ctx context.Context, req Request, sink Progress, start time.Time) (int64, error) {
	const op = "download"
	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return 0, errdefs.Wrap(errdefs.DownloadIO, op, err)
	}

	// Cancelled when no bytes arrive for readTimeout.
	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	idle := time.AfterFunc(e.readTimeout, cancel)
	defer idle.Stop()

	hr, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.DownloadIO, op, err)
	}
	attachRequestHeaders(hr.Request, e.userAgent, req.Headers)
	resp, err := e.client.Do(hr)
	if err != nil {
		return 0, e.classify(parent, sink, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errdefs.HTTP(errdefs.DownloadHTTP, op, resp.StatusCode)
	}

	out, err := os.OpenFile(req.Dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, errdefs.Wrap(errdefs.DownloadIO, op, err)
	}
	total := resp.ContentLength
	buf := make([]byte, e.chunk)
	var done, reported int64
	last := start
	for {
		if c, ok := sink.(Canceller); ok && c.Cancelled() {
			out.Close()
			return done, errdefs.New(errdefs.DownloadCancelled, op)
		}
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			idle.Reset(e.readTimeout)
			if _, werr := out.Write(buf[:n]); werr != nil {
				out.Close()
				return done, errdefs.Wrap(errdefs.DownloadIO, op, werr)
			}
			done += int64(n)
			if now := time.Now(); sink != nil && now.Sub(last) >= e.interval {
				last, reported = now, done
				sink.Update(fraction(done, total), progressText(done, total, now.Sub(start)))
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			out.Close()
			return done, e.classify(parent, sink, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return done, errdefs.Wrap(errdefs.DownloadIO, op, err)
	}
	if total > 0 && done != total {
		return done, errdefs.Wrap(errdefs.DownloadIO, op, fmt.Errorf("short body: %d of %d bytes", done, total))
	}
	// the completion update bypasses the interval so the host always sees
	// 100%, unless the last throttled update already covered every byte
	if sink != nil && (reported != done || total <= 0) {
		sink.Update(1, progressText(done, total, time.Since(start)))
	}
	return done, nil
}

func (e *Engine) classify(parent context.Context, sink Progress, err error) error {
	if c, ok := sink.(Canceller); ok && c.Cancelled() {
		return errdefs.Wrap(errdefs.DownloadCancelled, "download", err)
	}
	if parent.Err() != nil {
		return errdefs.Wrap(errdefs.DownloadCancelled, "download", err)
	}
	return errdefs.Wrap(errdefs.DownloadIO, "download", err)
}

func fraction(done, total int64) float64 {
	if total <= 0 {
		return -1
	}
	return float64(done) / float64(total)
}

// progressText renders "<done KB> of <total KB> KB (<kbps> KB/s)".
func progressText(done, total int64, elapsed time.Duration) string {
	kbps := 0.0
	if s := elapsed.Seconds(); s > 0 {
		kbps = float64(done) / 1024 / s
	}
	if total <= 0 {
		return fmt.Sprintf("%d KB (%.1f KB/s)", done/1024, kbps)
	}
	return fmt.Sprintf("%d of %d KB (%.1f KB/s)", done/1024, total/1024, kbps)
}

// attachRequestHeaders always sets a User-Agent, then copies non-empty headers.
func attachRequestHeaders(r *http.Request, userAgent string, headers map[string]string) {
	if r.Header.Get("User-Agent") == "" {
		r.Header.Set("User-Agent", userAgent)
	}
	for k, v := range headers {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		r.Header.Set(k, v)
	}
}
