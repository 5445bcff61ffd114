package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
	sysrt "github.com/carlosprados/wingman/internal/runtime"
	"github.com/rs/zerolog/log"
)

// ProcessHandle holds the running process information.
type ProcessHandle struct {
	PID       int
	Cmd       *exec.Cmd
	Name      string
	StartedAt time.Time

	done    chan struct{}
	waitErr error
}

// Exited is closed once the process has been reaped.
func (h *ProcessHandle) Exited() <-chan struct{} { return h.done }

// Err returns the wait error after Exited is closed.
func (h *ProcessHandle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// Options specifies how to start the process.
type Options struct {
	Name       string
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	NoFile     uint64 // RLIMIT_NOFILE
	// Identity tags the streamed log lines.
	Identity string
}

// ProcessRunner starts and stops native agent processes.
type ProcessRunner struct {
	// poll is how often StopPID checks for exit.
	poll time.Duration
}

func New() *ProcessRunner { return &ProcessRunner{poll: 50 * time.Millisecond} }

// Start launches the process detached from ctx: the agent outlives the
// request that spawned it and is stopped only through Stop or StopPID.
func (r *ProcessRunner) Start(ctx context.Context, opts Options) (*ProcessHandle, error) {
	if opts.Command == "" {
		return nil, errdefs.New(errdefs.SpawnFailed, "empty command")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := sysrt.ApplyRlimits(opts.NoFile); err != nil {
		return nil, errdefs.Wrap(errdefs.SpawnFailed, "rlimits", err)
	}
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}
	setProcessGroup(cmd)

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW
	if err := cmd.Start(); err != nil {
		outW.Close()
		errW.Close()
		return nil, errdefs.Wrap(errdefs.SpawnFailed, "start "+opts.Command, err)
	}
	name := opts.Name
	if name == "" {
		name = "agent"
	}
	go streamLogs(name, opts.Identity, "stdout", outR)
	go streamLogs(name, opts.Identity, "stderr", errR)

	h := &ProcessHandle{PID: cmd.Process.Pid, Cmd: cmd, Name: opts.Command, StartedAt: time.Now(), done: make(chan struct{})}
	go func() {
		h.waitErr = cmd.Wait()
		outW.Close()
		errW.Close()
		close(h.done)
		log.Debug().Str("identity", opts.Identity).Int("pid", h.PID).AnErr("exit", h.waitErr).Msg("agent process exited")
	}()
	log.Info().Str("identity", opts.Identity).Int("pid", h.PID).Str("cmd", opts.Command).Strs("args", opts.Args).Msg("agent process started")
	return h, nil
}

// Stop asks the process group to terminate and waits, killing it when the
// timeout elapses.
func (r *ProcessRunner) Stop(ctx context.Context, h *ProcessHandle, timeout time.Duration) error {
	if h == nil || h.Cmd == nil || h.Cmd.Process == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	default:
	}
	_ = terminate(h.PID)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return nil
	case <-time.After(timeout):
		_ = kill(h.PID)
		<-h.done
		return nil
	}
}

// StopPID stops a process this runner did not start, such as an agent
// spawned by another host instance. It returns once pid is gone.
func (r *ProcessRunner) StopPID(ctx context.Context, pid int, timeout time.Duration) error {
	if !sysrt.IsProcessRunning(pid) || pid == os.Getpid() {
		return nil
	}
	_ = terminate(pid)
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for sysrt.IsProcessRunning(pid) {
		if time.Now().After(deadline) {
			if err := kill(pid); err != nil && sysrt.IsProcessRunning(pid) {
				return fmt.Errorf("kill pid %d: %w", pid, err)
			}
			deadline = time.Now().Add(timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Version runs `binary --version` and returns its trimmed output.
func (r *ProcessRunner) Version(ctx context.Context, binary string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, binary, "--version").Output()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) && len(ee.Stderr) > 0 {
			return "", fmt.Errorf("%s --version: %w: %s", binary, err, strings.TrimSpace(string(ee.Stderr)))
		}
		return "", fmt.Errorf("%s --version: %w", binary, err)
	}
	return strings.TrimSpace(string(out)), nil
}

var scanBufPool = sync.Pool{New: func() any { b := make([]byte, 64*1024); return &b }}

func streamLogs(name, identity, stream string, r io.ReadCloser) {
	defer r.Close()
	buf := scanBufPool.Get().(*[]byte)
	defer scanBufPool.Put(buf)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(*buf, 1024*1024)
	for scanner.Scan() {
		log.Info().Str("component", name).Str("identity", identity).Str("stream", stream).Msg(scanner.Text())
	}
	// drain so the writer never blocks after a scan error
	_, _ = io.Copy(io.Discard, r)
}
