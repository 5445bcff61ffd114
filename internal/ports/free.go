package ports

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	sysrt "github.com/carlosprados/wingman/internal/runtime"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v4/net"
)

// FreePort kills whatever process listens on port. It is a last resort for a
// recorded port that refuses to bind while its agent is known dead.
func FreePort(ctx context.Context, host string, port int) error {
	pids, err := listeners(ctx, port)
	if err != nil || len(pids) == 0 {
		if err != nil {
			log.Debug().Err(err).Int("port", port).Msg("socket enumeration failed, using shell fallback")
		}
		pids, err = shellListeners(ctx, port)
		if err != nil {
			return fmt.Errorf("find owner of port %d: %w", port, err)
		}
	}
	var firstErr error
	for _, pid := range pids {
		if err := sysrt.KillProcess(ctx, pid); err != nil {
			if runtime.GOOS == "windows" {
				err = exec.CommandContext(ctx, "taskkill", "/F", "/PID", strconv.Itoa(pid)).Run()
			}
			if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("kill pid %d: %w", pid, err)
			}
			continue
		}
		log.Info().Str("host", host).Int("port", port).Int("pid", pid).Msg("killed process holding port")
	}
	return firstErr
}

func listeners(ctx context.Context, port int) ([]int, error) {
	conns, err := psnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	var pids []int
	for _, c := range conns {
		if int(c.Laddr.Port) != port || c.Status != "LISTEN" || c.Pid <= 0 {
			continue
		}
		if _, ok := seen[int(c.Pid)]; ok {
			continue
		}
		seen[int(c.Pid)] = struct{}{}
		pids = append(pids, int(c.Pid))
	}
	return pids, nil
}

func shellListeners(ctx context.Context, port int) ([]int, error) {
	if runtime.GOOS == "windows" {
		out, err := exec.CommandContext(ctx, "netstat", "-ano").Output()
		if err != nil {
			return nil, err
		}
		return parseNetstat(out, port), nil
	}
	out, err := exec.CommandContext(ctx, "lsof", "-i", ":"+strconv.Itoa(port)).Output()
	if err != nil {
		// lsof exits 1 when nothing matches
		if ee, ok := err.(*exec.ExitError); ok && ee.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parseLsof(out), nil
}

// parseLsof reads the PID column of `lsof -i :<port>` output, LISTEN rows only.
func parseLsof(out []byte) []int {
	var pids []int
	seen := map[int]struct{}{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 || fields[0] == "COMMAND" {
			continue
		}
		if !strings.Contains(sc.Text(), "(LISTEN)") {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	return pids
}

// parseNetstat reads `netstat -ano` rows whose local address ends in :<port>
// and whose state is LISTENING.
func parseNetstat(out []byte, port int) []int {
	var pids []int
	seen := map[int]struct{}{}
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || fields[3] != "LISTENING" {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid <= 0 {
			continue
		}
		if _, ok := seen[pid]; !ok {
			seen[pid] = struct{}{}
			pids = append(pids, pid)
		}
	}
	return pids
}
