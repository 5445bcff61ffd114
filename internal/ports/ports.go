// Package ports allocates TCP ports for agents and probes their use.
package ports

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/carlosprados/wingman/internal/errdefs"
	"github.com/rs/zerolog/log"
)

const (
	DefaultBase     = 3500
	DefaultFallback = 5050
	maxPort         = 65535
)

// HighestPortFinder is the part of the process database the allocator reads.
type HighestPortFinder interface {
	FindHighestPort(ctx context.Context) (int, bool, error)
}

// Allocator hands out the first bindable port above the highest recorded one.
type Allocator struct {
	Host     string
	Base     int
	Fallback int
	// InUse reports whether host:port is taken. Defaults to IsInUse.
	InUse func(host string, port int) bool
}

// NewAllocator returns an allocator on host with the default bases.
func NewAllocator(host string) *Allocator {
	return &Allocator{Host: host, Base: DefaultBase, Fallback: DefaultFallback}
}

// Allocate probes candidates max+1, max+2, ... where max is the highest port
// known to db. With no records it starts above Base; when db fails it starts
// above Fallback. The caller persists the result in the same transaction.
func (a *Allocator) Allocate(ctx context.Context, db HighestPortFinder) (int, error) {
	start := a.Base
	if db == nil {
		start = a.Fallback
	} else {
		highest, ok, err := db.FindHighestPort(ctx)
		switch {
		case err != nil:
			log.Warn().Err(err).Int("fallback", a.Fallback).Msg("process db unavailable, using fallback port base")
			start = a.Fallback
		case ok && highest > start:
			start = highest
		}
	}
	return a.From(ctx, start+1)
}

// From returns the first free port >= first.
func (a *Allocator) From(ctx context.Context, first int) (int, error) {
	inUse := a.InUse
	if inUse == nil {
		inUse = IsInUse
	}
	if first < 1 {
		first = 1
	}
	for p := first; p <= maxPort; p++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !inUse(a.Host, p) {
			log.Debug().Str("host", a.Host).Int("port", p).Msg("port allocated")
			return p, nil
		}
	}
	return 0, errdefs.Wrap(errdefs.PortExhausted, "allocate port", fmt.Errorf("no free port in [%d, %d]", first, maxPort))
}

// IsInUse reports whether binding host:port fails.
func IsInUse(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return true
	}
	_ = ln.Close()
	return false
}

// IsListening reports whether something accepts connections on host:port.
// Readiness and liveness checks use it instead of IsInUse so a probe never
// holds the port while the agent is trying to bind it.
func IsListening(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
