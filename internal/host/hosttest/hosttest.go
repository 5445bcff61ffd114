// Package hosttest provides recording fakes of the host collaborators.
package hosttest

import (
	"context"
	"errors"
	"sync"

	"github.com/carlosprados/wingman/internal/host"
	"github.com/carlosprados/wingman/internal/identity"
)

// Progress records every call.
type Progress struct {
	mu       sync.Mutex
	Titles   []string
	Updates  []float64
	Texts    []string
	Finished []bool
	Cancel   bool
}

func (p *Progress) Start(title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Titles = append(p.Titles, title)
}

func (p *Progress) Update(f float64, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Updates = append(p.Updates, f)
	p.Texts = append(p.Texts, text)
}

func (p *Progress) Finish(ok bool, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Finished = append(p.Finished, ok)
}

func (p *Progress) Cancelled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Cancel
}

// Notification is one recorded Notifier call.
type Notification struct {
	Error bool
	Title string
	Body  string
}

// Notifier records notifications.
type Notifier struct {
	mu   sync.Mutex
	list []Notification
}

func (n *Notifier) Info(title, body string) { n.add(Notification{Title: title, Body: body}) }
func (n *Notifier) Error(title, body string) {
	n.add(Notification{Error: true, Title: title, Body: body})
}

func (n *Notifier) add(x Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.list = append(n.list, x)
}

// All returns a copy of the recorded notifications.
func (n *Notifier) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.list...)
}

// Events records emitted events and lets tests wait for one.
type Events struct {
	// Gate, when set before use, holds every Emit until it receives or is closed.
	Gate chan struct{}

	mu     sync.Mutex
	list   []host.Event
	notify chan struct{}
}

func NewEvents() *Events { return &Events{notify: make(chan struct{}, 1)} }

func (e *Events) Emit(_ context.Context, ev host.Event) {
	if e.Gate != nil {
		<-e.Gate
	}
	e.mu.Lock()
	e.list = append(e.list, ev)
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// All returns a copy of the recorded events.
func (e *Events) All() []host.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]host.Event(nil), e.list...)
}

// Keys returns the recorded event keys in order.
func (e *Events) Keys() []host.EventKey {
	var out []host.EventKey
	for _, ev := range e.All() {
		out = append(out, ev.Key)
	}
	return out
}

// WaitFor blocks until an event with key has been emitted or ctx is done.
func (e *Events) WaitFor(ctx context.Context, key host.EventKey) (host.Event, error) {
	for {
		for _, ev := range e.All() {
			if ev.Key == key {
				return ev, nil
			}
		}
		select {
		case <-ctx.Done():
			return host.Event{}, ctx.Err()
		case <-e.notify:
		}
	}
}

// Keys is a static KeyProvider.
type Keys struct {
	Key string
	Err error

	mu    sync.Mutex
	calls int
}

func (k *Keys) WorkspaceKey(_ context.Context, id identity.Identity, _ string) (string, error) {
	k.mu.Lock()
	k.calls++
	k.mu.Unlock()
	if !id.Valid() {
		return "", errors.New("invalid identity")
	}
	return k.Key, k.Err
}

// Calls returns how many keys were requested.
func (k *Keys) Calls() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.calls
}
