package store

import (
	"sort"
	"sync"
	"time"

	"github.com/carlosprados/wingman/internal/identity"
)

// Session is what the controller remembers about one identity between
// commands: the project it was last called from and the user's plan.
type Session struct {
	Identity    identity.Identity `json:"identity"`
	ProjectID   string            `json:"projectId,omitempty"`
	ProjectName string            `json:"projectName,omitempty"`
	ProjectPath string            `json:"projectPath,omitempty"`
	ParentPID   int               `json:"parentPid,omitempty"`
	WorkgroupID string            `json:"wgId,omitempty"`
	Token       string            `json:"-"`
	Premium     bool              `json:"premium"`
	BitoPlanID  string            `json:"bitoPlanId,omitempty"`
	// TabOpen is true while the host shows the agent's panel.
	TabOpen          bool      `json:"tabOpen"`
	ResponseLanguage string    `json:"responseLanguage,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// MemoryStore is a tiny in-memory store for sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Session
	last  string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Session)}
}

// Upsert merges s into the stored session; empty string and zero fields keep
// their previous value. Premium and TabOpen are always taken from s.
func (m *MemoryStore) Upsert(s Session) Session {
	key := s.Identity.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.items[key]; ok {
		if s.ProjectID == "" {
			s.ProjectID = prev.ProjectID
		}
		if s.ProjectName == "" {
			s.ProjectName = prev.ProjectName
		}
		if s.ProjectPath == "" {
			s.ProjectPath = prev.ProjectPath
		}
		if s.ParentPID == 0 {
			s.ParentPID = prev.ParentPID
		}
		if s.WorkgroupID == "" {
			s.WorkgroupID = prev.WorkgroupID
		}
		if s.Token == "" {
			s.Token = prev.Token
		}
		if s.BitoPlanID == "" {
			s.BitoPlanID = prev.BitoPlanID
		}
		if s.ResponseLanguage == "" {
			s.ResponseLanguage = prev.ResponseLanguage
		}
	}
	s.UpdatedAt = time.Now()
	m.items[key] = s
	m.last = key
	return s
}

// Update applies fn to the session of id if present.
func (m *MemoryStore) Update(id identity.Identity, fn func(*Session)) (Session, bool) {
	key := id.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[key]
	if !ok {
		return Session{}, false
	}
	fn(&s)
	s.UpdatedAt = time.Now()
	m.items[key] = s
	return s, true
}

func (m *MemoryStore) Get(id identity.Identity) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[id.String()]
	return s, ok
}

// Last returns the most recently upserted session.
func (m *MemoryStore) Last() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[m.last]
	return s, ok
}

func (m *MemoryStore) Delete(id identity.Identity) {
	m.mu.Lock()
	delete(m.items, id.String())
	m.mu.Unlock()
}

// List returns sessions ordered by identity.
func (m *MemoryStore) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.items))
	for _, v := range m.items {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out
}
