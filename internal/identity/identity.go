package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Identity is the (workspace, user) pair that owns one agent process.
// It is supplied by the host and never invented locally.
type Identity struct {
	WorkspaceID int `json:"wsId"`
	UserID      int `json:"userId"`
}

// New returns an Identity. Use Valid to check it before use.
func New(wsID, userID int) Identity { return Identity{WorkspaceID: wsID, UserID: userID} }

// String renders the identity as "<wsId>-<userId>".
func (i Identity) String() string { return fmt.Sprintf("%d-%d", i.WorkspaceID, i.UserID) }

// Valid reports whether both ids are positive.
func (i Identity) Valid() bool { return i.WorkspaceID > 0 && i.UserID > 0 }

// Parse is the inverse of String.
func Parse(s string) (Identity, error) {
	ws, user, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Identity{}, fmt.Errorf("identity %q: missing separator", s)
	}
	w, err := strconv.Atoi(ws)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %q: workspace id: %w", s, err)
	}
	u, err := strconv.Atoi(user)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %q: user id: %w", s, err)
	}
	id := New(w, u)
	if !id.Valid() {
		return Identity{}, fmt.Errorf("identity %q: ids must be positive", s)
	}
	return id, nil
}
