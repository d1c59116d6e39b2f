package bot

import (
	"errors"
	"slices"
	"sync"
)

// ErrUnauthorized is returned for commands invoked by a caller that is
// neither the administrator nor logged in.
var ErrUnauthorized = errors.New("bot: unauthorized")

// Authorizer is the authorization gate: one fixed administrator plus a
// dynamic set toggled by /login and /logout. The set lives in memory only.
type Authorizer struct {
	admin int64

	mu    sync.RWMutex
	users map[int64]struct{}
	order []int64 // login order, for display
}

func NewAuthorizer(admin int64) *Authorizer {
	return &Authorizer{admin: admin, users: map[int64]struct{}{}}
}

func (a *Authorizer) Admin() int64 { return a.admin }

func (a *Authorizer) IsAdmin(id int64) bool { return id == a.admin }

func (a *Authorizer) Allowed(id int64) bool {
	if id == a.admin {
		return true
	}
	a.mu.RLock()
	_, ok := a.users[id]
	a.mu.RUnlock()
	return ok
}

// Login adds id. It reports false for the administrator, who is always in.
func (a *Authorizer) Login(id int64) bool {
	if id == a.admin {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[id]; !ok {
		a.users[id] = struct{}{}
		a.order = append(a.order, id)
	}
	return true
}

// Logout removes id and reports whether it was logged in. The administrator
// cannot be removed.
func (a *Authorizer) Logout(id int64) bool {
	if id == a.admin {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[id]; !ok {
		return false
	}
	delete(a.users, id)
	a.order = slices.DeleteFunc(a.order, func(v int64) bool { return v == id })
	return true
}

// Users returns the logged-in ids (administrator excluded) in login order.
func (a *Authorizer) Users() []int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]int64(nil), a.order...)
}
