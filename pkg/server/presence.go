package server

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Presence maps live connection ids to the username each one logged in
// with. Two connections may carry the same username (same person, two
// devices). State is process-local and rebuilt as connections come and go.
type Presence struct {
	mu    sync.RWMutex
	users map[string]string // connection id -> username
}

func NewPresence() *Presence {
	return &Presence{users: make(map[string]string)}
}

// Set binds a username to a connection, overwriting any previous binding.
func (p *Presence) Set(connID, username string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[connID] = username
}

// Remove drops the connection's entry; a no-op when absent.
func (p *Presence) Remove(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.users, connID)
}

// Usernames returns the distinct usernames across all live connections,
// sorted so repeated broadcasts are comparable.
func (p *Presence) Usernames() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.users))
	for _, name := range p.users {
		names = append(names, name)
	}
	p.mu.RUnlock()

	names = lo.Uniq(names)
	sort.Strings(names)
	return names
}

// ConnectionsFor returns every live connection id bound to the username.
func (p *Presence) ConnectionsFor(username string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var ids []string
	for id, name := range p.users {
		if name == username {
			ids = append(ids, id)
		}
	}
	return ids
}
