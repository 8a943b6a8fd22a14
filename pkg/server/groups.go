package server

import "sync"

type set map[string]struct{}

// Groups tracks which connections subscribed to which group. Unknown group
// names are created on first join; membership lasts until the connection
// leaves or disconnects.
type Groups struct {
	mu      sync.RWMutex
	members map[string]set // group name -> connection ids
}

func NewGroups() *Groups {
	return &Groups{members: make(map[string]set)}
}

// Join subscribes a connection to the named group. Idempotent.
func (g *Groups) Join(groupName, connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[groupName]; !ok {
		g.members[groupName] = make(set)
	}
	g.members[groupName][connID] = struct{}{}
}

// Leave removes the connection from every group it belongs to, pruning
// group entries that end up empty.
func (g *Groups) Leave(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for name, members := range g.members {
		delete(members, connID)
		if len(members) == 0 {
			delete(g.members, name)
		}
	}
}

// MembersOf returns a snapshot of the connection ids subscribed to the
// named group.
func (g *Groups) MembersOf(groupName string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members, ok := g.members[groupName]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	return ids
}
