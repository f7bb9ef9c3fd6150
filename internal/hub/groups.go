package hub

import (
	"sort"
	"strings"
	"sync"
)

// Groups is a many-to-many table between group names and session
// identities. A reverse index lets a closing session leave all its groups in
// one call.
type Groups struct {
	mu        sync.RWMutex
	members   map[string]map[string]struct{}
	bySession map[string]map[string]struct{}
}

// NewGroups creates an empty group table.
func NewGroups() *Groups {
	return &Groups{
		members:   make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Add puts the session into group. Blank names are ignored.
func (g *Groups) Add(group, sessionID string) bool {
	group = strings.TrimSpace(group)
	if group == "" || sessionID == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	set := g.members[group]
	if set == nil {
		set = make(map[string]struct{})
		g.members[group] = set
	}
	set[sessionID] = struct{}{}

	joined := g.bySession[sessionID]
	if joined == nil {
		joined = make(map[string]struct{})
		g.bySession[sessionID] = joined
	}
	joined[group] = struct{}{}
	return true
}

// Remove takes the session out of group. Removing a non-member is a no-op.
func (g *Groups) Remove(group, sessionID string) {
	group = strings.TrimSpace(group)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(group, sessionID)
}

// RemoveSession takes the session out of every group it joined.
func (g *Groups) RemoveSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for group := range g.bySession[sessionID] {
		g.removeLocked(group, sessionID)
	}
	delete(g.bySession, sessionID)
}

func (g *Groups) removeLocked(group, sessionID string) {
	if set, ok := g.members[group]; ok {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(g.members, group)
		}
	}
	if joined, ok := g.bySession[sessionID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(g.bySession, sessionID)
		}
	}
}

// Members returns a snapshot of the identities in group.
func (g *Groups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	set := g.members[strings.TrimSpace(group)]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Of returns the sorted names of the groups the session belongs to.
func (g *Groups) Of(sessionID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.bySession[sessionID]))
	for group := range g.bySession[sessionID] {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}
