package sched

import (
	"sort"
	"sync"

	"github.com/agem-lang/agem/gen"
)

// groups is the named process-group table. Membership is a plain set; the
// fan-out snapshot is taken under the read lock and delivery happens outside
// it.
type groups struct {
	sync.RWMutex
	members map[string]map[gen.PID]struct{}
}

func newGroups() *groups {
	return &groups{members: make(map[string]map[gen.PID]struct{})}
}

// join adds a member, creating the group on first use. Joining twice is a
// no-op.
func (g *groups) join(name string, pid gen.PID) {
	g.Lock()
	set, found := g.members[name]
	if !found {
		set = make(map[gen.PID]struct{})
		g.members[name] = set
	}
	set[pid] = struct{}{}
	g.Unlock()
}

// leave removes a member. An empty group is deleted.
func (g *groups) leave(name string, pid gen.PID) error {
	g.Lock()
	defer g.Unlock()
	set, found := g.members[name]
	if !found {
		return gen.ErrGroupUnknown
	}
	if _, member := set[pid]; !member {
		return gen.ErrGroupUnknown
	}
	delete(set, pid)
	if len(set) == 0 {
		delete(g.members, name)
	}
	return nil
}

// leaveAll removes a dying block from every group it joined.
func (g *groups) leaveAll(pid gen.PID) {
	g.Lock()
	for name, set := range g.members {
		delete(set, pid)
		if len(set) == 0 {
			delete(g.members, name)
		}
	}
	g.Unlock()
}

// snapshot returns the members sorted by PID, for deterministic fan-out
// order.
func (g *groups) snapshot(name string) []gen.PID {
	g.RLock()
	set := g.members[name]
	pids := make([]gen.PID, 0, len(set))
	for pid := range set {
		pids = append(pids, pid)
	}
	g.RUnlock()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// list returns all group names, sorted.
func (g *groups) list() []string {
	g.RLock()
	names := make([]string, 0, len(g.members))
	for name := range g.members {
		names = append(names, name)
	}
	g.RUnlock()
	sort.Strings(names)
	return names
}
