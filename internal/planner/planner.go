// Package planner partitions a flat list of sources into a local leader
// slice and, per leader, the sub-slice it is responsible for delegating to
// in turn — the single-level partition rule the query client applies once
// per fan-out hop.
package planner

import "fmt"

// ServerInfo identifies one machine. Equality is structural, used as an
// identifier in status accounting by the query client.
type ServerInfo struct {
	Hostname string
	Port     uint16
}

// LeaderPlan is one leader's assignment: the leader itself and the group
// of sources delegated to it (the leader is never a member of its own
// group).
type LeaderPlan struct {
	Leader ServerInfo
	Group  []ServerInfo
}

// PlanResult is the outcome of one planning pass: the ordered list of
// leaders to contact directly, each carrying its own delegated group.
type PlanResult struct {
	Leaders []LeaderPlan
}

// AllSources returns every source named across the plan — every leader
// plus every source in every leader's group — in the order Plan assigned
// them. Used by tests asserting the "each machine exactly once" property.
func (p PlanResult) AllSources() []ServerInfo {
	out := make([]ServerInfo, 0)
	for _, lp := range p.Leaders {
		out = append(out, lp.Leader)
		out = append(out, lp.Group...)
	}
	return out
}

// Plan partitions sources into leaders and delegated groups per the
// tiered request planner rule:
//
//  1. If len(sources) <= maxFanout, every source is its own leader with an
//     empty group — no further fan-out needed.
//  2. Otherwise the first maxFanout sources (in input order — the
//     tie-break is "earlier sources become leaders") become leaders. The
//     remaining sources are split, in input order, into maxFanout groups
//     of size ceil(remainder/maxFanout) or floor(remainder/maxFanout), one
//     group per leader.
//
// Plan operates on exactly one level: the caller is responsible for
// invoking Plan again on a leader's delegated group to express recursive
// fan-out, since in the real system that recursion happens on the leader's
// own process, not inside this function.
func Plan(sources []ServerInfo, maxFanout uint32) (PlanResult, error) {
	if maxFanout == 0 {
		return PlanResult{}, fmt.Errorf("planner: max_fanout must be > 0")
	}

	k := int(maxFanout)
	n := len(sources)

	if n <= k {
		leaders := make([]LeaderPlan, n)
		for i, s := range sources {
			leaders[i] = LeaderPlan{Leader: s, Group: nil}
		}
		return PlanResult{Leaders: leaders}, nil
	}

	leaders := make([]LeaderPlan, k)
	remainder := sources[k:]
	groups := splitIntoGroups(remainder, k)
	for i := 0; i < k; i++ {
		leaders[i] = LeaderPlan{Leader: sources[i], Group: groups[i]}
	}
	return PlanResult{Leaders: leaders}, nil
}

// splitIntoGroups divides items into exactly k contiguous, input-order
// groups, sizes differing by at most one: the first (len(items) mod k)
// groups get ceil(len(items)/k) items, the rest get floor(len(items)/k).
func splitIntoGroups(items []ServerInfo, k int) [][]ServerInfo {
	groups := make([][]ServerInfo, k)
	base := len(items) / k
	extra := len(items) % k

	offset := 0
	for i := 0; i < k; i++ {
		size := base
		if i < extra {
			size++
		}
		groups[i] = items[offset : offset+size]
		offset += size
	}
	return groups
}
