package allocation

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/xraph/fabric"
	"github.com/xraph/fabric/membership"
	"github.com/xraph/fabric/subscription"
)

// Strategy is a placement policy.
type Strategy string

// Strategies.
const (
	// Fixed places each subscription on its Target node.
	Fixed Strategy = "fixed"
	// Occupation prefers nodes hosting the fewest subscriptions.
	Occupation Strategy = "occupation"
	// CPU prefers the least loaded CPUs.
	CPU Strategy = "cpu"
	// Memory prefers the most free memory.
	Memory Strategy = "memory"
	// CPUMemory ranks by CPU, then by free memory.
	CPUMemory Strategy = "cpu_memory"
	// MemoryCPU ranks by free memory, then by CPU.
	MemoryCPU Strategy = "memory_cpu"
)

// Strategies lists every strategy.
var Strategies = []Strategy{Fixed, Occupation, CPU, Memory, CPUMemory, MemoryCPU}

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(s)
	if slices.Contains(Strategies, st) {
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", fabric.ErrInvalidStrategy, s)
}

func (s Strategy) String() string { return string(s) }

// compare orders two nodes, best first. Ties fall back to the node name
// so the ranking is deterministic.
func (s Strategy) compare(a, b *membership.Entry) int {
	byCPU := cmp.Compare(a.CPU, b.CPU)
	byMemory := cmp.Compare(b.FreeMemory, a.FreeMemory)

	var c int
	switch s {
	case Occupation:
		c = cmp.Compare(a.SubscriptionCount, b.SubscriptionCount)
	case CPU:
		c = byCPU
	case Memory:
		c = byMemory
	case CPUMemory:
		c = cmp.Or(byCPU, byMemory)
	case MemoryCPU:
		c = cmp.Or(byMemory, byCPU)
	}
	return cmp.Or(c, cmp.Compare(a.Node, b.Node))
}

// Rank returns entries ordered best first. The input is not modified.
func (s Strategy) Rank(entries []membership.Entry) []membership.Entry {
	ranked := slices.Clone(entries)
	slices.SortStableFunc(ranked, func(a, b membership.Entry) int { return s.compare(&a, &b) })
	return ranked
}

// Placement is the outcome of Partition.
type Placement struct {
	// Assignments maps node names to the definitions placed on them.
	Assignments map[string][]subscription.Definition

	// Unplaced holds fixed definitions whose target is not live.
	Unplaced []subscription.Definition
}

// Nodes returns the assigned node names in sorted order.
func (p *Placement) Nodes() []string {
	nodes := make([]string, 0, len(p.Assignments))
	for n := range p.Assignments {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}

// Partition spreads defs over the live entries. Non-fixed strategies deal
// definitions round-robin over the ranking; occupation re-ranks after each
// assignment using the projected subscription counts. Every definition is
// either assigned once or, for the fixed strategy, reported as unplaced.
func Partition(defs []subscription.Definition, entries []membership.Entry, s Strategy) (Placement, error) {
	p := Placement{Assignments: make(map[string][]subscription.Definition)}
	if len(defs) == 0 {
		return p, nil
	}

	switch s {
	case Fixed:
		live := make(map[string]bool, len(entries))
		for _, e := range entries {
			live[e.Node] = true
		}
		for _, d := range defs {
			if target := d.Meta().Target; live[target] {
				p.Assignments[target] = append(p.Assignments[target], d)
			} else {
				p.Unplaced = append(p.Unplaced, d)
			}
		}
		return p, nil

	case Occupation:
		if len(entries) == 0 {
			return p, fabric.ErrNoLiveNodes
		}
		projected := slices.Clone(entries)
		for _, d := range defs {
			best := 0
			for i := 1; i < len(projected); i++ {
				if s.compare(&projected[i], &projected[best]) < 0 {
					best = i
				}
			}
			node := projected[best].Node
			p.Assignments[node] = append(p.Assignments[node], d)
			projected[best].SubscriptionCount++
		}
		return p, nil

	case CPU, Memory, CPUMemory, MemoryCPU:
		if len(entries) == 0 {
			return p, fabric.ErrNoLiveNodes
		}
		ranked := s.Rank(entries)
		for i, d := range defs {
			node := ranked[i%len(ranked)].Node
			p.Assignments[node] = append(p.Assignments[node], d)
		}
		return p, nil
	}
	return p, fmt.Errorf("%w: %q", fabric.ErrInvalidStrategy, string(s))
}
