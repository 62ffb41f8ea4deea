// graph.go - Topological ordering and dominance over the successor graph

/*
graph.go implements the block cache's graph queries (spec §4.5): a
topological ordering of the resident blocks reachable from an entry PC,
and a dominator computation over the same subgraph. Both are computed
on demand rather than maintained incrementally - the optimizing tier is
the only consumer and asks at promotion boundaries, not per execution
(spec §4.5: "a dominance computation over that graph is available but
computed lazily on demand by the optimizing tier").

The dominator algorithm is the iterative dataflow formulation: start
with every block dominated by everything, then repeatedly intersect
each block's predecessors' dominator sets until a fixed point. The
graphs here are block-cache subgraphs of at most a few thousand nodes,
where the simple formulation beats maintaining the Lengauer-Tarjan
machinery.

Grounded on the original Rust implementation's cfg_builder.rs, whose
BasicBlockInfo carries the successor/predecessor sets these traversals
walk; the teacher has no CFG to draw from (its CPUs interpret straight
through memory), so the traversal shape follows cfg_builder.rs rather
than a teacher file.
*/
package codecache

import "github.com/corevm-project/corevm/internal/ir"

// TopoOrder returns the resident blocks reachable from entry in a
// topological order: every block appears before its statically-known
// successors, except where back edges (loops) force an order; back-edge
// targets already emitted are simply skipped. Blocks not reachable from
// entry are not included.
func (c *Cache) TopoOrder(entry ir.GuestPC) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start, ok := c.byPC[entry]
	if !ok {
		return nil
	}

	// Depth-first postorder, reversed, over resident successors only.
	visited := make(map[blockIndex]bool)
	var post []*Entry
	var walk func(idx blockIndex)
	walk = func(idx blockIndex) {
		if visited[idx] {
			return
		}
		visited[idx] = true
		e := c.arena[idx]
		for _, pc := range e.IR.Successors() {
			if sIdx, ok := c.byPC[pc]; ok {
				walk(sIdx)
			}
		}
		post = append(post, e)
	}
	walk(start)

	out := make([]*Entry, len(post))
	for i, e := range post {
		out[len(post)-1-i] = e
	}
	return out
}

// Dominators computes, for every resident block reachable from entry,
// the set of blocks that dominate it (every path from entry passes
// through them). The result maps each block's PC to its dominator PCs,
// always including the block itself; the entry is dominated only by
// itself.
func (c *Cache) Dominators(entry ir.GuestPC) map[ir.GuestPC][]ir.GuestPC {
	order := c.TopoOrder(entry)
	if len(order) == 0 {
		return nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	idxOf := make(map[ir.GuestPC]int, len(order))
	for i, e := range order {
		idxOf[e.PC] = i
	}

	// Predecessor lists restricted to the reachable subgraph.
	preds := make([][]int, len(order))
	for i, e := range order {
		for _, pc := range e.IR.Successors() {
			if j, ok := idxOf[pc]; ok {
				preds[j] = append(preds[j], i)
			}
		}
	}

	// Bitset per block: bit j set means order[j] dominates the block.
	words := (len(order) + 63) / 64
	dom := make([][]uint64, len(order))
	full := make([]uint64, words)
	for i := range full {
		full[i] = ^uint64(0)
	}
	for i := range dom {
		dom[i] = make([]uint64, words)
		if i == 0 {
			dom[0][0] = 1 // entry: only itself
		} else {
			copy(dom[i], full)
		}
	}

	changed := true
	for changed {
		changed = false
		for i := 1; i < len(order); i++ {
			next := make([]uint64, words)
			copy(next, full)
			if len(preds[i]) == 0 {
				// Unreachable through recorded predecessors (e.g. only a
				// back edge outside the subgraph): dominated by itself only.
				for w := range next {
					next[w] = 0
				}
			}
			for _, p := range preds[i] {
				for w := range next {
					next[w] &= dom[p][w]
				}
			}
			next[i/64] |= 1 << (uint(i) % 64)
			for w := range next {
				if next[w] != dom[i][w] {
					dom[i] = next
					changed = true
					break
				}
			}
		}
	}

	out := make(map[ir.GuestPC][]ir.GuestPC, len(order))
	for i, e := range order {
		var doms []ir.GuestPC
		for j := range order {
			if dom[i][j/64]&(1<<(uint(j)%64)) != 0 {
				doms = append(doms, order[j].PC)
			}
		}
		out[e.PC] = doms
	}
	return out
}

// Dominates reports whether block a dominates block b in the subgraph
// reachable from entry.
func (c *Cache) Dominates(entry, a, b ir.GuestPC) bool {
	doms := c.Dominators(entry)
	for _, pc := range doms[b] {
		if pc == a {
			return true
		}
	}
	return false
}
