package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/flowsync/pkg/schema"
)

// validateGraph runs Kahn's algorithm over the edges whose endpoints both
// exist and reports the nodes left on cycles, then flags nodes with no
// connection at all. Both are warnings: flows may loop back on purpose.
func validateGraph(snap schema.Snapshot) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	exists := make(map[string]bool, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.ID != "" {
			exists[n.ID] = true
		}
	}

	inDegree := make(map[string]int, len(exists))
	next := make(map[string][]string, len(exists))
	touched := make(map[string]bool, len(exists))
	seen := make(map[[2]string]bool, len(snap.Edges))
	for _, e := range snap.Edges {
		if !exists[e.Source] || !exists[e.Target] {
			continue
		}
		touched[e.Source], touched[e.Target] = true, true
		key := [2]string{e.Source, e.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		next[e.Source] = append(next[e.Source], e.Target)
		inDegree[e.Target]++
	}

	queue := make([]string, 0, len(exists))
	for id := range exists {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	visited := make(map[string]bool, len(exists))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited[id] = true
		for _, t := range next[id] {
			inDegree[t]--
			if inDegree[t] == 0 {
				queue = append(queue, t)
			}
		}
	}

	if len(visited) != len(exists) {
		var cyclic []string
		for id := range exists {
			if !visited[id] {
				cyclic = append(cyclic, id)
			}
		}
		sort.Strings(cyclic)
		result.AddWarning("edges", IssueCycle,
			fmt.Sprintf("nodes %s are on or behind a cycle", strings.Join(cyclic, ", ")))
	}

	if len(exists) > 1 {
		for i, n := range snap.Nodes {
			if n.ID != "" && !touched[n.ID] {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), IssueIsolatedNode,
					fmt.Sprintf("node %q has no connections", n.ID))
			}
		}
	}

	return result
}
