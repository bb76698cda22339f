package validation

import (
	"fmt"

	"github.com/rendis/flowsync/pkg/schema"
)

// Issue codes reported by the linter.
const (
	IssueMissingID         = "MISSING_ID"
	IssueDuplicateID       = "DUPLICATE_ID"
	IssueDanglingEdge      = "DANGLING_EDGE"
	IssueSelfLoop          = "SELF_LOOP"
	IssueInvalidExpression = "INVALID_EXPRESSION"
	IssueMissingExpression = "MISSING_EXPRESSION"
	IssueCycle             = "CYCLE"
	IssueIsolatedNode      = "ISOLATED_NODE"
)

// ExpressionChecker compiles a guard expression without running it.
// *expressions.Guards implements it.
type ExpressionChecker interface {
	Check(expression string) error
}

// validateSemantic checks ids, edge endpoints and conditional expressions.
// Dangling edges are warnings: they are legal until pruned.
func validateSemantic(snap schema.Snapshot, checker ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(snap.Nodes))
	for i, n := range snap.Nodes {
		path := fmt.Sprintf("nodes[%d]", i)
		switch {
		case n.ID == "":
			result.AddError(path+".id", IssueMissingID, "node has no id")
		case nodeIDs[n.ID]:
			result.AddError(path+".id", IssueDuplicateID, fmt.Sprintf("duplicate node id %q", n.ID))
		default:
			nodeIDs[n.ID] = true
		}
		validateExpression(n, path, checker, result)
	}

	edgeIDs := make(map[string]bool, len(snap.Edges))
	for i, e := range snap.Edges {
		path := fmt.Sprintf("edges[%d]", i)
		switch {
		case e.ID == "":
			result.AddError(path+".id", IssueMissingID, "edge has no id")
		case edgeIDs[e.ID]:
			result.AddError(path+".id", IssueDuplicateID, fmt.Sprintf("duplicate edge id %q", e.ID))
		default:
			edgeIDs[e.ID] = true
		}
		if !nodeIDs[e.Source] {
			result.AddWarning(path+".source", IssueDanglingEdge,
				fmt.Sprintf("references non-existent node %q", e.Source))
		}
		if !nodeIDs[e.Target] {
			result.AddWarning(path+".target", IssueDanglingEdge,
				fmt.Sprintf("references non-existent node %q", e.Target))
		}
		if e.Source != "" && e.Source == e.Target {
			result.AddWarning(path, IssueSelfLoop, fmt.Sprintf("node %q connects to itself", e.Source))
		}
	}

	return result
}

func validateExpression(n schema.NodeRecord, path string, checker ExpressionChecker, result *schema.ValidationResult) {
	if n.Data.Kind != schema.NodeKindConditional {
		return
	}
	if n.Data.Expression == "" {
		result.AddWarning(path+".data.expression", IssueMissingExpression,
			fmt.Sprintf("conditional node %q has no expression", n.ID))
		return
	}
	if checker == nil {
		return
	}
	if err := checker.Check(n.Data.Expression); err != nil {
		result.AddError(path+".data.expression", IssueInvalidExpression, err.Error())
	}
}
