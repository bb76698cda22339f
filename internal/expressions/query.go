package expressions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/flowsync/pkg/schema"
)

const queryCacheTTL = 10 * time.Minute

// nodeEnv is the environment of a node query.
type nodeEnv struct {
	ID         string  `expr:"id"`
	Type       string  `expr:"type"`
	Kind       string  `expr:"kind"`
	Label      string  `expr:"label"`
	Expression string  `expr:"expression"`
	X          float64 `expr:"x"`
	Y          float64 `expr:"y"`
	Content    any     `expr:"content"` // decoded data.content, or nil
	Incoming   int     `expr:"incoming"`
	Outgoing   int     `expr:"outgoing"`
}

// Querier filters diagram nodes with expr-lang predicates such as
// `kind == "response" && outgoing == 0`. Compiled programs are cached and
// shared across goroutines.
type Querier struct {
	programs *gocache.Cache
}

// NewQuerier creates a node querier with its own compiled-program cache.
func NewQuerier() *Querier {
	return &Querier{programs: gocache.New(queryCacheTTL, 2*queryCacheTTL)}
}

// Query returns the nodes of snap for which expression holds, in snapshot
// order. The expression is compiled even when snap has no nodes.
func (q *Querier) Query(ctx context.Context, snap schema.Snapshot, expression string) ([]schema.NodeRecord, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty query expression")
	}
	prg, err := q.compile(expression)
	if err != nil {
		return nil, err
	}

	in, out := degrees(snap.Edges)
	matches := []schema.NodeRecord{}
	for _, n := range snap.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, schema.NewError(schema.ErrCodeTimeout, "query cancelled").WithCause(err)
		}
		v, err := vm.Run(prg, envFor(n, in[n.ID], out[n.ID]))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"query %q failed on node %q: %s", expression, n.ID, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression, "node_id": n.ID})
		}
		if ok, _ := v.(bool); ok {
			matches = append(matches, n)
		}
	}
	return matches, nil
}

func (q *Querier) compile(expression string) (*vm.Program, error) {
	if v, ok := q.programs.Get(expression); ok {
		return v.(*vm.Program), nil
	}
	prg, err := expr.Compile(expression, expr.Env(nodeEnv{}), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid query %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	q.programs.SetDefault(expression, prg)
	return prg, nil
}

func envFor(n schema.NodeRecord, incoming, outgoing int) nodeEnv {
	var content any
	if len(n.Data.Content) > 0 {
		if err := json.Unmarshal(n.Data.Content, &content); err != nil {
			content = string(n.Data.Content)
		}
	}
	return nodeEnv{
		ID:         n.ID,
		Type:       n.Type,
		Kind:       n.Data.Kind,
		Label:      n.Data.Label,
		Expression: n.Data.Expression,
		X:          n.Position.X,
		Y:          n.Position.Y,
		Content:    content,
		Incoming:   incoming,
		Outgoing:   outgoing,
	}
}

func degrees(edges []schema.EdgeRecord) (in, out map[string]int) {
	in = make(map[string]int)
	out = make(map[string]int)
	for _, e := range edges {
		out[e.Source]++
		in[e.Target]++
	}
	return in, out
}
