package expressions

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	gocache "github.com/patrickmn/go-cache"

	"github.com/rendis/flowsync/pkg/schema"
)

// Variables visible to conditional node guards.
const (
	GuardInput = "input" // the payload being routed through the diagram
	GuardNode  = "node"  // the conditional node itself: id, label, content
)

const guardCacheTTL = 10 * time.Minute

// Guards checks the CEL guards of conditional nodes. Results are memoized per
// expression since a lint pass sees the same guards over and over.
type Guards struct {
	env     *cel.Env
	checked *gocache.Cache
}

// NewGuards creates a checker whose environment exposes input and node as
// map(string, dyn).
func NewGuards() (*Guards, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	env, err := cel.NewEnv(
		cel.Variable(GuardInput, mapType),
		cel.Variable(GuardNode, mapType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Guards{env: env, checked: gocache.New(guardCacheTTL, 2*guardCacheTTL)}, nil
}

type checkResult struct{ err error }

// Check reports whether expression is a valid guard: it must compile and
// produce a bool, or a dyn value that may be one.
func (g *Guards) Check(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty guard expression")
	}
	if v, ok := g.checked.Get(expression); ok {
		return v.(checkResult).err
	}
	err := g.check(expression)
	g.checked.SetDefault(expression, checkResult{err})
	return err
}

func (g *Guards) check(expression string) error {
	ast, issues := g.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q does not compile: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q must produce a bool, got %s", expression, out.String()).
			WithDetails(map[string]any{"expression": expression})
	}
	return nil
}
