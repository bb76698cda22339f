package expressions

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/flowsync/pkg/schema"
)

// jqProgram is a jq program compiled once, run against decoded JSON with
// positional variable values.
type jqProgram struct {
	src  string
	code *gojq.Code
}

// mustCompileJQ compiles a package-level program. vars are named with their $.
func mustCompileJQ(src string, vars ...string) *jqProgram {
	query, err := gojq.Parse(src)
	if err != nil {
		panic("expressions: parse jq program: " + err.Error())
	}
	code, err := gojq.Compile(query,
		gojq.WithVariables(vars),
		// no $ENV access from imported documents
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		panic("expressions: compile jq program: " + err.Error())
	}
	return &jqProgram{src: src, code: code}
}

// run returns the single output of the program. A program that raises is an
// expression error; one that yields nothing returns nil.
func (p *jqProgram) run(ctx context.Context, input any, values ...any) (any, error) {
	iter := p.code.RunWithContext(ctx, input, values...)
	v, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := v.(error); isErr {
		return nil, schema.NewErrorf(schema.ErrCodeExpression, "jq: %s", err.Error()).WithCause(err)
	}
	return v, nil
}
