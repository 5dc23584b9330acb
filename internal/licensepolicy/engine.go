package licensepolicy

import (
	"context"
	"fmt"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
)

// Engine evaluates a transpiled policy document against an input describing
// one package. Separating this from Policy.Evaluate (which is plain Go)
// lets the forbidden-license axis be expressed the way the teacher's own
// dependency analyzer expresses open-ended policy: as Rego, not as
// hand-written Go conditionals, so a future policy author can extend
// `policy.licenses.yaml` with rules this package's authors never
// anticipated without touching Go code.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine transpiles p into a Rego module under the `cargocap.licenses`
// package and prepares it for repeated evaluation.
func NewEngine(ctx context.Context, p *Policy) (*Engine, error) {
	module := transpileToRego(p)
	query, err := rego.New(
		rego.Query("data.cargocap.licenses.deny"),
		rego.Module("cargocap_licenses.rego", module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing license policy evaluation: %w", err)
	}
	return &Engine{query: query}, nil
}

// Deny evaluates the policy against one package's metadata input and
// returns the set of deny reason strings produced, if any.
func (e *Engine) Deny(ctx context.Context, pkgName, license string) ([]string, error) {
	input := map[string]interface{}{
		"package": pkgName,
		"license": license,
	}
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating license policy: %w", err)
	}
	var reasons []string
	for _, r := range results {
		for _, expr := range r.Expressions {
			if vals, ok := expr.Value.([]interface{}); ok {
				for _, v := range vals {
					if s, ok := v.(string); ok {
						reasons = append(reasons, s)
					}
				}
			}
		}
	}
	return reasons, nil
}

// transpileToRego renders p's forbidden-license list as a Rego module with a
// single `deny` rule that matches `input.license` against the list of
// forbidden licenses, mirroring the structure of the teacher's own
// YAML-to-Rego policy transpiler: the generated module is deliberately
// simple
// because the source of truth is the YAML file, not the Rego — the
// transpile step exists so the policy is *evaluated* uniformly with the
// rest of the dependency-policy stack, not so it can express anything Rego
// alone could.
func transpileToRego(p *Policy) string {
	var b strings.Builder
	b.WriteString("package cargocap.licenses\n\n")
	b.WriteString("import rego.v1\n\n")
	b.WriteString("deny contains msg if {\n")
	b.WriteString("\tsome lic in " + formatRegoArray(p.Forbidden) + "\n")
	b.WriteString("\tinput.license == lic\n")
	b.WriteString("\tmsg := sprintf(\"license %v is forbidden by policy\", [input.license])\n")
	b.WriteString("}\n")
	return b.String()
}

// formatRegoArray renders a Go string slice as a Rego array literal.
func formatRegoArray(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
