package engine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// Condition evaluation over the built environment. The expression
// language supports dotted attribute access, equality, comparison,
// boolean connectives and membership; `===`/`!==` normalize to `==`/`!=`
// and template variables `{{Node.field}}` rewrite to dotted access.
//
// Conditions fail closed: callers treat an evaluation error as false and
// surface it as a log effect.

var templateVar = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// normalizeCondition rewrites the surface condition syntax into an
// expr-lang expression.
func normalizeCondition(cond string) string {
	out := templateVar.ReplaceAllString(cond, "$1")
	out = strings.ReplaceAll(out, "===", "==")
	out = strings.ReplaceAll(out, "!==", "!=")
	return strings.TrimSpace(out)
}

// EvalCondition evaluates a condition against the environment. An empty
// expression is true. Non-boolean results coerce: non-empty strings,
// non-zero numbers and non-nil values are true.
func EvalCondition(cond string, env map[string]interface{}) (bool, error) {
	normalized := normalizeCondition(cond)
	if normalized == "" {
		return true, nil
	}
	program, err := expr.Compile(normalized, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", cond, err)
	}
	return truthy(result), nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// ResolveTemplate substitutes every {{expr}} occurrence with its
// evaluated value. Unresolvable variables render as empty strings so
// prompts degrade rather than fail.
func ResolveTemplate(tmpl string, env map[string]interface{}) string {
	return templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		inner := templateVar.FindStringSubmatch(match)[1]
		program, err := expr.Compile(inner, expr.Env(env), expr.AllowUndefinedVariables())
		if err != nil {
			return ""
		}
		v, err := expr.Run(program, env)
		if err != nil || v == nil {
			return ""
		}
		return fmt.Sprintf("%v", v)
	})
}

// IsSimpleCondition classifies deterministic, side-effect-free
// expressions: identifiers, member access, literals, comparisons,
// boolean connectives and membership. Simple conditions auto-take their
// edge when true; anything else needs the agent.
func IsSimpleCondition(cond string) bool {
	normalized := normalizeCondition(cond)
	if normalized == "" {
		return false
	}
	tree, err := parser.Parse(normalized)
	if err != nil {
		return false
	}
	simple := true
	ast.Walk(&tree.Node, visitorFunc(func(node *ast.Node) {
		switch n := (*node).(type) {
		case *ast.IdentifierNode, *ast.MemberNode, *ast.ChainNode,
			*ast.IntegerNode, *ast.FloatNode, *ast.BoolNode,
			*ast.StringNode, *ast.NilNode, *ast.ArrayNode:
		case *ast.UnaryNode:
			if n.Operator != "!" && n.Operator != "not" && n.Operator != "-" {
				simple = false
			}
		case *ast.BinaryNode:
			switch n.Operator {
			case "==", "!=", "<", "<=", ">", ">=",
				"&&", "||", "and", "or", "in":
			default:
				simple = false
			}
		default:
			simple = false
		}
	}))
	return simple
}

type visitorFunc func(node *ast.Node)

func (f visitorFunc) Visit(node *ast.Node) { f(node) }

// ConditionFromEdge extracts the condition expression carried by an
// edge: a `when`/`if` prefix on the label, or a @when annotation.
func ConditionFromEdge(label string, whenAnnotation string) string {
	if whenAnnotation != "" {
		return whenAnnotation
	}
	trimmed := strings.TrimSpace(label)
	lower := strings.ToLower(trimmed)
	for _, prefix := range []string{"when ", "if "} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	return ""
}
