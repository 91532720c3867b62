// Package cwlexpr evaluates CWL expressions used in secondaryFiles patterns
// with a JavaScript runtime (goja).
package cwlexpr

import (
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// Evaluator evaluates CWL parameter references and code blocks.
type Evaluator struct {
	expressionLib []string
}

// NewEvaluator creates an evaluator. expressionLib holds JavaScript that is
// loaded before every evaluation (InlineJavascriptRequirement).
func NewEvaluator(expressionLib []string) *Evaluator {
	return &Evaluator{expressionLib: expressionLib}
}

// setupVM creates a JavaScript VM with the library and context variables.
func (e *Evaluator) setupVM(self any, inputs map[string]any) (*goja.Runtime, error) {
	vm := goja.New()

	for i, lib := range e.expressionLib {
		if _, err := vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("expressionLib[%d]: %w", i, err)
		}
	}

	if inputs == nil {
		inputs = map[string]any{}
	}
	if err := vm.Set("inputs", inputs); err != nil {
		return nil, fmt.Errorf("set inputs: %w", err)
	}
	if err := vm.Set("self", self); err != nil {
		return nil, fmt.Errorf("set self: %w", err)
	}
	return vm, nil
}

// Evaluate evaluates expr with self and inputs bound.
// Supports:
//   - Parameter references and simple expressions: $(self.nameroot).idx
//   - JavaScript code blocks: ${ return self.basename + ".bai"; }
//
// A sole expression returns its typed value; interpolated strings return a string.
func (e *Evaluator) Evaluate(expr string, self any, inputs map[string]any) (any, error) {
	if !IsExpression(expr) {
		return unescape(expr), nil
	}

	vm, err := e.setupVM(self, inputs)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "${") {
		idx := findMatchingBrace(trimmed)
		if idx == len(trimmed)-1 {
			return evaluateCodeBlock(vm, trimmed)
		}
		if idx > 0 {
			val, err := evaluateCodeBlock(vm, trimmed[:idx+1])
			if err != nil {
				return nil, err
			}
			return toString(val) + trimmed[idx+1:], nil
		}
		return nil, fmt.Errorf("unbalanced code block: %s", expr)
	}

	return evaluateInterpolated(vm, expr)
}

// evaluateCodeBlock evaluates a JavaScript code block: ${ ... }
func evaluateCodeBlock(vm *goja.Runtime, block string) (any, error) {
	code := strings.TrimPrefix(block, "${")
	code = strings.TrimSuffix(code, "}")

	val, err := vm.RunString(fmt.Sprintf("(function() { %s })()", code))
	if err != nil {
		return nil, fmt.Errorf("JavaScript error: %w", err)
	}
	return val.Export(), nil
}

// evaluateInterpolated evaluates a string with embedded $(expr) expressions.
func evaluateInterpolated(vm *goja.Runtime, expr string) (any, error) {
	matches := findExpressions(expr)
	if len(matches) == 0 {
		return unescape(expr), nil
	}

	if len(matches) == 1 && matches[0].start == 0 && matches[0].end == len(expr) {
		return runExpression(vm, matches[0].expr)
	}

	var b strings.Builder
	lastEnd := 0
	for _, m := range matches {
		b.WriteString(expr[lastEnd:m.start])
		val, err := runExpression(vm, m.expr)
		if err != nil {
			return nil, err
		}
		b.WriteString(toString(val))
		lastEnd = m.end
	}
	b.WriteString(expr[lastEnd:])
	return unescape(b.String()), nil
}

func runExpression(vm *goja.Runtime, code string) (any, error) {
	if strings.HasPrefix(strings.TrimSpace(code), "{") {
		code = "(" + code + ")"
	}
	val, err := vm.RunString(code)
	if err != nil {
		return nil, fmt.Errorf("expression error in $(%s): %w", code, err)
	}
	if goja.IsUndefined(val) {
		return nil, fmt.Errorf("expression $(%s) returned undefined", code)
	}
	return val.Export(), nil
}

// findMatchingBrace finds the index of the closing brace for a ${...} block.
// Returns -1 if no matching brace is found.
func findMatchingBrace(s string) int {
	depth := 0
	for i, c := range s {
		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// exprMatch is one $(...) occurrence.
type exprMatch struct {
	start int    // index of "$("
	end   int    // index after the closing ")"
	expr  string // content without $( and )
}

// findExpressions finds all unescaped $(expr) patterns, handling nested parentheses.
func findExpressions(s string) []exprMatch {
	var matches []exprMatch
	i := 0
	for i < len(s)-1 {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			depth := 1
			j := i + 2
			for j < len(s) && depth > 0 {
				if s[j] == '(' {
					depth++
				} else if s[j] == ')' {
					depth--
				}
				j++
			}
			if depth == 0 {
				matches = append(matches, exprMatch{start: i, end: j, expr: s[i+2 : j-1]})
				i = j
				continue
			}
		}
		i++
	}
	return matches
}

// IsExpression reports whether s contains CWL expression syntax.
// An escaped \$( is a literal, not an expression.
func IsExpression(s string) bool {
	if strings.HasPrefix(strings.TrimSpace(s), "${") {
		return true
	}
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '$' && s[i+1] == '(' && (i == 0 || s[i-1] != '\\') {
			return true
		}
	}
	return false
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "\\$(", "$(")
	return strings.ReplaceAll(s, "\\${", "${")
}

func toString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
