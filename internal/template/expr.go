package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"evalgo.org/lares/models"
)

// placeholderRe matches one {{...}} expression. The expression language is
// deliberately tiny: variable lookup, integer arithmetic with one operator,
// and the default/join pipe functions. No code execution.
var placeholderRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Vars holds the merged variable values for one render.
type Vars map[string]any

// Substitute replaces every {{...}} placeholder in the input. An unresolved
// variable without a default fails the whole render.
func Substitute(input string, vars Vars) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(input, func(match string) string {
		expr := strings.TrimSpace(match[2 : len(match)-2])
		value, err := eval(expr, vars)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return render(value)
	})
	return out, firstErr
}

// References lists the variable names an input string depends on.
func References(input string) []string {
	seen := map[string]bool{}
	var names []string
	for _, match := range placeholderRe.FindAllStringSubmatch(input, -1) {
		for _, name := range exprVariables(strings.TrimSpace(match[1])) {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// eval evaluates one expression: an arithmetic term followed by optional
// pipe functions.
func eval(expr string, vars Vars) (any, error) {
	segments := splitPipes(expr)
	value, err := evalArith(strings.TrimSpace(segments[0]), vars)

	for _, segment := range segments[1:] {
		segment = strings.TrimSpace(segment)
		name, arg, argErr := parseCall(segment)
		if argErr != nil {
			return nil, argErr
		}
		switch name {
		case "default":
			if err != nil || value == nil || value == "" {
				value, err = arg, nil
			}
		case "join":
			if err != nil {
				return nil, err
			}
			sep, _ := arg.(string)
			value, err = joinList(value, sep)
		default:
			return nil, models.NewToolError(models.KindTemplateError, "unknown template function %q", name)
		}
	}
	return value, err
}

// evalArith evaluates `operand` or `operand op operand` with integer
// semantics.
func evalArith(expr string, vars Vars) (any, error) {
	for _, op := range []string{"+", "-", "*", "/"} {
		// Split on the operator only when both sides are non-empty, so a
		// bare identifier is never treated as arithmetic.
		if idx := strings.Index(expr, op); idx > 0 && idx < len(expr)-1 {
			left, err := evalOperand(strings.TrimSpace(expr[:idx]), vars)
			if err != nil {
				return nil, err
			}
			right, err := evalOperand(strings.TrimSpace(expr[idx+1:]), vars)
			if err != nil {
				return nil, err
			}
			return applyOp(op, left, right)
		}
	}
	return evalOperand(expr, vars)
}

func evalOperand(token string, vars Vars) (any, error) {
	if token == "" {
		return nil, models.NewToolError(models.KindTemplateError, "empty expression")
	}
	if quoted, ok := unquote(token); ok {
		return quoted, nil
	}
	if n, err := strconv.ParseInt(token, 10, 64); err == nil {
		return n, nil
	}
	value, ok := lookup(token, vars)
	if !ok {
		return nil, models.NewToolError(models.KindTemplateError, "unresolved variable %q", token)
	}
	return value, nil
}

// lookup resolves a dotted path into the variable map.
func lookup(path string, vars Vars) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = map[string]any(vars)
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func applyOp(op string, left, right any) (any, error) {
	l, lok := asInt(left)
	r, rok := asInt(right)
	if !lok || !rok {
		return nil, models.NewToolError(models.KindTemplateError,
			"arithmetic needs integer operands, got %v %s %v", left, op, right)
	}
	switch op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, models.NewToolError(models.KindTemplateError, "division by zero")
		}
		return l / r, nil
	}
	return nil, models.NewToolError(models.KindTemplateError, "unknown operator %q", op)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case string:
		if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func joinList(value any, sep string) (any, error) {
	list, ok := value.([]any)
	if !ok {
		if strs, ok := value.([]string); ok {
			return strings.Join(strs, sep), nil
		}
		return nil, models.NewToolError(models.KindTemplateError, "join needs a list, got %T", value)
	}
	parts := make([]string, len(list))
	for i, item := range list {
		parts[i] = render(item)
	}
	return strings.Join(parts, sep), nil
}

// parseCall parses `name` or `name(arg)` where arg is a quoted string or an
// integer.
func parseCall(segment string) (string, any, error) {
	open := strings.IndexByte(segment, '(')
	if open < 0 {
		return segment, nil, nil
	}
	if !strings.HasSuffix(segment, ")") {
		return "", nil, models.NewToolError(models.KindTemplateError, "malformed function call %q", segment)
	}
	name := strings.TrimSpace(segment[:open])
	argToken := strings.TrimSpace(segment[open+1 : len(segment)-1])
	if argToken == "" {
		return name, nil, nil
	}
	if quoted, ok := unquote(argToken); ok {
		return name, quoted, nil
	}
	if n, err := strconv.ParseInt(argToken, 10, 64); err == nil {
		return name, n, nil
	}
	return name, argToken, nil
}

func unquote(token string) (string, bool) {
	if len(token) >= 2 {
		if (token[0] == '"' && token[len(token)-1] == '"') ||
			(token[0] == '\'' && token[len(token)-1] == '\'') {
			return token[1 : len(token)-1], true
		}
	}
	return "", false
}

// exprVariables extracts the identifiers an expression reads.
func exprVariables(expr string) []string {
	var names []string
	segments := splitPipes(expr)

	collect := func(token string) {
		token = strings.TrimSpace(token)
		if token == "" {
			return
		}
		if _, ok := unquote(token); ok {
			return
		}
		if _, err := strconv.ParseInt(token, 10, 64); err == nil {
			return
		}
		names = append(names, strings.SplitN(token, ".", 2)[0])
	}

	head := strings.TrimSpace(segments[0])
	split := false
	for _, op := range []string{"+", "-", "*", "/"} {
		if idx := strings.Index(head, op); idx > 0 && idx < len(head)-1 {
			collect(head[:idx])
			collect(head[idx+1:])
			split = true
			break
		}
	}
	if !split {
		collect(head)
	}
	return names
}

func splitPipes(expr string) []string {
	var segments []string
	depth, start, inQuote := 0, 0, byte(0)
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '"' || c == '\'':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == '|' && depth == 0:
			segments = append(segments, expr[start:i])
			start = i + 1
		}
	}
	segments = append(segments, expr[start:])
	return segments
}

func render(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
