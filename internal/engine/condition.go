// Package engine implements the server's in-process components: the IR
// registry and compatibility analysis (C2), the condition evaluator
// (C3), the scheduler (C5), the task dispatcher (C6), the completion
// coordinator (C7) and the lease reaper (C8).
package engine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// operatorProbeOrder must be checked in this exact sequence: ">=" and
// "<=" before ">" and "<", else a substring search on "x >= 1" would
// split at the bare ">" first and misparse the literal as "= 1".
var operatorProbeOrder = []string{">=", "<=", "!=", "==", ">", "<"}

// EvaluateCondition evaluates a router condition string against a JSON
// value, per the grammar in §4.3: either the literal "true"/"false", or
// "<path> <op> <literal>". Any unparseable condition evaluates to false
// rather than erroring, since a malformed route must never abort
// dispatch.
func EvaluateCondition(condition string, value any) bool {
	cond := strings.TrimSpace(condition)
	switch cond {
	case "true":
		return true
	case "false":
		return false
	}

	op, left, right, ok := parseCondition(cond)
	if !ok {
		return false
	}

	actual := getJSONPath(value, left)
	literal := parseLiteral(right)

	switch op {
	case "==":
		return jsonEquals(actual, literal)
	case "!=":
		return !jsonEquals(actual, literal)
	case ">":
		return toFloat(actual) > toFloat(literal)
	case "<":
		return toFloat(actual) < toFloat(literal)
	case ">=":
		return toFloat(actual) >= toFloat(literal)
	case "<=":
		return toFloat(actual) <= toFloat(literal)
	}
	return false
}

// parseCondition splits "<path> <op> <literal>" by finding the first
// operator in operatorProbeOrder that appears in the string.
func parseCondition(cond string) (op, left, right string, ok bool) {
	for _, candidate := range operatorProbeOrder {
		if idx := strings.Index(cond, candidate); idx >= 0 {
			left = strings.TrimSpace(cond[:idx])
			right = strings.TrimSpace(cond[idx+len(candidate):])
			if left == "" || right == "" {
				continue
			}
			return candidate, left, right, true
		}
	}
	return "", "", "", false
}

// getJSONPath descends dotted keys into value, returning nil for a
// missing key at any point. A leading "$." is stripped per the grammar.
func getJSONPath(value any, path string) any {
	path = strings.TrimPrefix(path, "$.")
	if path == "" || path == "$" {
		return value
	}

	current := value
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[key]
		if !ok {
			return nil
		}
	}
	return current
}

// parseLiteral interprets a raw right-hand-side token as JSON when
// possible (numbers, booleans, quoted strings), falling back to the
// bare string otherwise.
func parseLiteral(raw string) any {
	raw = strings.TrimSpace(raw)
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// jsonEquals implements the type-aware equality from §4.3: booleans and
// strings compare as their textual form, numbers compare after
// stringification, so 1 and "1" and 1.0 are all treated as equal.
func jsonEquals(a, b any) bool {
	return stringify(a) == stringify(b)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// toFloat coerces a value to a 64-bit float for ordered comparisons;
// non-numeric values coerce to 0.0 per §4.3.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return 0
	}
}
