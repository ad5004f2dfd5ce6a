package condition

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

// Evaluator decides whether an edge condition holds for a source node's
// output. It never returns an error to the caller: malformed conditions
// fail closed and are logged as warnings.
type Evaluator struct {
	logger logger.Logger
}

func NewEvaluator(log logger.Logger) *Evaluator {
	if log == nil {
		log = logger.NewNop()
	}
	return &Evaluator{logger: log}
}

// Evaluate applies the condition to the source output. A nil condition is
// always true.
func (e *Evaluator) Evaluate(cond *workflow.EdgeCondition, output map[string]interface{}) bool {
	if cond == nil {
		return true
	}

	switch cond.Type {
	case workflow.ConditionValue, "":
		return e.evaluateValue(cond, output)
	case workflow.ConditionStatus:
		return e.evaluateStatus(cond, output)
	case workflow.ConditionExpression:
		return e.evaluateExpression(cond.Expression, output)
	default:
		e.logger.Warn("unknown condition type, failing closed", "type", cond.Type)
		return false
	}
}

func (e *Evaluator) evaluateValue(cond *workflow.EdgeCondition, output map[string]interface{}) bool {
	var actual interface{} = output
	if cond.Field != "" {
		actual = NestedValue(output, cond.Field)
	}

	result, err := applyOperator(actual, cond.Operator, cond.Value)
	if err != nil {
		e.logger.Warn("value condition failed closed",
			"field", cond.Field,
			"operator", cond.Operator,
			"error", err,
		)
		return false
	}
	return result
}

func (e *Evaluator) evaluateStatus(cond *workflow.EdgeCondition, output map[string]interface{}) bool {
	status, ok := output["status"]
	if !ok {
		return false
	}
	return fmt.Sprintf("%v", status) == fmt.Sprintf("%v", cond.Value)
}

// evaluateExpression supports a restricted boolean grammar:
//
//	<field> <op> <literal> [&& <field> <op> <literal> ...]
//
// with op in {==, !=, >, <, >=, <=, contains, matches}. No ambient state
// is reachable; anything unparsable is false.
func (e *Evaluator) evaluateExpression(expr string, output map[string]interface{}) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		e.logger.Warn("empty expression, failing closed")
		return false
	}

	for _, clause := range strings.Split(expr, "&&") {
		ok, err := e.evaluateClause(strings.TrimSpace(clause), output)
		if err != nil {
			e.logger.Warn("expression failed closed", "expression", expr, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (e *Evaluator) evaluateClause(clause string, output map[string]interface{}) (bool, error) {
	fields := strings.Fields(clause)
	if len(fields) < 3 {
		return false, fmt.Errorf("malformed clause: %q", clause)
	}

	field := fields[0]
	op := fields[1]
	literal := strings.Join(fields[2:], " ")
	literal = strings.Trim(literal, `'"`)

	actual := NestedValue(output, field)

	operator, ok := expressionOperators[op]
	if !ok {
		return false, fmt.Errorf("unsupported operator: %q", op)
	}

	return applyOperator(actual, operator, parseLiteral(literal))
}

var expressionOperators = map[string]string{
	"==":       "eq",
	"!=":       "neq",
	">":        "gt",
	"<":        "lt",
	">=":       "gte",
	"<=":       "lte",
	"contains": "contains",
	"matches":  "matches",
}

func parseLiteral(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func applyOperator(actual interface{}, operator string, expected interface{}) (bool, error) {
	switch operator {
	case "eq", "":
		return equal(actual, expected), nil
	case "neq":
		return !equal(actual, expected), nil
	case "gt", "lt", "gte", "lte":
		a, err1 := toFloat64(actual)
		b, err2 := toFloat64(expected)
		if err1 != nil || err2 != nil {
			return false, errors.New("non-numeric operand")
		}
		switch operator {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "gte":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		return strings.Contains(toString(actual), toString(expected)), nil
	case "matches":
		re, err := regexp.Compile(toString(expected))
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(toString(actual)), nil
	default:
		return false, fmt.Errorf("unknown operator: %q", operator)
	}
}

// equal compares numerically when both sides coerce to numbers, falling
// back to string comparison.
func equal(a, b interface{}) bool {
	af, err1 := toFloat64(a)
	bf, err2 := toFloat64(b)
	if err1 == nil && err2 == nil {
		return af == bf
	}
	return toString(a) == toString(b)
}

func toString(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return strconv.ParseFloat(val, 64)
	default:
		return 0, errors.New("cannot convert to float64")
	}
}

// NestedValue resolves a dotted path, with optional [i] array indexing,
// inside a decoded JSON-ish structure.
func NestedValue(data map[string]interface{}, path string) interface{} {
	var current interface{} = data

	for _, part := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}

		if idx := strings.Index(part, "["); idx != -1 && strings.HasSuffix(part, "]") {
			key := part[:idx]
			index, err := strconv.Atoi(part[idx+1 : len(part)-1])
			if err != nil {
				return nil
			}

			if m, ok := current.(map[string]interface{}); ok {
				current = m[key]
			}
			arr, ok := current.([]interface{})
			if !ok || index < 0 || index >= len(arr) {
				return nil
			}
			current = arr[index]
			continue
		}

		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}

	return current
}
