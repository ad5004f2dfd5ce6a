package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowmesh-go/internal/domain/workflow"
)

func TestEvaluateNilCondition(t *testing.T) {
	e := NewEvaluator(nil)
	assert.True(t, e.Evaluate(nil, map[string]interface{}{"anything": 1}))
	assert.True(t, e.Evaluate(nil, nil))
}

func TestEvaluateValue(t *testing.T) {
	e := NewEvaluator(nil)
	output := map[string]interface{}{
		"count":  float64(42),
		"name":   "flowmesh",
		"nested": map[string]interface{}{"score": float64(7)},
	}

	tests := []struct {
		name string
		cond *workflow.EdgeCondition
		want bool
	}{
		{"eq true", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "eq", Value: 42}, true},
		{"eq false", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "eq", Value: 41}, false},
		{"neq", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "neq", Value: 41}, true},
		{"gt", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "gt", Value: 40}, true},
		{"lt false", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "lt", Value: 40}, false},
		{"gte equal", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "gte", Value: 42}, true},
		{"lte equal", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "lte", Value: 42}, true},
		{"contains", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "name", Operator: "contains", Value: "mesh"}, true},
		{"matches", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "name", Operator: "matches", Value: "^flow"}, true},
		{"matches invalid pattern fails closed", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "name", Operator: "matches", Value: "("}, false},
		{"nested field", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "nested.score", Operator: "eq", Value: 7}, true},
		{"numeric string coercion", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "count", Operator: "eq", Value: "42"}, true},
		{"non-numeric gt fails closed", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "name", Operator: "gt", Value: 1}, false},
		{"missing field eq fails", &workflow.EdgeCondition{Type: workflow.ConditionValue, Field: "ghost", Operator: "eq", Value: 1}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.Evaluate(tt.cond, output))
		})
	}
}

func TestEvaluateStatus(t *testing.T) {
	e := NewEvaluator(nil)

	cond := &workflow.EdgeCondition{Type: workflow.ConditionStatus, Value: "ok"}
	assert.True(t, e.Evaluate(cond, map[string]interface{}{"status": "ok"}))
	assert.False(t, e.Evaluate(cond, map[string]interface{}{"status": "error"}))
	assert.False(t, e.Evaluate(cond, map[string]interface{}{}))
}

func TestEvaluateExpression(t *testing.T) {
	e := NewEvaluator(nil)
	output := map[string]interface{}{
		"count":  float64(10),
		"status": "ok",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"simple comparison", "count > 5", true},
		{"false comparison", "count < 5", false},
		{"string equality", "status == ok", true},
		{"conjunction", "count >= 10 && status == ok", true},
		{"conjunction short circuit", "count < 10 && status == ok", false},
		{"quoted literal", `status == "ok"`, true},
		{"contains", "status contains k", true},
		{"malformed fails closed", "count >", false},
		{"unsupported operator fails closed", "count ~= 10", false},
		{"empty fails closed", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := &workflow.EdgeCondition{Type: workflow.ConditionExpression, Expression: tt.expr}
			assert.Equal(t, tt.want, e.Evaluate(cond, output))
		})
	}
}

func TestEvaluateUnknownTypeFailsClosed(t *testing.T) {
	e := NewEvaluator(nil)
	cond := &workflow.EdgeCondition{Type: "mystery", Value: 1}
	assert.False(t, e.Evaluate(cond, map[string]interface{}{"status": 1}))
}

func TestNestedValue(t *testing.T) {
	data := map[string]interface{}{
		"a": map[string]interface{}{
			"b": map[string]interface{}{"c": "deep"},
		},
		"list": []interface{}{"zero", "one"},
	}

	assert.Equal(t, "deep", NestedValue(data, "a.b.c"))
	assert.Equal(t, "one", NestedValue(data, "list[1]"))
	assert.Nil(t, NestedValue(data, "a.missing"))
	assert.Nil(t, NestedValue(data, "list[9]"))
	assert.Nil(t, NestedValue(data, "a.b.c.d"))
}
