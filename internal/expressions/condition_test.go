package expressions

import (
	"context"
	"testing"
)

func newEvaluator(t *testing.T) *ConditionEvaluator {
	t.Helper()
	c, err := NewConditionEvaluator()
	if err != nil {
		t.Fatalf("NewConditionEvaluator: %v", err)
	}
	return c
}

func TestEvalBoolEmptyIsTrue(t *testing.T) {
	c := newEvaluator(t)
	ok, err := c.EvalBool(context.Background(), "  ", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("empty condition should be true")
	}
}

func TestEvalBoolCEL(t *testing.T) {
	c := newEvaluator(t)
	data := map[string]any{
		"inputs": map[string]any{"mode": "prod", "count": 5},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`inputs.mode == "prod"`, true},
		{`inputs.mode == "dev"`, false},
		{`inputs.count > 3`, true},
		{`"missing" in inputs`, false},
	}
	for _, tc := range cases {
		got, err := c.EvalBool(context.Background(), tc.expr, data)
		if err != nil {
			t.Fatalf("EvalBool(%q): %v", tc.expr, err)
		}
		if got != tc.want {
			t.Errorf("EvalBool(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalBoolExprPrefix(t *testing.T) {
	c := newEvaluator(t)
	data := map[string]any{
		"inputs": map[string]any{"sensors": []any{"cam-1", "cam-2"}},
	}

	got, err := c.EvalBool(context.Background(), `expr: len(inputs.sensors) == 2`, data)
	if err != nil {
		t.Fatalf("EvalBool: %v", err)
	}
	if !got {
		t.Error("expected true")
	}
}

func TestEvalBoolNonBoolean(t *testing.T) {
	c := newEvaluator(t)
	_, err := c.EvalBool(context.Background(), `inputs`, map[string]any{
		"inputs": map[string]any{"a": 1},
	})
	if err == nil {
		t.Fatal("expected error for non-boolean result")
	}
}

func TestEvalBoolCompileError(t *testing.T) {
	c := newEvaluator(t)
	_, err := c.EvalBool(context.Background(), `inputs.mode ==`, nil)
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestGoJQEngineSingleAndMultiple(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"readings": []any{
			map[string]any{"id": "a", "speed": 42.0},
			map[string]any{"id": "b", "speed": 17.0},
		},
	}

	out, err := e.Evaluate(context.Background(), `.readings | length`, data)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if n, ok := out.(int); !ok || n != 2 {
		t.Errorf("length = %v, want 2", out)
	}

	out, err = e.Evaluate(context.Background(), `.readings[].id`, data)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	ids, ok := out.([]any)
	if !ok || len(ids) != 2 {
		t.Fatalf("ids = %v, want two results", out)
	}
}

func TestGoJQEngineParseError(t *testing.T) {
	e := NewGoJQEngine()
	if _, err := e.Evaluate(context.Background(), `.[|`, nil); err == nil {
		t.Fatal("expected parse error")
	}
}
