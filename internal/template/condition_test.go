package template

import "testing"

func TestConditionEvaluatorEmptyIsTrue(t *testing.T) {
	e := NewConditionEvaluator()
	ok, err := e.Evaluate("", Outputs{})
	if err != nil || !ok {
		t.Fatalf("expected true, nil; got %v, %v", ok, err)
	}
}

func TestConditionEvaluatorTrueFalse(t *testing.T) {
	e := NewConditionEvaluator()
	outputs := Outputs{"A": map[string]any{"status": "ok"}}

	ok, err := e.Evaluate(`A.status == "ok"`, outputs)
	if err != nil || !ok {
		t.Fatalf("expected true, nil; got %v, %v", ok, err)
	}

	ok, err = e.Evaluate(`A.status == "fail"`, outputs)
	if err != nil || ok {
		t.Fatalf("expected false, nil; got %v, %v", ok, err)
	}
}

func TestConditionEvaluatorCachesCompiledProgram(t *testing.T) {
	e := NewConditionEvaluator()
	outputs := Outputs{"A": map[string]any{"n": float64(5)}}

	for i := 0; i < 3; i++ {
		ok, err := e.Evaluate("A.n > 1", outputs)
		if err != nil || !ok {
			t.Fatalf("unexpected result on iteration %d: %v, %v", i, ok, err)
		}
	}
	if len(e.compiled) != 1 {
		t.Fatalf("expected exactly one cached program, got %d", len(e.compiled))
	}
}

func TestConditionEvaluatorNonBoolErrors(t *testing.T) {
	e := NewConditionEvaluator()
	_, err := e.Evaluate(`"not a bool"`, Outputs{})
	if err == nil {
		t.Fatal("expected error for non-bool expression result")
	}
}
