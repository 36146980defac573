package template

import (
	"encoding/json"
	"testing"
)

func TestResolveConfigScalarPreservesType(t *testing.T) {
	outputs := Outputs{"B": map[string]any{"v": float64(10)}}
	config := json.RawMessage(`{"from_b": "{{B.v}}"}`)

	resolved, err := ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(resolved, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["from_b"] != float64(10) {
		t.Fatalf("expected numeric 10, got %#v (%T)", decoded["from_b"], decoded["from_b"])
	}
}

func TestResolveConfigStringifiesPartialMatch(t *testing.T) {
	outputs := Outputs{"B": map[string]any{"v": float64(10)}, "C": map[string]any{"v": float64(20)}}
	config := json.RawMessage(`{"from_b": "{{B.v}}", "from_c": "{{C.v}}", "mixed": "v={{B.v}}!"}`)

	resolved, err := ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(resolved, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["mixed"] != "v=10!" {
		t.Fatalf("expected stringified substitution, got %#v", decoded["mixed"])
	}
}

func TestResolveConfigUnknownNodeFails(t *testing.T) {
	outputs := Outputs{}
	config := json.RawMessage(`{"x": "{{missing.v}}"}`)

	_, err := ResolveConfig(config, outputs)
	if _, ok := err.(*UnresolvedError); !ok {
		t.Fatalf("expected UnresolvedError, got %v", err)
	}
}

func TestResolveConfigMissingPathFails(t *testing.T) {
	outputs := Outputs{"B": map[string]any{"v": float64(10)}}
	config := json.RawMessage(`{"x": "{{B.missing}}"}`)

	_, err := ResolveConfig(config, outputs)
	if _, ok := err.(*UnresolvedError); !ok {
		t.Fatalf("expected UnresolvedError, got %v", err)
	}
}

func TestResolveConfigNoPlaceholdersIsPure(t *testing.T) {
	outputs := Outputs{"B": map[string]any{"v": float64(10)}}
	config := json.RawMessage(`{"x": "plain", "n": 1}`)

	first, err := ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("expected deterministic resolution, got %s vs %s", first, second)
	}
}

func TestResolveConfigNestedStructures(t *testing.T) {
	outputs := Outputs{"A": map[string]any{"v": float64(1)}}
	config := json.RawMessage(`{"list": ["{{A.v}}", "plain"], "nested": {"k": "{{A.v}}"}}`)

	resolved, err := ResolveConfig(config, outputs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(resolved, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	list := decoded["list"].([]any)
	if list[0] != float64(1) {
		t.Fatalf("expected numeric 1 in list, got %#v", list[0])
	}
	nested := decoded["nested"].(map[string]any)
	if nested["k"] != float64(1) {
		t.Fatalf("expected numeric 1 in nested map, got %#v", nested["k"])
	}
}
