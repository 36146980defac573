package handler

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.Register("echo", Echo, nil); err != nil {
		t.Fatalf("register: %v", err)
	}

	entry, ok := reg.Get("echo")
	if !ok {
		t.Fatal("expected echo to be registered")
	}
	out, err := entry.Fn(context.Background(), json.RawMessage(`{"v":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(out) != `{"v":1}` {
		t.Fatalf("expected echoed config, got %s", out)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.Register("echo", Echo, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("echo", Echo, nil); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestValidateConfigUnregisteredHandler(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := reg.ValidateConfig("ghost", nil); err == nil {
		t.Fatal("expected error for unregistered handler")
	}
}

func TestValidateConfigAgainstSchema(t *testing.T) {
	reg := NewMemoryRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"url": {"type": "string"}},
		"required": ["url"]
	}`)
	if err := reg.Register("fetch", Echo, schema); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.ValidateConfig("fetch", json.RawMessage(`{"url": "http://x"}`)); err != nil {
		t.Fatalf("expected valid config to pass, got %v", err)
	}
	if err := reg.ValidateConfig("fetch", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestRegisterBuiltins(t *testing.T) {
	reg := NewMemoryRegistry()
	if err := RegisterBuiltins(reg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{"echo", "fail-always", "sleep"} {
		if _, ok := reg.Get(name); !ok {
			t.Fatalf("expected %s to be registered", name)
		}
	}

	entry, _ := reg.Get("fail-always")
	if _, err := entry.Fn(context.Background(), nil); err == nil {
		t.Fatal("expected fail-always to return an error")
	}
}
