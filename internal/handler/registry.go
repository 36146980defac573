// Package handler holds the handler registry: the mapping from a node's
// handler name to the opaque function the worker invokes, plus the optional
// JSON Schema used to validate a node's resolved config before dispatch.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNotRegistered is returned when a task names a handler the registry does
// not know. Per the worker pipeline, this routes the task directly to the
// dead-letter store with a validation error rather than being retried.
var ErrNotRegistered = errors.New("handler: not registered")

// ErrAlreadyRegistered guards against a registry entry being replaced
// silently at runtime.
var ErrAlreadyRegistered = errors.New("handler: already registered")

// Func is the signature every handler implements: it receives a resolved,
// already-templated config and returns a JSON-serialisable output, or an
// error the worker classifies into the error taxonomy.
type Func func(ctx context.Context, config json.RawMessage) (json.RawMessage, error)

// Entry is a single registered handler.
type Entry struct {
	Name   string
	Fn     Func
	Schema *jsonschema.Schema
}

// Registry resolves handler names to callable entries and validates config
// against a handler's declared schema, if any. Implementations must be safe
// for concurrent use.
type Registry interface {
	// Register adds handler under name with an optional JSON Schema (nil
	// skips config validation for that handler).
	Register(name string, fn Func, schemaJSON json.RawMessage) error
	// Get resolves name to its entry.
	Get(name string) (*Entry, bool)
	// Names returns every registered handler name.
	Names() []string
	// ValidateConfig checks config against the handler's schema, if any.
	// Returns nil when the handler has no schema.
	ValidateConfig(name string, config json.RawMessage) error
}

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*Entry)}
}

func (r *MemoryRegistry) Register(name string, fn Func, schemaJSON json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	entry := &Entry{Name: name, Fn: fn}
	if len(schemaJSON) > 0 {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		resourceName := name + ".json"
		if err := compiler.AddResource(resourceName, strings.NewReader(string(schemaJSON))); err != nil {
			return fmt.Errorf("add schema for %s: %w", name, err)
		}
		schema, err := compiler.Compile(resourceName)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", name, err)
		}
		entry.Schema = schema
	}

	r.entries[name] = entry
	return nil
}

func (r *MemoryRegistry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *MemoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

func (r *MemoryRegistry) ValidateConfig(name string, config json.RawMessage) error {
	entry, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if entry.Schema == nil {
		return nil
	}

	var decoded any
	if len(config) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(config, &decoded); err != nil {
		return fmt.Errorf("decode config for %s: %w", name, err)
	}
	if err := entry.Schema.Validate(decoded); err != nil {
		return fmt.Errorf("config validation failed for %s: %w", name, err)
	}
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
