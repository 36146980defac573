// Package template resolves "{{node_id.path}}" placeholders in a node's
// config against the outputs of its upstream dependencies, and evaluates an
// optional boolean condition expression against the same outputs.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches {{node_id.path}} where path is a dot-separated
// sequence of identifier-like segments. Whitespace around the token is
// tolerated, matching the original "{{ node.field }}" convention.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_\-]+)((?:\.[A-Za-z0-9_\-]+)*)\s*\}\}`)

// UnresolvedError is returned when a placeholder names an upstream node or
// path segment that is not present in outputs.
type UnresolvedError struct {
	Token string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("template_unresolved: %s", e.Token)
}

// Outputs is the upstream-output environment templates and conditions are
// resolved against: node id -> decoded output value.
type Outputs map[string]any

// ResolveConfig walks config (a JSON tree) and substitutes every
// "{{node_id.path}}" occurrence found in string leaves. When a string leaf
// is exactly one placeholder, the resolved value replaces the leaf with its
// original JSON type preserved; otherwise the resolved value is stringified
// and substituted in place.
func ResolveConfig(config json.RawMessage, outputs Outputs) (json.RawMessage, error) {
	if len(config) == 0 {
		return config, nil
	}

	var tree any
	if err := json.Unmarshal(config, &tree); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolved, err := resolveValue(tree, outputs)
	if err != nil {
		return nil, err
	}

	out, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode resolved config: %w", err)
	}
	return out, nil
}

func resolveValue(value any, outputs Outputs) (any, error) {
	switch v := value.(type) {
	case string:
		return resolveString(v, outputs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolvedChild, err := resolveValue(child, outputs)
			if err != nil {
				return nil, err
			}
			out[k] = resolvedChild
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolvedChild, err := resolveValue(child, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = resolvedChild
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, outputs Outputs) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A string leaf that is exactly one whole-string placeholder preserves
	// the looked-up value's JSON type instead of being stringified.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		m := matches[0]
		nodeID := s[m[2]:m[3]]
		path := s[m[4]:m[5]]
		val, err := lookup(nodeID, path, outputs)
		if err != nil {
			return nil, err
		}
		return val, nil
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		nodeID := s[m[2]:m[3]]
		path := s[m[4]:m[5]]
		val, err := lookup(nodeID, path, outputs)
		if err != nil {
			return nil, err
		}
		sb.WriteString(stringify(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func lookup(nodeID, dottedPath string, outputs Outputs) (any, error) {
	token := "{{" + nodeID + dottedPath + "}}"

	cur, ok := outputs[nodeID]
	if !ok {
		return nil, &UnresolvedError{Token: token}
	}

	segments := strings.Split(strings.TrimPrefix(dottedPath, "."), ".")
	if len(segments) == 1 && segments[0] == "" {
		return cur, nil
	}

	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &UnresolvedError{Token: token}
		}
		next, ok := m[seg]
		if !ok {
			return nil, &UnresolvedError{Token: token}
		}
		cur = next
	}
	return cur, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// DecodeOutputs unmarshals a map of raw JSON outputs (as kept by the state
// store) into the generic Outputs environment this package resolves against.
func DecodeOutputs(raw map[string]json.RawMessage) (Outputs, error) {
	out := make(Outputs, len(raw))
	for nodeID, msg := range raw {
		var v any
		if len(msg) == 0 {
			out[nodeID] = nil
			continue
		}
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("decode output of %q: %w", nodeID, err)
		}
		out[nodeID] = v
	}
	return out, nil
}
