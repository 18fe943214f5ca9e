// Package tools implements the file, media and web tools served to the agent.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"
)

// object builds a JSON Schema for an arguments object.
func object(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func integer(desc string, def, min, max int) map[string]any {
	s := map[string]any{"type": "integer", "description": desc, "default": def, "minimum": min}
	if max > 0 {
		s["maximum"] = max
	}
	return s
}

func boolean(desc string, def bool) map[string]any {
	return map[string]any{"type": "boolean", "description": desc, "default": def}
}

// Arguments reach handlers already validated, so the getters only apply
// defaults for absent keys.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func intArg(args map[string]any, key string, def int) int {
	if f, ok := args[key].(float64); ok {
		return int(f)
	}
	return def
}

func boolArg(args map[string]any, key string, def bool) bool {
	if b, ok := args[key].(bool); ok {
		return b
	}
	return def
}

// result renders a tool output as indented JSON.
func result(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(b), nil
}

func sorted(names []string) []string {
	sort.Strings(names)
	return names
}
