// Package format implements the Request Transformer (§4.H) and Conversation
// Repairer (§4.I): rewriting a host-issued generative-language request into
// the upstream's internal wire shape, and repairing the thinking/tool-id
// invariants that shape requires.
package format

import (
	"sort"
	"strings"
)

// placeholderSchema is the one-property stand-in substituted whenever a tool
// schema arrives empty or unrecoverable (§4.H step 3).
func placeholderSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

// schemaAllowlist is the set of JSON Schema keywords the Claude path keeps;
// everything else is dropped rather than risk a rejected request.
var schemaAllowlist = map[string]bool{
	"type": true, "description": true, "properties": true,
	"required": true, "items": true, "enum": true, "title": true,
}

// SanitizeClaudeSchema allowlist-filters a tool parameter schema for the
// Claude path (§4.H step 3): unknown keywords are dropped, const becomes a
// single-value enum, and an object schema left with no properties gets the
// placeholder.
func SanitizeClaudeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderSchema()
	}

	sanitized := make(map[string]interface{})
	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []interface{}{value}
			continue
		}
		if !schemaAllowlist[key] {
			continue
		}
		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				newProps := make(map[string]interface{}, len(props))
				for propKey, propValue := range props {
					if propMap, ok := propValue.(map[string]interface{}); ok {
						newProps[propKey] = SanitizeClaudeSchema(propMap)
					} else {
						newProps[propKey] = propValue
					}
				}
				sanitized["properties"] = newProps
			}
		case "items":
			sanitized["items"] = sanitizeItems(value)
		default:
			if m, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeClaudeSchema(m)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}
	if sanitized["type"] == "object" {
		props, _ := sanitized["properties"].(map[string]interface{})
		if len(props) == 0 {
			placeholder := placeholderSchema()
			sanitized["properties"] = placeholder["properties"]
			sanitized["required"] = placeholder["required"]
		}
	}
	return sanitized
}

func sanitizeItems(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizeClaudeSchema(v)
	case []interface{}:
		out := make([]interface{}, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, SanitizeClaudeSchema(m))
			} else {
				out = append(out, item)
			}
		}
		return out
	default:
		return value
	}
}

// geminiUnsupportedKeywords are JSON Schema keywords the Gemini wire format
// rejects outright; CleanGeminiSchema folds their information into
// description hints (where meaningful) and then strips them (§4.H step 3).
var geminiUnsupportedKeywords = []string{
	"additionalProperties", "default", "$schema", "$defs", "definitions",
	"$ref", "$id", "$comment", "title", "minLength", "maxLength", "pattern",
	"format", "minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
}

// CleanGeminiSchema adapts a tool parameter schema for the Gemini wire
// format (§4.H step 3): $ref/allOf/anyOf are resolved down to a single
// concrete schema (with the discarded detail folded into the description),
// unsupported keywords are stripped, and the surviving "type" values are
// upper-cased to Gemini's protobuf-style enum names.
func CleanGeminiSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	result := copySchemaMap(schema)

	result = resolveRef(result)
	result = foldEnumHint(result)
	result = foldAdditionalPropertiesHint(result)
	result = mergeAllOfSchema(result)
	result = flattenAnyOfOneOfSchema(result)
	result = flattenTypeArray(result)

	for _, kw := range geminiUnsupportedKeywords {
		delete(result, kw)
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		cleanProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if m, ok := value.(map[string]interface{}); ok {
				cleanProps[key] = CleanGeminiSchema(m)
			} else {
				cleanProps[key] = value
			}
		}
		result["properties"] = cleanProps
	}
	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = CleanGeminiSchema(items)
	}

	result["required"] = dropUndeclaredRequired(result)

	if t, ok := result["type"].(string); ok {
		result["type"] = strings.ToUpper(t)
	}
	if len(schema) == 0 || (len(result) == 0) {
		return placeholderSchema()
	}
	return result
}

func copySchemaMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func appendHint(schema map[string]interface{}, hint string) {
	if desc, ok := schema["description"].(string); ok && desc != "" {
		schema["description"] = desc + " (" + hint + ")"
	} else {
		schema["description"] = hint
	}
}

// resolveRef drops an unresolvable local $ref, turning it into a hint rather
// than sending the upstream a reference it cannot follow.
func resolveRef(schema map[string]interface{}) map[string]interface{} {
	ref, ok := schema["$ref"].(string)
	if !ok {
		return schema
	}
	appendHint(schema, "see "+ref)
	return schema
}

func foldEnumHint(schema map[string]interface{}) map[string]interface{} {
	enum, ok := schema["enum"].([]interface{})
	if !ok || len(enum) == 0 {
		return schema
	}
	values := make([]string, 0, len(enum))
	for _, v := range enum {
		if s, ok := v.(string); ok {
			values = append(values, s)
		}
	}
	if len(values) > 0 {
		appendHint(schema, "one of: "+strings.Join(values, ", "))
	}
	return schema
}

func foldAdditionalPropertiesHint(schema map[string]interface{}) map[string]interface{} {
	if ap, ok := schema["additionalProperties"].(bool); ok && !ap {
		appendHint(schema, "no properties beyond those listed")
	}
	return schema
}

// mergeAllOfSchema flattens an allOf array into the schema itself — the Gemini
// wire format has no concept of schema composition.
func mergeAllOfSchema(schema map[string]interface{}) map[string]interface{} {
	allOf, ok := schema["allOf"].([]interface{})
	if !ok {
		return schema
	}
	for _, sub := range allOf {
		subMap, ok := sub.(map[string]interface{})
		if !ok {
			continue
		}
		for k, v := range subMap {
			if k == "properties" {
				existing, _ := schema["properties"].(map[string]interface{})
				merged := copySchemaMap(existing)
				if subProps, ok := v.(map[string]interface{}); ok {
					for pk, pv := range subProps {
						merged[pk] = pv
					}
				}
				schema["properties"] = merged
			} else if _, exists := schema[k]; !exists {
				schema[k] = v
			}
		}
	}
	return schema
}

// flattenAnyOfOneOfSchema picks the richest option (most properties, else first)
// from an anyOf/oneOf array and merges it into the schema — the upstream
// wire format has no union-type concept, so the alternatives collapse to
// one, with the discarded branch count folded into the description.
func flattenAnyOfOneOfSchema(schema map[string]interface{}) map[string]interface{} {
	key := "anyOf"
	options, ok := schema[key].([]interface{})
	if !ok {
		key = "oneOf"
		options, ok = schema[key].([]interface{})
	}
	if !ok || len(options) == 0 {
		return schema
	}

	best := map[string]interface{}{}
	bestScore := -1
	for _, opt := range options {
		optMap, ok := opt.(map[string]interface{})
		if !ok {
			continue
		}
		score := 0
		if props, ok := optMap["properties"].(map[string]interface{}); ok {
			score = len(props)
		}
		if score > bestScore {
			bestScore = score
			best = optMap
		}
	}
	for k, v := range best {
		if _, exists := schema[k]; !exists {
			schema[k] = v
		}
	}
	if len(options) > 1 {
		appendHint(schema, "one of several accepted shapes")
	}
	return schema
}

// flattenTypeArray collapses a nullable `"type": ["string", "null"]` array
// down to the single non-null type, a JSON Schema idiom Gemini's wire
// format does not support.
func flattenTypeArray(schema map[string]interface{}) map[string]interface{} {
	arr, ok := schema["type"].([]interface{})
	if !ok {
		return schema
	}
	for _, t := range arr {
		if s, ok := t.(string); ok && s != "null" {
			schema["type"] = s
			return schema
		}
	}
	schema["type"] = "string"
	return schema
}

func dropUndeclaredRequired(schema map[string]interface{}) interface{} {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	props, _ := schema["properties"].(map[string]interface{})
	out := make([]interface{}, 0, len(required))
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if props == nil {
			continue
		}
		if _, declared := props[name]; declared {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// CleanToolName restricts a tool name to the upstream's accepted alphabet
// and length (§4.H step 3: `[A-Za-z0-9_-]{1,64}`).
func CleanToolName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	cleaned := b.String()
	if cleaned == "" {
		cleaned = "tool"
	}
	if len(cleaned) > 64 {
		cleaned = cleaned[:64]
	}
	return cleaned
}

// TopLevelParamNames lists a schema's top-level property names in stable
// (sorted) order, for the STRICT PARAMETERS hardening line (§4.H step 4).
func TopLevelParamNames(schema map[string]interface{}) []string {
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
