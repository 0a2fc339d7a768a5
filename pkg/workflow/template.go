// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"encoding/json"
	"strconv"
	"strings"
)

// TemplateContext is everything a chain step's payload_template may
// reference: the origin action, the previous step's response body,
// every prior step's response body by name, and the chain's own
// identity.
type TemplateContext struct {
	OriginNamespace  string
	OriginTenant     string
	OriginActionType string
	OriginProvider   string
	OriginID         string
	OriginPayload    any // decoded JSON
	OriginMetadata   map[string]string

	PrevBody any // decoded JSON, nil before the first step

	StepBodies map[string]any // step name -> decoded JSON response body

	ChainID   string
	StepIndex int
}

// ResolveTemplate walks raw (a JSON value, typically an object) and
// resolves every {{expr}} it finds in string leaves. A string that is
// entirely one {{expr}} is replaced by the referenced value verbatim,
// preserving its JSON type (number stays a number, object stays an
// object). A string containing other text alongside {{expr}} has each
// reference substituted inline as its string form. Missing paths
// resolve to null (the zero value, which renders as "" inline).
func ResolveTemplate(raw json.RawMessage, ctx TemplateContext) (json.RawMessage, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	resolved := resolveValue(v, ctx)
	return json.Marshal(resolved)
}

func resolveValue(v any, ctx TemplateContext) any {
	switch t := v.(type) {
	case string:
		return resolveString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = resolveValue(val, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = resolveValue(val, ctx)
		}
		return out
	default:
		return t
	}
}

// resolveString implements the whole-string-vs-inline rule.
func resolveString(s string, ctx TemplateContext) any {
	if expr, ok := wholeExpr(s); ok {
		return lookup(expr, ctx)
	}

	var b strings.Builder
	rest := s
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start
		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])
		b.WriteString(toInlineString(lookup(expr, ctx)))
		rest = rest[end+2:]
	}
	return b.String()
}

// wholeExpr reports whether s is exactly one {{expr}} with nothing
// else around it, returning the trimmed expression.
func wholeExpr(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return "", false
	}
	inner := s[2 : len(s)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

func toInlineString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// lookup resolves one dotted reference against ctx. Unknown paths,
// including traversal through a non-object, return nil.
func lookup(expr string, ctx TemplateContext) any {
	parts := strings.Split(expr, ".")
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "chain_id":
		return ctx.ChainID
	case "step_index":
		return ctx.StepIndex
	case "origin":
		return lookupOrigin(parts[1:], ctx)
	case "prev":
		if len(parts) >= 2 && parts[1] == "body" {
			return dig(ctx.PrevBody, parts[2:])
		}
		return nil
	case "steps":
		if len(parts) >= 3 && parts[2] == "body" {
			body, ok := ctx.StepBodies[parts[1]]
			if !ok {
				return nil
			}
			return dig(body, parts[3:])
		}
		return nil
	default:
		return nil
	}
}

func lookupOrigin(parts []string, ctx TemplateContext) any {
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "namespace":
		return ctx.OriginNamespace
	case "tenant":
		return ctx.OriginTenant
	case "action_type":
		return ctx.OriginActionType
	case "provider":
		return ctx.OriginProvider
	case "id":
		return ctx.OriginID
	case "payload":
		return dig(ctx.OriginPayload, parts[1:])
	case "metadata":
		if len(parts) < 2 {
			return nil
		}
		v, ok := ctx.OriginMetadata[parts[1]]
		if !ok {
			return nil
		}
		return v
	default:
		return nil
	}
}

// dig walks a decoded-JSON value by a sequence of map keys or list
// indexes, returning nil on any missing or type-mismatched step.
func dig(v any, path []string) any {
	cur := v
	for _, p := range path {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[p]
			if !ok {
				return nil
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(p)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil
			}
			cur = t[idx]
		default:
			return nil
		}
	}
	return cur
}
