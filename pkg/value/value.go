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

// Package value defines the closed evaluation domain used by the rule
// engine: the set of types a condition or built-in can produce or consume.
package value

import (
	"fmt"
	"sort"
)

// Kind identifies a Value's underlying representation.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a tagged union over the rule engine's evaluation domain:
// Bool | Int64 | Float64 | String | List<Value> | Map<string,Value> | Null.
// The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value                   { return Value{kind: KindNull} }
func Bool(b bool) Value             { return Value{kind: KindBool, b: b} }
func Int(i int64) Value             { return Value{kind: KindInt, i: i} }
func Float(f float64) Value         { return Value{kind: KindFloat, f: f} }
func String(s string) Value         { return Value{kind: KindString, s: s} }
func List(items []Value) Value      { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value  { return Value{kind: KindMap, m: m} }

func (v Value) Kind() Kind    { return v.kind }
func (v Value) IsNull() bool  { return v.kind == KindNull }

func (v Value) Bool() (bool, bool)              { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool)              { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool)          { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool)             { return v.s, v.kind == KindString }
func (v Value) List() ([]Value, bool)           { return v.list, v.kind == KindList }
func (v Value) Map() (map[string]Value, bool)   { return v.m, v.kind == KindMap }

// Truthy implements the engine's definition of truthiness for condition
// evaluation: null and false are falsy, zero numbers and empty strings are
// falsy, everything else (including empty lists/maps) is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	default:
		return true
	}
}

// AsFloat widens Int/Float to float64 for arithmetic comparisons. ok is
// false for any other kind.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

// Equal implements value equality: numeric kinds compare by numeric value
// across Int/Float, everything else must share a Kind.
func Equal(a, b Value) bool {
	if af, aok := a.AsFloat(); aok {
		if bf, bok := b.AsFloat(); bok {
			return af == bf
		}
	}
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindList:
		if len(a.list) != len(b.list) {
			return false
		}
		for i := range a.list {
			if !Equal(a.list[i], b.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.m) != len(b.m) {
			return false
		}
		for k, av := range a.m {
			bv, ok := b.m[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Compare orders two numeric or string values. ok is false when the
// operands are not comparable (mixed types other than int/float, or
// any non-scalar kind).
func Compare(a, b Value) (int, bool) {
	if af, aok := a.AsFloat(); aok {
		if bf, bok := b.AsFloat(); bok {
			switch {
			case af < bf:
				return -1, true
			case af > bf:
				return 1, true
			default:
				return 0, true
			}
		}
		return 0, false
	}
	if a.kind == KindString && b.kind == KindString {
		switch {
		case a.s < b.s:
			return -1, true
		case a.s > b.s:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

// ToString renders a Value the way the format/to_string builtins do: plain
// text for scalars, JSON-ish for composite kinds.
func (v Value) ToString() string {
	switch v.kind {
	case KindNull:
		return ""
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return v.s
	case KindList:
		parts := make([]string, len(v.list))
		for i, item := range v.list {
			parts[i] = item.ToString()
		}
		return fmt.Sprintf("%v", parts)
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("%v", keys)
	default:
		return ""
	}
}

// FromAny converts a generic JSON-decoded value (as produced by
// encoding/json into interface{}) into a Value.
func FromAny(a any) Value {
	switch t := a.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case int:
		return Int(int64(t))
	case int64:
		return Int(t)
	case float64:
		if t == float64(int64(t)) {
			return Int(int64(t))
		}
		return Float(t)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return List(items)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	default:
		return Null()
	}
}

// ToAny converts a Value back into a generic interface{} tree suitable for
// encoding/json.
func (v Value) ToAny() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}
