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

package rules

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/penserai/acteon/pkg/value"
)

// TypeError is returned by a builtin when its arguments don't match the
// expected arity or kind. The evaluator classifies it as a rule-engine
// internal error and records it in the trace without halting evaluation.
type TypeError struct {
	Func string
	Msg  string
}

func (e *TypeError) Error() string { return fmt.Sprintf("%s: %s", e.Func, e.Msg) }

type builtinFunc func(args []value.Value, ctx *EvalContext) (value.Value, error)

// builtins is the closed set named in the spec: len, lower, upper,
// contains, starts_with, ends_with, matches, now, duration, format, abs,
// min, max, to_string, to_int. Semantics are carried over function-by-
// function from the original Rust engine's builtins module.
var builtins = map[string]builtinFunc{
	"len":         builtinLen,
	"lower":       builtinLower,
	"upper":       builtinUpper,
	"contains":    builtinContains,
	"starts_with": builtinStartsWith,
	"ends_with":   builtinEndsWith,
	"matches":     builtinMatches,
	"now":         builtinNow,
	"duration":    builtinDuration,
	"format":      builtinFormat,
	"abs":         builtinAbs,
	"min":         builtinMin,
	"max":         builtinMax,
	"to_string":   builtinToString,
	"to_int":      builtinToInt,
}

func builtinLen(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), &TypeError{"len", "expects exactly 1 argument"}
	}
	switch args[0].Kind() {
	case value.KindString:
		s, _ := args[0].Str()
		return value.Int(int64(len(s))), nil
	case value.KindList:
		l, _ := args[0].List()
		return value.Int(int64(len(l))), nil
	case value.KindMap:
		m, _ := args[0].Map()
		return value.Int(int64(len(m))), nil
	default:
		return value.Null(), &TypeError{"len", "expects string, list, or map"}
	}
}

func builtinLower(args []value.Value, _ *EvalContext) (value.Value, error) {
	s, err := stringArg("lower", args)
	if err != nil {
		return value.Null(), err
	}
	return value.String(strings.ToLower(s)), nil
}

func builtinUpper(args []value.Value, _ *EvalContext) (value.Value, error) {
	s, err := stringArg("upper", args)
	if err != nil {
		return value.Null(), err
	}
	return value.String(strings.ToUpper(s)), nil
}

// contains(haystack, needle) supports string-in-string and value-in-list.
func builtinContains(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 2 {
		return value.Null(), &TypeError{"contains", "expects exactly 2 arguments"}
	}
	switch args[0].Kind() {
	case value.KindString:
		haystack, _ := args[0].Str()
		needle, ok := args[1].Str()
		if !ok {
			return value.Null(), &TypeError{"contains", "needle must be a string when haystack is a string"}
		}
		return value.Bool(strings.Contains(haystack, needle)), nil
	case value.KindList:
		items, _ := args[0].List()
		for _, item := range items {
			if value.Equal(item, args[1]) {
				return value.Bool(true), nil
			}
		}
		return value.Bool(false), nil
	default:
		return value.Null(), &TypeError{"contains", "expects string or list as first argument"}
	}
}

func builtinStartsWith(args []value.Value, _ *EvalContext) (value.Value, error) {
	a, b, err := stringPair("starts_with", args)
	if err != nil {
		return value.Null(), err
	}
	return value.Bool(strings.HasPrefix(a, b)), nil
}

func builtinEndsWith(args []value.Value, _ *EvalContext) (value.Value, error) {
	a, b, err := stringPair("ends_with", args)
	if err != nil {
		return value.Null(), err
	}
	return value.Bool(strings.HasSuffix(a, b)), nil
}

func builtinMatches(args []value.Value, ctx *EvalContext) (value.Value, error) {
	s, pattern, err := stringPair("matches", args)
	if err != nil {
		return value.Null(), err
	}
	re, err := ctx.regexCache.compile(pattern)
	if err != nil {
		return value.Null(), &TypeError{"matches", "invalid regex: " + err.Error()}
	}
	return value.Bool(re.MatchString(s)), nil
}

func builtinNow(args []value.Value, ctx *EvalContext) (value.Value, error) {
	if len(args) != 0 {
		return value.Null(), &TypeError{"now", "expects no arguments"}
	}
	return value.Int(ctx.Now.Unix()), nil
}

// duration is an identity numeric conversion to seconds, matching the
// original engine's treatment of duration literals as plain numbers.
func builtinDuration(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), &TypeError{"duration", "expects exactly 1 argument"}
	}
	f, ok := args[0].AsFloat()
	if !ok {
		return value.Null(), &TypeError{"duration", "expects a numeric argument"}
	}
	return value.Float(f), nil
}

// format supports positional "{}" placeholders, filled left to right.
func builtinFormat(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) == 0 {
		return value.Null(), &TypeError{"format", "expects at least 1 argument"}
	}
	tmpl, ok := args[0].Str()
	if !ok {
		return value.Null(), &TypeError{"format", "first argument must be a string template"}
	}
	rest := args[1:]
	var b strings.Builder
	argIdx := 0
	for i := 0; i < len(tmpl); i++ {
		if tmpl[i] == '{' && i+1 < len(tmpl) && tmpl[i+1] == '}' {
			if argIdx < len(rest) {
				b.WriteString(rest[argIdx].ToString())
				argIdx++
			}
			i++
			continue
		}
		b.WriteByte(tmpl[i])
	}
	return value.String(b.String()), nil
}

func builtinAbs(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), &TypeError{"abs", "expects exactly 1 argument"}
	}
	if i, ok := args[0].Int(); ok {
		if i < 0 {
			i = -i
		}
		return value.Int(i), nil
	}
	if f, ok := args[0].Float(); ok {
		if f < 0 {
			f = -f
		}
		return value.Float(f), nil
	}
	return value.Null(), &TypeError{"abs", "expects a numeric argument"}
}

func builtinMin(args []value.Value, _ *EvalContext) (value.Value, error) {
	return numericFold("min", args, func(a, b float64) bool { return a < b })
}

func builtinMax(args []value.Value, _ *EvalContext) (value.Value, error) {
	return numericFold("max", args, func(a, b float64) bool { return a > b })
}

func numericFold(name string, args []value.Value, better func(a, b float64) bool) (value.Value, error) {
	if len(args) == 0 {
		return value.Null(), &TypeError{name, "expects at least 1 argument"}
	}
	best := args[0]
	bestF, ok := best.AsFloat()
	if !ok {
		return value.Null(), &TypeError{name, "expects numeric arguments"}
	}
	for _, a := range args[1:] {
		f, ok := a.AsFloat()
		if !ok {
			return value.Null(), &TypeError{name, "expects numeric arguments"}
		}
		if better(f, bestF) {
			best, bestF = a, f
		}
	}
	return best, nil
}

func builtinToString(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), &TypeError{"to_string", "expects exactly 1 argument"}
	}
	return value.String(args[0].ToString()), nil
}

func builtinToInt(args []value.Value, _ *EvalContext) (value.Value, error) {
	if len(args) != 1 {
		return value.Null(), &TypeError{"to_int", "expects exactly 1 argument"}
	}
	switch args[0].Kind() {
	case value.KindInt:
		i, _ := args[0].Int()
		return value.Int(i), nil
	case value.KindFloat:
		f, _ := args[0].Float()
		return value.Int(int64(f)), nil
	case value.KindString:
		s, _ := args[0].Str()
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return value.Null(), &TypeError{"to_int", "cannot parse %q as int: " + err.Error()}
		}
		return value.Int(i), nil
	default:
		return value.Null(), &TypeError{"to_int", "expects string or numeric argument"}
	}
}

func stringArg(name string, args []value.Value) (string, error) {
	if len(args) != 1 {
		return "", &TypeError{name, "expects exactly 1 argument"}
	}
	s, ok := args[0].Str()
	if !ok {
		return "", &TypeError{name, "expects a string argument"}
	}
	return s, nil
}

func stringPair(name string, args []value.Value) (string, string, error) {
	if len(args) != 2 {
		return "", "", &TypeError{name, "expects exactly 2 arguments"}
	}
	a, ok := args[0].Str()
	if !ok {
		return "", "", &TypeError{name, "first argument must be a string"}
	}
	b, ok := args[1].Str()
	if !ok {
		return "", "", &TypeError{name, "second argument must be a string"}
	}
	return a, b, nil
}
