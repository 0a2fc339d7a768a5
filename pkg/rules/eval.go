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
	"github.com/penserai/acteon/pkg/value"
)

// Evaluate walks the condition AST against ctx and returns its Value.
// Errors are TypeErrors from builtins, or "not found"-style nils for
// missing fields (missing paths resolve to Null, never an error).
func Evaluate(e *Expr, ctx *EvalContext) (value.Value, error) {
	if e == nil {
		return value.Null(), nil
	}
	switch e.Kind {
	case ExprLiteral:
		return literalValue(e.Literal), nil
	case ExprIdent:
		return ctx.resolveIdent(e.Name)
	case ExprField:
		return evalField(e, ctx)
	case ExprIndex:
		return evalIndex(e, ctx)
	case ExprUnary:
		return evalUnary(e, ctx)
	case ExprBinary:
		return evalBinary(e, ctx)
	case ExprCall:
		return evalCall(e, ctx)
	default:
		return value.Null(), nil
	}
}

func literalValue(l *Literal) value.Value {
	if l == nil {
		return value.Null()
	}
	switch l.Kind {
	case LitBool:
		return value.Bool(l.B)
	case LitInt:
		return value.Int(l.I)
	case LitFloat:
		return value.Float(l.F)
	case LitStr:
		return value.String(l.S)
	default:
		return value.Null()
	}
}

// isStateKindAccess recognizes the state.{kind} shape: Field(Ident("state"), kind).
func isStateKindAccess(e *Expr) (kind string, ok bool) {
	if e.Kind != ExprField || e.Target == nil {
		return "", false
	}
	if e.Target.Kind == ExprIdent && e.Target.Name == "state" {
		return e.Name, true
	}
	return "", false
}

func evalField(e *Expr, ctx *EvalContext) (value.Value, error) {
	// state.{kind}.{id} expressed as Field(Field(Ident(state), kind), id).
	if kind, ok := isStateKindAccess(e.Target); ok {
		return lookupState(ctx, kind, e.Name)
	}
	target, err := Evaluate(e.Target, ctx)
	if err != nil {
		return value.Null(), err
	}
	m, ok := target.Map()
	if !ok {
		return value.Null(), nil
	}
	v, ok := m[e.Name]
	if !ok {
		return value.Null(), nil
	}
	return v, nil
}

func evalIndex(e *Expr, ctx *EvalContext) (value.Value, error) {
	// state.{kind}["{id}"] expressed as Index(Field(Ident(state), kind), literal).
	if kind, ok := isStateKindAccess(e.Target); ok {
		idx, err := Evaluate(e.Index, ctx)
		if err != nil {
			return value.Null(), err
		}
		id, _ := idx.Str()
		return lookupState(ctx, kind, id)
	}
	target, err := Evaluate(e.Target, ctx)
	if err != nil {
		return value.Null(), err
	}
	idx, err := Evaluate(e.Index, ctx)
	if err != nil {
		return value.Null(), err
	}
	switch target.Kind() {
	case value.KindList:
		items, _ := target.List()
		i, ok := idx.Int()
		if !ok || i < 0 || int(i) >= len(items) {
			return value.Null(), nil
		}
		return items[i], nil
	case value.KindMap:
		m, _ := target.Map()
		key, _ := idx.Str()
		v, ok := m[key]
		if !ok {
			return value.Null(), nil
		}
		return v, nil
	default:
		return value.Null(), nil
	}
}

func lookupState(ctx *EvalContext, kind, id string) (value.Value, error) {
	if ctx.State == nil || ctx.Action == nil {
		return value.Null(), nil
	}
	raw, found, err := ctx.State.Get(ctx.Ctx, ctx.Action.Namespace, ctx.Action.Tenant, kind, id)
	if err != nil {
		return value.Null(), err
	}
	if !found {
		return value.Null(), nil
	}
	return value.String(raw), nil
}

func evalUnary(e *Expr, ctx *EvalContext) (value.Value, error) {
	right, err := Evaluate(e.Right, ctx)
	if err != nil {
		return value.Null(), err
	}
	switch e.Op {
	case OpNot:
		return value.Bool(!right.Truthy()), nil
	case OpNeg:
		if i, ok := right.Int(); ok {
			return value.Int(-i), nil
		}
		if f, ok := right.Float(); ok {
			return value.Float(-f), nil
		}
		return value.Null(), &TypeError{"neg", "expects a numeric operand"}
	default:
		return value.Null(), nil
	}
}

func evalBinary(e *Expr, ctx *EvalContext) (value.Value, error) {
	// Short-circuit and/or.
	if e.Op == OpAnd {
		left, err := Evaluate(e.Left, ctx)
		if err != nil {
			return value.Null(), err
		}
		if !left.Truthy() {
			return value.Bool(false), nil
		}
		right, err := Evaluate(e.Right, ctx)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(right.Truthy()), nil
	}
	if e.Op == OpOr {
		left, err := Evaluate(e.Left, ctx)
		if err != nil {
			return value.Null(), err
		}
		if left.Truthy() {
			return value.Bool(true), nil
		}
		right, err := Evaluate(e.Right, ctx)
		if err != nil {
			return value.Null(), err
		}
		return value.Bool(right.Truthy()), nil
	}

	left, err := Evaluate(e.Left, ctx)
	if err != nil {
		return value.Null(), err
	}
	right, err := Evaluate(e.Right, ctx)
	if err != nil {
		return value.Null(), err
	}

	switch e.Op {
	case OpEq:
		return value.Bool(value.Equal(left, right)), nil
	case OpNeq:
		return value.Bool(!value.Equal(left, right)), nil
	case OpLt, OpLte, OpGt, OpGte:
		cmp, ok := value.Compare(left, right)
		if !ok {
			return value.Null(), &TypeError{string(e.Op), "operands are not comparable"}
		}
		switch e.Op {
		case OpLt:
			return value.Bool(cmp < 0), nil
		case OpLte:
			return value.Bool(cmp <= 0), nil
		case OpGt:
			return value.Bool(cmp > 0), nil
		default:
			return value.Bool(cmp >= 0), nil
		}
	case OpAdd, OpSub, OpMul, OpDiv:
		return arith(e.Op, left, right)
	case OpContains:
		return builtinContains([]value.Value{left, right}, ctx)
	case OpStartsWith:
		return builtinStartsWith([]value.Value{left, right}, ctx)
	case OpEndsWith:
		return builtinEndsWith([]value.Value{left, right}, ctx)
	case OpMatches:
		return builtinMatches([]value.Value{left, right}, ctx)
	default:
		return value.Null(), nil
	}
}

func arith(op Op, left, right value.Value) (value.Value, error) {
	lf, lok := left.AsFloat()
	rf, rok := right.AsFloat()
	if !lok || !rok {
		return value.Null(), &TypeError{string(op), "expects numeric operands"}
	}
	li, liok := left.Int()
	ri, riok := right.Int()
	if liok && riok {
		switch op {
		case OpAdd:
			return value.Int(li + ri), nil
		case OpSub:
			return value.Int(li - ri), nil
		case OpMul:
			return value.Int(li * ri), nil
		case OpDiv:
			if ri == 0 {
				return value.Null(), &TypeError{"div", "division by zero"}
			}
			return value.Int(li / ri), nil
		}
	}
	switch op {
	case OpAdd:
		return value.Float(lf + rf), nil
	case OpSub:
		return value.Float(lf - rf), nil
	case OpMul:
		return value.Float(lf * rf), nil
	case OpDiv:
		if rf == 0 {
			return value.Null(), &TypeError{"div", "division by zero"}
		}
		return value.Float(lf / rf), nil
	}
	return value.Null(), nil
}

func evalCall(e *Expr, ctx *EvalContext) (value.Value, error) {
	fn, ok := builtins[e.Name]
	if !ok {
		return value.Null(), &TypeError{e.Name, "unknown function"}
	}
	args := make([]value.Value, len(e.Args))
	for i, a := range e.Args {
		v, err := Evaluate(a, ctx)
		if err != nil {
			return value.Null(), err
		}
		args[i] = v
	}
	return fn(args, ctx)
}
