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

// Package rules implements the dispatch core's rule engine: a closed,
// serializable condition AST (Expr), a closed verdict action union
// (RuleAction), and the evaluator that walks rules in priority order.
//
// The AST is intentionally not a general embedded scripting language: it
// is a small, enumerable tree that round-trips through JSON so a rule can
// be stored, displayed, and replayed in trace mode without re-parsing
// source text.
package rules

import "fmt"

// ExprKind is the closed set of condition-AST node kinds.
type ExprKind string

const (
	ExprLiteral ExprKind = "literal"
	ExprIdent   ExprKind = "ident"
	ExprField   ExprKind = "field"
	ExprIndex   ExprKind = "index"
	ExprUnary   ExprKind = "unary"
	ExprBinary  ExprKind = "binary"
	ExprCall    ExprKind = "call"
)

// Op is the closed set of unary/binary operators.
type Op string

const (
	OpNot Op = "not"
	OpNeg Op = "neg"

	OpAnd Op = "and"
	OpOr  Op = "or"

	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpLt  Op = "lt"
	OpLte Op = "lte"
	OpGt  Op = "gt"
	OpGte Op = "gte"

	OpAdd Op = "add"
	OpSub Op = "sub"
	OpMul Op = "mul"
	OpDiv Op = "div"

	OpContains   Op = "contains"
	OpStartsWith Op = "starts_with"
	OpEndsWith   Op = "ends_with"
	OpMatches    Op = "matches"
)

// Literal holds exactly one of its fields, selected by Kind.
type Literal struct {
	Kind LiteralKind `json:"kind"`
	B    bool        `json:"b,omitempty"`
	I    int64       `json:"i,omitempty"`
	F    float64     `json:"f,omitempty"`
	S    string      `json:"s,omitempty"`
}

type LiteralKind string

const (
	LitBool  LiteralKind = "bool"
	LitInt   LiteralKind = "int"
	LitFloat LiteralKind = "float"
	LitStr   LiteralKind = "string"
	LitNull  LiteralKind = "null"
)

// Expr is a node in the condition AST. Exactly one payload field is set,
// selected by Kind, mirroring ActionOutcome's externally-tagged shape but
// kept as a plain struct here since Expr nests itself recursively and
// doesn't cross the REST boundary as often as ActionOutcome does.
type Expr struct {
	Kind ExprKind `json:"kind"`

	Literal *Literal `json:"literal,omitempty"`
	Name    string   `json:"name,omitempty"` // Ident, Field, Call

	Target *Expr   `json:"target,omitempty"` // Field, Index
	Index  *Expr   `json:"index,omitempty"`  // Index
	Op     Op      `json:"op,omitempty"`     // Unary, Binary
	Left   *Expr   `json:"left,omitempty"`   // Binary
	Right  *Expr   `json:"right,omitempty"`  // Unary (as Right), Binary
	Args   []*Expr `json:"args,omitempty"`   // Call
}

func LitBoolExpr(b bool) *Expr   { return &Expr{Kind: ExprLiteral, Literal: &Literal{Kind: LitBool, B: b}} }
func LitIntExpr(i int64) *Expr   { return &Expr{Kind: ExprLiteral, Literal: &Literal{Kind: LitInt, I: i}} }
func LitFloatExpr(f float64) *Expr {
	return &Expr{Kind: ExprLiteral, Literal: &Literal{Kind: LitFloat, F: f}}
}
func LitStrExpr(s string) *Expr { return &Expr{Kind: ExprLiteral, Literal: &Literal{Kind: LitStr, S: s}} }
func LitNullExpr() *Expr        { return &Expr{Kind: ExprLiteral, Literal: &Literal{Kind: LitNull}} }

func Ident(name string) *Expr { return &Expr{Kind: ExprIdent, Name: name} }

func Field(target *Expr, name string) *Expr {
	return &Expr{Kind: ExprField, Target: target, Name: name}
}

func Index(target, index *Expr) *Expr {
	return &Expr{Kind: ExprIndex, Target: target, Index: index}
}

func Unary(op Op, right *Expr) *Expr { return &Expr{Kind: ExprUnary, Op: op, Right: right} }

func Binary(op Op, left, right *Expr) *Expr {
	return &Expr{Kind: ExprBinary, Op: op, Left: left, Right: right}
}

func Call(name string, args ...*Expr) *Expr {
	return &Expr{Kind: ExprCall, Name: name, Args: args}
}

// Display renders a human-readable form of the expression for trace mode
// and the rules listing endpoint. It is not a parser target.
func (e *Expr) Display() string {
	if e == nil {
		return ""
	}
	switch e.Kind {
	case ExprLiteral:
		switch e.Literal.Kind {
		case LitBool:
			return fmt.Sprintf("%t", e.Literal.B)
		case LitInt:
			return fmt.Sprintf("%d", e.Literal.I)
		case LitFloat:
			return fmt.Sprintf("%g", e.Literal.F)
		case LitStr:
			return fmt.Sprintf("%q", e.Literal.S)
		default:
			return "null"
		}
	case ExprIdent:
		return e.Name
	case ExprField:
		return fmt.Sprintf("%s.%s", e.Target.Display(), e.Name)
	case ExprIndex:
		return fmt.Sprintf("%s[%s]", e.Target.Display(), e.Index.Display())
	case ExprUnary:
		return fmt.Sprintf("%s(%s)", e.Op, e.Right.Display())
	case ExprBinary:
		return fmt.Sprintf("(%s %s %s)", e.Left.Display(), e.Op, e.Right.Display())
	case ExprCall:
		args := make([]string, len(e.Args))
		for i, a := range e.Args {
			args[i] = a.Display()
		}
		return fmt.Sprintf("%s(%v)", e.Name, args)
	default:
		return "?"
	}
}
