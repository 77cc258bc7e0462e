// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradients synthesizes the backward-pass operators of BatchMatMul.
//
// Given the forward operator's def, it emits the ordered list of operator
// defs that compute the gradients of both inputs from the output gradient and
// the original inputs. The synthesis is purely symbolic: it rewrites the
// forward configuration into two more BatchMatMul invocations and never
// inspects tensor values, so it is safe to call concurrently.
//
// For Y = op(A) * op(B), with G the gradient flowing into Y, the
// matrix-calculus identities per (trans_a, trans_b) configuration are:
//
//	trans_a  trans_b  dA       dB
//	0        0        G * Bt   At * G
//	0        1        G * B    Gt * A
//	1        0        B * Gt   A * G
//	1        1        Bt * Gt  Gt * At
//
// Each transpose is realized as a trans_a/trans_b argument on the emitted def,
// never as a materialized transpose.
package gradients

import (
	"github.com/gomlx/batchmatmul/ops"
	"github.com/pkg/errors"
)

// ErrUnsupportedGradient is the error kind returned when a gradient is
// requested for a BatchMatMul operator running with broadcast enabled. There
// is no fallback: the graph-construction request owning the operator fails.
var ErrUnsupportedGradient = errors.New("gradient is not supported for BatchMatMul with broadcast enabled")

// operand identifies a tensor role in a gradient template: one of the forward
// inputs, or the gradient of the forward output.
type operand int

const (
	operandA operand = iota
	operandB
	operandG
)

// gradTemplate is one entry of the dispatch table: the operand order and the
// transpose flags of a synthesized BatchMatMul def.
type gradTemplate struct {
	lhs, rhs       operand
	transA, transB bool
}

// gradDispatch is keyed by the forward operator's (trans_a, trans_b) pair.
// Each entry holds the templates for (dA, dB), in this order -- the gradient
// of the first input is always emitted first.
var gradDispatch = [2][2][2]gradTemplate{
	{ // trans_a=0
		{ // trans_b=0: dA = G * Bt, dB = At * G
			{lhs: operandG, rhs: operandB, transB: true},
			{lhs: operandA, rhs: operandG, transA: true},
		},
		{ // trans_b=1: dA = G * B, dB = Gt * A
			{lhs: operandG, rhs: operandB},
			{lhs: operandG, rhs: operandA, transA: true},
		},
	},
	{ // trans_a=1
		{ // trans_b=0: dA = B * Gt, dB = A * G
			{lhs: operandB, rhs: operandG, transB: true},
			{lhs: operandA, rhs: operandG},
		},
		{ // trans_b=1: dA = Bt * Gt, dB = Gt * At
			{lhs: operandB, rhs: operandG, transA: true, transB: true},
			{lhs: operandG, rhs: operandA, transA: true, transB: true},
		},
	},
}

func boolToIndex(b bool) int {
	if b {
		return 1
	}
	return 0
}

// BatchMatMul synthesizes the gradient defs for the given forward BatchMatMul
// def. It returns exactly two defs: the one producing the gradient of the
// first input, then the one producing the gradient of the second input.
//
// The forward's own arguments are not copied onto the emitted defs: each def
// carries only the transpose flags its template requires, plus use_scratch
// propagated unchanged when the forward carries it.
//
// It fails wrapping ErrUnsupportedGradient when the forward runs with
// broadcast=1, regardless of the transpose flags.
func BatchMatMul(def *ops.OperatorDef) ([]ops.OperatorDef, error) {
	if err := ops.BatchMatMulSchema.CheckDef(def); err != nil {
		return nil, errors.WithMessagef(err, "cannot synthesize gradient for malformed def")
	}
	cfg := ops.ConfigFromDef(def)
	if cfg.Broadcast {
		return nil, errors.Wrapf(ErrUnsupportedGradient,
			"requested gradient for %s(%v -> %v)", def.Type, def.Inputs, def.Outputs)
	}

	names := [3]string{
		operandA: def.Inputs[0],
		operandB: def.Inputs[1],
		operandG: ops.GradientName(def.Outputs[0]),
	}

	grads := make([]ops.OperatorDef, 0, 2)
	templates := gradDispatch[boolToIndex(cfg.TransA)][boolToIndex(cfg.TransB)]
	for inputIdx, tmpl := range templates {
		var args []ops.Argument
		if tmpl.transA {
			args = append(args, ops.Arg(ops.ArgTransA, 1))
		}
		if tmpl.transB {
			args = append(args, ops.Arg(ops.ArgTransB, 1))
		}
		if def.HasArg(ops.ArgUseScratch) {
			args = append(args, ops.Arg(ops.ArgUseScratch, def.GetArgInt(ops.ArgUseScratch, 1)))
		}
		grads = append(grads, ops.NewDef(
			ops.BatchMatMul,
			[]string{names[tmpl.lhs], names[tmpl.rhs]},
			[]string{ops.GradientName(def.Inputs[inputIdx])},
			args...))
	}
	return grads, nil
}
