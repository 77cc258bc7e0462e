// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapeinference calculates the output shape of the BatchMatMul
// operator and validates its inputs, without executing the multiplication.
//
// It is used twice by a graph-execution framework: at graph-construction time
// to check consistency, and at execution time to size the output buffer before
// any data is read. Both entry points are pure functions, safe to call
// concurrently from multiple graph-construction threads.
//
// The two inference paths:
//
//   - Non-broadcast (the default): both operands must have the same rank >= 2.
//     The leading axes are the batch, the trailing two are the matrix.
//   - Broadcast: numpy.matmul-style in spirit, with the operator's simplified
//     batch rule -- see BatchMatMulOp for the exact semantics.
package shapeinference

import (
	"github.com/gomlx/batchmatmul/ops"
	"github.com/gomlx/batchmatmul/types/shapes"
	"github.com/pkg/errors"
)

// ErrShape is the error kind returned for invalid or incompatible input
// shapes: rank < 2 in non-broadcast mode, mismatched ranks, or a mismatched
// contraction dimension. Use errors.Is to test for it.
var ErrShape = errors.New("invalid shapes for BatchMatMul")

// BatchMatMulOp returns the output shape of Y = op(A) * op(B) applied per
// batch, where op(X) is X or its transpose (of the last two axes) per the
// transA/transB flags.
//
// Non-broadcast mode requires rank(A) == rank(B) >= 2. The output copies A's
// batch dimensions verbatim and replaces the last two axes with (M, N), where
// M is A's row count and N is B's column count after the conceptual
// transposes. The shared contraction dimension K must match between the
// operands. B's batch dimensions are assumed identical to A's and are not
// re-validated.
//
// Broadcast mode additionally accepts 1-D operands: a 1-D A is promoted to a
// row matrix (leading size-1 axis prepended), a 1-D B to a column matrix
// (trailing size-1 axis appended). The promoted axis is dropped again from the
// output; if both operands were 1-D the output gets a single trailing axis of
// dimension 1. The output batch prefix is the longer of the two operands'
// leading-axes prefixes, taken verbatim from that operand. This is NOT full
// NumPy broadcasting -- no pairwise max or size-1 expansion across the batch
// prefixes is performed -- and is kept this way on purpose: consumers depend
// on the narrower rule.
//
// The element data type is carried over from A unchanged. Failures are
// reported wrapping ErrShape.
func BatchMatMulOp(lhs, rhs shapes.Shape, transA, transB, broadcast bool) (output shapes.Shape, err error) {
	if lhs.DType != rhs.DType {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul operands must have the same data type, got A=%s and B=%s", lhs, rhs)
	}
	if broadcast {
		return batchMatMulBroadcast(lhs, rhs, transA, transB)
	}

	ndim := lhs.Rank()
	if ndim < 2 {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul requires operands of rank >= 2 when broadcast is disabled, got A=%s", lhs)
	}
	if rhs.Rank() != ndim {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul requires operands of the same rank when broadcast is disabled, got A=%s and B=%s", lhs, rhs)
	}

	// Row axis of op(A) and column axis of op(B): the transposes are
	// conceptual, we read whichever axis ends up in that position. Each
	// dimension is read from the operand that owns the axis.
	outputRows := lhs.Dim(-2) // M
	lhsContracting := lhs.Dim(-1)
	if transA {
		outputRows, lhsContracting = lhsContracting, outputRows
	}
	outputCols := rhs.Dim(-1) // N
	rhsContracting := rhs.Dim(-2)
	if transB {
		outputCols, rhsContracting = rhsContracting, outputCols
	}
	if lhsContracting != rhsContracting {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul contraction dimensions don't match: op(A) has K=%d, op(B) has K=%d (A=%s, trans_a=%v, B=%s, trans_b=%v)",
			lhsContracting, rhsContracting, lhs, transA, rhs, transB)
	}

	// Batch dimensions are copied verbatim from A. B's batch dimensions are
	// trusted to be identical, as the ranks matched.
	output = lhs.Clone()
	output.Dimensions[ndim-2] = outputRows
	output.Dimensions[ndim-1] = outputCols
	return output, nil
}

// batchMatMulBroadcast implements the broadcast-mode inference path.
func batchMatMulBroadcast(lhs, rhs shapes.Shape, transA, transB bool) (output shapes.Shape, err error) {
	if lhs.Rank() < 1 || rhs.Rank() < 1 {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul in broadcast mode requires operands of rank >= 1, got A=%s and B=%s", lhs, rhs)
	}

	// Promote 1-D operands: A becomes a row matrix, B a column matrix.
	lhsDims := lhs.Dimensions
	rhsDims := rhs.Dimensions
	lhsPromoted, rhsPromoted := false, false
	if len(lhsDims) == 1 {
		lhsDims = []int{1, lhsDims[0]}
		lhsPromoted = true
	}
	if len(rhsDims) == 1 {
		rhsDims = []int{rhsDims[0], 1}
		rhsPromoted = true
	}
	ndimsA := len(lhsDims)
	ndimsB := len(rhsDims)

	outputRows := lhsDims[ndimsA-2] // M
	lhsContracting := lhsDims[ndimsA-1]
	if transA {
		outputRows, lhsContracting = lhsContracting, outputRows
	}
	outputCols := rhsDims[ndimsB-1] // N
	rhsContracting := rhsDims[ndimsB-2]
	if transB {
		outputCols, rhsContracting = rhsContracting, outputCols
	}
	if lhsContracting != rhsContracting {
		return shapes.Invalid(), errors.Wrapf(ErrShape,
			"BatchMatMul contraction dimensions don't match: op(A) has K=%d, op(B) has K=%d (A=%s, trans_a=%v, B=%s, trans_b=%v)",
			lhsContracting, rhsContracting, lhs, transA, rhs, transB)
	}

	// The batch prefix of the output is the longer of the two operands'
	// prefixes, taken verbatim from that operand.
	var newDims []int
	if ndimsA >= ndimsB {
		newDims = append(newDims, lhsDims[:ndimsA-2]...)
	} else {
		newDims = append(newDims, rhsDims[:ndimsB-2]...)
	}
	if !lhsPromoted {
		newDims = append(newDims, outputRows)
	}
	if !rhsPromoted {
		newDims = append(newDims, outputCols)
	}
	if lhsPromoted && rhsPromoted {
		// Batched dot-product of vectors: a single trailing axis of size 1.
		newDims = append(newDims, 1)
	}
	return shapes.Make(lhs.DType, newDims...), nil
}

// InferShapes is the shape-inference entry point consumed by a framework's
// static shape-checking pass: it validates the def against the BatchMatMul
// schema, decodes the configuration and returns the output shapes (always
// exactly one for BatchMatMul).
func InferShapes(def *ops.OperatorDef, inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := ops.BatchMatMulSchema.CheckDef(def); err != nil {
		return nil, errors.Wrapf(ErrShape, "invalid def for shape inference: %v", err)
	}
	if len(inputs) != ops.BatchMatMulSchema.NumInputs {
		return nil, errors.Wrapf(ErrShape,
			"BatchMatMul shape inference requires %d input shapes, got %d",
			ops.BatchMatMulSchema.NumInputs, len(inputs))
	}
	cfg := ops.ConfigFromDef(def)
	output, err := BatchMatMulOp(inputs[0], inputs[1], cfg.TransA, cfg.TransB, cfg.Broadcast)
	if err != nil {
		return nil, err
	}
	return []shapes.Shape{output}, nil
}
