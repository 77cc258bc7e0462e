// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec executes the BatchMatMul operator on concrete buffers.
//
// The kernel itself is thin: it validates the inputs through the static
// shape-inference pass, then iterates the batch indices in row-major order
// and hands each pair of 2-D matrix slices to the external dense matmul
// primitive (gonum's BLAS Gemm), honoring the transpose flags.
//
// The batch slices are independent, with disjoint output writes, so the loop
// is parallelized across batch indices when the batch is large enough. There
// is no ordering requirement across batches.
package exec

import (
	"sync"

	"github.com/gomlx/batchmatmul/internal/workerspool"
	"github.com/gomlx/batchmatmul/ops"
	"github.com/gomlx/batchmatmul/shapeinference"
	"github.com/gomlx/batchmatmul/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"k8s.io/klog/v2"
)

// ErrCompute is the error kind returned when the underlying dense-multiply
// primitive fails, or when no kernel exists for the buffers' data type. Use
// errors.Is to test for it.
var ErrCompute = errors.New("BatchMatMul kernel failed")

var (
	// pool runs the parallel batch loop. Its parallelism can be adjusted with
	// SetMaxParallelism.
	pool = workerspool.New()

	// minParallelBatches and minParallelWorkPerSlice gate the parallel batch
	// loop: tiny multiplications are cheaper sequentially.
	minParallelBatches      = 4
	minParallelWorkPerSlice = 1 << 12 // m*n*k elements per batch slice.
)

// SetMaxParallelism adjusts the parallelism of the batch loop: 0 disables it,
// -1 makes it unlimited. Only call it while no execution is in flight.
func SetMaxParallelism(maxParallelism int) {
	pool.SetMaxParallelism(maxParallelism)
}

// plan holds the batched execution geometry derived from the input shapes:
// physical per-slice layouts, batch counts and the effective (M, K, N) of the
// multiplication after the conceptual transposes.
type plan struct {
	output                             shapes.Shape
	batch, lhsBatch, rhsBatch          int
	lhsRows, lhsCols, rhsRows, rhsCols int
	m, n, k                            int
	transA, transB                     bool
}

func sizeOf(dims []int) int {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

// buildPlan validates the input shapes through shape inference and derives
// the execution geometry. Shape failures surface as shapeinference.ErrShape.
func buildPlan(lhs, rhs shapes.Shape, cfg ops.Config) (p plan, err error) {
	p.output, err = shapeinference.BatchMatMulOp(lhs, rhs, cfg.TransA, cfg.TransB, cfg.Broadcast)
	if err != nil {
		return
	}

	lhsDims := lhs.Dimensions
	rhsDims := rhs.Dimensions
	if cfg.Broadcast {
		// Physical layout of promoted 1-D operands: a row matrix for A, a
		// column matrix for B -- same promotion as shape inference.
		if len(lhsDims) == 1 {
			lhsDims = []int{1, lhsDims[0]}
		}
		if len(rhsDims) == 1 {
			rhsDims = []int{rhsDims[0], 1}
		}
	}
	p.lhsRows, p.lhsCols = lhsDims[len(lhsDims)-2], lhsDims[len(lhsDims)-1]
	p.rhsRows, p.rhsCols = rhsDims[len(rhsDims)-2], rhsDims[len(rhsDims)-1]
	p.lhsBatch = sizeOf(lhsDims[:len(lhsDims)-2])
	p.rhsBatch = sizeOf(rhsDims[:len(rhsDims)-2])

	p.transA, p.transB = cfg.TransA, cfg.TransB
	p.m, p.k = p.lhsRows, p.lhsCols
	if cfg.TransA {
		p.m, p.k = p.k, p.m
	}
	p.n = p.rhsCols
	if cfg.TransB {
		p.n = p.rhsRows
	}

	// Every output batch slice holds m*n elements, also when a promoted axis
	// was dropped from the output shape (then that side of the slice is 1).
	p.batch = p.output.Size() / (p.m * p.n)
	return
}

// BatchMatMul computes Y = op(A) * op(B) per batch slice and returns the
// freshly allocated output buffer. On failure no output is committed.
//
// In broadcast mode, the operand with the shorter batch prefix is cycled: its
// slices are reused modulo its own batch count.
func BatchMatMul(lhs, rhs *Buffer, cfg ops.Config) (*Buffer, error) {
	p, err := buildPlan(lhs.shape, rhs.shape, cfg)
	if err != nil {
		return nil, err
	}
	output := NewBuffer(p.output)
	switch dtype := lhs.shape.DType; dtype {
	case dtypes.Float32:
		err = runBatches(&p, gemm32(FlatAs[float32](lhs), FlatAs[float32](rhs), FlatAs[float32](output), &p))
	case dtypes.Float64:
		err = runBatches(&p, gemm64(FlatAs[float64](lhs), FlatAs[float64](rhs), FlatAs[float64](output), &p))
	case dtypes.Float16:
		err = execFloat16(lhs, rhs, output, &p)
	default:
		return nil, errors.Wrapf(ErrCompute, "BatchMatMul has no kernel for dtype %s", dtype)
	}
	if err != nil {
		return nil, err
	}
	return output, nil
}

// Exec runs the BatchMatMul operator described by def on the given input
// buffers. This is the entry point a graph-execution framework dispatches to.
func Exec(def *ops.OperatorDef, inputs []*Buffer) (*Buffer, error) {
	if err := ops.BatchMatMulSchema.CheckDef(def); err != nil {
		return nil, errors.WithMessagef(err, "cannot execute def")
	}
	if len(inputs) != ops.BatchMatMulSchema.NumInputs {
		return nil, errors.Errorf("BatchMatMul requires %d input buffers, got %d",
			ops.BatchMatMulSchema.NumInputs, len(inputs))
	}
	return BatchMatMul(inputs[0], inputs[1], ops.ConfigFromDef(def))
}

// runBatches covers every batch index exactly once, in parallel when the
// work is worth it. Panics from the dense primitive (e.g. invalid strides)
// are converted to ErrCompute.
func runBatches(p *plan, kernel func(batch int)) error {
	var firstErr error
	var once sync.Once
	guarded := func(batch int) {
		if exception := exceptions.Try(func() { kernel(batch) }); exception != nil {
			once.Do(func() {
				firstErr = errors.Wrapf(ErrCompute,
					"dense matmul primitive failed for batch %d of [%d,%d]x[%d,%d]: %v",
					batch, p.m, p.k, p.k, p.n, exception)
			})
		}
	}

	if pool.IsEnabled() && p.batch >= minParallelBatches && p.m*p.n*p.k >= minParallelWorkPerSlice {
		klog.V(2).Infof("BatchMatMul: running %d batches of [%d,%d]x[%d,%d] in parallel (max parallelism %d)",
			p.batch, p.m, p.k, p.k, p.n, pool.MaxParallelism())
		pool.Parallelize(p.batch, guarded)
		return firstErr
	}
	for batch := 0; batch < p.batch && firstErr == nil; batch++ {
		guarded(batch)
	}
	return firstErr
}

// gemm32 returns the per-batch kernel for float32 buffers: it wraps the 2-D
// slices at the batch's base offsets and calls the BLAS Gemm primitive.
func gemm32(lhsFlat, rhsFlat, outFlat []float32, p *plan) func(batch int) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if p.transA {
		tA = blas.Trans
	}
	if p.transB {
		tB = blas.Trans
	}
	lhsSlice := p.lhsRows * p.lhsCols
	rhsSlice := p.rhsRows * p.rhsCols
	outSlice := p.m * p.n
	return func(batch int) {
		lhsOff := (batch % p.lhsBatch) * lhsSlice
		rhsOff := (batch % p.rhsBatch) * rhsSlice
		outOff := batch * outSlice
		a := blas32.General{Rows: p.lhsRows, Cols: p.lhsCols, Stride: p.lhsCols, Data: lhsFlat[lhsOff : lhsOff+lhsSlice]}
		b := blas32.General{Rows: p.rhsRows, Cols: p.rhsCols, Stride: p.rhsCols, Data: rhsFlat[rhsOff : rhsOff+rhsSlice]}
		c := blas32.General{Rows: p.m, Cols: p.n, Stride: p.n, Data: outFlat[outOff : outOff+outSlice]}
		blas32.Gemm(tA, tB, 1, a, b, 0, c)
	}
}

// gemm64 is the float64 counterpart of gemm32.
func gemm64(lhsFlat, rhsFlat, outFlat []float64, p *plan) func(batch int) {
	tA, tB := blas.NoTrans, blas.NoTrans
	if p.transA {
		tA = blas.Trans
	}
	if p.transB {
		tB = blas.Trans
	}
	lhsSlice := p.lhsRows * p.lhsCols
	rhsSlice := p.rhsRows * p.rhsCols
	outSlice := p.m * p.n
	return func(batch int) {
		lhsOff := (batch % p.lhsBatch) * lhsSlice
		rhsOff := (batch % p.rhsBatch) * rhsSlice
		outOff := batch * outSlice
		a := blas64.General{Rows: p.lhsRows, Cols: p.lhsCols, Stride: p.lhsCols, Data: lhsFlat[lhsOff : lhsOff+lhsSlice]}
		b := blas64.General{Rows: p.rhsRows, Cols: p.rhsCols, Stride: p.rhsCols, Data: rhsFlat[rhsOff : rhsOff+rhsSlice]}
		c := blas64.General{Rows: p.m, Cols: p.n, Stride: p.n, Data: outFlat[outOff : outOff+outSlice]}
		blas64.Gemm(tA, tB, 1, a, b, 0, c)
	}
}

// execFloat16 multiplies float16 buffers by converting to float32, running
// the float32 kernel and converting back. Accumulating in float32 avoids the
// numeric issues of summing in small precision types.
func execFloat16(lhs, rhs, output *Buffer, p *plan) error {
	lhs32 := float16ToFloat32(FlatAs[float16.Float16](lhs))
	rhs32 := float16ToFloat32(FlatAs[float16.Float16](rhs))
	out32 := make([]float32, output.shape.Size())
	if err := runBatches(p, gemm32(lhs32, rhs32, out32, p)); err != nil {
		return err
	}
	outFlat := FlatAs[float16.Float16](output)
	for ii, value := range out32 {
		outFlat[ii] = float16.Fromfloat32(value)
	}
	return nil
}

func float16ToFloat32(flat []float16.Float16) []float32 {
	converted := make([]float32, len(flat))
	for ii, value := range flat {
		converted[ii] = value.Float32()
	}
	return converted
}
