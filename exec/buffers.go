// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"reflect"

	"github.com/gomlx/batchmatmul/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Buffer holds a shape and a reference to the flat data of one tensor.
//
// Buffers are owned by the caller (typically a graph-execution framework):
// the kernel only reads its input buffers and writes the one output buffer it
// allocates, never retaining references beyond a single call.
type Buffer struct {
	shape shapes.Shape

	// flat is always a slice of the underlying data type (shape.DType).
	flat any
}

// NewBuffer creates a zero-initialized buffer of the given shape.
func NewBuffer(shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		exceptions.Panicf("exec.NewBuffer: invalid shape %s", shape)
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	return &Buffer{shape: shape, flat: flat}
}

// FromFlat creates a buffer of the given dimensions wrapping (not copying)
// the flat data. The DType is taken from the slice's element type.
func FromFlat[T dtypes.Supported](flat []T, dimensions ...int) (*Buffer, error) {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("exec.FromFlat: flat data has %d elements, shape %s requires %d",
			len(flat), shape, shape.Size())
	}
	return &Buffer{shape: shape, flat: flat}, nil
}

// Shape of the buffer.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// Flat returns the underlying flat data, a slice of the DType's Go type.
func (b *Buffer) Flat() any { return b.flat }

// FlatAs returns the underlying flat data as a slice of T. It panics (an
// exception) if T doesn't match the buffer's DType.
func FlatAs[T dtypes.Supported](b *Buffer) []T {
	flat, ok := b.flat.([]T)
	if !ok {
		exceptions.Panicf("exec.FlatAs[%s]: buffer holds %s", dtypes.FromGenericsType[T](), b.shape.DType)
	}
	return flat
}
