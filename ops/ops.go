// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ops defines OperatorDef, the symbolic description of one operator
// invocation inside a computation graph, and the helpers to read its
// arguments.
//
// An OperatorDef carries no tensor data: it names its inputs and outputs and
// lists integer-valued arguments. It is what the static shape-inference pass
// (package shapeinference) and the gradient-synthesis pass (package gradients)
// consume, and what the latter produces.
package ops

import (
	"slices"

	"github.com/pkg/errors"
)

// BatchMatMul is the operator type name of the batched matrix multiplication
// operator: Y_i = op(A_i) * op(B_i) over every batch index i, where op(X) is
// X or its transpose, per the trans_a/trans_b arguments.
const BatchMatMul = "BatchMatMul"

// Argument names understood by the BatchMatMul operator.
const (
	// ArgTransA transposes the last two axes of the first operand before
	// multiplying.
	ArgTransA = "trans_a"

	// ArgTransB transposes the last two axes of the second operand before
	// multiplying.
	ArgTransB = "trans_b"

	// ArgBroadcast enables numpy.matmul-style shape broadcasting. Gradient is
	// not supported when broadcasting is enabled.
	ArgBroadcast = "broadcast"

	// ArgUseScratch enables an external scratch-buffer optimization. It is
	// opaque to this operator core, but when present on a forward operator it
	// is propagated to its synthesized gradient operators.
	ArgUseScratch = "use_scratch"
)

// Argument is a named integer argument of an OperatorDef. All BatchMatMul
// arguments are 0/1 flags, so only integer values are supported.
type Argument struct {
	Name string
	I    int64
}

// Arg returns an Argument with the given name and integer value.
func Arg(name string, i int64) Argument {
	return Argument{Name: name, I: i}
}

// OperatorDef is a named operator invocation: the operator type, the ordered
// identifiers of its input and output tensors, and its arguments.
//
// OperatorDefs are plain values with no shared mutable state: the gradient
// synthesizer produces fresh ones, and an external graph rewriter consumes
// them.
type OperatorDef struct {
	Type    string
	Inputs  []string
	Outputs []string
	Args    []Argument
}

// NewDef returns an OperatorDef of the given operator type, input and output
// tensor names and arguments.
func NewDef(opType string, inputs, outputs []string, args ...Argument) OperatorDef {
	return OperatorDef{
		Type:    opType,
		Inputs:  slices.Clone(inputs),
		Outputs: slices.Clone(outputs),
		Args:    slices.Clone(args),
	}
}

// HasArg returns whether the def carries an argument with the given name.
func (def *OperatorDef) HasArg(name string) bool {
	return slices.ContainsFunc(def.Args, func(arg Argument) bool { return arg.Name == name })
}

// GetArgInt returns the integer value of the named argument, or defaultValue
// if the def doesn't carry it.
func (def *OperatorDef) GetArgInt(name string, defaultValue int64) int64 {
	for _, arg := range def.Args {
		if arg.Name == name {
			return arg.I
		}
	}
	return defaultValue
}

// GetArgBool reads the named 0/1 flag argument, or defaultValue if absent.
// Any non-zero value counts as true.
func (def *OperatorDef) GetArgBool(name string, defaultValue bool) bool {
	if !def.HasArg(name) {
		return defaultValue
	}
	return def.GetArgInt(name, 0) != 0
}

// Clone returns a deep copy of the def.
func (def *OperatorDef) Clone() OperatorDef {
	return OperatorDef{
		Type:    def.Type,
		Inputs:  slices.Clone(def.Inputs),
		Outputs: slices.Clone(def.Outputs),
		Args:    slices.Clone(def.Args),
	}
}

// GradientName returns the conventional name of the gradient tensor for the
// tensor with the given name.
func GradientName(name string) string {
	return name + "_grad"
}

// Config holds the decoded configuration of one BatchMatMul operator
// instance. It is read-only for the lifetime of the forward/backward operator
// pair it configures.
type Config struct {
	TransA    bool
	TransB    bool
	Broadcast bool
}

// ConfigFromDef decodes the BatchMatMul configuration flags from the def.
// Absent arguments default to false.
func ConfigFromDef(def *OperatorDef) Config {
	return Config{
		TransA:    def.GetArgBool(ArgTransA, false),
		TransB:    def.GetArgBool(ArgTransB, false),
		Broadcast: def.GetArgBool(ArgBroadcast, false),
	}
}

// Schema is the static signature of an operator type: how many inputs and
// outputs a well-formed def of that type must have.
type Schema struct {
	Type       string
	NumInputs  int
	NumOutputs int
}

// BatchMatMulSchema is the schema of the BatchMatMul operator: exactly two
// inputs (A, B) and one output (Y).
var BatchMatMulSchema = Schema{Type: BatchMatMul, NumInputs: 2, NumOutputs: 1}

// CheckDef validates the def against the schema: operator type, input and
// output counts, and that every tensor name is non-empty.
func (s Schema) CheckDef(def *OperatorDef) error {
	if def.Type != s.Type {
		return errors.Errorf("operator type %q doesn't match schema for %q", def.Type, s.Type)
	}
	if len(def.Inputs) != s.NumInputs {
		return errors.Errorf("operator %s requires %d inputs, def has %d (%v)",
			s.Type, s.NumInputs, len(def.Inputs), def.Inputs)
	}
	if len(def.Outputs) != s.NumOutputs {
		return errors.Errorf("operator %s requires %d outputs, def has %d (%v)",
			s.Type, s.NumOutputs, len(def.Outputs), def.Outputs)
	}
	for ii, name := range def.Inputs {
		if name == "" {
			return errors.Errorf("operator %s input #%d has an empty tensor name", s.Type, ii)
		}
	}
	for ii, name := range def.Outputs {
		if name == "" {
			return errors.Errorf("operator %s output #%d has an empty tensor name", s.Type, ii)
		}
	}
	return nil
}
