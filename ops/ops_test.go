// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArgAccessors(t *testing.T) {
	def := NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y"},
		Arg(ArgTransA, 1), Arg(ArgBroadcast, 0))

	require.True(t, def.HasArg(ArgTransA))
	require.True(t, def.HasArg(ArgBroadcast))
	require.False(t, def.HasArg(ArgTransB))

	require.EqualValues(t, 1, def.GetArgInt(ArgTransA, 0))
	require.EqualValues(t, 7, def.GetArgInt(ArgTransB, 7))

	require.True(t, def.GetArgBool(ArgTransA, false))
	require.False(t, def.GetArgBool(ArgBroadcast, true)) // Present with value 0.
	require.False(t, def.GetArgBool(ArgTransB, false))   // Absent, default.
	require.True(t, def.GetArgBool(ArgTransB, true))     // Absent, default.
}

func TestConfigFromDef(t *testing.T) {
	def := NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y"})
	require.Equal(t, Config{}, ConfigFromDef(&def))

	def = NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y"},
		Arg(ArgTransB, 1), Arg(ArgBroadcast, 1))
	require.Equal(t, Config{TransB: true, Broadcast: true}, ConfigFromDef(&def))
}

func TestSchemaCheckDef(t *testing.T) {
	def := NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y"})
	require.NoError(t, BatchMatMulSchema.CheckDef(&def))

	def = NewDef("MatMul", []string{"A", "B"}, []string{"Y"})
	require.Error(t, BatchMatMulSchema.CheckDef(&def))

	def = NewDef(BatchMatMul, []string{"A"}, []string{"Y"})
	require.Error(t, BatchMatMulSchema.CheckDef(&def))

	def = NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y", "Z"})
	require.Error(t, BatchMatMulSchema.CheckDef(&def))

	def = NewDef(BatchMatMul, []string{"A", ""}, []string{"Y"})
	require.Error(t, BatchMatMulSchema.CheckDef(&def))
}

func TestCloneIsDeep(t *testing.T) {
	def := NewDef(BatchMatMul, []string{"A", "B"}, []string{"Y"}, Arg(ArgTransA, 1))
	clone := def.Clone()
	clone.Inputs[0] = "X"
	clone.Args[0].I = 0
	require.Equal(t, "A", def.Inputs[0])
	require.EqualValues(t, 1, def.GetArgInt(ArgTransA, 0))
}

func TestGradientName(t *testing.T) {
	require.Equal(t, "Y_grad", GradientName("Y"))
}
