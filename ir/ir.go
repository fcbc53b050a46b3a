// Copyright 2026 Gradir ML. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package ir exposes the single-block instruction IR the
// differentiation transform operates on: types, values, functions,
// modules, and an appending builder.
//
// Example:
//
//	m := ir.NewModule("demo")
//	v := ir.Vector(2)
//	fn := m.AddFunction("double", ir.NewFunc(
//	    []ir.Param{{Type: v}}, []ir.Result{{Type: v}}))
//	b := ir.NewBuilder(fn)
//	b.Return(b.VAdd(fn.Param(0), fn.Param(0)))
package ir

import (
	"github.com/gradir-ml/gradir/internal/ir"
)

// Core IR entities.
type (
	Module   = ir.Module
	Function = ir.Function
	Block    = ir.Block
	Value    = ir.Value
	Instr    = ir.Instr
	Builder  = ir.Builder
	Witness  = ir.Witness
	Indices  = ir.Indices
)

// Types.
type (
	Type        = ir.Type
	IntType     = ir.IntType
	FloatType   = ir.FloatType
	VectorType  = ir.VectorType
	TupleType   = ir.TupleType
	StructType  = ir.StructType
	StructField = ir.StructField
	FuncType    = ir.FuncType
	Param       = ir.Param
	Result      = ir.Result
)

// Type singletons.
var (
	Int   = ir.Int
	Float = ir.Float
)

// Opcode is the closed set of instruction kinds.
type Opcode = ir.Opcode

// Instruction kinds.
const (
	OpLit                    = ir.OpLit
	OpFunctionRef            = ir.OpFunctionRef
	OpStruct                 = ir.OpStruct
	OpTuple                  = ir.OpTuple
	OpStructExtract          = ir.OpStructExtract
	OpTupleExtract           = ir.OpTupleExtract
	OpFieldAddr              = ir.OpFieldAddr
	OpAllocStack             = ir.OpAllocStack
	OpDeallocStack           = ir.OpDeallocStack
	OpLoad                   = ir.OpLoad
	OpStore                  = ir.OpStore
	OpCopyAddr               = ir.OpCopyAddr
	OpBeginAccess            = ir.OpBeginAccess
	OpEndAccess              = ir.OpEndAccess
	OpCall                   = ir.OpCall
	OpPartialApply           = ir.OpPartialApply
	OpVAdd                   = ir.OpVAdd
	OpVSub                   = ir.OpVSub
	OpVMul                   = ir.OpVMul
	OpVNeg                   = ir.OpVNeg
	OpVScale                 = ir.OpVScale
	OpDot                    = ir.OpDot
	OpDifferentiableFunction = ir.OpDifferentiableFunction
	OpDebug                  = ir.OpDebug
	OpReturn                 = ir.OpReturn
)

// AccessKind is the kind of a scoped memory access.
type AccessKind = ir.AccessKind

// Scoped access kinds.
const (
	AccessRead   = ir.AccessRead
	AccessModify = ir.AccessModify
	AccessInit   = ir.AccessInit
	AccessDeinit = ir.AccessDeinit
)

// NewModule creates an empty module.
func NewModule(name string) *Module { return ir.NewModule(name) }

// NewBuilder returns a builder appending to fn's entry block.
func NewBuilder(fn *Function) *Builder { return ir.NewBuilder(fn) }

// Vector returns the vector type of the given dimension.
func Vector(dim int) VectorType { return ir.Vector(dim) }

// Tuple returns the tuple type over the given element types.
func Tuple(elems ...Type) *TupleType { return ir.Tuple(elems...) }

// NewStruct declares a nominal struct type.
func NewStruct(name string, fields ...StructField) *StructType {
	return ir.NewStruct(name, fields...)
}

// NewFunc builds a function type.
func NewFunc(params []Param, results []Result) *FuncType {
	return ir.NewFunc(params, results)
}

// NewIndices builds a differentiation configuration: the parameter
// subset the gradient is taken with respect to and the result the seed
// applies to.
func NewIndices(params []int, result int, requirements ...string) Indices {
	return ir.NewIndices(params, result, requirements...)
}
