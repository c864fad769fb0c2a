/*
 *	Copyright 2025 The gotile Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package tile

// OpType is the closed enumeration of tile-granularity operations. Dispatch in the
// lowering passes switches on this tag; there is no open-ended operation
// registration.
type OpType int

//go:generate go tool enumer -type=OpType -trimprefix=OpType -output=gen_optype_enumer.go optype.go

const (
	OpTypeInvalid OpType = iota

	// OpTypeCopy moves a rectangular region between two buffers.
	OpTypeCopy

	// OpTypeFill sets a region to a constant.
	OpTypeFill

	// OpTypeGemm is the tile matrix-multiply-accumulate.
	OpTypeGemm

	// OpTypeReduce folds one axis of a fragment buffer.
	OpTypeReduce

	// OpTypeParallel is an order-independent elementwise domain with a scalar body.
	OpTypeParallel

	// OpTypePipelined is an ordered loop domain, the unit of software pipelining.
	OpTypePipelined
)
