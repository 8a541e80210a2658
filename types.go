/*
 *
 * Copyright 2025 The memglass Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package memglass

import "errors"

// Magic numbers and protocol version
const (
	// HeaderMagic identifies a session header segment ("MEMGLASS").
	HeaderMagic = uint64(0x4D454D474C415353)

	// RegionMagic identifies a data region segment ("REGNMEMG").
	RegionMagic = uint64(0x5245474E4D454D47)

	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = uint32(1)
)

// PrimitiveType tags the value kind of a field. User type ids start at
// UserTypeBase; everything below is a primitive.
type PrimitiveType uint32

const (
	Unknown PrimitiveType = 0
	Bool    PrimitiveType = 1
	Int8    PrimitiveType = 2
	UInt8   PrimitiveType = 3
	Int16   PrimitiveType = 4
	UInt16  PrimitiveType = 5
	Int32   PrimitiveType = 6
	UInt32  PrimitiveType = 7
	Int64   PrimitiveType = 8
	UInt64  PrimitiveType = 9
	Float32 PrimitiveType = 10
	Float64 PrimitiveType = 11
	Char    PrimitiveType = 12

	// UserTypeBase is the first type id reserved for user types.
	UserTypeBase PrimitiveType = 0x10000
)

// IsPrimitive reports whether the tag names a primitive, not a user type.
func (t PrimitiveType) IsPrimitive() bool {
	return t > Unknown && t < UserTypeBase
}

// IsInteger reports whether delta coding applies to the tag in the binary
// diff format. Bool and Char count as integers on the wire.
func (t PrimitiveType) IsInteger() bool {
	switch t {
	case Bool, Int8, UInt8, Int16, UInt16, Int32, UInt32, Int64, UInt64, Char:
		return true
	}
	return false
}

// Size returns the byte size of a primitive, 0 for user types.
func (t PrimitiveType) Size() uint32 {
	switch t {
	case Bool, Int8, UInt8, Char:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	}
	return 0
}

// Atomicity selects how a field's bytes are accessed across processes.
type Atomicity uint8

const (
	// AtomicityNone reads and writes directly; reads may tear.
	AtomicityNone Atomicity = 0

	// AtomicityAtomic uses release stores and acquire loads on a single
	// lock-free scalar.
	AtomicityAtomic Atomicity = 1

	// AtomicitySeqlock guards a compound value with a sequence lock.
	AtomicitySeqlock Atomicity = 2

	// AtomicityLocked guards a compound value with a spin lock.
	AtomicityLocked Atomicity = 3
)

// ObjectState is the lifecycle state of a directory entry.
type ObjectState uint32

const (
	StateFree      ObjectState = 0
	StateAlive     ObjectState = 1
	StateDestroyed ObjectState = 2
)

// Field flags
const (
	FlagIsArray  = uint32(1 << 0)
	FlagIsNested = uint32(1 << 1)
	FlagReadOnly = uint32(1 << 2)
)

// Config holds producer-side capacity settings. Zero fields take defaults.
type Config struct {
	InitialRegionSize uint64
	MaxRegionSize     uint64
	MaxTypes          uint32
	MaxFields         uint32
	MaxObjects        uint32
}

// Default configuration values
const (
	DefaultInitialRegionSize = 1024 * 1024
	DefaultMaxRegionSize     = 64 * 1024 * 1024
	DefaultMaxTypes          = 256
	DefaultMaxFields         = 4096
	DefaultMaxObjects        = 4096
)

// withDefaults fills zero fields with defaults.
func (c Config) withDefaults() Config {
	if c.InitialRegionSize == 0 {
		c.InitialRegionSize = DefaultInitialRegionSize
	}
	if c.MaxRegionSize == 0 {
		c.MaxRegionSize = DefaultMaxRegionSize
	}
	if c.MaxTypes == 0 {
		c.MaxTypes = DefaultMaxTypes
	}
	if c.MaxFields == 0 {
		c.MaxFields = DefaultMaxFields
	}
	if c.MaxObjects == 0 {
		c.MaxObjects = DefaultMaxObjects
	}
	return c
}

// Error taxonomy
var (
	// ErrAlreadyInitialized indicates Init was called with a live session.
	ErrAlreadyInitialized = errors.New("memglass: already initialized")

	// ErrNotInitialized indicates a producer call before Init.
	ErrNotInitialized = errors.New("memglass: not initialized")

	// ErrHeaderNotFound indicates Connect found no session under the name.
	ErrHeaderNotFound = errors.New("memglass: session header not found")

	// ErrBadMagic indicates an attach to a segment that is not memglass.
	ErrBadMagic = errors.New("memglass: bad magic")

	// ErrVersionMismatch indicates an incompatible protocol version.
	ErrVersionMismatch = errors.New("memglass: protocol version mismatch")

	// ErrDirectoryFull indicates the object directory is at capacity.
	ErrDirectoryFull = errors.New("memglass: object directory full")

	// ErrTypeTableFull indicates the type table is at capacity.
	ErrTypeTableFull = errors.New("memglass: type table full")

	// ErrFieldPoolFull indicates the field entry pool is at capacity.
	ErrFieldPoolFull = errors.New("memglass: field pool full")

	// ErrAllocatorExhausted indicates a new region could not be created.
	ErrAllocatorExhausted = errors.New("memglass: allocator exhausted")

	// ErrTypeNotRegistered indicates Create of a type missing from the schema.
	ErrTypeNotRegistered = errors.New("memglass: type not registered")

	// ErrObjectNotFound indicates a destroy of a label with no live entry.
	ErrObjectNotFound = errors.New("memglass: object not found")

	// ErrFieldNotFound indicates an observer lookup of an unknown field.
	ErrFieldNotFound = errors.New("memglass: field not found")

	// ErrTypeMismatch indicates a typed read or write whose Go type does
	// not match the field's published size.
	ErrTypeMismatch = errors.New("memglass: type size mismatch")

	// ErrReadOnlyField indicates a store through a read-only field proxy.
	ErrReadOnlyField = errors.New("memglass: field is read-only")

	// ErrTornRead indicates a seqlock try-read caught a writer mid-write.
	ErrTornRead = errors.New("memglass: torn read")

	// ErrNotConnected indicates an observer operation before Connect.
	ErrNotConnected = errors.New("memglass: observer not connected")
)
