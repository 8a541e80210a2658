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

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// resolveStub hands out sequential user type ids for nested structs.
func resolveStub() func(reflect.Type) (uint32, error) {
	next := uint32(UserTypeBase)
	seen := make(map[reflect.Type]uint32)
	return func(rt reflect.Type) (uint32, error) {
		if id, ok := seen[rt]; ok {
			return id, nil
		}
		next++
		seen[rt] = next
		return next, nil
	}
}

func TestBuildDescriptorVehicle(t *testing.T) {
	rt := reflect.TypeOf(VehicleState{})
	desc, err := buildDescriptor(rt, resolveStub())
	require.NoError(t, err)

	require.Equal(t, "VehicleState", desc.Name)
	require.Equal(t, uint32(unsafe.Sizeof(VehicleState{})), desc.Size)
	require.Equal(t, uint32(8), desc.Alignment)
	require.Len(t, desc.Fields, 7)

	byName := make(map[string]FieldDescriptor)
	for _, f := range desc.Fields {
		byName[f.Name] = f
	}

	var v VehicleState

	odo := byName["Odometer"]
	require.Equal(t, uint32(unsafe.Offsetof(v.Odometer)), odo.Offset)
	require.Equal(t, uint32(8), odo.Size)
	require.Equal(t, uint32(UInt64), odo.TypeID)
	require.Equal(t, AtomicityAtomic, odo.Atomicity)

	speed := byName["Speed"]
	require.Equal(t, uint32(Float64), speed.TypeID)
	require.Equal(t, AtomicityNone, speed.Atomicity)

	pos := byName["Pos"]
	require.Equal(t, uint32(unsafe.Offsetof(v.Pos)), pos.Offset)
	require.Equal(t, uint32(24), pos.Size, "guarded field size is the payload size")
	require.Equal(t, AtomicitySeqlock, pos.Atomicity)
	require.NotZero(t, pos.Flags&FlagIsNested)

	engine := byName["Engine"]
	require.NotZero(t, engine.Flags&FlagIsNested)
	require.Equal(t, AtomicityNone, engine.Atomicity)
	require.Equal(t, uint32(16), engine.Size)

	plate, ok := byName["plate"]
	require.True(t, ok, "tag renames the field")
	require.NotZero(t, plate.Flags&FlagIsArray)
	require.Equal(t, uint32(Char), plate.TypeID)
	require.Equal(t, uint32(16), plate.ArraySize)

	wheels := byName["Wheels"]
	require.NotZero(t, wheels.Flags&FlagIsArray)
	require.Equal(t, uint32(Float32), wheels.TypeID)
	require.Equal(t, uint32(4), wheels.ArraySize)
	require.Equal(t, uint32(16), wheels.Size)

	build := byName["Build"]
	require.NotZero(t, build.Flags&FlagReadOnly)
}

func TestBuildDescriptorLocked(t *testing.T) {
	type Span struct {
		Lo uint64
		Hi uint64
	}
	type Meter struct {
		Window Locked[Span]
	}
	desc, err := buildDescriptor(reflect.TypeOf(Meter{}), resolveStub())
	require.NoError(t, err)
	require.Len(t, desc.Fields, 1)
	require.Equal(t, AtomicityLocked, desc.Fields[0].Atomicity)
	require.Equal(t, uint32(16), desc.Fields[0].Size)
}

func TestBuildDescriptorSkipsAndErrors(t *testing.T) {
	type WithSkip struct {
		Kept    uint32
		Scratch map[string]int `memglass:"-"`
	}
	desc, err := buildDescriptor(reflect.TypeOf(WithSkip{}), resolveStub())
	require.NoError(t, err)
	require.Len(t, desc.Fields, 1)
	require.Equal(t, "Kept", desc.Fields[0].Name)

	type WithUnexported struct {
		Kept   uint32
		hidden uint32
	}
	_, err = buildDescriptor(reflect.TypeOf(WithUnexported{}), resolveStub())
	require.ErrorContains(t, err, "unexported")

	type WithString struct {
		Name string
	}
	_, err = buildDescriptor(reflect.TypeOf(WithString{}), resolveStub())
	require.ErrorContains(t, err, "unsupported")

	type AtomicArray struct {
		Samples [8]uint64 `memglass:"atomic"`
	}
	_, err = buildDescriptor(reflect.TypeOf(AtomicArray{}), resolveStub())
	require.ErrorContains(t, err, "scalar")

	type CharInts struct {
		Text [8]uint32 `memglass:"char"`
	}
	_, err = buildDescriptor(reflect.TypeOf(CharInts{}), resolveStub())
	require.ErrorContains(t, err, "byte arrays")

	_, err = buildDescriptor(reflect.TypeOf(uint64(0)), resolveStub())
	require.ErrorContains(t, err, "not a struct")

	_, err = buildDescriptor(reflect.TypeOf(struct{ X int }{}), resolveStub())
	require.ErrorContains(t, err, "anonymous")
}

func TestPrimitiveFor(t *testing.T) {
	tests := []struct {
		kind reflect.Kind
		want PrimitiveType
	}{
		{reflect.Bool, Bool},
		{reflect.Int8, Int8},
		{reflect.Uint8, UInt8},
		{reflect.Int16, Int16},
		{reflect.Uint16, UInt16},
		{reflect.Int32, Int32},
		{reflect.Uint32, UInt32},
		{reflect.Int64, Int64},
		{reflect.Int, Int64},
		{reflect.Uint64, UInt64},
		{reflect.Uint, UInt64},
		{reflect.Float32, Float32},
		{reflect.Float64, Float64},
		{reflect.String, Unknown},
		{reflect.Map, Unknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, primitiveFor(tt.kind), "kind %v", tt.kind)
	}
}
