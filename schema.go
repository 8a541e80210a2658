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

import "fmt"

// FieldDescriptor describes one field of a user type before it is written
// to the field pool. Offset and Size are in bytes within the record.
type FieldDescriptor struct {
	Name      string
	Offset    uint32
	Size      uint32
	TypeID    uint32 // primitive tag or registered user type id
	Flags     uint32
	ArraySize uint32 // element count when FlagIsArray is set
	Atomicity Atomicity
}

// TypeDescriptor describes a user type before registration.
type TypeDescriptor struct {
	Name      string
	Size      uint32
	Alignment uint32
	Fields    []FieldDescriptor
}

// hashTypeName derives a stable user type id from a name (djb2, forced
// into the user id range). Distinct names may collide; registration
// resolves collisions by probing upward.
func hashTypeName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h | uint32(UserTypeBase)
}

// registry runs the producer side of the type table and field pool. Both
// are append-only: entries are fully written before the published count is
// raised, so observers can copy them without locks.
type registry struct {
	data []byte
	hdr  *Header

	byName map[string]uint32 // name -> type table index
	byID   map[uint32]uint32 // type id -> type table index
}

func newRegistry(data []byte, hdr *Header) *registry {
	return &registry{
		data:   data,
		hdr:    hdr,
		byName: make(map[string]uint32),
		byID:   make(map[uint32]uint32),
	}
}

// registerType publishes a type and its fields. Registering the same name
// again returns the existing id without rewriting anything.
func (r *registry) registerType(desc TypeDescriptor) (uint32, error) {
	if idx, ok := r.byName[desc.Name]; ok {
		return typeEntryAt(r.data, r.hdr, idx).TypeID(), nil
	}

	typeCount := r.hdr.TypeCount()
	if typeCount >= r.hdr.TypeTableCap() {
		return 0, fmt.Errorf("%w: %d types", ErrTypeTableFull, r.hdr.TypeTableCap())
	}
	fieldStart := r.hdr.FieldCount()
	if fieldStart+uint32(len(desc.Fields)) > r.hdr.FieldPoolCap() {
		return 0, fmt.Errorf("%w: %d entries", ErrFieldPoolFull, r.hdr.FieldPoolCap())
	}

	id := hashTypeName(desc.Name)
	for {
		if _, taken := r.byID[id]; !taken {
			break
		}
		id++
		if id < uint32(UserTypeBase) {
			id = uint32(UserTypeBase)
		}
	}

	for i, f := range desc.Fields {
		e := fieldEntryAt(r.data, r.hdr, fieldStart+uint32(i))
		e.set(f.Offset, f.Size, f.TypeID, f.Flags, f.ArraySize, f.Atomicity, f.Name)
	}
	t := typeEntryAt(r.data, r.hdr, typeCount)
	t.set(id, desc.Size, desc.Alignment, fieldStart, uint32(len(desc.Fields)), desc.Name)

	// Fields become visible before the type that points at them.
	r.hdr.SetFieldCount(fieldStart + uint32(len(desc.Fields)))
	r.hdr.SetTypeCount(typeCount + 1)
	r.hdr.BumpSequence()

	r.byName[desc.Name] = typeCount
	r.byID[id] = typeCount
	return id, nil
}

// lookupByName returns the published type entry for a name.
func (r *registry) lookupByName(name string) (*TypeEntry, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return typeEntryAt(r.data, r.hdr, idx), true
}

// lookupByID returns the published type entry for a type id.
func (r *registry) lookupByID(id uint32) (*TypeEntry, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return typeEntryAt(r.data, r.hdr, idx), true
}
