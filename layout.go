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
	"fmt"
	"sync/atomic"
	"unsafe"
)

// On-segment layout. All structs here are overlaid directly on shared
// memory, so every field has a fixed offset and the total sizes are pinned
// by tests. Multi-byte values are native-endian; producer and observers
// must run on the same architecture.
//
// The header segment is laid out as:
//
//	[Header][TypeEntry x MaxTypes][FieldEntry x MaxFields][ObjectEntry x MaxObjects]
//
// Data regions each start with a RegionDescriptor followed by the bump
// allocation area.

const (
	// HeaderSize is the byte size of the session Header.
	HeaderSize = 160

	// TypeEntrySize is the byte size of one type table entry.
	TypeEntrySize = 152

	// FieldEntrySize is the byte size of one field pool entry.
	FieldEntrySize = 88

	// ObjectEntrySize is the byte size of one directory entry.
	ObjectEntrySize = 96

	// RegionDescriptorSize is the byte size of a data region prefix.
	RegionDescriptorSize = 104

	// NameSize is the fixed capacity of embedded NUL-padded names.
	NameSize = 64

	// TypeNameSize is the fixed capacity of embedded type names.
	TypeNameSize = 128
)

// Header sits at offset 0 of the header segment. Fields marked atomic are
// written with release stores and read with acquire loads; everything else
// is written once before the first sequence bump and is immutable after.
type Header struct {
	magic      uint64
	version    uint32
	headerSize uint32

	sequence uint64 // atomic

	typeTableOff uint64
	typeTableCap uint32
	typeCount    uint32 // atomic

	fieldPoolOff uint64
	fieldPoolCap uint32
	fieldCount   uint32 // atomic

	objectDirOff uint64
	objectDirCap uint32
	objectCount  uint32 // atomic

	firstRegionID uint64 // atomic; 0 means no regions yet

	sessionName [NameSize]byte

	producerPID    uint64
	startTimestamp uint64
}

// Immutable header fields, set once by the producer during Init.

func (h *Header) Magic() uint64      { return h.magic }
func (h *Header) Version() uint32    { return h.version }
func (h *Header) HeaderSize() uint32 { return h.headerSize }

func (h *Header) TypeTableOff() uint64 { return h.typeTableOff }
func (h *Header) TypeTableCap() uint32 { return h.typeTableCap }
func (h *Header) FieldPoolOff() uint64 { return h.fieldPoolOff }
func (h *Header) FieldPoolCap() uint32 { return h.fieldPoolCap }
func (h *Header) ObjectDirOff() uint64 { return h.objectDirOff }
func (h *Header) ObjectDirCap() uint32 { return h.objectDirCap }

func (h *Header) SessionName() string { return cString(h.sessionName[:]) }
func (h *Header) ProducerPID() uint64 { return h.producerPID }

// StartTimestamp returns the producer start time in nanoseconds since the
// Unix epoch.
func (h *Header) StartTimestamp() uint64 { return h.startTimestamp }

// Sequence returns the structural change counter with acquire semantics.
func (h *Header) Sequence() uint64 {
	return atomic.LoadUint64(&h.sequence)
}

// BumpSequence publishes a structural change with release semantics.
// Producer only.
func (h *Header) BumpSequence() uint64 {
	return atomic.AddUint64(&h.sequence, 1)
}

// TypeCount returns the number of published type entries.
func (h *Header) TypeCount() uint32 {
	return atomic.LoadUint32(&h.typeCount)
}

// SetTypeCount publishes a new type table length. The entry at the new
// index must be fully written before the count is raised.
func (h *Header) SetTypeCount(n uint32) {
	atomic.StoreUint32(&h.typeCount, n)
}

// FieldCount returns the number of published field entries.
func (h *Header) FieldCount() uint32 {
	return atomic.LoadUint32(&h.fieldCount)
}

// SetFieldCount publishes a new field pool length.
func (h *Header) SetFieldCount(n uint32) {
	atomic.StoreUint32(&h.fieldCount, n)
}

// ObjectCount returns the directory high-water mark. Entries below it may
// be in any lifecycle state.
func (h *Header) ObjectCount() uint32 {
	return atomic.LoadUint32(&h.objectCount)
}

// SetObjectCount publishes a new directory high-water mark.
func (h *Header) SetObjectCount(n uint32) {
	atomic.StoreUint32(&h.objectCount, n)
}

// FirstRegionID returns the head of the region chain, 0 if none.
func (h *Header) FirstRegionID() uint64 {
	return atomic.LoadUint64(&h.firstRegionID)
}

// SetFirstRegionID publishes the region chain head.
func (h *Header) SetFirstRegionID(id uint64) {
	atomic.StoreUint64(&h.firstRegionID, id)
}

// initHeader writes the immutable header fields. Counts and sequence start
// at zero from the freshly truncated segment. The magic word is published
// last so an observer racing with Init never validates a half-written
// header.
func (h *Header) initHeader(session string, cfg Config, pid, startNS uint64) {
	h.version = ProtocolVersion
	h.headerSize = HeaderSize
	h.typeTableOff = HeaderSize
	h.typeTableCap = cfg.MaxTypes
	h.fieldPoolOff = HeaderSize + uint64(cfg.MaxTypes)*TypeEntrySize
	h.fieldPoolCap = cfg.MaxFields
	h.objectDirOff = h.fieldPoolOff + uint64(cfg.MaxFields)*FieldEntrySize
	h.objectDirCap = cfg.MaxObjects
	setCString(h.sessionName[:], session)
	h.producerPID = pid
	h.startTimestamp = startNS
	atomic.StoreUint64(&h.magic, HeaderMagic)
}

// TypeEntry describes one registered user type. Entries are append-only;
// an entry is immutable once typeCount covers it.
type TypeEntry struct {
	typeID     uint32
	size       uint32
	alignment  uint32
	fieldStart uint32
	fieldCount uint32
	flags      uint32
	name       [TypeNameSize]byte
}

func (t *TypeEntry) TypeID() uint32     { return t.typeID }
func (t *TypeEntry) Size() uint32       { return t.size }
func (t *TypeEntry) Alignment() uint32  { return t.alignment }
func (t *TypeEntry) FieldStart() uint32 { return t.fieldStart }
func (t *TypeEntry) FieldCount() uint32 { return t.fieldCount }
func (t *TypeEntry) Name() string       { return cString(t.name[:]) }

func (t *TypeEntry) set(id, size, align, fieldStart, fieldCount uint32, name string) {
	t.typeID = id
	t.size = size
	t.alignment = align
	t.fieldStart = fieldStart
	t.fieldCount = fieldCount
	t.flags = 0
	setCString(t.name[:], name)
}

// FieldEntry describes one field of a registered type. Like type entries,
// field entries are append-only and immutable once published.
type FieldEntry struct {
	offset    uint32
	size      uint32
	typeID    uint32
	flags     uint32
	arraySize uint32
	atomicity uint8
	_         [3]uint8
	name      [NameSize]byte
}

func (f *FieldEntry) Offset() uint32       { return f.offset }
func (f *FieldEntry) Size() uint32         { return f.size }
func (f *FieldEntry) TypeID() uint32       { return f.typeID }
func (f *FieldEntry) Flags() uint32        { return f.flags }
func (f *FieldEntry) ArraySize() uint32    { return f.arraySize }
func (f *FieldEntry) Atomicity() Atomicity { return Atomicity(f.atomicity) }
func (f *FieldEntry) Name() string         { return cString(f.name[:]) }

func (f *FieldEntry) IsArray() bool  { return f.flags&FlagIsArray != 0 }
func (f *FieldEntry) IsNested() bool { return f.flags&FlagIsNested != 0 }

// ElemType returns the primitive tag, Unknown for nested user types.
func (f *FieldEntry) ElemType() PrimitiveType {
	t := PrimitiveType(f.typeID)
	if t.IsPrimitive() {
		return t
	}
	return Unknown
}

func (f *FieldEntry) set(offset, size, typeID, flags, arraySize uint32, atom Atomicity, name string) {
	f.offset = offset
	f.size = size
	f.typeID = typeID
	f.flags = flags
	f.arraySize = arraySize
	f.atomicity = uint8(atom)
	setCString(f.name[:], name)
}

// ObjectEntry is one slot of the object directory. State transitions are
// the only mutation after publication: Free -> Alive on create,
// Alive -> Destroyed on destroy. Slots are never reused within a session;
// generation counts how many times the slot has been (re)assigned.
type ObjectEntry struct {
	state      uint32 // atomic
	typeID     uint32
	regionID   uint64
	offset     uint64
	generation uint64
	label      [NameSize]byte
}

func (o *ObjectEntry) TypeID() uint32     { return o.typeID }
func (o *ObjectEntry) RegionID() uint64   { return o.regionID }
func (o *ObjectEntry) Offset() uint64     { return o.offset }
func (o *ObjectEntry) Generation() uint64 { return o.generation }
func (o *ObjectEntry) Label() string      { return cString(o.label[:]) }

// State returns the lifecycle state with acquire semantics.
func (o *ObjectEntry) State() ObjectState {
	return ObjectState(atomic.LoadUint32(&o.state))
}

// SetState publishes a lifecycle transition with release semantics. All
// other entry fields must be written before the transition to Alive.
func (o *ObjectEntry) SetState(s ObjectState) {
	atomic.StoreUint32(&o.state, uint32(s))
}

func (o *ObjectEntry) set(typeID uint32, regionID, offset, generation uint64, label string) {
	o.typeID = typeID
	o.regionID = regionID
	o.offset = offset
	o.generation = generation
	setCString(o.label[:], label)
}

// RegionDescriptor is the fixed prefix of every data region segment.
type RegionDescriptor struct {
	magic    uint64
	regionID uint64
	size     uint64

	used uint64 // atomic

	nextRegionID uint64 // atomic; 0 means end of chain

	shmName [NameSize]byte
}

func (r *RegionDescriptor) Magic() uint64    { return r.magic }
func (r *RegionDescriptor) RegionID() uint64 { return r.regionID }
func (r *RegionDescriptor) Size() uint64     { return r.size }
func (r *RegionDescriptor) ShmName() string  { return cString(r.shmName[:]) }

// Used returns the bump watermark with acquire semantics.
func (r *RegionDescriptor) Used() uint64 {
	return atomic.LoadUint64(&r.used)
}

// SetUsed publishes a new bump watermark with release semantics.
func (r *RegionDescriptor) SetUsed(n uint64) {
	atomic.StoreUint64(&r.used, n)
}

// NextRegionID returns the chain successor, 0 at the tail.
func (r *RegionDescriptor) NextRegionID() uint64 {
	return atomic.LoadUint64(&r.nextRegionID)
}

// SetNextRegionID links a successor region. The successor's descriptor
// must be fully initialized first.
func (r *RegionDescriptor) SetNextRegionID(id uint64) {
	atomic.StoreUint64(&r.nextRegionID, id)
}

func (r *RegionDescriptor) initDescriptor(regionID, size uint64, shmName string) {
	r.magic = RegionMagic
	r.regionID = regionID
	r.size = size
	r.used = RegionDescriptorSize
	r.nextRegionID = 0
	setCString(r.shmName[:], shmName)
}

// headerSegmentSize returns the total header segment size for a config.
func headerSegmentSize(cfg Config) uint64 {
	return HeaderSize +
		uint64(cfg.MaxTypes)*TypeEntrySize +
		uint64(cfg.MaxFields)*FieldEntrySize +
		uint64(cfg.MaxObjects)*ObjectEntrySize
}

// headerView overlays a Header on the start of a mapped segment.
func headerView(data []byte) *Header {
	return (*Header)(unsafe.Pointer(&data[0]))
}

// typeEntryAt returns the i-th type table entry of a mapped header segment.
func typeEntryAt(data []byte, h *Header, i uint32) *TypeEntry {
	off := h.typeTableOff + uint64(i)*TypeEntrySize
	return (*TypeEntry)(unsafe.Pointer(&data[off]))
}

// fieldEntryAt returns the i-th field pool entry.
func fieldEntryAt(data []byte, h *Header, i uint32) *FieldEntry {
	off := h.fieldPoolOff + uint64(i)*FieldEntrySize
	return (*FieldEntry)(unsafe.Pointer(&data[off]))
}

// objectEntryAt returns the i-th object directory slot.
func objectEntryAt(data []byte, h *Header, i uint32) *ObjectEntry {
	off := h.objectDirOff + uint64(i)*ObjectEntrySize
	return (*ObjectEntry)(unsafe.Pointer(&data[off]))
}

// regionView overlays a RegionDescriptor on the start of a mapped region.
func regionView(data []byte) *RegionDescriptor {
	return (*RegionDescriptor)(unsafe.Pointer(&data[0]))
}

// validateHeader checks magic and protocol version of an attached header.
func validateHeader(h *Header) error {
	if m := atomic.LoadUint64(&h.magic); m != HeaderMagic {
		return fmt.Errorf("%w: got 0x%016X", ErrBadMagic, m)
	}
	if h.version != ProtocolVersion {
		return fmt.Errorf("%w: segment v%d, library v%d", ErrVersionMismatch, h.version, ProtocolVersion)
	}
	return nil
}

// validateRegion checks the magic of an attached data region.
func validateRegion(r *RegionDescriptor) error {
	if r.magic != RegionMagic {
		return fmt.Errorf("%w: got 0x%016X", ErrBadMagic, r.magic)
	}
	return nil
}

// setCString copies s into dst NUL-padded, truncating to leave at least
// one terminating NUL.
func setCString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	copy(dst[:len(dst)-1], s)
}

// cString reads a NUL-terminated string from a fixed buffer.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// alignUp rounds n up to the next multiple of align (a power of two).
func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
