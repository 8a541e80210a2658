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
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/memglass/memglass/internal/shm"
)

// fieldInfo is a copied field pool entry, safe to hold after the copy.
type fieldInfo struct {
	name      string
	offset    uint32
	size      uint32
	typeID    uint32
	flags     uint32
	arraySize uint32
	atomicity Atomicity
}

func (f fieldInfo) isArray() bool  { return f.flags&FlagIsArray != 0 }
func (f fieldInfo) isNested() bool { return f.flags&FlagIsNested != 0 }
func (f fieldInfo) readOnly() bool { return f.flags&FlagReadOnly != 0 }

// typeInfo is a copied type table entry with resolved fields.
type typeInfo struct {
	id     uint32
	name   string
	size   uint32
	fields []fieldInfo
	byName map[string]int
}

// Observer attaches to a live session and reads published records. An
// observer never unmaps an attached region, so record addresses it handed
// out stay valid until Close even while the producer grows the session.
//
// Methods re-sync with the producer automatically when the session's
// structural sequence moves. Observer methods must not be called
// concurrently with each other.
type Observer struct {
	mu sync.Mutex

	session   string
	headerSeg *shm.SharedMemory
	hdr       *Header

	regions map[uint64]*shm.SharedMemory
	types   map[uint32]*typeInfo
	lastSeq uint64

	connected bool
}

// Connect attaches to a session's header segment and loads its schema
// and region chain.
func Connect(session string) (*Observer, error) {
	headerSeg, err := shm.Open(shm.HeaderName(session))
	if err != nil {
		if errors.Is(err, shm.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrHeaderNotFound, session)
		}
		return nil, fmt.Errorf("memglass: connect %q: %w", session, err)
	}

	hdr := headerView(headerSeg.Bytes())
	if err := validateHeader(hdr); err != nil {
		headerSeg.Close()
		return nil, err
	}

	o := &Observer{
		session:   session,
		headerSeg: headerSeg,
		hdr:       hdr,
		regions:   make(map[uint64]*shm.SharedMemory),
		types:     make(map[uint32]*typeInfo),
		connected: true,
	}
	if err := o.refreshLocked(); err != nil {
		o.Close()
		return nil, err
	}
	return o, nil
}

// Session returns the session name from the header.
func (o *Observer) Session() string { return o.hdr.SessionName() }

// ProducerPID returns the publishing process id.
func (o *Observer) ProducerPID() uint64 { return o.hdr.ProducerPID() }

// StartTimestamp returns the producer start time, nanoseconds since the
// Unix epoch.
func (o *Observer) StartTimestamp() uint64 { return o.hdr.StartTimestamp() }

// Sequence returns the session's structural change counter.
func (o *Observer) Sequence() uint64 { return o.hdr.Sequence() }

// Refresh re-reads the schema and region chain if the producer published
// structural changes since the last sync. If a region in the chain cannot
// be attached, the regions already attached are kept, no error is
// returned, and the next refresh walks the chain again.
func (o *Observer) Refresh() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return ErrNotConnected
	}
	return o.refreshLocked()
}

func (o *Observer) refreshLocked() error {
	seq := o.hdr.Sequence()
	if seq == o.lastSeq {
		return nil
	}
	o.loadTypes()
	if err := o.loadRegions(); err != nil {
		// Keep what is attached; lastSeq stays put so the next call retries.
		return nil
	}
	o.lastSeq = seq
	return nil
}

// loadTypes copies newly published type and field entries. Entries are
// immutable once the counts cover them, so a plain copy is race-free.
func (o *Observer) loadTypes() {
	data := o.headerSeg.Bytes()
	n := o.hdr.TypeCount()
	for i := uint32(0); i < n; i++ {
		te := typeEntryAt(data, o.hdr, i)
		if _, ok := o.types[te.TypeID()]; ok {
			continue
		}
		ti := &typeInfo{
			id:     te.TypeID(),
			name:   te.Name(),
			size:   te.Size(),
			byName: make(map[string]int),
		}
		start, count := te.FieldStart(), te.FieldCount()
		for j := uint32(0); j < count; j++ {
			fe := fieldEntryAt(data, o.hdr, start+j)
			fi := fieldInfo{
				name:      fe.Name(),
				offset:    fe.Offset(),
				size:      fe.Size(),
				typeID:    fe.TypeID(),
				flags:     fe.Flags(),
				arraySize: fe.ArraySize(),
				atomicity: fe.Atomicity(),
			}
			ti.byName[fi.name] = len(ti.fields)
			ti.fields = append(ti.fields, fi)
		}
		o.types[ti.id] = ti
	}
}

// loadRegions walks the region chain and attaches segments not yet
// mapped.
func (o *Observer) loadRegions() error {
	id := o.hdr.FirstRegionID()
	for id != 0 {
		seg, ok := o.regions[id]
		if !ok {
			var err error
			seg, err = shm.Open(shm.RegionName(o.session, id))
			if err != nil {
				return fmt.Errorf("memglass: attach region %d: %w", id, err)
			}
			if err := validateRegion(regionView(seg.Bytes())); err != nil {
				seg.Close()
				return err
			}
			o.regions[id] = seg
		}
		id = regionView(seg.Bytes()).NextRegionID()
	}
	return nil
}

// Objects returns a view of every live object, refreshing first. Objects
// whose type the observer cannot resolve are skipped.
func (o *Observer) Objects() ([]ObjectView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return nil, ErrNotConnected
	}
	if err := o.refreshLocked(); err != nil {
		return nil, err
	}

	data := o.headerSeg.Bytes()
	n := o.hdr.ObjectCount()
	views := make([]ObjectView, 0, n)
	for i := uint32(0); i < n; i++ {
		e := objectEntryAt(data, o.hdr, i)
		if e.State() != StateAlive {
			continue
		}
		v, err := o.viewOf(e, i)
		if err != nil {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// Types returns the names of every published type, refreshing first.
func (o *Observer) Types() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return nil, ErrNotConnected
	}
	if err := o.refreshLocked(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(o.types))
	for _, ti := range o.types {
		names = append(names, ti.name)
	}
	sort.Strings(names)
	return names, nil
}

// Find returns the live object with the given label.
func (o *Observer) Find(label string) (ObjectView, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return ObjectView{}, ErrNotConnected
	}
	if err := o.refreshLocked(); err != nil {
		return ObjectView{}, err
	}

	data := o.headerSeg.Bytes()
	n := o.hdr.ObjectCount()
	for i := uint32(0); i < n; i++ {
		e := objectEntryAt(data, o.hdr, i)
		if e.State() == StateAlive && e.Label() == label {
			return o.viewOf(e, i)
		}
	}
	return ObjectView{}, fmt.Errorf("%w: %q", ErrObjectNotFound, label)
}

// viewOf builds a view over an alive entry. Caller holds o.mu.
func (o *Observer) viewOf(e *ObjectEntry, index uint32) (ObjectView, error) {
	ti, ok := o.types[e.TypeID()]
	if !ok {
		return ObjectView{}, fmt.Errorf("%w: id 0x%X", ErrTypeNotRegistered, e.TypeID())
	}
	seg, ok := o.regions[e.RegionID()]
	if !ok {
		return ObjectView{}, fmt.Errorf("memglass: region %d not attached", e.RegionID())
	}
	return ObjectView{
		obs:   o,
		entry: e,
		index: index,
		ti:    ti,
		base:  unsafe.Pointer(&seg.Bytes()[e.Offset()]),
	}, nil
}

// RegionStats describes one arena region's occupancy.
type RegionStats struct {
	ID   uint64
	Size uint64
	Used uint64
}

// SessionStats is a point-in-time occupancy report for a session.
type SessionStats struct {
	Session        string
	ProducerPID    uint64
	StartTimestamp uint64
	Sequence       uint64

	TypeCount uint32
	TypeCap   uint32

	FieldCount uint32
	FieldCap   uint32

	ObjectSlots  uint32
	AliveObjects uint32
	ObjectCap    uint32

	Regions []RegionStats
}

// Stats reports table and region occupancy, refreshing first.
func (o *Observer) Stats() (SessionStats, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return SessionStats{}, ErrNotConnected
	}
	if err := o.refreshLocked(); err != nil {
		return SessionStats{}, err
	}

	s := SessionStats{
		Session:        o.hdr.SessionName(),
		ProducerPID:    o.hdr.ProducerPID(),
		StartTimestamp: o.hdr.StartTimestamp(),
		Sequence:       o.hdr.Sequence(),
		TypeCount:      o.hdr.TypeCount(),
		TypeCap:        o.hdr.TypeTableCap(),
		FieldCount:     o.hdr.FieldCount(),
		FieldCap:       o.hdr.FieldPoolCap(),
		ObjectSlots:    o.hdr.ObjectCount(),
		ObjectCap:      o.hdr.ObjectDirCap(),
	}

	data := o.headerSeg.Bytes()
	for i := uint32(0); i < s.ObjectSlots; i++ {
		if objectEntryAt(data, o.hdr, i).State() == StateAlive {
			s.AliveObjects++
		}
	}

	id := o.hdr.FirstRegionID()
	for id != 0 {
		seg, ok := o.regions[id]
		if !ok {
			break
		}
		rd := regionView(seg.Bytes())
		s.Regions = append(s.Regions, RegionStats{ID: id, Size: rd.Size(), Used: rd.Used()})
		id = rd.NextRegionID()
	}
	return s, nil
}

// Close detaches from the session. Previously returned record addresses
// become invalid.
func (o *Observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.connected {
		return nil
	}
	o.connected = false

	var firstErr error
	for _, seg := range o.regions {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	o.regions = nil
	if err := o.headerSeg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ObjectView is a window onto one live record.
type ObjectView struct {
	obs   *Observer
	entry *ObjectEntry
	index uint32
	ti    *typeInfo
	base  unsafe.Pointer
}

// Label returns the record's directory label.
func (v ObjectView) Label() string { return v.entry.Label() }

// TypeName returns the record's published type name.
func (v ObjectView) TypeName() string { return v.ti.name }

// Generation returns the directory slot generation.
func (v ObjectView) Generation() uint64 { return v.entry.Generation() }

// Alive reports whether the record is still live. A destroyed record's
// bytes stay mapped but should no longer be trusted.
func (v ObjectView) Alive() bool { return v.entry.State() == StateAlive }

// FieldNames lists the record's top-level field names in schema order.
func (v ObjectView) FieldNames() []string {
	names := make([]string, len(v.ti.fields))
	for i, f := range v.ti.fields {
		names[i] = f.name
	}
	return names
}

// Field resolves a field by name. Dotted paths descend into nested
// records: "engine.rpm" is the rpm field of the nested engine record.
// An exact top-level match wins over path splitting, so a field literally
// named "engine.rpm" remains addressable.
func (v ObjectView) Field(path string) (FieldProxy, error) {
	return resolveField(v.ti, v.base, path, v.obs.types)
}

func resolveField(ti *typeInfo, base unsafe.Pointer, path string, types map[uint32]*typeInfo) (FieldProxy, error) {
	if i, ok := ti.byName[path]; ok {
		f := ti.fields[i]
		return FieldProxy{fi: f, addr: unsafe.Add(base, uintptr(f.offset))}, nil
	}
	head, rest, found := strings.Cut(path, ".")
	if found {
		if i, ok := ti.byName[head]; ok {
			f := ti.fields[i]
			if f.isNested() {
				if nested, ok := types[f.typeID]; ok {
					return resolveField(nested, unsafe.Add(base, uintptr(f.offset)), rest, types)
				}
			}
		}
	}
	return FieldProxy{}, fmt.Errorf("%w: %q in type %s", ErrFieldNotFound, path, ti.name)
}

// Walk visits every scalar leaf of the record in schema order. Nested
// records contribute dotted paths, arrays indexed paths ("wheels[2]").
// Char arrays are visited as a single leaf so text shows up whole.
func (v ObjectView) Walk(fn func(path string, p FieldProxy) error) error {
	return walkFields(v.ti, v.base, "", v.obs.types, fn)
}

func walkFields(ti *typeInfo, base unsafe.Pointer, prefix string, types map[uint32]*typeInfo, fn func(string, FieldProxy) error) error {
	for _, f := range ti.fields {
		path := f.name
		if prefix != "" {
			path = prefix + "." + f.name
		}
		addr := unsafe.Add(base, uintptr(f.offset))
		p := FieldProxy{fi: f, addr: addr}

		switch {
		case f.isNested():
			nested, ok := types[f.typeID]
			if !ok {
				continue
			}
			if err := walkFields(nested, addr, path, types, fn); err != nil {
				return err
			}
		case f.isArray() && PrimitiveType(f.typeID) == Char:
			if err := fn(path, p); err != nil {
				return err
			}
		case f.isArray():
			for i := 0; i < int(f.arraySize); i++ {
				elem, err := p.At(i)
				if err != nil {
					return err
				}
				if err := fn(fmt.Sprintf("%s[%d]", path, i), elem); err != nil {
					return err
				}
			}
		default:
			if err := fn(path, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldProxy addresses one field of a live record and dispatches reads
// and writes according to the field's published atomicity.
type FieldProxy struct {
	fi   fieldInfo
	addr unsafe.Pointer
}

// Valid reports whether the proxy addresses a live field. The zero proxy
// is invalid.
func (p FieldProxy) Valid() bool { return p.addr != nil }

// Name returns the field's schema name.
func (p FieldProxy) Name() string { return p.fi.name }

// Type returns the primitive tag, Unknown for nested records.
func (p FieldProxy) Type() PrimitiveType {
	t := PrimitiveType(p.fi.typeID)
	if t.IsPrimitive() {
		return t
	}
	return Unknown
}

// Atomicity returns the field's published access mode.
func (p FieldProxy) Atomicity() Atomicity { return p.fi.atomicity }

// IsArray reports whether the field is a fixed-size array.
func (p FieldProxy) IsArray() bool { return p.fi.isArray() }

// Len returns the element count of an array field, 1 otherwise.
func (p FieldProxy) Len() int {
	if p.fi.isArray() {
		return int(p.fi.arraySize)
	}
	return 1
}

// Size returns the field payload size in bytes.
func (p FieldProxy) Size() int { return int(p.fi.size) }

// TryLoad reads a scalar field once. A seqlock field returns ErrTornRead
// if the producer was mid-write.
func (p FieldProxy) TryLoad() (Value, error) {
	if p.fi.isArray() || p.fi.isNested() {
		return Value{}, fmt.Errorf("memglass: field %q is not a scalar", p.fi.name)
	}
	t := PrimitiveType(p.fi.typeID)

	switch p.fi.atomicity {
	case AtomicityAtomic:
		return valueFromBits(t, atomicLoadBits(p.addr, p.fi.size)), nil
	case AtomicitySeqlock:
		var buf [8]byte
		seq := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		if !seqlockTryReadBytes(seq, p.addr, buf[:p.fi.size]) {
			return Value{}, ErrTornRead
		}
		return valueFromBits(t, bufBits(buf[:p.fi.size])), nil
	case AtomicityLocked:
		var buf [8]byte
		lock := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		lockedReadBytes(lock, p.addr, buf[:p.fi.size])
		return valueFromBits(t, bufBits(buf[:p.fi.size])), nil
	default:
		return valueFromBits(t, plainLoadBits(p.addr, p.fi.size)), nil
	}
}

// Load reads a scalar field, retrying through torn seqlock reads.
func (p FieldProxy) Load() (Value, error) {
	for {
		v, err := p.TryLoad()
		if err == ErrTornRead {
			runtime.Gosched()
			continue
		}
		return v, err
	}
}

// Store writes a scalar field, honoring the published atomicity. Fields
// published read-only reject the write. Stores from a second process race
// with the producer unless the field is locked.
func (p FieldProxy) Store(v Value) error {
	if p.fi.readOnly() {
		return fmt.Errorf("%w: %q", ErrReadOnlyField, p.fi.name)
	}
	if p.fi.isArray() || p.fi.isNested() {
		return fmt.Errorf("memglass: field %q is not a scalar", p.fi.name)
	}

	switch p.fi.atomicity {
	case AtomicityAtomic:
		atomicStoreBits(p.addr, p.fi.size, v.Bits)
	case AtomicitySeqlock:
		var buf [8]byte
		putBufBits(buf[:p.fi.size], v.Bits)
		seq := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		seqlockWriteBytes(seq, p.addr, buf[:p.fi.size])
	case AtomicityLocked:
		var buf [8]byte
		putBufBits(buf[:p.fi.size], v.Bits)
		lock := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		lockedWriteBytes(lock, p.addr, buf[:p.fi.size])
	default:
		plainStoreBits(p.addr, p.fi.size, v.Bits)
	}
	return nil
}

// At returns a proxy for one element of an array field. Elements are read
// plainly; guard the whole array if element reads must be consistent.
func (p FieldProxy) At(i int) (FieldProxy, error) {
	if !p.fi.isArray() {
		return FieldProxy{}, fmt.Errorf("memglass: field %q is not an array", p.fi.name)
	}
	if i < 0 || uint32(i) >= p.fi.arraySize {
		return FieldProxy{}, fmt.Errorf("memglass: index %d out of range [0,%d)", i, p.fi.arraySize)
	}
	elemSize := p.fi.size / p.fi.arraySize
	elem := p.fi
	elem.size = elemSize
	elem.flags &^= FlagIsArray
	elem.arraySize = 0
	elem.atomicity = AtomicityNone
	return FieldProxy{
		fi:   elem,
		addr: unsafe.Add(p.addr, uintptr(elemSize)*uintptr(i)),
	}, nil
}

// Copy reads the field's raw payload into dst, honoring the field's
// atomicity for compound payloads. dst must be exactly Size bytes.
func (p FieldProxy) Copy(dst []byte) error {
	if len(dst) != int(p.fi.size) {
		return fmt.Errorf("memglass: copy of %q needs %d bytes, got %d", p.fi.name, p.fi.size, len(dst))
	}
	switch p.fi.atomicity {
	case AtomicitySeqlock:
		seq := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		seqlockReadBytes(seq, p.addr, dst)
	case AtomicityLocked:
		lock := (*uint32)(unsafe.Add(p.addr, uintptr(seqOffset(p.fi.size))))
		lockedReadBytes(lock, p.addr, dst)
	default:
		copy(dst, unsafe.Slice((*byte)(p.addr), p.fi.size))
	}
	return nil
}

// TryRead loads a scalar field into a concrete Go type. T's size must
// match the field's published size. A seqlock field mid-write returns
// ErrTornRead.
func TryRead[T any](p FieldProxy) (T, error) {
	var out T
	if unsafe.Sizeof(out) != uintptr(p.fi.size) {
		return out, fmt.Errorf("%w: field %q is %d bytes, want %d",
			ErrTypeMismatch, p.fi.name, p.fi.size, unsafe.Sizeof(out))
	}
	v, err := p.TryLoad()
	if err != nil {
		return out, err
	}
	var buf [8]byte
	putBufBits(buf[:p.fi.size], v.Bits)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&out)), p.fi.size), buf[:p.fi.size])
	return out, nil
}

// Read is TryRead retried through torn seqlock reads.
func Read[T any](p FieldProxy) (T, error) {
	for {
		v, err := TryRead[T](p)
		if err == ErrTornRead {
			runtime.Gosched()
			continue
		}
		return v, err
	}
}

// Write stores a concrete Go value through the proxy, honoring the
// field's published atomicity. T's size must match the field's size.
func Write[T any](p FieldProxy, val T) error {
	if unsafe.Sizeof(val) != uintptr(p.fi.size) {
		return fmt.Errorf("%w: field %q is %d bytes, want %d",
			ErrTypeMismatch, p.fi.name, p.fi.size, unsafe.Sizeof(val))
	}
	var buf [8]byte
	copy(buf[:p.fi.size], unsafe.Slice((*byte)(unsafe.Pointer(&val)), p.fi.size))
	return p.Store(Value{Type: p.Type(), Bits: bufBits(buf[:p.fi.size])})
}

// Text reads a char array as a NUL-terminated string.
func (p FieldProxy) Text() (string, error) {
	if !p.fi.isArray() || PrimitiveType(p.fi.typeID) != Char {
		return "", fmt.Errorf("memglass: field %q is not a char array", p.fi.name)
	}
	buf := make([]byte, p.fi.size)
	if err := p.Copy(buf); err != nil {
		return "", err
	}
	return cString(buf), nil
}

// plainLoadBits reads a naturally aligned scalar without ordering.
func plainLoadBits(p unsafe.Pointer, size uint32) uint64 {
	switch size {
	case 1:
		return uint64(*(*uint8)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 4:
		return uint64(*(*uint32)(p))
	case 8:
		return *(*uint64)(p)
	}
	return 0
}

// plainStoreBits writes a naturally aligned scalar without ordering.
func plainStoreBits(p unsafe.Pointer, size uint32, v uint64) {
	switch size {
	case 1:
		*(*uint8)(p) = uint8(v)
	case 2:
		*(*uint16)(p) = uint16(v)
	case 4:
		*(*uint32)(p) = uint32(v)
	case 8:
		*(*uint64)(p) = v
	}
}

// bufBits decodes a little-endian scalar copied out of shared memory.
func bufBits(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

// putBufBits encodes a scalar for copying into shared memory.
func putBufBits(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}
