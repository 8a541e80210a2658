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
	"testing"
	"unsafe"
)

// The structs in layout.go are shared across processes, so their sizes and
// field offsets are part of the wire protocol. These tests pin them.

func TestStructSizes(t *testing.T) {
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"Header", unsafe.Sizeof(Header{}), HeaderSize},
		{"TypeEntry", unsafe.Sizeof(TypeEntry{}), TypeEntrySize},
		{"FieldEntry", unsafe.Sizeof(FieldEntry{}), FieldEntrySize},
		{"ObjectEntry", unsafe.Sizeof(ObjectEntry{}), ObjectEntrySize},
		{"RegionDescriptor", unsafe.Sizeof(RegionDescriptor{}), RegionDescriptorSize},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("sizeof(%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestHeaderOffsets(t *testing.T) {
	var h Header
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"magic", unsafe.Offsetof(h.magic), 0},
		{"version", unsafe.Offsetof(h.version), 8},
		{"headerSize", unsafe.Offsetof(h.headerSize), 12},
		{"sequence", unsafe.Offsetof(h.sequence), 16},
		{"typeTableOff", unsafe.Offsetof(h.typeTableOff), 24},
		{"typeTableCap", unsafe.Offsetof(h.typeTableCap), 32},
		{"typeCount", unsafe.Offsetof(h.typeCount), 36},
		{"fieldPoolOff", unsafe.Offsetof(h.fieldPoolOff), 40},
		{"fieldPoolCap", unsafe.Offsetof(h.fieldPoolCap), 48},
		{"fieldCount", unsafe.Offsetof(h.fieldCount), 52},
		{"objectDirOff", unsafe.Offsetof(h.objectDirOff), 56},
		{"objectDirCap", unsafe.Offsetof(h.objectDirCap), 64},
		{"objectCount", unsafe.Offsetof(h.objectCount), 68},
		{"firstRegionID", unsafe.Offsetof(h.firstRegionID), 72},
		{"sessionName", unsafe.Offsetof(h.sessionName), 80},
		{"producerPID", unsafe.Offsetof(h.producerPID), 144},
		{"startTimestamp", unsafe.Offsetof(h.startTimestamp), 152},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof(Header.%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestTypeEntryOffsets(t *testing.T) {
	var e TypeEntry
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"typeID", unsafe.Offsetof(e.typeID), 0},
		{"size", unsafe.Offsetof(e.size), 4},
		{"alignment", unsafe.Offsetof(e.alignment), 8},
		{"fieldStart", unsafe.Offsetof(e.fieldStart), 12},
		{"fieldCount", unsafe.Offsetof(e.fieldCount), 16},
		{"flags", unsafe.Offsetof(e.flags), 20},
		{"name", unsafe.Offsetof(e.name), 24},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof(TypeEntry.%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestFieldEntryOffsets(t *testing.T) {
	var e FieldEntry
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"offset", unsafe.Offsetof(e.offset), 0},
		{"size", unsafe.Offsetof(e.size), 4},
		{"typeID", unsafe.Offsetof(e.typeID), 8},
		{"flags", unsafe.Offsetof(e.flags), 12},
		{"arraySize", unsafe.Offsetof(e.arraySize), 16},
		{"atomicity", unsafe.Offsetof(e.atomicity), 20},
		{"name", unsafe.Offsetof(e.name), 24},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof(FieldEntry.%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestObjectEntryOffsets(t *testing.T) {
	var e ObjectEntry
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"state", unsafe.Offsetof(e.state), 0},
		{"typeID", unsafe.Offsetof(e.typeID), 4},
		{"regionID", unsafe.Offsetof(e.regionID), 8},
		{"offset", unsafe.Offsetof(e.offset), 16},
		{"generation", unsafe.Offsetof(e.generation), 24},
		{"label", unsafe.Offsetof(e.label), 32},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof(ObjectEntry.%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestRegionDescriptorOffsets(t *testing.T) {
	var r RegionDescriptor
	tests := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"magic", unsafe.Offsetof(r.magic), 0},
		{"regionID", unsafe.Offsetof(r.regionID), 8},
		{"size", unsafe.Offsetof(r.size), 16},
		{"used", unsafe.Offsetof(r.used), 24},
		{"nextRegionID", unsafe.Offsetof(r.nextRegionID), 32},
		{"shmName", unsafe.Offsetof(r.shmName), 40},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("offsetof(RegionDescriptor.%s) = %d, want %d", tt.name, tt.got, tt.want)
		}
	}
}

func TestHeaderSegmentSize(t *testing.T) {
	cfg := Config{}.withDefaults()
	want := uint64(HeaderSize) +
		uint64(cfg.MaxTypes)*TypeEntrySize +
		uint64(cfg.MaxFields)*FieldEntrySize +
		uint64(cfg.MaxObjects)*ObjectEntrySize
	if got := headerSegmentSize(cfg); got != want {
		t.Errorf("headerSegmentSize = %d, want %d", got, want)
	}
	// Every table must start 8-aligned so the atomic u64 fields inside
	// entries stay naturally aligned.
	var h Header
	h.initHeader("align", cfg, 1, 1)
	for _, off := range []uint64{h.typeTableOff, h.fieldPoolOff, h.objectDirOff} {
		if off%8 != 0 {
			t.Errorf("table offset %d not 8-aligned", off)
		}
	}
}

func TestCStringRoundTrip(t *testing.T) {
	var buf [NameSize]byte
	setCString(buf[:], "telemetry")
	if got := cString(buf[:]); got != "telemetry" {
		t.Errorf("cString = %q, want %q", got, "telemetry")
	}

	long := make([]byte, 0, 2*NameSize)
	for i := 0; i < 2*NameSize; i++ {
		long = append(long, 'x')
	}
	setCString(buf[:], string(long))
	if got := cString(buf[:]); len(got) != NameSize-1 {
		t.Errorf("truncated length = %d, want %d", len(got), NameSize-1)
	}
}

func TestValidateHeader(t *testing.T) {
	var h Header
	h.initHeader("s", Config{}.withDefaults(), 42, 7)
	if err := validateHeader(&h); err != nil {
		t.Fatalf("validateHeader: %v", err)
	}

	h.magic = 0xDEAD
	if err := validateHeader(&h); err == nil {
		t.Error("expected bad magic error")
	}

	h.magic = HeaderMagic
	h.version = ProtocolVersion + 1
	if err := validateHeader(&h); err == nil {
		t.Error("expected version mismatch error")
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want uint64
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{104, 64, 128},
		{3, 4, 4},
	}
	for _, tt := range tests {
		if got := alignUp(tt.n, tt.align); got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}
