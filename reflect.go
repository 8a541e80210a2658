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
	"reflect"
	"strings"
)

// Schema extraction from Go struct types. A published record type is a
// plain struct of fixed-size fields; the `memglass` tag tunes how each
// field appears to observers:
//
//	Counter uint64  `memglass:"atomic"`          // acquire/release scalar
//	Pos     Guarded[Vec3]                        // seqlock, from the type
//	Name    [32]byte `memglass:"name,char"`      // rename + char array
//	Scratch uint64   `memglass:"-"`              // not published
//	Build   uint32   `memglass:"readonly"`
//
// Guarded and Locked fields take their atomicity from the wrapper type;
// a tag keyword cannot override it.

var tagKeywords = map[string]bool{
	"atomic":   true,
	"seqlock":  true,
	"locked":   true,
	"readonly": true,
	"char":     true,
}

// primitiveFor maps a Go scalar kind to its wire tag.
func primitiveFor(k reflect.Kind) PrimitiveType {
	switch k {
	case reflect.Bool:
		return Bool
	case reflect.Int8:
		return Int8
	case reflect.Uint8:
		return UInt8
	case reflect.Int16:
		return Int16
	case reflect.Uint16:
		return UInt16
	case reflect.Int32:
		return Int32
	case reflect.Uint32:
		return UInt32
	case reflect.Int, reflect.Int64:
		return Int64
	case reflect.Uint, reflect.Uint64:
		return UInt64
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	}
	return Unknown
}

// guardedPayload returns the payload type if rt is Guarded[X] or
// Locked[X], along with the implied atomicity.
func guardedPayload(rt reflect.Type) (reflect.Type, Atomicity, bool) {
	if rt.Kind() != reflect.Struct || rt.PkgPath() != reflect.TypeOf(Config{}).PkgPath() {
		return nil, AtomicityNone, false
	}
	name := rt.Name()
	switch {
	case strings.HasPrefix(name, "Guarded["):
		return rt.Field(0).Type, AtomicitySeqlock, true
	case strings.HasPrefix(name, "Locked["):
		return rt.Field(0).Type, AtomicityLocked, true
	}
	return nil, AtomicityNone, false
}

// buildDescriptor extracts a TypeDescriptor from a struct type. resolve is
// called for nested struct field types and must return their registered
// type id; it is how recursive registration happens.
func buildDescriptor(rt reflect.Type, resolve func(reflect.Type) (uint32, error)) (TypeDescriptor, error) {
	if rt.Kind() != reflect.Struct {
		return TypeDescriptor{}, fmt.Errorf("memglass: %s is not a struct", rt)
	}
	if rt.Name() == "" {
		return TypeDescriptor{}, fmt.Errorf("memglass: anonymous struct types cannot be published")
	}

	desc := TypeDescriptor{
		Name:      rt.Name(),
		Size:      uint32(rt.Size()),
		Alignment: uint32(rt.Align()),
	}

	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		name, opts, skip := parseTag(sf)
		if skip {
			continue
		}
		if sf.PkgPath != "" {
			return TypeDescriptor{}, fmt.Errorf("memglass: %s.%s: unexported fields cannot be published (use `memglass:\"-\"` to skip)", rt.Name(), sf.Name)
		}

		fd := FieldDescriptor{
			Name:   name,
			Offset: uint32(sf.Offset),
		}
		if opts["readonly"] {
			fd.Flags |= FlagReadOnly
		}

		ft := sf.Type
		if payload, atom, ok := guardedPayload(ft); ok {
			fd.Atomicity = atom
			if err := fillElem(&fd, payload, opts, resolve); err != nil {
				return TypeDescriptor{}, fmt.Errorf("memglass: %s.%s: %w", rt.Name(), sf.Name, err)
			}
			desc.Fields = append(desc.Fields, fd)
			continue
		}

		if opts["atomic"] {
			fd.Atomicity = AtomicityAtomic
		}
		if err := fillElem(&fd, ft, opts, resolve); err != nil {
			return TypeDescriptor{}, fmt.Errorf("memglass: %s.%s: %w", rt.Name(), sf.Name, err)
		}
		if fd.Atomicity == AtomicityAtomic {
			if fd.Flags&(FlagIsArray|FlagIsNested) != 0 || !PrimitiveType(fd.TypeID).IsPrimitive() {
				return TypeDescriptor{}, fmt.Errorf("memglass: %s.%s: atomic requires a scalar field", rt.Name(), sf.Name)
			}
		}
		desc.Fields = append(desc.Fields, fd)
	}
	return desc, nil
}

// fillElem fills the type, size and flags of a field descriptor from the
// payload type (the field type itself, or the wrapped type of a guarded
// field).
func fillElem(fd *FieldDescriptor, ft reflect.Type, opts map[string]bool, resolve func(reflect.Type) (uint32, error)) error {
	fd.Size = uint32(ft.Size())

	switch ft.Kind() {
	case reflect.Array:
		elem := ft.Elem()
		tag := primitiveFor(elem.Kind())
		if tag == Unknown {
			return fmt.Errorf("unsupported array element type %s", elem)
		}
		if opts["char"] {
			if elem.Kind() != reflect.Uint8 {
				return fmt.Errorf("char applies only to byte arrays")
			}
			tag = Char
		}
		fd.Flags |= FlagIsArray
		fd.ArraySize = uint32(ft.Len())
		fd.TypeID = uint32(tag)
		return nil

	case reflect.Struct:
		if _, _, ok := guardedPayload(ft); ok {
			return fmt.Errorf("nested guarded wrappers are not supported")
		}
		id, err := resolve(ft)
		if err != nil {
			return err
		}
		fd.Flags |= FlagIsNested
		fd.TypeID = id
		return nil
	}

	tag := primitiveFor(ft.Kind())
	if tag == Unknown {
		return fmt.Errorf("unsupported field type %s", ft)
	}
	fd.TypeID = uint32(tag)
	return nil
}

// parseTag splits a `memglass` struct tag into an optional rename and a
// set of option keywords.
func parseTag(sf reflect.StructField) (name string, opts map[string]bool, skip bool) {
	name = sf.Name
	opts = make(map[string]bool)

	tag, ok := sf.Tag.Lookup("memglass")
	if !ok {
		return name, opts, false
	}
	if tag == "-" {
		return "", nil, true
	}
	for i, part := range strings.Split(tag, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i == 0 && !tagKeywords[part] {
			name = part
			continue
		}
		opts[part] = true
	}
	return name, opts, false
}
