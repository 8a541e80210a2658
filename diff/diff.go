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

// Package diff snapshots live sessions and computes field-level deltas
// between snapshots, with text, JSON and binary encodings of the result.
package diff

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/memglass/memglass"
)

// FieldChange records one leaf whose value moved between two snapshots.
type FieldChange struct {
	Object string
	Field  string
	Old    FieldValue
	New    FieldValue
}

// Diff is the delta between two snapshots of the same session.
type Diff struct {
	Timestamp int64 // unix nanoseconds of the newer snapshot
	SeqFrom   uint64
	SeqTo     uint64
	Added     []string // labels present only in the newer snapshot
	Removed   []string // labels present only in the older snapshot
	Changes   []FieldChange
}

// Empty reports whether the diff carries no changes at all.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changes) == 0
}

// Compute builds the delta from old to new. Objects are matched by label;
// fields are matched by flattened path. A leaf present on only one side
// (schema drift within a label) is ignored.
func Compute(oldSnap, newSnap *Snapshot) *Diff {
	d := &Diff{
		Timestamp: newSnap.TakenAt.UnixNano(),
		SeqFrom:   oldSnap.Sequence,
		SeqTo:     newSnap.Sequence,
	}

	for _, label := range newSnap.ObjectOrder() {
		if _, ok := oldSnap.Objects[label]; !ok {
			d.Added = append(d.Added, label)
		}
	}
	for _, label := range oldSnap.ObjectOrder() {
		if _, ok := newSnap.Objects[label]; !ok {
			d.Removed = append(d.Removed, label)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)

	for _, label := range newSnap.ObjectOrder() {
		after := newSnap.Objects[label]
		before, ok := oldSnap.Objects[label]
		if !ok {
			continue
		}
		for _, path := range after.FieldOrder() {
			nv := after.Fields[path]
			ov, ok := before.Fields[path]
			if !ok {
				continue
			}
			if !ov.Equal(nv) {
				d.Changes = append(d.Changes, FieldChange{
					Object: label,
					Field:  path,
					Old:    ov,
					New:    nv,
				})
			}
		}
	}
	return d
}

// WriteText renders the diff in the line format
//
//	@<unix-ns> seq:<from>-><to> +objs:[l1,l2] -objs:[l3]
//	  <label>.<path>: <old> -> <new>
//
// The +objs/-objs groups appear only when labels were added or removed.
func (d *Diff) WriteText(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "@%d seq:%d->%d", d.Timestamp, d.SeqFrom, d.SeqTo); err != nil {
		return err
	}
	if len(d.Added) > 0 {
		if _, err := fmt.Fprintf(w, " +objs:[%s]", strings.Join(d.Added, ",")); err != nil {
			return err
		}
	}
	if len(d.Removed) > 0 {
		if _, err := fmt.Fprintf(w, " -objs:[%s]", strings.Join(d.Removed, ",")); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\n"); err != nil {
		return err
	}
	for _, c := range d.Changes {
		if _, err := fmt.Fprintf(w, "  %s.%s: %s -> %s\n",
			c.Object, c.Field, c.Old.String(), c.New.String()); err != nil {
			return err
		}
	}
	return nil
}

// jsonDiff mirrors Diff with JSON-safe field values.
type jsonDiff struct {
	Timestamp int64             `json:"timestamp_ns"`
	SeqFrom   uint64            `json:"old_sequence"`
	SeqTo     uint64            `json:"new_sequence"`
	Added     []string          `json:"added,omitempty"`
	Removed   []string          `json:"removed,omitempty"`
	Changes   []jsonFieldChange `json:"changes,omitempty"`
}

type jsonFieldChange struct {
	Object string `json:"obj"`
	Field  string `json:"field"`
	Old    any    `json:"old"`
	New    any    `json:"new"`
}

// jsonValue converts a leaf to a JSON-encodable value. Non-finite floats
// are not representable as JSON numbers and become the strings "NaN",
// "Infinity" and "-Infinity".
func jsonValue(v FieldValue) any {
	if v.IsText {
		return v.Text
	}
	s := v.Scalar
	switch {
	case s.Type == memglass.Bool:
		return s.Bool()
	case s.Type == memglass.Char:
		return string(rune(byte(s.Bits)))
	case s.IsFloat():
		f := s.Float()
		switch {
		case math.IsNaN(f):
			return "NaN"
		case math.IsInf(f, 1):
			return "Infinity"
		case math.IsInf(f, -1):
			return "-Infinity"
		}
		return f
	case s.IsSigned():
		return s.Int()
	default:
		return s.Uint()
	}
}

func (d *Diff) toJSON() jsonDiff {
	jd := jsonDiff{
		Timestamp: d.Timestamp,
		SeqFrom:   d.SeqFrom,
		SeqTo:     d.SeqTo,
		Added:     d.Added,
		Removed:   d.Removed,
	}
	for _, c := range d.Changes {
		jd.Changes = append(jd.Changes, jsonFieldChange{
			Object: c.Object,
			Field:  c.Field,
			Old:    jsonValue(c.Old),
			New:    jsonValue(c.New),
		})
	}
	return jd
}

// WriteJSON renders the diff as a single JSON line.
func (d *Diff) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(d.toJSON())
}

// WriteJSONIndent renders the diff as indented JSON.
func (d *Diff) WriteJSONIndent(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d.toJSON())
}
