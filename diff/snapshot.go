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

package diff

import (
	"time"

	"github.com/memglass/memglass"
)

// FieldValue is one leaf captured in a snapshot: either a tagged scalar
// or, for char arrays, a decoded string.
type FieldValue struct {
	Scalar memglass.Value
	Text   string
	IsText bool
}

// Equal reports whether two captured leaves carry the same value. Float
// comparison follows the scalar rule: NaN never equals anything.
func (v FieldValue) Equal(o FieldValue) bool {
	if v.IsText != o.IsText {
		return false
	}
	if v.IsText {
		return v.Text == o.Text
	}
	return v.Scalar.Equal(o.Scalar)
}

// String formats the leaf for text output.
func (v FieldValue) String() string {
	if v.IsText {
		return "\"" + v.Text + "\""
	}
	return v.Scalar.String()
}

// ObjectSnapshot captures every leaf of one live record.
type ObjectSnapshot struct {
	Label  string
	Type   string
	Fields map[string]FieldValue
	order  []string
}

// FieldOrder returns leaf paths in schema order.
func (s *ObjectSnapshot) FieldOrder() []string { return s.order }

// Snapshot is a point-in-time capture of a session: the structural
// sequence and the leaves of every live object. Captures are not globally
// atomic; per-field consistency follows each field's published atomicity.
type Snapshot struct {
	TakenAt  time.Time
	Sequence uint64
	PID      uint64 // producer pid from the session header
	Objects  map[string]*ObjectSnapshot
	order    []string
}

// ObjectOrder returns object labels in directory order.
func (s *Snapshot) ObjectOrder() []string { return s.order }

// Take captures the current state of every live object in the session.
func Take(o *memglass.Observer) (*Snapshot, error) {
	views, err := o.Objects()
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		TakenAt:  time.Now(),
		Sequence: o.Sequence(),
		PID:      o.ProducerPID(),
		Objects:  make(map[string]*ObjectSnapshot, len(views)),
	}
	for _, v := range views {
		obj := &ObjectSnapshot{
			Label:  v.Label(),
			Type:   v.TypeName(),
			Fields: make(map[string]FieldValue),
		}
		err := v.Walk(func(path string, p memglass.FieldProxy) error {
			var fv FieldValue
			if p.IsArray() && p.Type() == memglass.Char {
				text, err := p.Text()
				if err != nil {
					return err
				}
				fv = FieldValue{Text: text, IsText: true}
			} else {
				val, err := p.Load()
				if err != nil {
					return err
				}
				fv = FieldValue{Scalar: val}
			}
			obj.Fields[path] = fv
			obj.order = append(obj.order, path)
			return nil
		})
		if err != nil {
			return nil, err
		}
		snap.Objects[obj.Label] = obj
		snap.order = append(snap.order, obj.Label)
	}
	return snap, nil
}
