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

// objectManager runs the producer side of the object directory. Slots are
// assigned at the high-water mark and never reused within a session, so an
// observer that saw a slot Alive can trust its immutable fields until the
// state flips to Destroyed.
type objectManager struct {
	data []byte // mapped header segment
	hdr  *Header
}

func newObjectManager(data []byte, hdr *Header) *objectManager {
	return &objectManager{data: data, hdr: hdr}
}

// register publishes a new directory entry for an allocated record. The
// entry body is fully written before the Alive transition, and the count
// is raised before the state flip so observers never see an Alive slot
// above the published count.
func (om *objectManager) register(label string, typeID uint32, regionID, offset uint64) (uint32, error) {
	n := om.hdr.ObjectCount()
	if n >= om.hdr.ObjectDirCap() {
		return 0, fmt.Errorf("%w: %d slots", ErrDirectoryFull, om.hdr.ObjectDirCap())
	}

	e := objectEntryAt(om.data, om.hdr, n)
	e.set(typeID, regionID, offset, e.Generation()+1, label)
	om.hdr.SetObjectCount(n + 1)
	e.SetState(StateAlive)
	om.hdr.BumpSequence()
	return n, nil
}

// destroy flips a slot to Destroyed. The record's bytes stay mapped and
// the slot is not reclaimed.
func (om *objectManager) destroy(index uint32) {
	e := objectEntryAt(om.data, om.hdr, index)
	if e.State() != StateAlive {
		return
	}
	e.SetState(StateDestroyed)
	om.hdr.BumpSequence()
}

// find returns the index of the first Alive entry with the given label.
func (om *objectManager) find(label string) (uint32, bool) {
	n := om.hdr.ObjectCount()
	for i := uint32(0); i < n; i++ {
		e := objectEntryAt(om.data, om.hdr, i)
		if e.State() == StateAlive && e.Label() == label {
			return i, true
		}
	}
	return 0, false
}

// entry returns the slot at index without state filtering.
func (om *objectManager) entry(index uint32) *ObjectEntry {
	return objectEntryAt(om.data, om.hdr, index)
}
