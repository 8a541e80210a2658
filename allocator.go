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

	"github.com/memglass/memglass/internal/shm"
)

// regionManager owns the producer's chain of data regions. Allocation is a
// bump pointer inside the tail region; when the tail cannot hold a request
// a new region of twice the previous size (clipped to MaxRegionSize) is
// created and linked. Regions are never unmapped while the session lives,
// so every handed-out offset stays valid.
type regionManager struct {
	session string
	cfg     Config
	hdr     *Header
	regions map[uint64]*shm.SharedMemory
	tailID  uint64
	nextID  uint64
}

// newRegionManager creates the first data region and publishes it as the
// chain head.
func newRegionManager(session string, cfg Config, hdr *Header) (*regionManager, error) {
	rm := &regionManager{
		session: session,
		cfg:     cfg,
		hdr:     hdr,
		regions: make(map[uint64]*shm.SharedMemory),
		nextID:  1,
	}
	id, err := rm.addRegion(cfg.InitialRegionSize)
	if err != nil {
		return nil, err
	}
	hdr.SetFirstRegionID(id)
	hdr.BumpSequence()
	return rm, nil
}

// addRegion creates and maps a region segment of the given total size,
// initializes its descriptor, and links it behind the current tail.
func (rm *regionManager) addRegion(size uint64) (uint64, error) {
	id := rm.nextID
	name := shm.RegionName(rm.session, id)

	seg, err := shm.Create(name, int(size))
	if err != nil {
		return 0, fmt.Errorf("%w: region %d: %v", ErrAllocatorExhausted, id, err)
	}

	desc := regionView(seg.Bytes())
	desc.initDescriptor(id, size, name)

	if rm.tailID != 0 {
		tail := regionView(rm.regions[rm.tailID].Bytes())
		tail.SetNextRegionID(id)
	}
	rm.regions[id] = seg
	rm.tailID = id
	rm.nextID++
	return id, nil
}

// allocate reserves size bytes with the given alignment. It returns the
// region id and the offset inside that region.
func (rm *regionManager) allocate(size, align uint64) (uint64, uint64, error) {
	if align == 0 {
		align = 1
	}

	tail := regionView(rm.regions[rm.tailID].Bytes())
	off := alignUp(tail.Used(), align)
	if off+size <= tail.Size() {
		tail.SetUsed(off + size)
		return tail.RegionID(), off, nil
	}

	need := uint64(RegionDescriptorSize) + size + align
	if need > rm.cfg.MaxRegionSize {
		return 0, 0, fmt.Errorf("%w: need %d bytes, max region %d",
			ErrAllocatorExhausted, need, rm.cfg.MaxRegionSize)
	}
	grown := tail.Size() * 2
	if grown < need {
		grown = need
	}
	if grown > rm.cfg.MaxRegionSize {
		grown = rm.cfg.MaxRegionSize
	}

	id, err := rm.addRegion(grown)
	if err != nil {
		return 0, 0, err
	}
	rm.hdr.BumpSequence()

	fresh := regionView(rm.regions[id].Bytes())
	off = alignUp(fresh.Used(), align)
	fresh.SetUsed(off + size)
	return id, off, nil
}

// bytes returns the mapped window [offset, offset+size) of a region.
func (rm *regionManager) bytes(regionID, offset, size uint64) []byte {
	seg := rm.regions[regionID]
	return seg.Bytes()[offset : offset+size]
}

// descriptor returns the descriptor of a mapped region.
func (rm *regionManager) descriptor(regionID uint64) *RegionDescriptor {
	return regionView(rm.regions[regionID].Bytes())
}

// closeAll unmaps and unlinks every owned region.
func (rm *regionManager) closeAll() error {
	var firstErr error
	for _, seg := range rm.regions {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	rm.regions = nil
	rm.tailID = 0
	return firstErr
}
