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

// Package memglass publishes live, typed process state into shared memory
// so external observers can read it without stopping or instrumenting the
// producer. A producer session owns a header segment (schema, object
// directory) and a chain of data regions holding the records themselves;
// observers attach read-only-by-convention and navigate fields by name.
package memglass

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"
	"unsafe"

	"github.com/memglass/memglass/internal/shm"
)

// Producer owns a live session: the header segment, the region chain and
// the published schema. There is exactly one writer per session.
type Producer struct {
	mu sync.Mutex

	session string
	cfg     Config

	headerSeg *shm.SharedMemory
	hdr       *Header

	reg     *registry
	objects *objectManager
	regions *regionManager

	typeIDs map[reflect.Type]uint32
	closed  bool
}

// NewProducer creates a session's shared memory segments and returns the
// producer handle. A stale session with the same name left by a crashed
// process is replaced.
func NewProducer(session string, cfg Config) (*Producer, error) {
	cfg = cfg.withDefaults()

	headerSeg, err := shm.Create(shm.HeaderName(session), int(headerSegmentSize(cfg)))
	if err != nil {
		return nil, fmt.Errorf("memglass: create session %q: %w", session, err)
	}

	hdr := headerView(headerSeg.Bytes())
	hdr.initHeader(session, cfg, uint64(os.Getpid()), uint64(time.Now().UnixNano()))

	regions, err := newRegionManager(session, cfg, hdr)
	if err != nil {
		headerSeg.Close()
		return nil, err
	}

	return &Producer{
		session:   session,
		cfg:       cfg,
		headerSeg: headerSeg,
		hdr:       hdr,
		reg:       newRegistry(headerSeg.Bytes(), hdr),
		objects:   newObjectManager(headerSeg.Bytes(), hdr),
		regions:   regions,
		typeIDs:   make(map[reflect.Type]uint32),
	}, nil
}

// Session returns the session name.
func (p *Producer) Session() string { return p.session }

// RegisterType publishes the schema for T without creating an object.
// Create does this implicitly; explicit registration is useful to fail
// fast on unsupported types at startup.
func RegisterType[T any](p *Producer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrNotInitialized
	}
	_, err := p.registerGoType(reflect.TypeOf((*T)(nil)).Elem())
	return err
}

// registerGoType registers rt and, depth first, every nested struct type
// it references. Caller holds p.mu.
func (p *Producer) registerGoType(rt reflect.Type) (uint32, error) {
	if id, ok := p.typeIDs[rt]; ok {
		return id, nil
	}
	desc, err := buildDescriptor(rt, p.registerGoType)
	if err != nil {
		return 0, err
	}
	id, err := p.reg.registerType(desc)
	if err != nil {
		return 0, err
	}
	p.typeIDs[rt] = id
	return id, nil
}

// Create allocates a record of type T in shared memory, publishes it in
// the object directory under label, and returns a pointer to it. The
// pointer stays valid until the producer closes; writes through it are
// immediately visible to attached observers.
func Create[T any](p *Producer, label string) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotInitialized
	}

	rt := reflect.TypeOf((*T)(nil)).Elem()
	te, id, err := p.resolveType(rt)
	if err != nil {
		return nil, err
	}

	regionID, off, err := p.regions.allocate(uint64(te.Size()), uint64(te.Alignment()))
	if err != nil {
		return nil, err
	}
	if _, err := p.objects.register(label, id, regionID, off); err != nil {
		return nil, err
	}

	b := p.regions.bytes(regionID, off, uint64(te.Size()))
	return (*T)(unsafe.Pointer(&b[0])), nil
}

// CreateInit is Create with the record set to initial before it is
// published, so observers never see the zero state.
func CreateInit[T any](p *Producer, label string, initial T) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotInitialized
	}

	te, id, err := p.resolveType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}

	regionID, off, err := p.regions.allocate(uint64(te.Size()), uint64(te.Alignment()))
	if err != nil {
		return nil, err
	}
	b := p.regions.bytes(regionID, off, uint64(te.Size()))
	ptr := (*T)(unsafe.Pointer(&b[0]))
	*ptr = initial
	if _, err := p.objects.register(label, id, regionID, off); err != nil {
		return nil, err
	}
	return ptr, nil
}

// CreateArray allocates n contiguous records of type T and publishes
// them as label[0] through label[n-1]. The returned slice aliases the
// shared region, so element i of the slice is the record observers see
// under label[i].
func CreateArray[T any](p *Producer, label string, n int) ([]T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrNotInitialized
	}
	if n <= 0 {
		return nil, fmt.Errorf("memglass: array of %q needs a positive size, got %d", label, n)
	}

	te, id, err := p.resolveType(reflect.TypeOf((*T)(nil)).Elem())
	if err != nil {
		return nil, err
	}

	// Go guarantees Sizeof is a multiple of Alignof, so Size is the
	// element stride.
	stride := uint64(te.Size())
	regionID, off, err := p.regions.allocate(stride*uint64(n), uint64(te.Alignment()))
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		elem := fmt.Sprintf("%s[%d]", label, i)
		if _, err := p.objects.register(elem, id, regionID, off+stride*uint64(i)); err != nil {
			return nil, err
		}
	}

	b := p.regions.bytes(regionID, off, stride*uint64(n))
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n), nil
}

// resolveType registers rt if needed and returns its table entry. Caller
// holds p.mu.
func (p *Producer) resolveType(rt reflect.Type) (*TypeEntry, uint32, error) {
	id, err := p.registerGoType(rt)
	if err != nil {
		return nil, 0, err
	}
	te, ok := p.reg.lookupByID(id)
	if !ok {
		return nil, 0, ErrTypeNotRegistered
	}
	return te, id, nil
}

// Destroy marks the first live object with the given label as destroyed.
// Its memory is not reclaimed; observers see the state change on their
// next refresh.
func (p *Producer) Destroy(label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrNotInitialized
	}
	idx, ok := p.objects.find(label)
	if !ok {
		return fmt.Errorf("%w: %q", ErrObjectNotFound, label)
	}
	p.objects.destroy(idx)
	return nil
}

// Close tears the session down: every owned segment is unmapped and
// unlinked. Pointers returned by Create become invalid.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	firstErr := p.regions.closeAll()
	if err := p.headerSeg.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Global session. Most producers publish exactly one session per process;
// Init and the package-level helpers manage it.
var (
	globalMu sync.Mutex
	global   *Producer
)

// Init starts the process-wide session. It fails if one is already live.
func Init(session string, cfg Config) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return ErrAlreadyInitialized
	}
	p, err := NewProducer(session, cfg)
	if err != nil {
		return err
	}
	global = p
	return nil
}

// Shutdown closes the process-wide session.
func Shutdown() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return ErrNotInitialized
	}
	err := global.Close()
	global = nil
	return err
}

// Default returns the process-wide producer, nil before Init.
func Default() *Producer {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// Publish creates a record in the process-wide session.
func Publish[T any](label string) (*T, error) {
	p := Default()
	if p == nil {
		return nil, ErrNotInitialized
	}
	return Create[T](p, label)
}

// Remove destroys a record in the process-wide session.
func Remove(label string) error {
	p := Default()
	if p == nil {
		return ErrNotInitialized
	}
	return p.Destroy(label)
}

// CleanupSession unlinks the segments of a session without attaching to
// it. Use after a producer crash to release /dev/shm space. The session
// must not have a live producer.
func CleanupSession(session string) error {
	seg, err := shm.Open(shm.HeaderName(session))
	if err != nil {
		// No header left; sweep a bounded range of region names.
		for id := uint64(1); id <= 64; id++ {
			shm.Remove(shm.RegionName(session, id))
		}
		return shm.Remove(shm.HeaderName(session))
	}

	hdr := headerView(seg.Bytes())
	if err := validateHeader(hdr); err != nil {
		seg.Close()
		return err
	}
	id := hdr.FirstRegionID()
	seg.Close()

	for id != 0 {
		rseg, err := shm.Open(shm.RegionName(session, id))
		if err != nil {
			break
		}
		next := regionView(rseg.Bytes()).NextRegionID()
		rseg.Close()
		shm.Remove(shm.RegionName(session, id))
		id = next
	}
	return shm.Remove(shm.HeaderName(session))
}
