//go:build linux && (amd64 || arm64)

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

package shm

import (
	"fmt"
	"os"
	"syscall"
)

// Create creates a named segment of size bytes and maps it read/write.
// An existing segment with the same name is replaced (create-or-truncate).
// The returned handle owns the segment: Close unlinks the backing file.
func Create(name string, size int) (*SharedMemory, error) {
	path := pathFor(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		// Stale segment from a previous producer; take it over.
		file, err = os.OpenFile(path, os.O_RDWR|os.O_TRUNC, 0600)
		if err != nil {
			return nil, fmt.Errorf("shm: create %s: %w", name, err)
		}
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(size)); err != nil {
		cleanup()
		return nil, fmt.Errorf("shm: truncate %s to %d: %w", name, size, err)
	}

	data, err := mmapFile(file, size)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("%w: %s: %v", ErrMapFailed, name, err)
	}

	return &SharedMemory{
		name:  name,
		path:  path,
		file:  file,
		data:  data,
		owner: true,
	}, nil
}

// Open attaches to an existing segment at its current size. The returned
// handle does not own the segment.
func Open(name string) (*SharedMemory, error) {
	path := pathFor(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("shm: open %s: %w", name, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat %s: %w", name, err)
	}

	data, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrMapFailed, name, err)
	}

	return &SharedMemory{
		name: name,
		path: path,
		file: file,
		data: data,
	}, nil
}

// Resize grows the segment and remaps it. Owner only. Observers holding the
// old size must reattach to see the new one.
func (m *SharedMemory) Resize(newSize int) error {
	if !m.owner {
		return ErrNotOwner
	}
	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil {
			return fmt.Errorf("shm: munmap %s: %w", m.name, err)
		}
		m.data = nil
	}
	if err := m.file.Truncate(int64(newSize)); err != nil {
		return fmt.Errorf("shm: truncate %s to %d: %w", m.name, newSize, err)
	}
	data, err := mmapFile(m.file, newSize)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMapFailed, m.name, err)
	}
	m.data = data
	return nil
}

// Unlink removes the segment name from the filesystem. The mapping stays
// valid for processes that already attached.
func (m *SharedMemory) Unlink() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close unmaps and closes the segment. An owning handle also unlinks the
// backing file.
func (m *SharedMemory) Close() error {
	var firstErr error

	if m.data != nil {
		if err := syscall.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
		m.data = nil
	}
	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}
	if m.owner {
		if err := m.Unlink(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.owner = false
	}
	return firstErr
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	fd := int(file.Fd())

	data, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}
