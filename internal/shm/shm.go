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

// Package shm provides named shared memory segments backed by files under
// /dev/shm (with a temp-dir fallback), memory mapped into the process.
// Producers create and own segments; observers open them read/write without
// taking ownership. Owned segments are unlinked when closed.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNotFound indicates an attach to a segment that does not exist.
	ErrNotFound = errors.New("shm: segment not found")

	// ErrMapFailed indicates the OS refused to map the segment.
	ErrMapFailed = errors.New("shm: mapping failed")

	// ErrNotOwner indicates a resize attempt on a segment opened, not created.
	ErrNotOwner = errors.New("shm: not segment owner")
)

// SharedMemory is a mapped named segment. The zero value is not usable;
// construct with Create or Open.
type SharedMemory struct {
	name  string
	path  string
	file  *os.File
	data  []byte
	owner bool
}

// Name returns the segment's cross-process name (e.g. "/memglass_x_header").
func (m *SharedMemory) Name() string { return m.name }

// Path returns the backing file path.
func (m *SharedMemory) Path() string { return m.path }

// Size returns the mapped size in bytes.
func (m *SharedMemory) Size() int { return len(m.data) }

// Bytes returns the mapped region. The slice stays valid until Close or
// Resize.
func (m *SharedMemory) Bytes() []byte { return m.data }

// IsOwner reports whether this handle created the segment.
func (m *SharedMemory) IsOwner() bool { return m.owner }

// HeaderName returns the session's header segment name.
func HeaderName(session string) string {
	return "/memglass_" + session + "_header"
}

// RegionName returns the name of a session's data region. Region ids are
// zero-padded to four digits so names sort in chain order.
func RegionName(session string, regionID uint64) string {
	return fmt.Sprintf("/memglass_%s_region_%04d", session, regionID)
}

// pathFor resolves a segment name to a backing file path. A leading slash
// marks a POSIX-style shm name; the file lives under /dev/shm when
// available, else the temp directory.
func pathFor(name string) string {
	base := strings.TrimPrefix(name, "/")
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", base)
	}
	return filepath.Join(os.TempDir(), base)
}

// isDevShmAvailable checks if /dev/shm exists and is a directory
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// Remove unlinks a segment by name without mapping it. Used for operational
// cleanup after a producer crash.
func Remove(name string) error {
	err := os.Remove(pathFor(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a segment with the given name exists.
func Exists(name string) bool {
	_, err := os.Stat(pathFor(name))
	return err == nil
}
