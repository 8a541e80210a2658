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
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func testName(t *testing.T) string {
	name := strings.ReplaceAll(t.Name(), "/", "_")
	return fmt.Sprintf("/shmtest_%d_%s", os.Getpid(), name)
}

func TestCreateOpenClose(t *testing.T) {
	name := testName(t)

	seg, err := Create(name, 4096)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	t.Cleanup(func() { seg.Close() })

	if !seg.IsOwner() {
		t.Error("creator should own the segment")
	}
	if seg.Size() != 4096 {
		t.Errorf("Size = %d, want 4096", seg.Size())
	}
	if seg.Name() != name {
		t.Errorf("Name = %q, want %q", seg.Name(), name)
	}

	seg.Bytes()[0] = 0xAB
	seg.Bytes()[4095] = 0xCD

	other, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer other.Close()

	if other.IsOwner() {
		t.Error("opener should not own the segment")
	}
	if other.Bytes()[0] != 0xAB || other.Bytes()[4095] != 0xCD {
		t.Error("opened mapping does not see creator's writes")
	}

	// Writes propagate both ways.
	other.Bytes()[100] = 0x55
	if seg.Bytes()[100] != 0x55 {
		t.Error("creator mapping does not see opener's writes")
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(testName(t))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Open missing = %v, want ErrNotFound", err)
	}
}

func TestCreateReplacesStale(t *testing.T) {
	name := testName(t)

	first, err := Create(name, 1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first.Bytes()[0] = 0xEE
	// Simulate a crashed producer: drop the mapping without unlinking.
	first.owner = false
	first.Close()

	second, err := Create(name, 2048)
	if err != nil {
		t.Fatalf("Create over stale: %v", err)
	}
	defer second.Close()

	if second.Size() != 2048 {
		t.Errorf("Size = %d, want 2048", second.Size())
	}
	if second.Bytes()[0] != 0 {
		t.Error("stale contents not truncated away")
	}
}

func TestResize(t *testing.T) {
	name := testName(t)

	seg, err := Create(name, 1024)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	seg.Bytes()[10] = 0x42
	if err := seg.Resize(8192); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if seg.Size() != 8192 {
		t.Errorf("Size = %d, want 8192", seg.Size())
	}
	if seg.Bytes()[10] != 0x42 {
		t.Error("contents lost across resize")
	}

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	if err := reader.Resize(16384); !errors.Is(err, ErrNotOwner) {
		t.Errorf("Resize by non-owner = %v, want ErrNotOwner", err)
	}
}

func TestCloseUnlinksOwned(t *testing.T) {
	name := testName(t)

	seg, err := Create(name, 512)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !Exists(name) {
		t.Fatal("segment should exist after Create")
	}
	if err := seg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if Exists(name) {
		t.Error("owned segment should be unlinked on Close")
	}
}

func TestCloseKeepsUnowned(t *testing.T) {
	name := testName(t)

	seg, err := Create(name, 512)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer seg.Close()

	reader, err := Open(name)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !Exists(name) {
		t.Error("segment should survive a non-owner Close")
	}
}

func TestRemove(t *testing.T) {
	name := testName(t)

	if err := Remove(name); err != nil {
		t.Errorf("Remove of missing segment = %v, want nil", err)
	}

	seg, err := Create(name, 256)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	seg.owner = false // keep the file when the handle closes
	seg.Close()

	if !Exists(name) {
		t.Fatal("segment should still exist")
	}
	if err := Remove(name); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if Exists(name) {
		t.Error("segment should be gone after Remove")
	}
}

func TestSegmentNames(t *testing.T) {
	if got := HeaderName("telemetry"); got != "/memglass_telemetry_header" {
		t.Errorf("HeaderName = %q", got)
	}
	if got := RegionName("telemetry", 7); got != "/memglass_telemetry_region_0007" {
		t.Errorf("RegionName = %q", got)
	}
	if got := RegionName("telemetry", 12); got != "/memglass_telemetry_region_0012" {
		t.Errorf("RegionName = %q", got)
	}
}
