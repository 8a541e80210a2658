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
	"bytes"
	"io"
	"math"
	"testing"

	"github.com/memglass/memglass"
	"github.com/stretchr/testify/require"
)

func TestZigZag(t *testing.T) {
	for _, i := range []int64{0, 1, -1, 63, -64, math.MaxInt64, math.MinInt64} {
		require.Equal(t, i, unzigzag(zigzag(i)), "value %d", i)
	}
	// Small magnitudes stay small on the wire.
	require.Equal(t, uint64(1), zigzag(-1))
	require.Equal(t, uint64(2), zigzag(1))
}

func sampleDiff() *Diff {
	return &Diff{
		Timestamp: 1722945600000000000,
		SeqFrom:   41,
		SeqTo:     44,
		Added:     []string{"car-7"},
		Removed:   []string{"car-2", "car-3"},
		Changes: []FieldChange{
			{
				Object: "car-1", Field: "Odometer",
				Old: scalar(memglass.UintValue(memglass.UInt64, 1000)),
				New: scalar(memglass.UintValue(memglass.UInt64, 1003)),
			},
			{
				Object: "car-1", Field: "Engine.RPM",
				Old: scalar(memglass.IntValue(memglass.Int32, -20)),
				New: scalar(memglass.IntValue(memglass.Int32, 3500)),
			},
			{
				Object: "car-1", Field: "Speed",
				Old: scalar(memglass.FloatValue(memglass.Float64, 12.5)),
				New: scalar(memglass.FloatValue(memglass.Float64, math.NaN())),
			},
			{
				Object: "car-1", Field: "Wheels[2]",
				Old: scalar(memglass.FloatValue(memglass.Float32, 0.75)),
				New: scalar(memglass.FloatValue(memglass.Float32, math.Inf(1))),
			},
			{
				Object: "car-1", Field: "plate",
				Old: FieldValue{Text: "OLD-1", IsText: true},
				New: FieldValue{Text: "NEW-1", IsText: true},
			},
			{
				Object: "car-1", Field: "Running",
				Old: scalar(memglass.BoolValue(false)),
				New: scalar(memglass.BoolValue(true)),
			},
		},
	}
}

// requireDecodedDiff checks a decoded frame against the encoded one. The
// wire is deliberately lossy: integer changes carry only the delta and
// floats only the new value, so a decoded scalar Old is always the zero
// value. Text changes carry both strings.
func requireDecodedDiff(t *testing.T, want, got *Diff) {
	t.Helper()
	require.Equal(t, want.Timestamp, got.Timestamp)
	require.Equal(t, want.SeqFrom, got.SeqFrom)
	require.Equal(t, want.SeqTo, got.SeqTo)
	require.Equal(t, want.Added, got.Added)
	require.Equal(t, want.Removed, got.Removed)
	require.Len(t, got.Changes, len(want.Changes))
	for i := range want.Changes {
		w, g := want.Changes[i], got.Changes[i]
		require.Equal(t, w.Object, g.Object)
		require.Equal(t, w.Field, g.Field)
		require.Equal(t, w.Old.IsText, g.Old.IsText)
		if w.Old.IsText {
			require.Equal(t, w.Old.Text, g.Old.Text)
			require.Equal(t, w.New.Text, g.New.Text)
			continue
		}
		require.Equal(t, w.New.Scalar.Type, g.New.Scalar.Type)
		require.Zero(t, g.Old.Scalar.Bits)
		if w.New.Scalar.Type.IsInteger() {
			delta := int64(w.New.Scalar.Bits) - int64(w.Old.Scalar.Bits)
			require.Equal(t, uint64(delta), g.New.Scalar.Bits)
		} else {
			// Raw bit comparison so NaN round trips are visible.
			require.Equal(t, w.New.Scalar.Bits, g.New.Scalar.Bits)
		}
	}
}

func TestBinaryRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	first := sampleDiff()
	second := &Diff{Timestamp: 1722945601000000000, SeqFrom: 44, SeqTo: 44}
	require.NoError(t, w.WriteDiff(first))
	require.NoError(t, w.WriteDiff(second))
	require.NoError(t, w.Close())
	// Bytes past the end frame are not part of the stream.
	buf.WriteString("trailing junk")

	r := NewReader(&buf)
	got1, err := r.ReadDiff()
	require.NoError(t, err)
	requireDecodedDiff(t, first, got1)

	got2, err := r.ReadDiff()
	require.NoError(t, err)
	requireDecodedDiff(t, second, got2)

	_, err = r.ReadDiff()
	require.ErrorIs(t, err, io.EOF)
}

func TestBinaryHeaderOnceAndMagic(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDiff(&Diff{}))
	require.NoError(t, w.WriteDiff(&Diff{}))
	require.NoError(t, w.Flush())

	raw := buf.Bytes()
	require.Equal(t, []byte("MGDF"), raw[:4])
	require.Equal(t, byte(mgdVersion), raw[4])
	require.Equal(t, 1, bytes.Count(raw, []byte("MGDF")))
}

func TestBinaryBadHeader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte("NOPE0000")))
	_, err := r.ReadDiff()
	require.ErrorIs(t, err, ErrBadHeader)

	r = NewReader(bytes.NewReader([]byte{'M', 'G', 'D', 'F', 99, 0, 0, 0}))
	_, err = r.ReadDiff()
	require.ErrorIs(t, err, ErrBadHeader)

	r = NewReader(bytes.NewReader([]byte("MG")))
	_, err = r.ReadDiff()
	require.ErrorIs(t, err, ErrBadHeader)
}

func TestBinaryTruncated(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDiff(sampleDiff()))
	require.NoError(t, w.Flush())

	raw := buf.Bytes()
	r := NewReader(bytes.NewReader(raw[:len(raw)-5]))
	_, err := r.ReadDiff()
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestBinaryBadFrameTag(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteDiff(&Diff{}))
	require.NoError(t, w.Flush())
	buf.WriteByte(0x7F)

	r := NewReader(&buf)
	_, err := r.ReadDiff()
	require.NoError(t, err)
	_, err = r.ReadDiff()
	require.ErrorIs(t, err, ErrCorrupt)
}
