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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/memglass/memglass"
)

// Binary stream format (.mgd). The file starts with an 8-byte header:
// the magic "MGDF", a version byte, a flags byte and two reserved bytes.
// Diff frames follow back to back, each introduced by tag 1; tag 0 is
// the end-of-stream frame written by Close. Integers travel as LEB128
// varints (signed ones zigzag first). Frame timestamps are zigzag
// deltas from the previous frame. Integer changes carry only the signed
// delta new-old; floats carry only the new value as its raw
// little-endian bit pattern, so non-finite values survive. Recovering
// absolute integer values takes the reader's own prior snapshot.

const (
	mgdVersion  = 1
	frameEnd    = 0x00
	frameTag    = 0x01
	kindScalar  = 0
	kindText    = 1
	maxLabelLen = 1 << 16 // sanity bound when decoding
)

var mgdMagic = [4]byte{'M', 'G', 'D', 'F'}

var (
	// ErrBadHeader indicates a stream that does not start with the mgd
	// magic or has an unsupported version.
	ErrBadHeader = errors.New("mgd: bad stream header")

	// ErrCorrupt indicates a frame that does not decode.
	ErrCorrupt = errors.New("mgd: corrupt frame")
)

func zigzag(i int64) uint64   { return uint64(i<<1) ^ uint64(i>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

// Writer encodes diffs into an mgd stream. The stream header is written
// before the first frame; call Flush before closing the destination.
type Writer struct {
	w           *bufio.Writer
	wroteHeader bool
	lastTS      int64
	scratch     []byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) writeHeader() error {
	if _, err := w.w.Write(mgdMagic[:]); err != nil {
		return err
	}
	_, err := w.w.Write([]byte{mgdVersion, 0, 0, 0})
	return err
}

func (w *Writer) putUvarint(v uint64) error {
	w.scratch = binary.AppendUvarint(w.scratch[:0], v)
	_, err := w.w.Write(w.scratch)
	return err
}

func (w *Writer) putString(s string) error {
	if err := w.putUvarint(uint64(len(s))); err != nil {
		return err
	}
	_, err := w.w.WriteString(s)
	return err
}

func (w *Writer) putFloatBits(bits uint64, size int) error {
	w.scratch = w.scratch[:0]
	if size == 4 {
		w.scratch = binary.LittleEndian.AppendUint32(w.scratch, uint32(bits))
	} else {
		w.scratch = binary.LittleEndian.AppendUint64(w.scratch, bits)
	}
	_, err := w.w.Write(w.scratch)
	return err
}

// WriteDiff appends one diff frame.
func (w *Writer) WriteDiff(d *Diff) error {
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return err
		}
		w.wroteHeader = true
	}

	if err := w.w.WriteByte(frameTag); err != nil {
		return err
	}
	for _, v := range []uint64{zigzag(d.Timestamp - w.lastTS), d.SeqFrom, d.SeqTo} {
		if err := w.putUvarint(v); err != nil {
			return err
		}
	}
	w.lastTS = d.Timestamp

	if err := w.putUvarint(uint64(len(d.Added))); err != nil {
		return err
	}
	for _, label := range d.Added {
		if err := w.putString(label); err != nil {
			return err
		}
	}
	if err := w.putUvarint(uint64(len(d.Removed))); err != nil {
		return err
	}
	for _, label := range d.Removed {
		if err := w.putString(label); err != nil {
			return err
		}
	}

	if err := w.putUvarint(uint64(len(d.Changes))); err != nil {
		return err
	}
	for _, c := range d.Changes {
		if err := w.writeChange(c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeChange(c FieldChange) error {
	if err := w.putString(c.Object); err != nil {
		return err
	}
	if err := w.putString(c.Field); err != nil {
		return err
	}

	if c.Old.IsText {
		if err := w.w.WriteByte(kindText); err != nil {
			return err
		}
		if err := w.putString(c.Old.Text); err != nil {
			return err
		}
		return w.putString(c.New.Text)
	}

	if err := w.w.WriteByte(kindScalar); err != nil {
		return err
	}
	t := c.New.Scalar.Type
	if err := w.putUvarint(uint64(t)); err != nil {
		return err
	}
	if t.IsInteger() {
		delta := int64(c.New.Scalar.Bits) - int64(c.Old.Scalar.Bits)
		return w.putUvarint(zigzag(delta))
	}
	return w.putFloatBits(c.New.Scalar.Bits, int(t.Size()))
}

// Flush writes buffered frames through to the destination.
func (w *Writer) Flush() error { return w.w.Flush() }

// Close terminates the stream with an end frame and flushes. The
// destination is left open.
func (w *Writer) Close() error {
	if !w.wroteHeader {
		if err := w.writeHeader(); err != nil {
			return err
		}
		w.wroteHeader = true
	}
	if err := w.w.WriteByte(frameEnd); err != nil {
		return err
	}
	return w.w.Flush()
}

// Reader decodes an mgd stream.
type Reader struct {
	r          *bufio.Reader
	readHeader bool
	lastTS     int64
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

func (r *Reader) checkHeader() error {
	var hdr [8]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrBadHeader
		}
		return err
	}
	if [4]byte(hdr[:4]) != mgdMagic {
		return ErrBadHeader
	}
	if hdr[4] != mgdVersion {
		return fmt.Errorf("%w: version %d", ErrBadHeader, hdr[4])
	}
	return nil
}

func (r *Reader) getString() (string, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		return "", corrupt(err)
	}
	if n > maxLabelLen {
		return "", fmt.Errorf("%w: string length %d", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", corrupt(err)
	}
	return string(buf), nil
}

func corrupt(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: truncated", ErrCorrupt)
	}
	return err
}

// ReadDiff decodes the next frame. It returns io.EOF at a clean end of
// stream.
func (r *Reader) ReadDiff() (*Diff, error) {
	if !r.readHeader {
		if err := r.checkHeader(); err != nil {
			return nil, err
		}
		r.readHeader = true
	}

	tag, err := r.r.ReadByte()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	if tag == frameEnd {
		return nil, io.EOF
	}
	if tag != frameTag {
		return nil, fmt.Errorf("%w: frame tag 0x%02X", ErrCorrupt, tag)
	}

	var hdr [3]uint64
	for i := range hdr {
		if hdr[i], err = binary.ReadUvarint(r.r); err != nil {
			return nil, corrupt(err)
		}
	}
	r.lastTS += unzigzag(hdr[0])
	d := &Diff{Timestamp: r.lastTS, SeqFrom: hdr[1], SeqTo: hdr[2]}

	if d.Added, err = r.readLabels(); err != nil {
		return nil, err
	}
	if d.Removed, err = r.readLabels(); err != nil {
		return nil, err
	}

	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		return nil, corrupt(err)
	}
	if n > maxLabelLen {
		return nil, fmt.Errorf("%w: change count %d", ErrCorrupt, n)
	}
	for i := uint64(0); i < n; i++ {
		c, err := r.readChange()
		if err != nil {
			return nil, err
		}
		d.Changes = append(d.Changes, c)
	}
	return d, nil
}

func (r *Reader) readLabels() ([]string, error) {
	n, err := binary.ReadUvarint(r.r)
	if err != nil {
		return nil, corrupt(err)
	}
	if n > maxLabelLen {
		return nil, fmt.Errorf("%w: label count %d", ErrCorrupt, n)
	}
	if n == 0 {
		return nil, nil
	}
	labels := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.getString()
		if err != nil {
			return nil, err
		}
		labels = append(labels, s)
	}
	return labels, nil
}

func (r *Reader) readChange() (FieldChange, error) {
	var c FieldChange
	var err error
	if c.Object, err = r.getString(); err != nil {
		return c, err
	}
	if c.Field, err = r.getString(); err != nil {
		return c, err
	}

	kind, err := r.r.ReadByte()
	if err != nil {
		return c, corrupt(err)
	}
	switch kind {
	case kindText:
		oldText, err := r.getString()
		if err != nil {
			return c, err
		}
		newText, err := r.getString()
		if err != nil {
			return c, err
		}
		c.Old = FieldValue{Text: oldText, IsText: true}
		c.New = FieldValue{Text: newText, IsText: true}
		return c, nil

	case kindScalar:
		tagRaw, err := binary.ReadUvarint(r.r)
		if err != nil {
			return c, corrupt(err)
		}
		t := memglass.PrimitiveType(tagRaw)
		if !t.IsPrimitive() {
			return c, fmt.Errorf("%w: scalar tag 0x%X", ErrCorrupt, tagRaw)
		}
		if t.IsInteger() {
			deltaZ, err := binary.ReadUvarint(r.r)
			if err != nil {
				return c, corrupt(err)
			}
			// Only the delta travels; absolute values need the prior
			// snapshot, which the reader holds or doesn't.
			c.Old = FieldValue{Scalar: memglass.Value{Type: t}}
			c.New = FieldValue{Scalar: memglass.Value{Type: t, Bits: uint64(unzigzag(deltaZ))}}
			return c, nil
		}
		bits, err := r.readFloatBits(int(t.Size()))
		if err != nil {
			return c, err
		}
		c.Old = FieldValue{Scalar: memglass.Value{Type: t}}
		c.New = FieldValue{Scalar: memglass.Value{Type: t, Bits: bits}}
		return c, nil
	}
	return c, fmt.Errorf("%w: change kind 0x%02X", ErrCorrupt, kind)
}

func (r *Reader) readFloatBits(size int) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r.r, buf[:size]); err != nil {
		return 0, corrupt(err)
	}
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(buf[:4])), nil
	}
	return binary.LittleEndian.Uint64(buf[:8]), nil
}
