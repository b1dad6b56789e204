// Package cenc implements the fMP4 CENC ClearKey decryptor, per spec.md
// §4.8.
//
// Grounded line-for-line on original_source/utils/drm_decrypter.py's
// MP4Parser/MP4Atom/MP4Decrypter: a minimal 32-bit-size+4cc box walker
// (64-bit extended size on overflow) that preserves every box it does not
// recognize byte-for-byte, transforming only the ones spec.md §4.8 names.
package cenc

import (
	"encoding/binary"
	"fmt"
)

// Box is one parsed ISO-BMFF box: its 4-character type and the bytes that
// follow its header (the extended-size form, if present, is already
// resolved away).
type Box struct {
	Type    [4]byte
	Payload []byte
}

// TypeString returns b.Type as a string for comparisons and formatting.
func (b Box) TypeString() string { return string(b.Type[:]) }

// Pack reassembles b into its wire form: a 32-bit size, the 4cc, and the
// payload. Output boxes always use the short header form, matching
// drm_decrypter.py's MP4Atom.pack (it never re-emits the 64-bit extended
// form on write, even when the input used it).
func (b Box) Pack() []byte {
	out := make([]byte, 8+len(b.Payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(b.Payload)))
	copy(out[4:8], b.Type[:])
	copy(out[8:], b.Payload)
	return out
}

// packBox builds the wire form of a box directly from a type string and
// payload, without needing an intermediate Box value.
func packBox(boxType string, payload []byte) []byte {
	var b Box
	copy(b.Type[:], boxType)
	b.Payload = payload
	return b.Pack()
}

// ReadBoxes walks data as a sequential list of top-level boxes, per
// MP4Parser.list_atoms. It does not recurse; callers re-invoke ReadBoxes on
// a box's Payload to descend a level.
func ReadBoxes(data []byte) ([]Box, error) {
	var boxes []Box
	pos := 0
	for pos+8 <= len(data) {
		b, next, err := readBoxAt(data, pos)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, b)
		pos = next
	}
	return boxes, nil
}

func readBoxAt(data []byte, pos int) (Box, int, error) {
	if pos+8 > len(data) {
		return Box{}, 0, fmt.Errorf("cenc: truncated box header at offset %d", pos)
	}
	size := uint64(binary.BigEndian.Uint32(data[pos : pos+4]))
	var boxType [4]byte
	copy(boxType[:], data[pos+4:pos+8])
	headerEnd := pos + 8

	if size == 1 {
		if headerEnd+8 > len(data) {
			return Box{}, 0, fmt.Errorf("cenc: truncated extended-size box header at offset %d", pos)
		}
		size = binary.BigEndian.Uint64(data[headerEnd : headerEnd+8])
		headerEnd += 8
	}

	if size < uint64(headerEnd-pos) {
		return Box{}, 0, fmt.Errorf("cenc: invalid box size %d at offset %d", size, pos)
	}
	end := pos + int(size)
	if end > len(data) {
		return Box{}, 0, fmt.Errorf("cenc: box at offset %d overruns input (size %d)", pos, size)
	}

	return Box{Type: boxType, Payload: data[headerEnd:end]}, end, nil
}
