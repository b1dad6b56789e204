package cenc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedBox is returned when a box's payload is too short for the
// field it's expected to carry, i.e. a DecryptError-class invariant
// violation per spec.md §7.
var ErrMalformedBox = errors.New("cenc: malformed box")

// SubSample is one (clear, encrypted) byte-range pair within an encrypted
// sample, from a senc box's per-sample subsample table.
type SubSample struct {
	ClearBytes uint16
	EncBytes   uint32
}

// SampleAuxInfo is the senc-derived per-sample IV and subsample partition.
type SampleAuxInfo struct {
	IV         []byte
	SubSamples []SubSample
}

// KeyMap maps a lowercase-hex KID to its raw key bytes.
type KeyMap map[string][]byte

// soleKey returns the map's only value when it has exactly one entry, per
// spec.md §4.8's "if the map has exactly one entry, it is used
// unconditionally" rule.
func (k KeyMap) soleKey() ([]byte, bool) {
	if len(k) != 1 {
		return nil, false
	}
	for _, v := range k {
		return v, true
	}
	return nil, false
}

// anyKey returns an arbitrary value from the map, the fallback used when
// more than one key is present and no track-ID-to-KID association exists
// (the per-track fallback that spec.md leaves outside the single-key case).
func (k KeyMap) anyKey() ([]byte, bool) {
	for _, v := range k {
		return v, true
	}
	return nil, false
}

// decoderState carries the mutable per-fragment state a traf/tfhd/trun/senc
// sequence establishes for the mdat that follows it, mirroring
// MP4Decrypter's instance fields in the original.
type decoderState struct {
	overhead        int
	currentKey      []byte
	sampleInfo      []SampleAuxInfo
	trunSampleSizes []uint32
}

// Decrypt performs the fMP4 CENC ClearKey transform on combined
// (init_segment || media_segment), per spec.md §4.8: box-by-box, stripping
// protection metadata and decrypting mdat sample data in place.
func Decrypt(combined []byte, keys KeyMap) ([]byte, error) {
	boxes, err := ReadBoxes(combined)
	if err != nil {
		return nil, err
	}

	d := &decoderState{}
	var out bytes.Buffer
	for _, b := range boxes {
		switch b.TypeString() {
		case "moov":
			payload, err := d.processMoov(b.Payload)
			if err != nil {
				return nil, err
			}
			out.Write(packBox("moov", payload))
		case "moof":
			payload, err := d.processMoof(b.Payload, keys)
			if err != nil {
				return nil, err
			}
			out.Write(packBox("moof", payload))
		case "sidx":
			out.Write(packBox("sidx", processSidx(b.Payload, d.overhead)))
		case "mdat":
			payload, err := decryptMdat(b.Payload, d.currentKey, d.sampleInfo, d.trunSampleSizes)
			if err != nil {
				return nil, err
			}
			out.Write(packBox("mdat", payload))
		default:
			out.Write(b.Pack())
		}
	}
	return out.Bytes(), nil
}

// processMoov descends moov -> trak, dropping pssh and protection uuid
// boxes at this level.
func (d *decoderState) processMoov(payload []byte) ([]byte, error) {
	boxes, err := ReadBoxes(payload)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for _, b := range boxes {
		switch b.TypeString() {
		case "pssh", "uuid":
			continue
		case "trak":
			trak, err := d.processTrak(b.Payload)
			if err != nil {
				return nil, err
			}
			out.Write(packBox("trak", trak))
		default:
			out.Write(b.Pack())
		}
	}
	return out.Bytes(), nil
}

func (d *decoderState) processTrak(payload []byte) ([]byte, error) {
	return descendOne(payload, "mdia", d.processMdia)
}

func (d *decoderState) processMdia(payload []byte) ([]byte, error) {
	return descendOne(payload, "minf", d.processMinf)
}

func (d *decoderState) processMinf(payload []byte) ([]byte, error) {
	return descendOne(payload, "stbl", d.processStbl)
}

func (d *decoderState) processStbl(payload []byte) ([]byte, error) {
	return descendOne(payload, "stsd", d.processStsd)
}

// descendOne rewrites exactly the child box named target using transform,
// passing every sibling box through unchanged.
func descendOne(payload []byte, target string, transform func([]byte) ([]byte, error)) ([]byte, error) {
	boxes, err := ReadBoxes(payload)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for _, b := range boxes {
		if b.TypeString() == target {
			rewritten, err := transform(b.Payload)
			if err != nil {
				return nil, err
			}
			out.Write(packBox(target, rewritten))
			continue
		}
		out.Write(b.Pack())
	}
	return out.Bytes(), nil
}

// processStsd rewrites every sample entry in an stsd box, stripping
// protection metadata and restoring the real (unencrypted) fourcc.
func (d *decoderState) processStsd(payload []byte) ([]byte, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("%w: stsd shorter than 8 bytes", ErrMalformedBox)
	}
	count := binary.BigEndian.Uint32(payload[4:8])

	entries, err := ReadBoxes(payload[8:])
	if err != nil {
		return nil, err
	}
	if uint32(len(entries)) > count {
		entries = entries[:count]
	}

	var out bytes.Buffer
	out.Write(payload[:8])
	for _, entry := range entries {
		rewritten, err := processSampleEntry(entry)
		if err != nil {
			return nil, err
		}
		out.Write(rewritten)
	}
	return out.Bytes(), nil
}

var sampleEntryHeaderSize = map[string]int{
	"avc1": 78, "encv": 78, "hvc1": 78, "hev1": 78,
	"mp4a": 28, "enca": 28,
}

// processSampleEntry strips a protected sample entry's sinf/schi/tenc/schm
// children and restores the real format fourcc from sinf/frma, per
// spec.md §4.8.
func processSampleEntry(entry Box) ([]byte, error) {
	hsz := sampleEntryHeaderSize[entry.TypeString()]
	if hsz == 0 {
		hsz = 16
	}
	if len(entry.Payload) < hsz {
		return nil, fmt.Errorf("%w: sample entry %q shorter than its fixed header", ErrMalformedBox, entry.TypeString())
	}

	header := entry.Payload[:hsz]
	children, err := ReadBoxes(entry.Payload[hsz:])
	if err != nil {
		return nil, err
	}

	var realFormat []byte
	var kept bytes.Buffer
	for _, child := range children {
		switch child.TypeString() {
		case "sinf":
			realFormat = extractRealFormat(child.Payload)
		case "schi", "tenc", "schm":
		default:
			kept.Write(child.Pack())
		}
	}

	finalType := entry.Type
	if realFormat != nil {
		copy(finalType[:], realFormat)
	}
	if finalType == [4]byte{'e', 'n', 'c', 'v'} {
		finalType = [4]byte{'a', 'v', 'c', '1'}
	}
	if finalType == [4]byte{'e', 'n', 'c', 'a'} {
		finalType = [4]byte{'m', 'p', '4', 'a'}
	}

	out := Box{Type: finalType, Payload: append(append([]byte(nil), header...), kept.Bytes()...)}
	return out.Pack(), nil
}

// extractRealFormat returns a sinf box's frma child payload (the real
// 4-character format), or nil if absent.
func extractRealFormat(sinfPayload []byte) []byte {
	boxes, err := ReadBoxes(sinfPayload)
	if err != nil {
		return nil
	}
	for _, b := range boxes {
		if b.TypeString() == "frma" && len(b.Payload) >= 4 {
			return b.Payload[:4]
		}
	}
	return nil
}

// processMoof descends moof -> traf, leaving other children untouched.
func (d *decoderState) processMoof(payload []byte, keys KeyMap) ([]byte, error) {
	boxes, err := ReadBoxes(payload)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	for _, b := range boxes {
		if b.TypeString() == "traf" {
			traf, err := d.processTraf(b.Payload, keys)
			if err != nil {
				return nil, err
			}
			out.Write(packBox("traf", traf))
			continue
		}
		out.Write(b.Pack())
	}
	return out.Bytes(), nil
}

var sencBoxTypes = map[string]bool{"senc": true, "saiz": true, "saio": true, "uuid": true}

// processTraf removes senc/saiz/saio/uuid, adjusts trun's data offset by
// the bytes removed, and resolves the active decryption key: the sole key
// when the map has one entry, otherwise an arbitrary entry. tfhd's track ID
// does not take part in choosing the key.
func (d *decoderState) processTraf(payload []byte, keys KeyMap) ([]byte, error) {
	boxes, err := ReadBoxes(payload)
	if err != nil {
		return nil, err
	}

	removed := 0
	for _, b := range boxes {
		if sencBoxTypes[b.TypeString()] {
			removed += 8 + len(b.Payload)
		}
	}
	d.overhead = removed

	var tfhd *Box
	for i := range boxes {
		b := boxes[i]
		switch b.TypeString() {
		case "tfhd":
			tfhd = &boxes[i]
		case "trun":
			d.trunSampleSizes = trunSampleSizesOf(b.Payload)
		case "senc":
			d.sampleInfo = parseSenc(b.Payload)
		}
	}

	if tfhd != nil && len(tfhd.Payload) >= 8 {
		trackID := binary.BigEndian.Uint32(tfhd.Payload[4:8])
		d.currentKey = resolveKey(trackID, keys)
	}

	var out bytes.Buffer
	for _, b := range boxes {
		switch {
		case sencBoxTypes[b.TypeString()]:
			continue
		case b.TypeString() == "trun":
			out.Write(packBox("trun", modifyTrunOffset(b.Payload, removed)))
		default:
			out.Write(b.Pack())
		}
	}
	return out.Bytes(), nil
}

func resolveKey(trackID uint32, keys KeyMap) []byte {
	if key, ok := keys.soleKey(); ok {
		return key
	}
	key, _ := keys.anyKey()
	_ = trackID // no reliable track-ID-to-KID association without a tenc/tfhd KID table
	return key
}

const (
	trunDataOffsetPresent       = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent   = 0x000100
	trunSampleSizePresent       = 0x000200
	trunSampleFlagsPresent      = 0x000400
	trunSampleCompTimePresent   = 0x000800
)

// trunSampleSizesOf extracts the per-sample size field from a trun box
// (0 when sample-size-present is unset, matched by the mdat walker falling
// back to "remainder of mdat").
func trunSampleSizesOf(payload []byte) []uint32 {
	flags := binary.BigEndian.Uint32(payload[0:4]) & 0xFFFFFF
	sampleCount := binary.BigEndian.Uint32(payload[4:8])
	offset := 8
	if flags&trunDataOffsetPresent != 0 {
		offset += 4
	}
	if flags&trunFirstSampleFlagsPresent != 0 {
		offset += 4
	}

	sizes := make([]uint32, 0, sampleCount)
	for i := uint32(0); i < sampleCount; i++ {
		if flags&trunSampleDurationPresent != 0 {
			offset += 4
		}
		if flags&trunSampleSizePresent != 0 {
			if offset+4 > len(payload) {
				break
			}
			sizes = append(sizes, binary.BigEndian.Uint32(payload[offset:offset+4]))
			offset += 4
		} else {
			sizes = append(sizes, 0)
		}
		if flags&trunSampleFlagsPresent != 0 {
			offset += 4
		}
		if flags&trunSampleCompTimePresent != 0 {
			offset += 4
		}
	}
	return sizes
}

// modifyTrunOffset decrements trun's signed data-offset field by removed,
// when the data-offset-present flag is set.
func modifyTrunOffset(payload []byte, removed int) []byte {
	data := append([]byte(nil), payload...)
	if len(data) < 12 {
		return data
	}
	flags := binary.BigEndian.Uint32(data[0:4]) & 0xFFFFFF
	if flags&trunDataOffsetPresent != 0 {
		curr := int32(binary.BigEndian.Uint32(data[8:12]))
		binary.BigEndian.PutUint32(data[8:12], uint32(curr-int32(removed)))
	}
	return data
}

// processSidx decrements the sidx reference-size field by overhead,
// preserving the top reference-type bit.
func processSidx(payload []byte, overhead int) []byte {
	data := append([]byte(nil), payload...)
	if len(data) <= 36 {
		return data
	}
	curr := binary.BigEndian.Uint32(data[32:36])
	refType := curr >> 31
	refSize := curr & 0x7FFFFFFF
	packed := (refType << 31) | ((refSize - uint32(overhead)) & 0x7FFFFFFF)
	binary.BigEndian.PutUint32(data[32:36], packed)
	return data
}

// parseSenc parses a senc box's per-sample IV (and, when the
// subsample-present flag is set, its clear/encrypted byte-range table). Per
// ISO/IEC 23001-7, senc always carries its own sample_count field.
func parseSenc(payload []byte) []SampleAuxInfo {
	if len(payload) < 8 {
		return nil
	}
	flags := binary.BigEndian.Uint32(payload[0:4]) & 0xFFFFFF
	count := int(binary.BigEndian.Uint32(payload[4:8]))
	pos := 8

	infos := make([]SampleAuxInfo, 0, count)
	for i := 0; i < count; i++ {
		if pos+8 > len(payload) {
			break
		}
		iv := append([]byte(nil), payload[pos:pos+8]...)
		pos += 8

		var subs []SubSample
		if flags&0x02 != 0 {
			if pos+2 > len(payload) {
				break
			}
			subCount := binary.BigEndian.Uint16(payload[pos : pos+2])
			pos += 2
			for j := 0; j < int(subCount); j++ {
				if pos+6 > len(payload) {
					break
				}
				subs = append(subs, SubSample{
					ClearBytes: binary.BigEndian.Uint16(payload[pos : pos+2]),
					EncBytes:   binary.BigEndian.Uint32(payload[pos+2 : pos+6]),
				})
				pos += 6
			}
		}
		infos = append(infos, SampleAuxInfo{IV: iv, SubSamples: subs})
	}
	return infos
}

// decryptMdat decrypts each sample in mdat per its SampleAuxInfo and
// declared trun size, passing through any residual trailing bytes.
func decryptMdat(mdat []byte, key []byte, infos []SampleAuxInfo, sizes []uint32) ([]byte, error) {
	if key == nil || len(infos) == 0 {
		return mdat, nil
	}

	var out bytes.Buffer
	pos := 0
	for i, info := range infos {
		size := len(mdat) - pos
		if i < len(sizes) && sizes[i] > 0 {
			size = int(sizes[i])
		}
		if pos+size > len(mdat) {
			break
		}
		decrypted, err := decryptSample(mdat[pos:pos+size], info, key)
		if err != nil {
			return nil, err
		}
		out.Write(decrypted)
		pos += size
	}
	if pos < len(mdat) {
		out.Write(mdat[pos:])
	}
	return out.Bytes(), nil
}

// decryptSample constructs a 16-byte AES-CTR IV (the senc IV, zero-padded)
// and decrypts sample, honoring subsample clear/encrypted partitioning
// when present, per spec.md §4.8.
func decryptSample(sample []byte, info SampleAuxInfo, key []byte) ([]byte, error) {
	iv := make([]byte, 16)
	copy(iv, info.IV)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cenc: new AES cipher: %w", err)
	}
	stream := cipher.NewCTR(block, iv)

	if len(info.SubSamples) == 0 {
		out := make([]byte, len(sample))
		stream.XORKeyStream(out, sample)
		return out, nil
	}

	var out bytes.Buffer
	off := 0
	for _, sub := range info.SubSamples {
		clearEnd := off + int(sub.ClearBytes)
		if clearEnd > len(sample) {
			clearEnd = len(sample)
		}
		out.Write(sample[off:clearEnd])
		off = clearEnd

		encEnd := off + int(sub.EncBytes)
		if encEnd > len(sample) {
			encEnd = len(sample)
		}
		encrypted := make([]byte, encEnd-off)
		stream.XORKeyStream(encrypted, sample[off:encEnd])
		out.Write(encrypted)
		off = encEnd
	}
	if off < len(sample) {
		rest := make([]byte, len(sample)-off)
		stream.XORKeyStream(rest, sample[off:])
		out.Write(rest)
	}
	return out.Bytes(), nil
}
