package cenc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// buildMoof constructs a minimal moof/traf/tfhd/trun/senc box tree wrapping
// one sample, with no subsample table (whole-sample encryption).
func buildMoof(trackID uint32, sampleSize uint32, iv []byte) []byte {
	trun := append([]byte{0, 0, 0x02, 0x01}, u32(1)...) // flags: data-offset + sample-size present
	trun = append(trun, u32(0)...)                      // data-offset placeholder
	trun = append(trun, u32(sampleSize)...)

	tfhd := append(u32(0), u32(trackID)...)

	sencBody := append(append([]byte{0, 0, 0, 0}, u32(1)...), iv...) // flags=0, sample_count=1, one 8-byte IV

	traf := packBox("tfhd", tfhd)
	traf = append(traf, packBox("senc", sencBody)...)
	traf = append(traf, packBox("trun", trun)...)

	return packBox("moof", traf)
}

func TestDecrypt_Scenario_SingleSampleWholeSampleCTR(t *testing.T) {
	key := make([]byte, 16) // all-zero key per scenario (d)
	iv := []byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}

	plain := make([]byte, 256)
	for i := range plain {
		plain[i] = byte(i)
	}

	paddedIV := make([]byte, 16)
	copy(paddedIV, iv)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	stream := cipher.NewCTR(block, paddedIV)
	encrypted := make([]byte, len(plain))
	stream.XORKeyStream(encrypted, plain)

	moof := buildMoof(1, uint32(len(encrypted)), iv)
	mdat := packBox("mdat", encrypted)
	combined := append(append([]byte(nil), moof...), mdat...)

	keys := KeyMap{"00000000000000000000000000000000": key}
	out, err := Decrypt(combined, keys)
	require.NoError(t, err)

	boxes, err := ReadBoxes(out)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "moof", boxes[0].TypeString())
	assert.Equal(t, "mdat", boxes[1].TypeString())

	decrypted := boxes[1].Payload
	require.Len(t, decrypted, 256)
	assert.Equal(t, plain[:16], decrypted[:16], "first 16 bytes must match AES-CTR counter 0 under the zero key")
	assert.Equal(t, plain, decrypted)
}

func TestDecrypt_MoovStripsPsshAndUUID(t *testing.T) {
	trak := packBox("mdia", packBox("minf", packBox("stbl", packBox("stsd", append(u32(0), u32(0)...)))))
	moov := packBox("pssh", []byte{1, 2, 3})
	moov = append(moov, packBox("uuid", []byte{4, 5, 6})...)
	moov = append(moov, packBox("trak", trak)...)
	moov = append(moov, packBox("mvhd", []byte{9})...)

	combined := packBox("moov", moov)
	out, err := Decrypt(combined, KeyMap{})
	require.NoError(t, err)

	boxes, err := ReadBoxes(out)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	inner, err := ReadBoxes(boxes[0].Payload)
	require.NoError(t, err)

	var types []string
	for _, b := range inner {
		types = append(types, b.TypeString())
	}
	assert.NotContains(t, types, "pssh")
	assert.NotContains(t, types, "uuid")
	assert.Contains(t, types, "trak")
	assert.Contains(t, types, "mvhd")
}

func TestProcessSampleEntry_RewritesEncvToAvc1(t *testing.T) {
	header := make([]byte, 78)
	frma := packBox("frma", []byte("avc1"))
	sinf := packBox("sinf", frma)
	schi := packBox("schi", []byte{0})
	tenc := packBox("tenc", []byte{0})

	var entry Box
	copy(entry.Type[:], "encv")
	entry.Payload = append(append(append(append([]byte(nil), header...), sinf...), schi...), tenc...)

	out, err := processSampleEntry(entry)
	require.NoError(t, err)

	rewritten, err := ReadBoxes(out)
	require.NoError(t, err)
	require.Len(t, rewritten, 1)
	assert.Equal(t, "avc1", rewritten[0].TypeString())

	children, err := ReadBoxes(rewritten[0].Payload[78:])
	require.NoError(t, err)
	assert.Empty(t, children, "sinf/schi/tenc must all be stripped")
}

func TestModifyTrunOffset_DecrementsBySencOverhead(t *testing.T) {
	trun := append([]byte{0, 0, 0, 0x01}, u32(1)...)
	trun = append(trun, u32(1000)...) // data offset = 1000

	out := modifyTrunOffset(trun, 42)
	assert.Equal(t, int32(958), int32(binary.BigEndian.Uint32(out[8:12])))
}

func TestProcessSidx_DecrementsReferenceSizePreservingTopBit(t *testing.T) {
	payload := make([]byte, 40)
	refSize := uint32(1)<<31 | 5000 // reference-type bit set, size 5000
	binary.BigEndian.PutUint32(payload[32:36], refSize)

	out := processSidx(payload, 100)
	got := binary.BigEndian.Uint32(out[32:36])
	assert.Equal(t, uint32(1), got>>31)
	assert.Equal(t, uint32(4900), got&0x7FFFFFFF)
}

func TestDecryptSample_SubsamplePartitioning(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 8)

	clear := []byte{1, 2, 3, 4}
	encPlain := []byte{5, 6, 7, 8, 9, 10}

	paddedIV := make([]byte, 16)
	block, _ := aes.NewCipher(key)
	stream := cipher.NewCTR(block, paddedIV)
	encCipher := make([]byte, len(encPlain))
	stream.XORKeyStream(encCipher, encPlain)

	sample := append(append([]byte(nil), clear...), encCipher...)
	info := SampleAuxInfo{
		IV:         iv,
		SubSamples: []SubSample{{ClearBytes: 4, EncBytes: 6}},
	}

	out, err := decryptSample(sample, info, key)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(out[:4], clear))
	assert.True(t, bytes.Equal(out[4:], encPlain))
}
