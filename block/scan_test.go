package block

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func blockWithID(id int64, payload string) *Block {
	return &Block{
		Header: Header{
			Type:      TypeMetadata,
			Encoding:  EncodingRawBytes,
			Timestamp: 1700000000000,
			BlockID:   id,
			Flags:     NewFlags(CompressionNone, EncryptionNone),
		},
		Payload: []byte(payload),
	}
}

func TestScanFindsSequentialBlocks(t *testing.T) {
	var data []byte
	data = append(data, blockWithID(1, "aaa").Encode()...)
	data = append(data, blockWithID(2, "bbb").Encode()...)
	data = append(data, blockWithID(3, "ccc").Encode()...)

	results := Scan(data)
	require.Len(t, results, 3)
	require.Equal(t, int64(1), results[0].BlockID)
	require.Equal(t, int64(2), results[1].BlockID)
	require.Equal(t, int64(3), results[2].BlockID)
}

func TestScanSkipsPartiallyWrittenFinalBlock(t *testing.T) {
	var data []byte
	data = append(data, blockWithID(1, "aaa").Encode()...)
	full := blockWithID(2, "this is a longer payload to truncate").Encode()
	data = append(data, full[:len(full)-5]...)

	results := Scan(data)
	require.Len(t, results, 1)
	require.Equal(t, int64(1), results[0].BlockID)
}

func TestScanResumesAfterCorruptBlockBody(t *testing.T) {
	var data []byte
	data = append(data, blockWithID(1, "aaa").Encode()...)
	corrupt := blockWithID(2, "bbb-payload-corrupted-here").Encode()
	corrupt[len(corrupt)-1] ^= 0xFF // flip a trailer-checksum-covered byte
	data = append(data, corrupt...)
	data = append(data, blockWithID(3, "ccc").Encode()...)

	results := Scan(data)
	ids := make([]int64, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.BlockID)
	}
	require.Contains(t, ids, int64(1))
	require.Contains(t, ids, int64(3))
	require.NotContains(t, ids, int64(2))
}

func TestScanIgnoresMagicInsidePayload(t *testing.T) {
	var magicBytes [4]byte
	magicBytes[0], magicBytes[1], magicBytes[2], magicBytes[3] = 0xED, 0xB0, 0x00, 0x01
	payload := append([]byte("prefix-"), magicBytes[:]...)
	payload = append(payload, []byte("-suffix")...)

	b1 := blockWithID(1, string(payload))
	b2 := blockWithID(2, "next block")

	data := append(b1.Encode(), b2.Encode()...)
	results := Scan(data)
	require.Len(t, results, 2)
	require.Equal(t, int64(1), results[0].BlockID)
	require.Equal(t, int64(2), results[1].BlockID)
}

func TestScanEmptyData(t *testing.T) {
	require.Empty(t, Scan(nil))
	require.Empty(t, Scan([]byte{1, 2, 3}))
}

func TestScanSurvivesScatteredBodyCorruption(t *testing.T) {
	const total = 100

	var data []byte
	type bodyRange struct{ start, end int }
	bodies := make([]bodyRange, 0, total)
	for i := 0; i < total; i++ {
		enc := blockWithID(int64(i+1), strings.Repeat("payload-", 20+i%7)).Encode()
		bodies = append(bodies, bodyRange{
			start: len(data) + HeaderLen,
			end:   len(data) + len(enc) - TrailerLen,
		})
		data = append(data, enc...)
	}

	// Corrupt one byte inside the body of five distinct blocks, headers
	// untouched.
	rng := rand.New(rand.NewSource(42))
	for _, victim := range rng.Perm(total)[:5] {
		body := bodies[victim]
		data[body.start+rng.Intn(body.end-body.start)] ^= 0xFF
	}

	results := Scan(data)
	require.GreaterOrEqual(t, len(results), total-5)
	for _, r := range results {
		blk, _, err := Decode(data[r.Location.Offset : r.Location.Offset+r.Location.Len])
		require.NoError(t, err)
		require.Equal(t, r.BlockID, blk.Header.BlockID)
	}
}
