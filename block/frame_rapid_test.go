package block

import (
	"math"
	"testing"

	"github.com/go-test/deep"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Framing round-trip over arbitrary header fields, payloads, and extended
// headers: Decode(Encode(b)) must reproduce b exactly and consume every
// encoded byte.
func TestFrameRoundTripRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := &Block{
			Header: Header{
				Type:      Type(rapid.ByteRange(0, 13).Draw(rt, "type")),
				Flags:     Flags(rapid.Byte().Draw(rt, "flags")),
				Encoding:  Encoding(rapid.ByteRange(0, 3).Draw(rt, "encoding")),
				Timestamp: rapid.Int64Range(0, math.MaxInt64).Draw(rt, "timestamp"),
				BlockID:   rapid.Int64Range(1, math.MaxInt64).Draw(rt, "blockID"),
			},
			Payload: rapid.SliceOfN(rapid.Byte(), 0, 2048).Draw(rt, "payload"),
		}
		if len(b.Payload) == 0 {
			b.Payload = nil
		}
		if rapid.Bool().Draw(rt, "hasExt") {
			ext := &ExtHeader{
				UncompressedSize: rapid.Uint32().Draw(rt, "uncompressedSize"),
				IV:               rapid.SliceOfN(rapid.Byte(), 12, 16).Draw(rt, "iv"),
				KeyID:            rapid.Uint32().Draw(rt, "keyID"),
			}
			if rapid.Bool().Draw(rt, "hasTag") {
				ext.AuthTag = rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(rt, "authTag")
			}
			b.Ext = ext
		}

		enc := b.Encode()
		got, consumed, err := Decode(enc)
		require.NoError(rt, err)
		require.Equal(rt, len(enc), consumed)
		if diff := deep.Equal(b, got); diff != nil {
			rt.Fatalf("decoded block differs: %v", diff)
		}
	})
}

// Flipping any single bit of an encoded frame must make Decode fail; the
// checksums leave no byte of the record unprotected.
func TestFrameBitFlipDetectedRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		b := &Block{
			Header: Header{
				Type:      TypeMetadata,
				Timestamp: rapid.Int64Range(0, math.MaxInt64).Draw(rt, "timestamp"),
				BlockID:   rapid.Int64Range(1, math.MaxInt64).Draw(rt, "blockID"),
			},
			Payload: rapid.SliceOfN(rapid.Byte(), 1, 512).Draw(rt, "payload"),
		}
		enc := b.Encode()

		pos := rapid.IntRange(0, len(enc)-1).Draw(rt, "pos")
		bit := rapid.ByteRange(0, 7).Draw(rt, "bit")
		enc[pos] ^= 1 << bit

		_, _, err := Decode(enc)
		require.Error(rt, err)
	})
}
