package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/netninjacorp/emaildb/block"
)

// decompress(compress(P, A), A) == P for every algorithm and any payload,
// empty included.
func TestCompressionRoundTripRapid(t *testing.T) {
	algos := []block.CompressionAlgo{
		block.CompressionGzip,
		block.CompressionLZ4,
		block.CompressionZstd,
		block.CompressionBrotli,
	}
	rapid.Check(t, func(rt *rapid.T) {
		algo := rapid.SampledFrom(algos).Draw(rt, "algo")
		in := rapid.SliceOfN(rapid.Byte(), 0, 4096).Draw(rt, "payload")

		compressed, err := compress(algo, in)
		require.NoError(rt, err)
		out, err := decompress(algo, compressed, len(in))
		require.NoError(rt, err)
		require.Equal(rt, in, out)
	})
}
