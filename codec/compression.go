package codec

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/netninjacorp/emaildb/block"
)

var (
	ErrCompressionFailed   = errors.New("codec: compression failed")
	ErrDecompressionFailed = errors.New("codec: decompression failed")
)

// MinCompressionRatio is the store-raw cutoff: if compressed size isn't
// at least 5% smaller than the input, the block is stored uncompressed
// instead (compression isn't worth the CPU or the extended-header bytes).
const MinCompressionRatio = 0.95

// compress runs algo over in and returns the compressed bytes. Callers are
// expected to apply the MinCompressionRatio downgrade rule themselves.
func compress(algo block.CompressionAlgo, in []byte) ([]byte, error) {
	switch algo {
	case block.CompressionNone:
		return in, nil
	case block.CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		return buf.Bytes(), nil
	case block.CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		return buf.Bytes(), nil
	case block.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		defer enc.Close()
		return enc.EncodeAll(in, nil), nil
	case block.CompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriter(&buf)
		if _, err := w.Write(in); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		if err := w.Close(); err != nil {
			return nil, errors.Wrap(ErrCompressionFailed, err.Error())
		}
		return buf.Bytes(), nil
	default:
		return nil, errors.Wrapf(ErrCompressionFailed, "unknown algo %d", algo)
	}
}

// decompress reverses compress. uncompressedSize, when nonzero, preallocates
// the output buffer (it comes from the block's extended header).
func decompress(algo block.CompressionAlgo, in []byte, uncompressedSize int) ([]byte, error) {
	switch algo {
	case block.CompressionNone:
		return in, nil
	case block.CompressionGzip:
		r, err := gzip.NewReader(bytes.NewReader(in))
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		return out, nil
	case block.CompressionLZ4:
		r := lz4.NewReader(bytes.NewReader(in))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		return out, nil
	case block.CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		defer dec.Close()
		out, err := dec.DecodeAll(in, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		return out, nil
	case block.CompressionBrotli:
		r := brotli.NewReader(bytes.NewReader(in))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.Wrap(ErrDecompressionFailed, err.Error())
		}
		return out, nil
	default:
		return nil, errors.Wrapf(ErrDecompressionFailed, "unknown algo %d", algo)
	}
}
