// Package codec implements the payload pipeline for block contents:
// serialize, then optionally compress, then optionally encrypt, with the
// reverse applied on read. Each stage is independently selectable via the
// block's Encoding/Flags fields.
package codec

import (
	"github.com/pkg/errors"

	"github.com/netninjacorp/emaildb/block"
)

// KeyDeriver is the narrow interface PayloadCodec needs from package keys,
// kept here rather than importing keys directly so codec has no dependency
// on key lifecycle state (unlock/lock/rotate) it doesn't manage.
type KeyDeriver interface {
	Derive(blockID int64, keyVersion uint32, length int) ([]byte, error)
}

// EncodeRequest bundles everything PayloadCodec.Encode needs to know about
// the block being written.
type EncodeRequest struct {
	BlockID     int64
	Type        block.Type
	Timestamp   int64
	Encoding    block.Encoding
	Compression block.CompressionAlgo
	Encryption  block.EncryptionAlgo
	KeyVersion  uint32
	Value       any // passed to the Encoding serializer; ignored for RawBytes, which uses Raw
	Raw         []byte
}

// EncodeResult is the payload plus the extended header fields the caller
// must persist alongside it (block.ExtHeader).
type EncodeResult struct {
	Payload []byte
	Ext     *block.ExtHeader
	Flags   block.Flags
}

// Codec applies the serialize/compress/encrypt pipeline. It is stateless
// except for the KeyDeriver, which is supplied by the caller (normally a
// *keys.Manager) so Codec itself never holds key material.
type Codec struct {
	Keys KeyDeriver
}

func New(keys KeyDeriver) *Codec { return &Codec{Keys: keys} }

// Encode runs serialize -> compress -> encrypt and returns the resulting
// on-disk payload bytes plus extended header.
func (c *Codec) Encode(req EncodeRequest) (EncodeResult, error) {
	serialized, err := c.serialize(req.Encoding, req.Value, req.Raw)
	if err != nil {
		return EncodeResult{}, err
	}

	if len(serialized) == 0 {
		// Empty payloads bypass compression/encryption entirely: there is
		// nothing to shrink or protect, and an AEAD tag over zero bytes
		// would only add fixed overhead for no benefit.
		return EncodeResult{
			Payload: serialized,
			Flags:   block.NewFlags(block.CompressionNone, block.EncryptionNone),
		}, nil
	}

	compAlgo := req.Compression
	compressed := serialized
	if compAlgo != block.CompressionNone {
		out, err := compress(compAlgo, serialized)
		if err != nil {
			return EncodeResult{}, err
		}
		if float64(len(out)) > MinCompressionRatio*float64(len(serialized)) {
			// Not worth it; store uncompressed.
			compAlgo = block.CompressionNone
			compressed = serialized
		} else {
			compressed = out
		}
	}

	var ext *block.ExtHeader
	final := compressed

	if req.Encryption != block.EncryptionNone {
		if c.Keys == nil {
			return EncodeResult{}, errors.New("codec: encryption requested but no key deriver configured")
		}
		key, err := c.Keys.Derive(req.BlockID, req.KeyVersion, keySizeForAlgo(req.Encryption))
		if err != nil {
			return EncodeResult{}, err
		}
		res, err := encrypt(req.Encryption, key, compressed, req.BlockID, req.Type, req.Timestamp)
		if err != nil {
			return EncodeResult{}, err
		}
		final = res.ciphertext
		ext = &block.ExtHeader{
			UncompressedSize: uint32(len(serialized)),
			IV:               res.iv,
			AuthTag:          res.authTag,
			KeyID:            req.KeyVersion,
		}
	} else if compAlgo != block.CompressionNone {
		ext = &block.ExtHeader{UncompressedSize: uint32(len(serialized))}
	}

	return EncodeResult{
		Payload: final,
		Ext:     ext,
		Flags:   block.NewFlags(compAlgo, req.Encryption),
	}, nil
}

// DecodeRequest bundles what Decode needs from the on-disk block to
// reverse Encode.
type DecodeRequest struct {
	BlockID   int64
	Type      block.Type
	Timestamp int64
	Encoding  block.Encoding
	Flags     block.Flags
	Ext       *block.ExtHeader
	Payload   []byte
}

// Decode reverses Encode's encrypt and compress stages: decrypt, then
// decompress. The returned bytes are still in the block's Encoding; the
// caller deserializes them.
func (c *Codec) Decode(req DecodeRequest) ([]byte, error) {
	if len(req.Payload) == 0 {
		return req.Payload, nil
	}

	data := req.Payload
	if req.Flags.Encrypted() {
		if c.Keys == nil {
			return nil, errors.New("codec: encrypted payload but no key deriver configured")
		}
		if req.Ext == nil {
			return nil, errors.New("codec: encrypted payload missing extended header")
		}
		key, err := c.Keys.Derive(req.BlockID, req.Ext.KeyID, keySizeForAlgo(req.Flags.Encryption()))
		if err != nil {
			return nil, err
		}
		out, err := decrypt(req.Flags.Encryption(), key, data, req.Ext.IV, req.Ext.AuthTag, req.BlockID, req.Type, req.Timestamp)
		if err != nil {
			return nil, err
		}
		data = out
	}

	if req.Flags.Compressed() {
		var uncompressedSize int
		if req.Ext != nil {
			uncompressedSize = int(req.Ext.UncompressedSize)
		}
		out, err := decompress(req.Flags.Compression(), data, uncompressedSize)
		if err != nil {
			return nil, err
		}
		data = out
	}

	return data, nil
}

// serialize applies the Encoding tag. RawBytes passes req.Raw through
// untouched; JSON marshals req.Value; Protobuf expects req.Value to already
// be wire bytes built via a RecordWriter (there is no reflection-based
// struct tag mapping, matching the hand-framed approach used throughout).
func (c *Codec) serialize(enc block.Encoding, value any, raw []byte) ([]byte, error) {
	switch enc {
	case block.EncodingRawBytes:
		return raw, nil
	case block.EncodingJSON:
		return marshalJSON(value)
	case block.EncodingProtobuf:
		if b, ok := value.([]byte); ok {
			return b, nil
		}
		if rw, ok := value.(*RecordWriter); ok {
			return rw.Bytes(), nil
		}
		return nil, errors.New("codec: protobuf encoding requires []byte or *RecordWriter value")
	case block.EncodingCapnProto:
		return nil, errors.Wrap(ErrUnsupportedEncoding, "CapnProto encoding is reserved and unsupported")
	default:
		return nil, errors.Wrapf(ErrUnsupportedEncoding, "unknown encoding %d", enc)
	}
}

// UnmarshalJSON is exported for callers (index, folder, batch) that store
// JSON-encoded payloads and want the same goccy/go-json path used here.
func UnmarshalJSON(data []byte, v any) error { return unmarshalJSON(data, v) }

// MarshalJSON mirrors UnmarshalJSON for symmetry.
func MarshalJSON(v any) ([]byte, error) { return marshalJSON(v) }
