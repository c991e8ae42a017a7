// Package block implements the on-disk framing for emaildb: a length
// prefixed, checksummed, self-describing record.
package block

import (
	"encoding/binary"
	"hash/crc32"
	"hash/crc64"

	"github.com/pkg/errors"
)

// Magic identifies the start of a block during a scan. It is chosen so that
// a 4-byte false-positive match inside arbitrary payload bytes is unlikely.
const Magic uint32 = 0xEDB00001

// FrameVersion is the block framing version, independent of the database's
// logical format version (see package version).
const FrameVersion uint16 = 1

// Type enumerates the kinds of block that can appear in the file.
type Type uint8

const (
	TypeHeader             Type = 0
	TypeMetadata           Type = 1
	TypeWAL                Type = 2
	TypeFolderTree         Type = 3
	TypeFolder             Type = 4
	TypeSegment            Type = 5
	TypeZoneTreeSegmentKV  Type = 6
	TypeZoneTreeSegmentVec Type = 7
	TypeFreeSpace          Type = 8
	TypeFolderEnvelope     Type = 9
	TypeEmailBatch         Type = 10
	TypeKeyManager         Type = 11
	TypeKeyExchange        Type = 12
	TypeHashChain          Type = 13
)

func (t Type) String() string {
	switch t {
	case TypeHeader:
		return "Header"
	case TypeMetadata:
		return "Metadata"
	case TypeWAL:
		return "WAL"
	case TypeFolderTree:
		return "FolderTree"
	case TypeFolder:
		return "Folder"
	case TypeSegment:
		return "Segment"
	case TypeZoneTreeSegmentKV:
		return "ZoneTreeSegment_KV"
	case TypeZoneTreeSegmentVec:
		return "ZoneTreeSegment_Vector"
	case TypeFreeSpace:
		return "FreeSpace"
	case TypeFolderEnvelope:
		return "FolderEnvelope"
	case TypeEmailBatch:
		return "EmailBatch"
	case TypeKeyManager:
		return "KeyManager"
	case TypeKeyExchange:
		return "KeyExchange"
	case TypeHashChain:
		return "HashChain"
	default:
		return "Unknown"
	}
}

// CompressionAlgo occupies bits 0-2 of the flags byte.
type CompressionAlgo uint8

const (
	CompressionNone CompressionAlgo = iota
	CompressionGzip
	CompressionLZ4
	CompressionZstd
	CompressionBrotli
)

// EncryptionAlgo occupies bits 3-5 of the flags byte.
type EncryptionAlgo uint8

const (
	EncryptionNone EncryptionAlgo = iota
	EncryptionAES256GCM
	EncryptionChaCha20Poly1305
	EncryptionAES256CBCHMAC
)

// Encoding is the payload serialization tag.
type Encoding uint8

const (
	EncodingRawBytes Encoding = iota
	EncodingJSON
	EncodingProtobuf
	EncodingCapnProto // reserved, always fails UnsupportedEncoding
)

// Flags is the single-byte bitfield packing the codec selections:
//
//	bits 0-2: CompressionAlgo
//	bits 3-5: EncryptionAlgo
//	bit 6:    Compressed mirror flag
//	bit 7:    Encrypted mirror flag
type Flags uint8

func NewFlags(c CompressionAlgo, e EncryptionAlgo) Flags {
	f := Flags(uint8(c)&0x7) | Flags(uint8(e)&0x7)<<3
	if c != CompressionNone {
		f |= 1 << 6
	}
	if e != EncryptionNone {
		f |= 1 << 7
	}
	return f
}

func (f Flags) Compression() CompressionAlgo { return CompressionAlgo(f & 0x7) }
func (f Flags) Encryption() EncryptionAlgo   { return EncryptionAlgo((f >> 3) & 0x7) }
func (f Flags) Compressed() bool             { return f&(1<<6) != 0 }
func (f Flags) Encrypted() bool              { return f&(1<<7) != 0 }

// HeaderReservedBlockID is reserved for the file's Header block.
const HeaderReservedBlockID int64 = 0

// Header is the fixed portion of a block's framing, everything up to and
// including the header checksum.
type Header struct {
	Magic          uint32
	Version        uint16
	Type           Type
	Flags          Flags
	Encoding       Encoding
	Timestamp      int64 // unix milliseconds; readers tolerate any positive integer
	BlockID        int64
	PayloadLen     uint32
	ExtHeaderLen   uint16
	HeaderChecksum uint32
}

// fixedHeaderLen is the number of bytes preceding HeaderChecksum that the
// checksum covers.
const fixedHeaderLen = 4 + 2 + 1 + 1 + 1 + 8 + 8 + 4 + 2 // 31

// HeaderLen is the total on-disk size of a Header, checksum included.
const HeaderLen = fixedHeaderLen + 4 // 35

// TrailerLen is the size of the trailing CRC64 checksum.
const TrailerLen = 8

// ExtHeader carries the fields required to reverse compression/encryption.
// It is present (ExtHeaderLen > 0) whenever the block is compressed,
// encrypted, or both.
type ExtHeader struct {
	UncompressedSize uint32
	IV               []byte
	AuthTag          []byte
	KeyID            uint32
}

// EncodedLen returns the on-disk size of the extended header.
func (e *ExtHeader) EncodedLen() int {
	if e == nil {
		return 0
	}
	return 4 + 1 + len(e.IV) + 2 + len(e.AuthTag) + 4
}

func (e *ExtHeader) encode() []byte {
	if e == nil {
		return nil
	}
	buf := make([]byte, e.EncodedLen())
	off := 0
	binary.BigEndian.PutUint32(buf[off:], e.UncompressedSize)
	off += 4
	buf[off] = byte(len(e.IV))
	off++
	off += copy(buf[off:], e.IV)
	binary.BigEndian.PutUint16(buf[off:], uint16(len(e.AuthTag)))
	off += 2
	off += copy(buf[off:], e.AuthTag)
	binary.BigEndian.PutUint32(buf[off:], e.KeyID)
	return buf
}

func decodeExtHeader(buf []byte) (*ExtHeader, error) {
	if len(buf) < 4+1+2+4 {
		return nil, errors.Wrap(ErrCorruptExtHeader, "short extended header")
	}
	e := &ExtHeader{}
	off := 0
	e.UncompressedSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	ivLen := int(buf[off])
	off++
	if off+ivLen > len(buf) {
		return nil, errors.Wrap(ErrCorruptExtHeader, "iv overruns extended header")
	}
	e.IV = append([]byte(nil), buf[off:off+ivLen]...)
	off += ivLen
	if off+2 > len(buf) {
		return nil, errors.Wrap(ErrCorruptExtHeader, "truncated auth tag length")
	}
	tagLen := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if off+tagLen+4 > len(buf) {
		return nil, errors.Wrap(ErrCorruptExtHeader, "auth tag overruns extended header")
	}
	e.AuthTag = append([]byte(nil), buf[off:off+tagLen]...)
	off += tagLen
	e.KeyID = binary.BigEndian.Uint32(buf[off:])
	return e, nil
}

// ErrCorruptExtHeader is returned when the extended header cannot be parsed;
// the caller (RawBlockStore) folds this into CorruptPayload for the block.
var ErrCorruptExtHeader = errors.New("block: corrupt extended header")

// Block is a fully decoded, in-memory representation of one on-disk record.
type Block struct {
	Header  Header
	Ext     *ExtHeader
	Payload []byte // on-disk payload bytes (after compression/encryption)
}

// encodeHeader writes the fixed header fields and computes HeaderChecksum.
func encodeHeader(h *Header) []byte {
	buf := make([]byte, HeaderLen)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], h.Magic)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], h.Version)
	off += 2
	buf[off] = byte(h.Type)
	off++
	buf[off] = byte(h.Flags)
	off++
	buf[off] = byte(h.Encoding)
	off++
	binary.BigEndian.PutUint64(buf[off:], uint64(h.Timestamp))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(h.BlockID))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.PayloadLen)
	off += 4
	binary.BigEndian.PutUint16(buf[off:], h.ExtHeaderLen)
	off += 2
	h.HeaderChecksum = crc32.ChecksumIEEE(buf[:fixedHeaderLen])
	binary.BigEndian.PutUint32(buf[off:], h.HeaderChecksum)
	return buf
}

// decodeHeader parses a Header from buf and validates HeaderChecksum before
// trusting any field beyond it.
func decodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, errors.Wrap(ErrCorruptHeader, "short header")
	}
	off := 0
	h.Magic = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.Version = binary.BigEndian.Uint16(buf[off:])
	off += 2
	h.Type = Type(buf[off])
	off++
	h.Flags = Flags(buf[off])
	off++
	h.Encoding = Encoding(buf[off])
	off++
	h.Timestamp = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.BlockID = int64(binary.BigEndian.Uint64(buf[off:]))
	off += 8
	h.PayloadLen = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.ExtHeaderLen = binary.BigEndian.Uint16(buf[off:])
	off += 2
	want := binary.BigEndian.Uint32(buf[off:])

	got := crc32.ChecksumIEEE(buf[:fixedHeaderLen])
	if got != want {
		return h, errors.Wrap(ErrCorruptHeader, "header checksum mismatch")
	}
	h.HeaderChecksum = want
	return h, nil
}

var crc64Table = crc64.MakeTable(crc64.ISO)

// Encode renders b to its complete on-disk byte representation, computing
// the header checksum and trailer checksum. b.Header.PayloadLen and
// ExtHeaderLen are overwritten to match the actual Ext/Payload contents.
func (b *Block) Encode() []byte {
	extBytes := b.Ext.encode()
	b.Header.ExtHeaderLen = uint16(len(extBytes))
	b.Header.PayloadLen = uint32(len(b.Payload))
	b.Header.Magic = Magic
	if b.Header.Version == 0 {
		b.Header.Version = FrameVersion
	}

	headerBytes := encodeHeader(&b.Header)

	total := make([]byte, 0, len(headerBytes)+len(extBytes)+len(b.Payload)+TrailerLen)
	total = append(total, headerBytes...)
	total = append(total, extBytes...)
	total = append(total, b.Payload...)

	trailer := crc64.Checksum(total, crc64Table)
	trailerBytes := make([]byte, TrailerLen)
	binary.BigEndian.PutUint64(trailerBytes, trailer)
	total = append(total, trailerBytes...)
	return total
}

// Decode parses a complete on-disk record (header through trailer) from buf.
// It returns the block and the number of bytes consumed. Both header and
// trailer checksums are validated; a trailer mismatch yields ErrCorruptPayload:
// the block is treated as if it does not exist.
func Decode(buf []byte) (*Block, int, error) {
	h, err := decodeHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if h.Magic != Magic {
		return nil, 0, errors.Wrap(ErrCorruptHeader, "bad magic")
	}

	need := HeaderLen + int(h.ExtHeaderLen) + int(h.PayloadLen) + TrailerLen
	if len(buf) < need {
		return nil, 0, errors.Wrap(ErrCorruptPayload, "truncated block")
	}

	off := HeaderLen
	var ext *ExtHeader
	if h.ExtHeaderLen > 0 {
		ext, err = decodeExtHeader(buf[off : off+int(h.ExtHeaderLen)])
		if err != nil {
			return nil, 0, errors.Wrap(ErrCorruptPayload, err.Error())
		}
	}
	off += int(h.ExtHeaderLen)

	payload := buf[off : off+int(h.PayloadLen)]
	off += int(h.PayloadLen)

	wantTrailer := binary.BigEndian.Uint64(buf[off : off+TrailerLen])
	gotTrailer := crc64.Checksum(buf[:off], crc64Table)
	if gotTrailer != wantTrailer {
		return nil, 0, errors.Wrap(ErrCorruptPayload, "trailer checksum mismatch")
	}
	off += TrailerLen

	return &Block{
		Header:  h,
		Ext:     ext,
		Payload: append([]byte(nil), payload...),
	}, off, nil
}

// Sentinels re-exported here so block.Decode can return them without a
// dependency on the root package (which imports block).
var (
	ErrCorruptHeader  = errors.New("block: corrupt header")
	ErrCorruptPayload = errors.New("block: corrupt payload")
)
