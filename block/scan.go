package block

import "encoding/binary"

// Location records where a block's framed bytes live in the file.
type Location struct {
	Offset int64
	Len    int64
}

// ScanResult is one successfully parsed block found during a scan.
type ScanResult struct {
	BlockID  int64
	Location Location
}

// Scan walks data (the full file contents, or a memory-mapped view of it)
// looking for valid blocks. It is resilient to corruption at arbitrary
// positions and to a partially-written final block: on any failure to
// validate a candidate it advances by one byte and resumes magic-hunting.
// Scan time is linear in len(data).
func Scan(data []byte) []ScanResult {
	var out []ScanResult
	pos := 0
	n := len(data)

	for pos+4 <= n {
		idx := indexMagic(data[pos:])
		if idx < 0 {
			break
		}
		pos += idx

		candidate := data[pos:]
		if len(candidate) < HeaderLen {
			break
		}

		h, err := decodeHeader(candidate)
		if err != nil {
			pos++
			continue
		}

		blockEnd := HeaderLen + int(h.ExtHeaderLen) + int(h.PayloadLen) + TrailerLen
		if blockEnd > len(candidate) {
			// Could be a partially-written final block; skip past this magic
			// and keep scanning in case it's a coincidental match.
			pos++
			continue
		}

		blk, consumed, err := Decode(candidate[:blockEnd])
		if err != nil {
			pos++
			continue
		}

		out = append(out, ScanResult{
			BlockID: blk.Header.BlockID,
			Location: Location{
				Offset: int64(pos),
				Len:    int64(consumed),
			},
		})
		pos += consumed
	}

	return out
}

// indexMagic returns the offset of the first occurrence of Magic in buf, or
// -1 if none is found. It does not require 4-byte alignment: magic can
// appear at any byte offset, including inside a preceding block's payload,
// which is why the trailer checksum (not just magic) gates acceptance.
func indexMagic(buf []byte) int {
	if len(buf) < 4 {
		return -1
	}
	var want [4]byte
	binary.BigEndian.PutUint32(want[:], Magic)
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == want[0] && buf[i+1] == want[1] && buf[i+2] == want[2] && buf[i+3] == want[3] {
			return i
		}
	}
	return -1
}
