package index

import (
	"encoding/binary"
	"hash"
	"sort"

	"github.com/cespare/xxhash/v2"
	bloomfilter "github.com/holiman/bloomfilter/v2"
	"github.com/pkg/errors"
)

var ErrCorruptSegment = errors.New("index: corrupt segment")

// entry is one (key, value) pair; a nil Value marks a tombstone.
type entry struct {
	Key   string
	Value []byte
}

// Segment is an immutable, sorted run of entries with a bloom filter for
// fast negative lookups, the unit persisted as one ZoneTreeSegment_KV
// block.
type Segment struct {
	ID      int64
	entries []entry
	bloom   *bloomfilter.Filter
}

// buildSegment sorts src by key and constructs the bloom filter. src is
// consumed (sorted in place).
func buildSegment(id int64, src []entry) (*Segment, error) {
	sort.Slice(src, func(i, j int) bool { return src[i].Key < src[j].Key })

	n := uint64(len(src))
	if n == 0 {
		n = 1
	}
	filter, err := bloomfilter.New(n*10, 6)
	if err != nil {
		return nil, errors.Wrap(err, "allocate bloom filter")
	}
	for _, e := range src {
		filter.Add(bloomHash(e.Key))
	}

	return &Segment{ID: id, entries: src, bloom: filter}, nil
}

// bloomHash hashes key with xxhash into the hash.Hash64 value the bloom
// filter expects; xxhash is used purely as the seed function here, same
// role it plays for the cache's stripe selection.
func bloomHash(key string) hash.Hash64 {
	d := xxhash.New()
	d.Write([]byte(key))
	return d
}

// MaybeContains reports whether key might be present; false is a
// definitive "not present", true requires a real lookup.
func (s *Segment) MaybeContains(key string) bool {
	return s.bloom.Contains(bloomHash(key))
}

// Get performs a binary search for key. The bool distinguishes "absent"
// from "present with a tombstone value" (nil).
func (s *Segment) Get(key string) (value []byte, tombstone bool, found bool) {
	if !s.MaybeContains(key) {
		return nil, false, false
	}
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Key >= key })
	if i < len(s.entries) && s.entries[i].Key == key {
		e := s.entries[i]
		return e.Value, e.Value == nil, true
	}
	return nil, false, false
}

// Range returns entries with from <= key < to (to == "" means unbounded).
func (s *Segment) Range(from, to string) []entry {
	lo := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Key >= from })
	var hi int
	if to == "" {
		hi = len(s.entries)
	} else {
		hi = sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Key >= to })
	}
	if lo >= hi {
		return nil
	}
	return s.entries[lo:hi]
}

// Len returns the number of entries (including tombstones) in the segment.
func (s *Segment) Len() int { return len(s.entries) }

// encodeSegment serializes a segment's entries (not its bloom filter,
// which is rebuilt on load) as the ZoneTreeSegment_KV block payload:
//
//	count u32
//	repeated { key_len u16, key bytes, val_len u32 (0xFFFFFFFF = tombstone), val bytes }
func encodeSegment(s *Segment) []byte {
	size := 4
	for _, e := range s.entries {
		size += 2 + len(e.Key) + 4
		if e.Value != nil {
			size += len(e.Value)
		}
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(s.entries)))
	pos := 4
	for _, e := range s.entries {
		binary.BigEndian.PutUint16(buf[pos:], uint16(len(e.Key)))
		pos += 2
		pos += copy(buf[pos:], e.Key)
		if e.Value == nil {
			binary.BigEndian.PutUint32(buf[pos:], 0xFFFFFFFF)
			pos += 4
			continue
		}
		binary.BigEndian.PutUint32(buf[pos:], uint32(len(e.Value)))
		pos += 4
		pos += copy(buf[pos:], e.Value)
	}
	return buf
}

// decodeSegment reverses encodeSegment and rebuilds the bloom filter.
func decodeSegment(id int64, buf []byte) (*Segment, error) {
	if len(buf) < 4 {
		return nil, errors.Wrap(ErrCorruptSegment, "short segment payload")
	}
	count := binary.BigEndian.Uint32(buf[0:4])
	pos := 4
	entries := make([]entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if pos+2 > len(buf) {
			return nil, errors.Wrap(ErrCorruptSegment, "truncated key length")
		}
		klen := int(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		if pos+klen > len(buf) {
			return nil, errors.Wrap(ErrCorruptSegment, "truncated key")
		}
		key := string(buf[pos : pos+klen])
		pos += klen

		if pos+4 > len(buf) {
			return nil, errors.Wrap(ErrCorruptSegment, "truncated value length")
		}
		vlen := binary.BigEndian.Uint32(buf[pos:])
		pos += 4

		var val []byte
		if vlen != 0xFFFFFFFF {
			if pos+int(vlen) > len(buf) {
				return nil, errors.Wrap(ErrCorruptSegment, "truncated value")
			}
			val = append([]byte(nil), buf[pos:pos+int(vlen)]...)
			pos += int(vlen)
		}
		entries = append(entries, entry{Key: key, Value: val})
	}

	return buildSegment(id, entries)
}

