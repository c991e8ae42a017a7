package batch

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrCorruptBatch  = errors.New("batch: corrupt batch block")
	ErrLocalIDRange  = errors.New("batch: local id out of range")
	ErrBatchTooLarge = errors.New("batch: email count exceeds uint32 range")
)

// offsetsIndexThreshold is the email count above which a batch block
// carries a binary-search offsets index.
const offsetsIndexThreshold = 64

// PendingEmail is one not-yet-flushed email handed to the builder. Raw is
// the complete source EML bytes; CanonicalHeaders is the byte form of the
// headers used to compute the envelope hash (e.g. produced by whatever
// external MIME parser canonicalizes header casing/ordering).
type PendingEmail struct {
	SourceName       string
	Raw              []byte
	CanonicalHeaders []byte
}

// Record is one packed email as it appears inside a serialized batch.
type Record struct {
	LocalID      int32
	EnvelopeHash [32]byte
	ContentHash  [32]byte
	Raw          []byte
}

// Builder accumulates pending emails and flushes them into a single
// immutable batch block once full or idle.
type Builder struct {
	mu         sync.Mutex
	records    []Record
	bufferSize int
	lastWrite  time.Time

	targetBytes   int64
	flushInterval time.Duration
	now           func() time.Time
}

// Options configures a Builder.
type Options struct {
	TargetBytes   int64
	FlushInterval time.Duration
	// Now overrides the clock source; nil uses time.Now. Tests inject a
	// fake clock here.
	Now func() time.Time
}

func NewBuilder(opts Options) *Builder {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		targetBytes:   opts.TargetBytes,
		flushInterval: opts.FlushInterval,
		now:           now,
		lastWrite:     now(),
	}
}

// Add assigns the next local_id to email and appends it to the in-flight
// buffer.
func (b *Builder) Add(email PendingEmail) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) >= 1<<31-1 {
		return 0, ErrBatchTooLarge
	}

	localID := int32(len(b.records))
	rec := Record{
		LocalID:      localID,
		EnvelopeHash: sha256.Sum256(email.CanonicalHeaders),
		ContentHash:  sha256.Sum256(email.Raw),
		Raw:          append([]byte(nil), email.Raw...),
	}
	b.records = append(b.records, rec)
	b.bufferSize += len(rec.Raw)
	b.lastWrite = b.now()
	return localID, nil
}

// Count returns the number of emails currently buffered.
func (b *Builder) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

// Peek returns the not-yet-flushed record for localID, so a reader can
// resolve an EmailId whose batch hasn't reached a durability boundary yet.
func (b *Builder) Peek(localID int32) (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if localID < 0 || int(localID) >= len(b.records) {
		return Record{}, false
	}
	return b.records[localID], true
}

// ShouldFlush reports whether the buffer has reached its target size or
// gone idle past the configured flush interval.
func (b *Builder) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) == 0 {
		return false
	}
	if b.targetBytes > 0 && int64(b.bufferSize) >= b.targetBytes {
		return true
	}
	if b.flushInterval > 0 && b.now().Sub(b.lastWrite) > b.flushInterval {
		return true
	}
	return false
}

// Flush serializes the current buffer into a single batch payload and
// resets the builder for the next batch. The returned records slice is
// handed back to the caller so IndexStore/FolderManager upserts can be
// built from the same hashes without re-parsing the serialized form.
func (b *Builder) Flush() ([]byte, []Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.records
	b.records = nil
	b.bufferSize = 0
	b.lastWrite = b.now()

	payload, err := serialize(records)
	if err != nil {
		return nil, nil, err
	}
	return payload, records, nil
}

// serialize writes count u32, a has-offsets flag byte, an optional offsets
// index (one u32 per record), then the repeated
// (local_id u32, envelope_hash 32B, content_hash 32B, eml_len u32, eml_bytes)
// records.
func serialize(records []Record) ([]byte, error) {
	if len(records) > int(^uint32(0)) {
		return nil, ErrBatchTooLarge
	}

	recordBytes := make([][]byte, len(records))
	recordsLen := 0
	for i, r := range records {
		buf := make([]byte, 4+32+32+4+len(r.Raw))
		binary.BigEndian.PutUint32(buf[0:4], uint32(r.LocalID))
		copy(buf[4:36], r.EnvelopeHash[:])
		copy(buf[36:68], r.ContentHash[:])
		binary.BigEndian.PutUint32(buf[68:72], uint32(len(r.Raw)))
		copy(buf[72:], r.Raw)
		recordBytes[i] = buf
		recordsLen += len(buf)
	}

	withOffsets := len(records) > offsetsIndexThreshold
	headerLen := 4 + 1
	if withOffsets {
		headerLen += 4 * len(records)
	}

	out := make([]byte, headerLen+recordsLen)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(records)))
	if withOffsets {
		out[4] = 1
	}
	pos := headerLen
	offsetsBase := 5
	for i, rb := range recordBytes {
		if withOffsets {
			binary.BigEndian.PutUint32(out[offsetsBase+4*i:], uint32(pos-headerLen))
		}
		copy(out[pos:], rb)
		pos += len(rb)
	}
	return out, nil
}

// Batch is a parsed (but not necessarily fully materialized) view over a
// deserialized batch payload, supporting O(1) random access (local_id is
// a dense index) via the offsets table when
// present, falling back to a linear scan otherwise.
type Batch struct {
	payload     []byte
	offsets     []uint32 // byte offset of record i relative to recordsBase, or nil
	recordsBase int
	count       uint32
}

// Parse validates and indexes a serialized batch payload without copying
// out every record up front.
func Parse(payload []byte) (*Batch, error) {
	if len(payload) < 5 {
		return nil, errors.Wrap(ErrCorruptBatch, "short batch payload")
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	hasOffsets := payload[4] == 1

	base := 5
	var offsets []uint32
	if hasOffsets {
		need := 5 + 4*int(count)
		if len(payload) < need {
			return nil, errors.Wrap(ErrCorruptBatch, "truncated offsets index")
		}
		offsets = make([]uint32, count)
		for i := range offsets {
			offsets[i] = binary.BigEndian.Uint32(payload[5+4*i:])
		}
		base = need
	}

	return &Batch{payload: payload, offsets: offsets, recordsBase: base, count: count}, nil
}

// Count returns the number of emails in the batch.
func (b *Batch) Count() int { return int(b.count) }

// Get retrieves the record for localID, by offset lookup when the offsets
// index is present, or by linear scan otherwise.
func (b *Batch) Get(localID int32) (Record, error) {
	if localID < 0 || uint32(localID) >= b.count {
		return Record{}, errors.Wrapf(ErrLocalIDRange, "local id %d, count %d", localID, b.count)
	}

	if b.offsets != nil {
		off := b.recordsBase + int(b.offsets[localID])
		return decodeRecordAt(b.payload, off)
	}

	pos := b.recordsBase
	for i := uint32(0); i < b.count; i++ {
		rec, n, err := decodeRecordAtLen(b.payload, pos)
		if err != nil {
			return Record{}, err
		}
		if int32(i) == localID {
			return rec, nil
		}
		pos += n
	}
	return Record{}, errors.Wrapf(ErrLocalIDRange, "local id %d not found", localID)
}

// All decodes and returns every record in the batch, in local_id order.
func (b *Batch) All() ([]Record, error) {
	out := make([]Record, 0, b.count)
	pos := b.recordsBase
	for i := uint32(0); i < b.count; i++ {
		rec, n, err := decodeRecordAtLen(b.payload, pos)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		pos += n
	}
	return out, nil
}

func decodeRecordAt(payload []byte, off int) (Record, error) {
	rec, _, err := decodeRecordAtLen(payload, off)
	return rec, err
}

func decodeRecordAtLen(payload []byte, off int) (Record, int, error) {
	if off+72 > len(payload) {
		return Record{}, 0, errors.Wrap(ErrCorruptBatch, "truncated record header")
	}
	localID := int32(binary.BigEndian.Uint32(payload[off : off+4]))
	var envHash, contentHash [32]byte
	copy(envHash[:], payload[off+4:off+36])
	copy(contentHash[:], payload[off+36:off+68])
	emlLen := binary.BigEndian.Uint32(payload[off+68 : off+72])
	start := off + 72
	end := start + int(emlLen)
	if end > len(payload) {
		return Record{}, 0, errors.Wrap(ErrCorruptBatch, "truncated eml bytes")
	}
	rec := Record{
		LocalID:      localID,
		EnvelopeHash: envHash,
		ContentHash:  contentHash,
		Raw:          payload[start:end],
	}
	return rec, end - off, nil
}
