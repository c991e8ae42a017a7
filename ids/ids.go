// Package ids implements the compound email identifier and the block-id
// generator: ids come from a dedicated 64-bit counter, never from a
// filename hash.
package ids

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
)

var ErrInvalidArgument = errors.New("ids: invalid argument")

// EmailId is the compound email identifier: a batch block id
// plus the email's offset within that batch.
type EmailId struct {
	BatchID int64
	LocalID int32
}

// String renders the canonical "batch_id:local_id" wire form.
func (id EmailId) String() string {
	return strconv.FormatInt(id.BatchID, 10) + ":" + strconv.FormatInt(int64(id.LocalID), 10)
}

// Parse reverses String. Any malformed input fails InvalidArgument.
func Parse(s string) (EmailId, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return EmailId{}, errors.Wrapf(ErrInvalidArgument, "malformed email id %q", s)
	}
	batch, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return EmailId{}, errors.Wrapf(ErrInvalidArgument, "malformed batch id in %q: %v", s, err)
	}
	local, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return EmailId{}, errors.Wrapf(ErrInvalidArgument, "malformed local id in %q: %v", s, err)
	}
	return EmailId{BatchID: batch, LocalID: int32(local)}, nil
}

// BlockIDGenerator hands out unique 64-bit block ids. 0 is reserved for the
// Header block (block.HeaderReservedBlockID), so the counter always starts
// at 1.
type BlockIDGenerator struct {
	next atomic.Int64
}

// NewBlockIDGenerator seeds the generator so the next id returned is
// highWatermark+1; callers reconstruct highWatermark from the scan result
// on open so ids never collide with anything already on disk.
func NewBlockIDGenerator(highWatermark int64) *BlockIDGenerator {
	g := &BlockIDGenerator{}
	g.next.Store(highWatermark)
	return g
}

// Next returns the next unused block id.
func (g *BlockIDGenerator) Next() int64 {
	return g.next.Add(1)
}

// Observe folds externally-known block id v into the generator's
// watermark, so an id supplied directly by a caller (rather than generated
// here) can never be reissued later.
func (g *BlockIDGenerator) Observe(v int64) {
	for {
		cur := g.next.Load()
		if v <= cur {
			return
		}
		if g.next.CompareAndSwap(cur, v) {
			return
		}
	}
}
