// Package batch implements email batching: packing variable-size emails
// into target-sized blocks and assigning compound identifiers.
package batch

import "github.com/c2h5oh/datasize"

// AdaptiveBlockSizer maps current database size to a target batch size:
// bigger databases get bigger batches.
type AdaptiveBlockSizer struct{}

var sizeTable = []struct {
	upTo   datasize.ByteSize // exclusive upper bound; zero means "and above"
	target datasize.ByteSize
}{
	{upTo: 5 * datasize.GB, target: 50 * datasize.MB},
	{upTo: 25 * datasize.GB, target: 100 * datasize.MB},
	{upTo: 100 * datasize.GB, target: 250 * datasize.MB},
	{upTo: 500 * datasize.GB, target: 500 * datasize.MB},
	{upTo: 0, target: 1024 * datasize.MB},
}

// TargetBytes returns the target batch size for a database of the given
// current size in bytes.
func (AdaptiveBlockSizer) TargetBytes(dbSizeBytes int64) int64 {
	size := datasize.ByteSize(dbSizeBytes)
	for _, row := range sizeTable {
		if row.upTo == 0 || size < row.upTo {
			return int64(row.target)
		}
	}
	return int64(sizeTable[len(sizeTable)-1].target)
}
