package block

import (
	"context"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Metrics are the counters RawBlockStore exposes; the caller (emaildb
// façade) registers them into the registry it creates for each opened DB.
type Metrics struct {
	BlocksAppended prometheus.Counter
	BytesWritten   prometheus.Counter
	ScanSkipped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		BlocksAppended: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "block_store", Name: "blocks_appended_total"}),
		BytesWritten:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "block_store", Name: "bytes_written_total"}),
		ScanSkipped:    prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Subsystem: "block_store", Name: "scan_skipped_total"}),
	}
	if reg != nil {
		reg.MustRegister(m.BlocksAppended, m.BytesWritten, m.ScanSkipped)
	}
	return m
}

// Store is the raw append-only block store behind an emaildb file. A Store
// owns exactly one underlying file; it is not safe to open the same file
// from two Stores in the same process.
type Store struct {
	mu   sync.RWMutex
	f    *os.File
	path string

	readOnly bool
	size     int64

	locations map[int64]Location

	log     *zap.Logger
	metrics *Metrics
}

// Options configures a Store.
type Options struct {
	ReadOnly bool
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Open opens (and if necessary creates) the block file at path and performs
// the initial full-file scan that rebuilds the location index.
func Open(path string, create bool, opts Options) (*Store, error) {
	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	if create && !opts.ReadOnly {
		flag |= os.O_CREATE
	}

	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrIOError, "open %s: %v", path, err)
		}
		return nil, errors.Wrapf(ErrIOError, "open %s: %v", path, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		f:         f,
		path:      path,
		readOnly:  opts.ReadOnly,
		locations: make(map[int64]Location),
		log:       logger.Named("block"),
		metrics:   opts.Metrics,
	}

	if err := s.scanLocked(); err != nil {
		f.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) scanLocked() error {
	info, err := s.f.Stat()
	if err != nil {
		return errors.Wrap(ErrIOError, err.Error())
	}
	s.size = info.Size()
	if s.size == 0 {
		return nil
	}

	data, err := s.readAll()
	if err != nil {
		return err
	}

	results := Scan(data)
	for _, r := range results {
		s.locations[r.BlockID] = r.Location
	}
	skipped := estimateSkippedBlocks(len(data), results)
	if s.metrics != nil && skipped > 0 {
		s.metrics.ScanSkipped.Add(float64(skipped))
	}
	s.log.Info("scan complete", zap.Int("blocks", len(results)), zap.Int64("file_size", s.size))
	return nil
}

// estimateSkippedBlocks is a logging heuristic only: it does not affect
// correctness, just the "N corrupted blocks" figure in scan logs.
func estimateSkippedBlocks(fileSize int, results []ScanResult) int {
	var covered int64
	for _, r := range results {
		covered += r.Location.Len
	}
	remaining := int64(fileSize) - covered
	if remaining <= HeaderLen {
		return 0
	}
	return int(remaining / HeaderLen)
}

// readAll reads the whole file via mmap where possible, falling back to a
// plain read for zero-length or unmappable files.
func (s *Store) readAll() ([]byte, error) {
	if s.size == 0 {
		return nil, nil
	}
	m, err := mmap.MapRegion(s.f, int(s.size), mmap.RDONLY, 0, 0)
	if err != nil {
		// Fall back to a regular read; mmap can fail on some filesystems
		// (e.g. certain network mounts) even though the file is otherwise fine.
		buf := make([]byte, s.size)
		if _, err := s.f.ReadAt(buf, 0); err != nil {
			return nil, errors.Wrap(ErrIOError, err.Error())
		}
		return buf, nil
	}
	defer m.Unmap()
	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

// Append writes a fully-formed block at the current end of file. fsync
// controls whether this append is a durability boundary (fsync after a
// batch or a metadata supersede, not after every write).
func (s *Store) Append(ctx context.Context, b *Block, fsync bool) (Location, error) {
	if s.readOnly {
		return Location{}, errors.Wrap(ErrIOError, "store is read-only")
	}
	if b.Header.BlockID == HeaderReservedBlockID && b.Header.Type != TypeHeader {
		return Location{}, errors.Wrap(ErrInvalidArgument, "block id 0 is reserved for the header block")
	}

	encoded := b.Encode()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Location{}, errors.Wrap(ErrCancelled, err.Error())
	}

	offset := s.size

	writeOp := func() error {
		_, err := s.f.WriteAt(encoded, offset)
		return err
	}

	if err := s.retryTransient(ctx, writeOp); err != nil {
		return Location{}, errors.Wrap(ErrIOError, err.Error())
	}

	if fsync {
		if err := s.f.Sync(); err != nil {
			return Location{}, errors.Wrap(ErrIOError, "fsync: "+err.Error())
		}
	}

	loc := Location{Offset: offset, Len: int64(len(encoded))}
	s.size += int64(len(encoded))
	s.locations[b.Header.BlockID] = loc // later append wins for a duplicate id

	if s.metrics != nil {
		s.metrics.BlocksAppended.Inc()
		s.metrics.BytesWritten.Add(float64(len(encoded)))
	}

	return loc, nil
}

// retryTransient retries a single time after a short backoff so a
// transient I/O hiccup is recovered locally instead of surfacing.
func (s *Store) retryTransient(ctx context.Context, op func() error) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1)
	return backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return op()
	}, backoff.WithContext(b, ctx))
}

// Read looks up block_id, reads its framed bytes, and validates checksums.
func (s *Store) Read(blockID int64) (*Block, error) {
	s.mu.RLock()
	loc, ok := s.locations[blockID]
	f := s.f
	s.mu.RUnlock()

	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "block %d", blockID)
	}

	buf := make([]byte, loc.Len)
	if _, err := f.ReadAt(buf, loc.Offset); err != nil {
		return nil, errors.Wrap(ErrIOError, err.Error())
	}

	blk, _, err := Decode(buf)
	if err != nil {
		if errors.Is(err, ErrCorruptHeader) {
			return nil, errors.Wrapf(ErrCorruptHeader, "block %d", blockID)
		}
		return nil, errors.Wrapf(ErrCorruptPayload, "block %d", blockID)
	}
	return blk, nil
}

// Rescan reopens the file at the Store's path and re-runs the open-time
// scan against it. Used after an external rewrite (compaction swap) so the
// Store reads the file now at path rather than the one it replaced.
func (s *Store) Rescan() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flag := os.O_RDWR
	if s.readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(s.path, flag, 0o644)
	if err != nil {
		return errors.Wrapf(ErrIOError, "reopen %s: %v", s.path, err)
	}
	_ = s.f.Close()
	s.f = f
	s.locations = make(map[int64]Location)
	return s.scanLocked()
}

// Locations returns a snapshot of the block_id -> location index.
func (s *Store) Locations() map[int64]Location {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]Location, len(s.locations))
	for k, v := range s.locations {
		out[k] = v
	}
	return out
}

// Size returns the current logical end-of-file offset.
func (s *Store) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Path returns the underlying file path.
func (s *Store) Path() string { return s.path }

// Sync forces an fsync of the underlying file.
func (s *Store) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		return errors.Wrap(ErrIOError, err.Error())
	}
	return nil
}

// Close flushes and releases the file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.readOnly {
		_ = s.f.Sync()
	}
	return s.f.Close()
}

var (
	ErrIOError         = errors.New("block: io error")
	ErrNotFound        = errors.New("block: not found")
	ErrInvalidArgument = errors.New("block: invalid argument")
	ErrCancelled       = errors.New("block: cancelled")
)
