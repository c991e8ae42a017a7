package maint

import (
	"context"
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/netninjacorp/emaildb/block"
)

var ErrCompactionAborted = errors.New("maint: compaction aborted")

// LiveSetProvider answers "what's reachable right now" for orphan
// identification and compaction: every block transitively reachable from
// the current header/metadata/folder-tree roots plus all live index
// segments plus all email batches referenced by any index.
type LiveSetProvider interface {
	ReachableBlockIDs() []int64
}

// Config carries the background-maintenance settings.
type Config struct {
	Enabled                bool
	Interval               time.Duration
	CompactionThresholdBytes int64
	MinAgeForDeletion      time.Duration
	KeyVersionsToKeep      int
	BackupsToKeep          int
}

func DefaultConfig() Config {
	return Config{
		Enabled:                  true,
		Interval:                 24 * time.Hour,
		CompactionThresholdBytes: 1 << 30, // 1 GiB
		MinAgeForDeletion:        24 * time.Hour,
		KeyVersionsToKeep:        5,
		BackupsToKeep:            3,
	}
}

// Manager ties together the supersession Tracker, the TxLog, and
// compaction.
type Manager struct {
	store    *block.Store
	provider LiveSetProvider
	tracker  *Tracker
	txlog    *TxLog
	cfg      Config
	log      *zap.Logger

	now func() time.Time
}

func New(store *block.Store, provider LiveSetProvider, tracker *Tracker, txlog *TxLog, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		store:    store,
		provider: provider,
		tracker:  tracker,
		txlog:    txlog,
		cfg:      cfg,
		log:      log.Named("maint"),
		now:      time.Now,
	}
}

// IdentifySupersededBlocks returns superseded records eligible for
// reclamation right now (present on disk, unreachable, past min age).
func (m *Manager) IdentifySupersededBlocks() []Record {
	locations := m.store.Locations()
	scanned := make([]int64, 0, len(locations))
	for id := range locations {
		scanned = append(scanned, id)
	}
	reachable := m.provider.ReachableBlockIDs()
	return m.tracker.IdentifyOrphans(scanned, reachable, m.cfg.MinAgeForDeletion, m.now())
}

// ShouldCompact reports whether the superseded-bytes-to-file-size ratio
// has crossed a fixed 0.33 threshold.
func (m *Manager) ShouldCompact(supersededBytes, fileSize int64) bool {
	if fileSize == 0 {
		return false
	}
	const thresholdRatio = 0.33
	return float64(supersededBytes)/float64(fileSize) > thresholdRatio
}

// Compact creates a sibling file, copies forward only the blocks
// ReachableBlockIDs() reports as live, fsyncs, and atomically renames over
// the original file. It is safe to abort: if interrupted, the sibling is
// simply a stray temp file the next Compact (or an explicit cleanup pass)
// discards.
func (m *Manager) Compact(ctx context.Context, formatVersionHeader *block.Block) error {
	originalPath := m.store.Path()
	siblingPath := originalPath + ".compact.tmp"

	_ = os.Remove(siblingPath) // discard any stray sibling from an aborted prior attempt

	sibling, err := block.Open(siblingPath, true, block.Options{Logger: m.log})
	if err != nil {
		return errors.Wrap(err, "open compaction sibling")
	}

	reachable := m.provider.ReachableBlockIDs()
	sort.Slice(reachable, func(i, j int) bool { return reachable[i] < reachable[j] })

	if formatVersionHeader != nil {
		if _, err := sibling.Append(ctx, formatVersionHeader, false); err != nil {
			sibling.Close()
			return errors.Wrap(err, "write header block to sibling")
		}
	}

	carried := make([]int64, 0, len(reachable))
	for _, id := range reachable {
		if err := ctx.Err(); err != nil {
			sibling.Close()
			_ = os.Remove(siblingPath)
			return errors.Wrap(err, "compaction cancelled")
		}

		blk, err := m.store.Read(id)
		if err != nil {
			// A block the live set claims is reachable but which fails to
			// read is itself corrupt; skip it rather than aborting the
			// whole compaction; corruption stays isolated to the one block.
			m.log.Warn("skipping unreadable live block during compaction", zap.Int64("block_id", id), zap.Error(err))
			continue
		}
		if _, err := sibling.Append(ctx, blk, false); err != nil {
			sibling.Close()
			_ = os.Remove(siblingPath)
			return errors.Wrap(err, "copy block forward")
		}
		carried = append(carried, id)
	}

	if err := sibling.Sync(); err != nil {
		sibling.Close()
		return errors.Wrap(err, "fsync compaction sibling")
	}
	if err := sibling.Close(); err != nil {
		return errors.Wrap(err, "close compaction sibling")
	}

	dropped := m.droppedBlockIDs(reachable, carried)

	if err := os.Rename(siblingPath, originalPath); err != nil {
		return errors.Wrap(err, "atomic rename over original file")
	}

	if err := m.store.Rescan(); err != nil {
		return errors.Wrap(err, "rescan after compaction")
	}

	m.tracker.Forget(dropped)

	if m.txlog != nil {
		_ = m.txlog.Append(m.now(), OpCompaction, "compaction complete", map[string]any{
			"blocks_carried": len(carried),
			"blocks_dropped": len(dropped),
		})
	}

	m.log.Info("compaction complete", zap.Int("carried", len(carried)), zap.Int("dropped", len(dropped)))
	return nil
}

func (m *Manager) droppedBlockIDs(reachable, carried []int64) []int64 {
	carriedSet := make(map[int64]bool, len(carried))
	for _, id := range carried {
		carriedSet[id] = true
	}
	locations := m.store.Locations()
	var dropped []int64
	for id := range locations {
		if !carriedSet[id] {
			dropped = append(dropped, id)
		}
	}
	return dropped
}

// TriggerDue reports whether enough time has passed since lastRun for the
// periodic compaction timer to fire.
func (c Config) TriggerDue(lastRun time.Time, now time.Time) bool {
	if !c.Enabled {
		return false
	}
	return now.Sub(lastRun) >= c.Interval
}
