// Package emaildb is an embedded, append-only, checksummed block store for
// email corpora: every email, folder mutation, and index update is framed
// as an immutable block (package block) and never overwritten in place.
// DB is the single entry point; it wires together block storage, the
// payload codec, per-block key derivation, the LSM-style index store, the
// folder tree, email batching, and background maintenance behind one
// coarse-grained handle.
package emaildb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/netninjacorp/emaildb/batch"
	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/cache"
	"github.com/netninjacorp/emaildb/codec"
	"github.com/netninjacorp/emaildb/config"
	"github.com/netninjacorp/emaildb/folder"
	"github.com/netninjacorp/emaildb/hashchain"
	"github.com/netninjacorp/emaildb/ids"
	"github.com/netninjacorp/emaildb/index"
	"github.com/netninjacorp/emaildb/keys"
	"github.com/netninjacorp/emaildb/maint"
	"github.com/netninjacorp/emaildb/metrics"
	"github.com/netninjacorp/emaildb/parsemail"
	"github.com/netninjacorp/emaildb/version"
)

// EmailId is the compound identifier every public operation accepts and
// returns: a batch block id plus the email's offset within that batch.
type EmailId = ids.EmailId

// allEmailsIndexName is a façade-level index (not one of package index's
// four fixed names) used purely to answer AllEmailIDs without a full file
// scan: key is the email id's own string form, so Range already returns
// them sorted.
const allEmailsIndexName = "all-emails"

// ParsedEmail is the envelope plus body view GetEmail/GetEmailByMessageID
// return: the original bytes always travel alongside the derived fields,
// since storage never keeps anything the raw EML doesn't already contain.
type ParsedEmail struct {
	ID             EmailId
	MessageID      string
	Subject        string
	From           string
	To             []string
	Date           int64
	HasAttachments bool
	Attachments    []string
	TextBody       string
	Raw            []byte
}

// Stats is the snapshot Stats() returns.
type Stats struct {
	TotalEmails         int64
	TotalFolders        int
	StorageBlocks       int
	TotalBytes          int64
	SearchIndexes       int
	PayloadCacheEntries int
	FolderCacheEntries  int
}

// VerificationResult is the outcome of VerifyHashChain.
type VerificationResult struct {
	OK             bool
	EntriesChecked int
	Error          string
}

// MigrationResult is the outcome of a completed Migrate call.
type MigrationResult struct {
	AppliedSteps []version.MigrationStep
}

// DB is the root handle for one emaildb file. All exported methods are
// safe for concurrent use; they serialize through a single mutex: one
// coarse-grained lock around a single mutable root rather than
// fine-grained per-subsystem locks layered on top of each other.
type DB struct {
	mu sync.Mutex

	path string
	opts config.Options

	store *block.Store
	sink  *jsonBlockSink
	codec *codec.Codec
	gen   *ids.BlockIDGenerator

	keys    *keys.Manager
	cache   *cache.Cache
	idx     *index.Store
	ords    *index.Ordinals
	folders *folder.Manager
	chain   *hashchain.Manager

	header            version.Header
	planner           *version.Planner
	metadataBlockID   int64
	chainHeadBlockID  int64
	keyManagerBlockID int64

	builder        *batch.Builder
	sizer          batch.AdaptiveBlockSizer
	currentBatchID int64

	maintMgr *maint.Manager
	tracker  *maint.Tracker
	txlog    *maint.TxLog

	metricsSet *metrics.Set
	fileLock   *flock.Flock
	log        *zap.Logger

	totalEmails    int64
	lastKeyVersion uint32
	closed         bool
}

// Open opens (creating if necessary and requested) the database file at
// path. The returned DB is locked against concurrent use by another
// process via an adjacent .lock file; the engine assumes a single writer
// per file.
func Open(path string, opts config.Options) (*DB, error) {
	log, err := newLogger(opts.LogPath)
	if err != nil {
		return nil, errors.Wrap(err, "construct logger")
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrap(ErrIO, err.Error())
	}
	if !locked {
		return nil, ErrAlreadyLocked
	}

	_, statErr := os.Stat(path)
	fresh := os.IsNotExist(statErr)
	if fresh && !opts.CreateIfMissing {
		_ = fl.Unlock()
		return nil, errors.Wrap(ErrNotFound, "database file does not exist")
	}

	metricsSet := metrics.New()
	blockMetrics := block.NewMetrics(metricsSet.Registry, metrics.Namespace)
	cacheMetrics := cache.NewMetrics(metricsSet.Registry, metrics.Namespace)

	store, err := block.Open(path, opts.CreateIfMissing, block.Options{ReadOnly: opts.ReadOnly, Logger: log, Metrics: blockMetrics})
	if err != nil {
		_ = fl.Unlock()
		return nil, mapErr(err)
	}

	keyMgr := keys.New(log)
	codecC := codec.New(keyMgr)
	gen := ids.NewBlockIDGenerator(highWatermark(store))
	sink := &jsonBlockSink{store: store, codec: codecC, gen: gen, fsync: false}

	c, err := cache.New(cache.Options{
		PayloadCacheSize: payloadCacheEntries(opts.Cache.PayloadBytesMax),
		FolderCacheSize:  opts.Cache.FolderEntriesMax,
		Metrics:          cacheMetrics,
	})
	if err != nil {
		store.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "construct cache")
	}

	txlog, err := maint.OpenTxLog(path + ".txlog")
	if err != nil {
		store.Close()
		_ = fl.Unlock()
		return nil, errors.Wrap(err, "open txlog")
	}

	d := &DB{
		path:       path,
		opts:       opts,
		store:      store,
		sink:       sink,
		codec:      codecC,
		gen:        gen,
		keys:       keyMgr,
		cache:      c,
		idx:        index.New(sink),
		ords:       index.NewOrdinals(),
		folders:    folder.New(sink, nil),
		chain:      hashchain.New(),
		planner:    version.NewPlanner(),
		builder:    batch.NewBuilder(batch.Options{TargetBytes: batch.AdaptiveBlockSizer{}.TargetBytes(store.Size())}),
		sizer:      batch.AdaptiveBlockSizer{},
		tracker:    maint.NewTracker(),
		txlog:      txlog,
		metricsSet: metricsSet,
		fileLock:   fl,
		log:        log,
	}
	d.maintMgr = maint.New(store, d, d.tracker, txlog, maintConfigFrom(opts.Maintenance), log)

	if fresh {
		if err := d.bootstrapFresh(); err != nil {
			d.Close()
			return nil, err
		}
	} else {
		if err := d.bootstrapExisting(); err != nil {
			d.Close()
			return nil, err
		}
	}

	_ = d.txlog.Append(time.Now(), maint.OpStartup, "database opened", nil)
	return d, nil
}

func highWatermark(store *block.Store) int64 {
	var max int64
	for id := range store.Locations() {
		if id > max {
			max = id
		}
	}
	return max
}

// payloadCacheEntries converts a byte budget into an approximate LRU entry
// count, assuming a 64KiB average decoded block (package cache sizes itself
// by entry count, not bytes, matching hashicorp/golang-lru's API).
func payloadCacheEntries(budget datasize.ByteSize) int {
	const avgEntry = 64 * datasize.KB
	n := int(budget / avgEntry)
	if n <= 0 {
		n = 4096
	}
	return n
}

func maintConfigFrom(o config.MaintenanceOptions) maint.Config {
	return maint.Config{
		Enabled:                  o.Enabled,
		Interval:                 o.Interval(),
		CompactionThresholdBytes: int64(o.CompactionThresholdBytes),
		MinAgeForDeletion:        o.MinAgeForDeletion(),
		KeyVersionsToKeep:        o.KeyVersionsToKeep,
		BackupsToKeep:            o.BackupsToKeep,
	}
}

func newLogger(logPath string) (*zap.Logger, error) {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), zap.InfoLevel)}
	if logPath != "" {
		rotator := &lumberjack.Logger{Filename: logPath, MaxSize: 100, MaxBackups: 3, MaxAge: 28, Compress: true}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), zap.InfoLevel))
	}
	return zap.New(zapcore.NewTee(cores...)).Named("emaildb"), nil
}

func capsFor(opts config.Options) version.Capability {
	var c version.Capability
	if opts.Compression != block.CompressionNone {
		c |= version.CapCompression
	}
	if opts.Encryption != block.EncryptionNone {
		c |= version.CapEncryption
	}
	if opts.HashChain {
		c |= version.CapHashChain
	}
	c |= version.CapSearchIndex
	return c
}

func (d *DB) bootstrapFresh() error {
	d.header = version.Header{Format: version.Current, Capabilities: capsFor(d.opts), BlockTypeVersions: map[uint8]uint16{}}
	if err := d.writeHeader(d.header); err != nil {
		return err
	}
	if d.opts.MasterKeyHex != "" {
		key, err := hex.DecodeString(d.opts.MasterKeyHex)
		if err != nil {
			return errors.Wrap(ErrInvalidArgument, "master_key_hex: "+err.Error())
		}
		if err := d.keys.Unlock(key); err != nil {
			return mapErr(err)
		}
		if err := d.commitKeyManager(); err != nil {
			return err
		}
	}
	_, err := d.commitMetadata()
	return err
}

func (d *DB) bootstrapExisting() error {
	h, err := d.readHeader()
	if err != nil {
		return mapErr(err)
	}
	d.header = h

	switch version.Check(h.Format, version.Current) {
	case version.CompatUnsupported:
		return errors.Wrapf(ErrUnsupportedVersion, "on-disk format %s", h.Format)
	case version.CompatRequiresMigration:
		return errors.Wrapf(ErrMigrationRequired, "on-disk format %s requires migration to %s", h.Format, version.Current)
	}

	if err := d.reconstructFromMetadata(); err != nil {
		return err
	}

	if d.opts.MasterKeyHex != "" {
		key, err := hex.DecodeString(d.opts.MasterKeyHex)
		if err != nil {
			return errors.Wrap(ErrInvalidArgument, "master_key_hex: "+err.Error())
		}
		keyVersion := d.lastKeyVersion
		if keyVersion == 0 {
			keyVersion = 1
		}
		if err := d.keys.UnlockAt(key, keyVersion); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

// writeHeader appends (or re-appends, on Migrate) the file's reserved
// Header block at block id 0.
func (d *DB) writeHeader(h version.Header) error {
	now := time.Now().UnixMilli()
	enc, err := d.codec.Encode(codec.EncodeRequest{
		BlockID:   block.HeaderReservedBlockID,
		Type:      block.TypeHeader,
		Timestamp: now,
		Encoding:  block.EncodingJSON,
		Value:     h,
	})
	if err != nil {
		return mapErr(err)
	}
	blk := &block.Block{
		Header: block.Header{
			Type:      block.TypeHeader,
			Encoding:  block.EncodingJSON,
			Timestamp: now,
			BlockID:   block.HeaderReservedBlockID,
			Flags:     enc.Flags,
		},
		Ext:     enc.Ext,
		Payload: enc.Payload,
	}
	_, err = d.store.Append(context.Background(), blk, true)
	return mapErr(err)
}

func (d *DB) readHeader() (version.Header, error) {
	var h version.Header
	blk, err := d.store.Read(block.HeaderReservedBlockID)
	if err != nil {
		return h, err
	}
	data, err := d.codec.Decode(codec.DecodeRequest{
		BlockID:   block.HeaderReservedBlockID,
		Type:      blk.Header.Type,
		Timestamp: blk.Header.Timestamp,
		Encoding:  blk.Header.Encoding,
		Flags:     blk.Header.Flags,
		Ext:       blk.Ext,
		Payload:   blk.Payload,
	})
	if err != nil {
		return h, err
	}
	err = codec.UnmarshalJSON(data, &h)
	return h, err
}

// reconstructFromMetadata rehydrates every in-memory subsystem from the
// newest Metadata block on disk, found by scanning known block ids from
// highest to lowest: the first Metadata-typed block encountered is
// guaranteed newest, since anything appended after it that isn't Metadata
// doesn't invalidate it: the superseded set and index segments converge by
// reading the newest Metadata block.
func (d *DB) reconstructFromMetadata() error {
	locations := d.store.Locations()
	descending := make([]int64, 0, len(locations))
	for id := range locations {
		descending = append(descending, id)
	}
	sort.Slice(descending, func(i, j int) bool { return descending[i] > descending[j] })

	var meta metadataRecord
	var metaBlockID int64
	for _, id := range descending {
		if id == block.HeaderReservedBlockID {
			continue
		}
		blk, err := d.store.Read(id)
		if err != nil {
			continue
		}
		if blk.Header.Type != block.TypeMetadata {
			continue
		}
		m, err := d.sink.readMetadata(id)
		if err != nil {
			// Fall through to the next-newest Metadata block; a corrupt one
			// must not fail the whole open.
			d.log.Warn("skipping undecodable metadata block", zap.Int64("block_id", id), zap.Error(err))
			continue
		}
		meta, metaBlockID = m, id
		break
	}
	if metaBlockID == 0 {
		// A header with no committed Metadata yet (crash before the first
		// commit); treat this as an empty, freshly-initialized database.
		return nil
	}

	d.metadataBlockID = metaBlockID
	d.totalEmails = meta.TotalEmails
	d.chainHeadBlockID = meta.ChainHeadBlockID
	d.lastKeyVersion = meta.KeyVersion
	d.keyManagerBlockID = meta.KeyManagerBlock
	d.ords.Load(meta.OrdinalAssignments, meta.OrdinalNext)

	if d.keyManagerBlockID != 0 {
		rec, err := d.sink.readKeyManager(d.keyManagerBlockID)
		if err != nil {
			return mapErr(err)
		}
		d.keys.LoadSnapshot(rec.Current, rec.Versions)
	}

	for name, refs := range meta.IndexRoots {
		segIDs := make([]int64, len(refs))
		blockIDs := make([]int64, len(refs))
		for i, r := range refs {
			segIDs[i] = r.SegmentID
			blockIDs[i] = r.BlockID
		}
		for _, blockID := range d.idx.LoadSegments(name, segIDs, blockIDs) {
			// A corrupt segment stays isolated: reads fall through to the
			// older segments that survived.
			d.log.Warn("excluding unreadable index segment", zap.String("index", name), zap.Int64("block_id", blockID))
		}
	}

	if meta.FolderTreeBlock != 0 {
		tree, err := d.sink.readFolderTree(meta.FolderTreeBlock)
		if err != nil {
			return mapErr(err)
		}
		d.folders.Bootstrap(tree, meta.FolderTreeBlock)
	}

	if meta.ChainHeadBlockID != 0 {
		var entries []hashchain.Entry
		id := meta.ChainHeadBlockID
		for id != 0 {
			link, err := d.sink.readHashChainLink(id)
			if err != nil {
				break
			}
			entries = append(entries, link.Entry)
			id = link.PreviousBlockID
		}
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
		d.chain.Load(entries)
	}

	return nil
}

// commitMetadata appends a new Metadata block reflecting the current
// in-memory roots and records the previous one as superseded.
func (d *DB) commitMetadata() (int64, error) {
	indexRoots := make(map[string][]indexSegmentRef)
	for _, name := range d.idx.IndexNames() {
		refs := d.idx.SegmentRefs(name)
		out := make([]indexSegmentRef, len(refs))
		for i, r := range refs {
			out[i] = indexSegmentRef{SegmentID: r.SegmentID, BlockID: r.BlockID}
		}
		indexRoots[name] = out
	}
	assignments, next := d.ords.Snapshot()

	m := metadataRecord{
		IndexRoots:         indexRoots,
		FolderTreeBlock:    d.folders.TreeBlockID(),
		HashChainHead:      d.chain.Head(),
		ChainHeadBlockID:   d.chainHeadBlockID,
		OrdinalNext:        next,
		OrdinalAssignments: assignments,
		TotalEmails:        d.totalEmails,
		KeyVersion:         d.currentKeyVersion(),
		KeyManagerBlock:    d.keyManagerBlockID,
	}
	id, err := d.sink.appendMetadata(m)
	if err != nil {
		return 0, mapErr(err)
	}
	if d.metadataBlockID != 0 {
		d.tracker.Record(d.metadataBlockID, uint8(block.TypeMetadata), "superseded by newer metadata", time.Now())
	}
	d.metadataBlockID = id
	return id, nil
}

// commitKeyManager persists the keys.Manager's current, unlocked state into
// a new TypeKeyManager block and records the previous one as superseded.
// Prior generations are retained so older blocks stay readable; the
// retention count itself is keys.Manager's historyDepth, this only mirrors whatever
// it reports into a block). No-op if the manager isn't unlocked, since an
// unencrypted database never needs a KeyManager block.
func (d *DB) commitKeyManager() error {
	if !d.keys.IsUnlocked() {
		return nil
	}
	current, versions, err := d.keys.Snapshot()
	if err != nil {
		return mapErr(err)
	}
	id, err := d.sink.appendKeyManager(keyManagerRecord{Current: current, Versions: versions})
	if err != nil {
		return mapErr(err)
	}
	if d.keyManagerBlockID != 0 {
		d.tracker.Record(d.keyManagerBlockID, uint8(block.TypeKeyManager), "superseded by key rotation", time.Now())
	}
	d.keyManagerBlockID = id
	return nil
}

func (d *DB) currentKeyVersion() uint32 {
	if !d.keys.IsUnlocked() {
		return d.lastKeyVersion
	}
	v, err := d.keys.CurrentVersion()
	if err != nil {
		return 0
	}
	return v
}

func (d *DB) recordSuperseded(list []folder.Superseded) {
	now := time.Now()
	for _, s := range list {
		d.tracker.Record(s.BlockID, uint8(block.TypeFolder), s.Reason, now)
	}
}

// ReachableBlockIDs implements maint.LiveSetProvider: the union of every
// root the façade currently points at, plus everything transitively hung
// off those roots.
func (d *DB) ReachableBlockIDs() []int64 {
	set := map[int64]bool{block.HeaderReservedBlockID: true}
	if d.metadataBlockID != 0 {
		set[d.metadataBlockID] = true
	}
	if d.currentBatchID != 0 {
		set[d.currentBatchID] = true
	}

	if treeBlockID := d.folders.TreeBlockID(); treeBlockID != 0 {
		set[treeBlockID] = true
	}
	tree := d.folders.CurrentTree()
	for _, blockID := range tree.IDToContent {
		set[blockID] = true
	}
	for _, blockID := range tree.IDToEnvelope {
		set[blockID] = true
	}

	for _, name := range d.idx.IndexNames() {
		for _, blockID := range d.idx.SegmentBlockIDs(name) {
			set[blockID] = true
		}
	}

	for _, e := range d.idx.Range(allEmailsIndexName, "", "") {
		if id, err := ids.Parse(string(e.Value)); err == nil {
			set[id.BatchID] = true
		}
	}

	id := d.chainHeadBlockID
	for id != 0 {
		set[id] = true
		link, err := d.sink.readHashChainLink(id)
		if err != nil {
			break
		}
		id = link.PreviousBlockID
	}

	out := make([]int64, 0, len(set))
	for blockID := range set {
		out = append(out, blockID)
	}
	return out
}

// ImportEML parses and stores one email, assigning its id immediately
// (ids are assigned at append, not at flush).
func (d *DB) ImportEML(raw []byte) (EmailId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.importLocked(raw)
}

// ImportEMLBatch imports several emails under one lock acquisition;
// per-item failures don't abort the remaining items.
func (d *DB) ImportEMLBatch(raws [][]byte) ([]EmailId, []error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]EmailId, len(raws))
	errs := make([]error, len(raws))
	for i, raw := range raws {
		out[i], errs[i] = d.importLocked(raw)
	}
	return out, errs
}

func (d *DB) importLocked(raw []byte) (EmailId, error) {
	p, err := parsemail.Parse(raw)
	if err != nil {
		d.metricsSet.EmailsImportFailed.Inc()
		return EmailId{}, mapErr(err)
	}

	if d.builder.Count() == 0 {
		d.currentBatchID = d.gen.Next()
	}

	localID, err := d.builder.Add(batch.PendingEmail{Raw: raw, CanonicalHeaders: p.CanonicalHeaders})
	if err != nil {
		d.metricsSet.EmailsImportFailed.Inc()
		return EmailId{}, mapErr(err)
	}
	id := EmailId{BatchID: d.currentBatchID, LocalID: localID}

	if err := d.indexNewEmail(id, p); err != nil {
		d.metricsSet.EmailsImportFailed.Inc()
		return EmailId{}, err
	}
	d.totalEmails++
	d.metricsSet.EmailsImported.Inc()

	if d.builder.ShouldFlush() {
		if err := d.flushBatchLocked(); err != nil {
			return id, err
		}
	}
	return id, nil
}

// indexNewEmail upserts id into every index before an
// import is reported complete: the lookup indexes, then the search-term
// postings for every tokenized field. A failure here means the email is
// durably queued in the batch builder but not fully searchable, so it is
// surfaced to the caller rather than swallowed: ImportEML must not report
// success for an email the search index doesn't yet fully cover.
func (d *DB) indexNewEmail(id EmailId, p parsemail.Parsed) error {
	d.idx.Upsert(allEmailsIndexName, id.String(), []byte(id.String()))
	if p.MessageID != "" {
		d.idx.Upsert(index.MessageIDIndexName, p.MessageID, []byte(id.String()))
	}
	envHash := sha256.Sum256(p.CanonicalHeaders)
	d.idx.Upsert(index.EnvelopeHashIndexName, hex.EncodeToString(envHash[:]), []byte(id.String()))

	ordinal := d.ords.Assign(id.String())
	for _, field := range []struct{ name, text string }{
		{"subject", p.Subject}, {"from", p.From}, {"to", strings.Join(p.To, " ")}, {"body", p.TextBody},
	} {
		for _, tok := range index.Tokenize(field.text) {
			if err := d.idx.AddToPostings(index.SearchTermIndexName, field.name+":"+tok, ordinal); err != nil {
				return errors.Wrap(mapErr(err), "index search term")
			}
			if err := d.idx.AddToPostings(index.SearchTermIndexName, "any:"+tok, ordinal); err != nil {
				return errors.Wrap(mapErr(err), "index search term")
			}
		}
	}

	for _, name := range []string{allEmailsIndexName, index.MessageIDIndexName, index.EnvelopeHashIndexName, index.SearchTermIndexName} {
		if _, err := d.idx.FlushIfNeeded(name); err != nil {
			return errors.Wrap(mapErr(err), "flush index segment")
		}
	}
	return nil
}

// flushBatchLocked serializes the in-flight batch into a single
// TypeEmailBatch block, links it into the hash chain if enabled, and
// commits a new Metadata block. It is a durability boundary: fsync happens
// on this append.
func (d *DB) flushBatchLocked() error {
	if d.builder.Count() == 0 {
		return nil
	}

	payload, _, err := d.builder.Flush()
	if err != nil {
		return mapErr(err)
	}

	now := time.Now().UnixMilli()
	enc, err := d.codec.Encode(codec.EncodeRequest{
		BlockID:     d.currentBatchID,
		Type:        block.TypeEmailBatch,
		Timestamp:   now,
		Encoding:    block.EncodingRawBytes,
		Compression: d.opts.Compression,
		Encryption:  d.opts.Encryption,
		KeyVersion:  d.currentKeyVersion(),
		Raw:         payload,
	})
	if err != nil {
		return mapErr(err)
	}

	blk := &block.Block{
		Header: block.Header{
			Type:      block.TypeEmailBatch,
			Encoding:  block.EncodingRawBytes,
			Timestamp: now,
			BlockID:   d.currentBatchID,
			Flags:     enc.Flags,
		},
		Ext:     enc.Ext,
		Payload: enc.Payload,
	}
	if _, err := d.store.Append(context.Background(), blk, true); err != nil {
		return mapErr(err)
	}
	d.cache.PutPayload(d.currentBatchID, payload)

	if d.opts.HashChain {
		entry := d.chain.Append(d.currentBatchID, payload)
		linkBlockID, err := d.sink.appendHashChainLink(hashChainLink{Entry: entry, PreviousBlockID: d.chainHeadBlockID})
		if err != nil {
			return mapErr(err)
		}
		d.chainHeadBlockID = linkBlockID
	}

	d.currentBatchID = 0
	_, err = d.commitMetadata()
	return err
}

// recordFor resolves id to its packed Record, either from the in-flight
// builder (if id's batch hasn't been durably flushed yet) or from the
// persisted batch block.
func (d *DB) recordFor(id EmailId) (batch.Record, error) {
	if d.currentBatchID != 0 && id.BatchID == d.currentBatchID {
		rec, ok := d.builder.Peek(id.LocalID)
		if !ok {
			return batch.Record{}, ErrNotFound
		}
		return rec, nil
	}
	payload, err := d.readBatchPayload(id.BatchID)
	if err != nil {
		return batch.Record{}, err
	}
	b, err := batch.Parse(payload)
	if err != nil {
		return batch.Record{}, mapErr(err)
	}
	rec, err := b.Get(id.LocalID)
	if err != nil {
		return batch.Record{}, ErrNotFound
	}
	return rec, nil
}

func (d *DB) readBatchPayload(batchID int64) ([]byte, error) {
	if cached, ok := d.cache.GetPayload(batchID); ok {
		return cached, nil
	}
	blk, err := d.store.Read(batchID)
	if err != nil {
		return nil, mapErr(err)
	}
	payload, err := d.codec.Decode(codec.DecodeRequest{
		BlockID:   batchID,
		Type:      blk.Header.Type,
		Timestamp: blk.Header.Timestamp,
		Encoding:  blk.Header.Encoding,
		Flags:     blk.Header.Flags,
		Ext:       blk.Ext,
		Payload:   blk.Payload,
	})
	if err != nil {
		return nil, mapErr(err)
	}
	d.cache.PutPayload(batchID, payload)
	return payload, nil
}

func (d *DB) parsedFromRaw(id EmailId, raw []byte) (ParsedEmail, error) {
	p, err := parsemail.Parse(raw)
	if err != nil {
		return ParsedEmail{}, mapErr(err)
	}
	return ParsedEmail{
		ID:             id,
		MessageID:      p.MessageID,
		Subject:        p.Subject,
		From:           p.From,
		To:             p.To,
		Date:           p.Date,
		HasAttachments: p.HasAttachments,
		Attachments:    p.Attachments,
		TextBody:       p.TextBody,
		Raw:            p.Raw,
	}, nil
}

func (d *DB) getEmailLocked(id EmailId) (ParsedEmail, error) {
	if _, err := d.idx.Get(allEmailsIndexName, id.String()); err != nil {
		return ParsedEmail{}, mapErr(err)
	}
	rec, err := d.recordFor(id)
	if err != nil {
		return ParsedEmail{}, mapErr(err)
	}
	return d.parsedFromRaw(id, rec.Raw)
}

// GetEmail retrieves one email by its compound id.
func (d *DB) GetEmail(id EmailId) (ParsedEmail, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.getEmailLocked(id)
}

// GetEmailByMessageID resolves a RFC 5322 Message-ID to its email.
func (d *DB) GetEmailByMessageID(messageID string) (ParsedEmail, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, err := d.idx.Get(index.MessageIDIndexName, messageID)
	if err != nil {
		return ParsedEmail{}, mapErr(err)
	}
	id, err := ids.Parse(string(v))
	if err != nil {
		return ParsedEmail{}, mapErr(err)
	}
	return d.getEmailLocked(id)
}

// AllEmailIDs returns every email id currently known to the database.
func (d *DB) AllEmailIDs() ([]EmailId, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := d.idx.Range(allEmailsIndexName, "", "")
	out := make([]EmailId, 0, len(entries))
	for _, e := range entries {
		if id, err := ids.Parse(e.Key); err == nil {
			out = append(out, id)
		}
	}
	return out, nil
}

func (d *DB) envelopeFor(id EmailId) (folder.Envelope, error) {
	rec, err := d.recordFor(id)
	if err != nil {
		return folder.Envelope{}, mapErr(err)
	}
	p, err := parsemail.Parse(rec.Raw)
	if err != nil {
		return folder.Envelope{}, mapErr(err)
	}
	return folder.Envelope{
		EmailID:        id.String(),
		MessageID:      p.MessageID,
		Subject:        p.Subject,
		From:           p.From,
		To:             strings.Join(p.To, ", "),
		Date:           p.Date,
		Size:           int64(len(rec.Raw)),
		HasAttachments: p.HasAttachments,
		EnvelopeHash:   rec.EnvelopeHash,
	}, nil
}

// CreateFolder registers a new, empty folder.
func (d *DB) CreateFolder(name string, parentFolderID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, superseded, err := d.folders.CreateFolder(name, parentFolderID)
	if err != nil {
		return mapErr(err)
	}
	d.recordSuperseded(superseded)
	_, err = d.commitMetadata()
	return err
}

// AddToFolder files id under folderName.
func (d *DB) AddToFolder(id EmailId, folderName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	env, err := d.envelopeFor(id)
	if err != nil {
		return err
	}
	superseded, err := d.folders.AddEmailToFolder(folderName, id, env)
	if err != nil {
		return mapErr(err)
	}
	ordinal := d.ords.Assign(id.String())
	if err := d.idx.AddToPostings(index.FolderMembershipIndexName, folderName, ordinal); err != nil {
		return mapErr(err)
	}
	d.recordSuperseded(superseded)
	d.cache.InvalidateFolder(folderName)
	_, err = d.commitMetadata()
	return err
}

// Move relocates id from one folder to another as a single logical
// operation.
func (d *DB) Move(id EmailId, from, to string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	env, err := d.envelopeFor(id)
	if err != nil {
		return err
	}
	superseded, err := d.folders.MoveEmail(id, env, from, to)
	if err != nil {
		return mapErr(err)
	}
	d.recordSuperseded(superseded)
	d.cache.InvalidateFolder(from)
	d.cache.InvalidateFolder(to)
	_, err = d.commitMetadata()
	return err
}

// Delete removes id from every folder that currently contains it and
// tombstones its message-id/envelope-hash/all-emails index entries. Its
// search-term postings are left in place (removing a single ordinal from
// every token it ever contributed to would require re-tokenizing the
// email); a stale search hit still resolves to NotFound, since
// getEmailLocked rejects any id whose all-emails entry is tombstoned.
func (d *DB) Delete(id EmailId) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, err := d.getEmailLocked(id)
	if err != nil {
		return err
	}
	rec, err := d.recordFor(id)
	if err != nil {
		return mapErr(err)
	}

	ordinal := d.ords.Assign(id.String())
	for _, name := range d.folders.FolderNames() {
		envs, err := d.folders.ListFolder(name)
		if err != nil {
			continue
		}
		member := false
		for _, e := range envs {
			if e.EmailID == id.String() {
				member = true
				break
			}
		}
		if !member {
			continue
		}
		superseded, err := d.folders.DeleteEmail(name, id)
		if err != nil {
			continue
		}
		d.recordSuperseded(superseded)
		d.cache.InvalidateFolder(name)
		_ = d.idx.RemoveFromPostings(index.FolderMembershipIndexName, name, ordinal)
	}

	if p.MessageID != "" {
		d.idx.Delete(index.MessageIDIndexName, p.MessageID)
	}
	d.idx.Delete(index.EnvelopeHashIndexName, hex.EncodeToString(rec.EnvelopeHash[:]))
	d.idx.Delete(allEmailsIndexName, id.String())

	for _, name := range []string{index.MessageIDIndexName, index.EnvelopeHashIndexName, allEmailsIndexName, index.FolderMembershipIndexName} {
		_, _ = d.idx.FlushIfNeeded(name)
	}

	d.totalEmails--
	_, err = d.commitMetadata()
	return err
}

// ListFolder returns folderName's current envelope listing.
func (d *DB) ListFolder(folderName string) ([]folder.Envelope, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cached, ok := d.cache.GetFolder(folderName); ok {
		if envs, ok2 := cached.([]folder.Envelope); ok2 {
			return envs, nil
		}
	}
	envs, err := d.folders.ListFolder(folderName)
	if err != nil {
		return nil, mapErr(err)
	}
	d.cache.PutFolder(folderName, envs)
	return envs, nil
}

// Stats reports current database-wide counters.
func (d *DB) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		TotalEmails:         d.totalEmails,
		TotalFolders:        len(d.folders.FolderNames()),
		StorageBlocks:       len(d.store.Locations()),
		TotalBytes:          d.store.Size(),
		SearchIndexes:       len(d.idx.IndexNames()),
		PayloadCacheEntries: d.cache.PayloadLen(),
		FolderCacheEntries:  d.cache.FolderLen(),
	}
}

// Version returns the on-disk format version this database was opened at.
func (d *DB) Version() version.Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.header.Format
}

// Compatibility compares target against the current on-disk format.
func (d *DB) Compatibility(target version.Version) version.Compatibility {
	d.mu.Lock()
	defer d.mu.Unlock()
	return version.Check(d.header.Format, target)
}

// PlanMigration builds the step sequence from the current on-disk format
// to target.
func (d *DB) PlanMigration(target version.Version) (version.MigrationPlan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.planner.Plan(d.header.Format, target)
}

// Migrate plans and applies every step required to bring the database to
// target, rewriting the Header block last so a crash mid-migration leaves
// the file reporting its pre-migration version.
func (d *DB) Migrate(ctx context.Context, target version.Version) (MigrationResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	plan, err := d.planner.Plan(d.header.Format, target)
	if err != nil {
		return MigrationResult{}, err
	}
	for _, step := range plan.Steps {
		if d.txlog != nil {
			_ = d.txlog.Append(time.Now(), maint.OpMigration, step.EstimatedDuration, map[string]any{
				"from_major": step.FromMajor, "to_major": step.ToMajor,
			})
		}
	}

	newHeader := d.header
	newHeader.Format = target
	if err := d.writeHeader(newHeader); err != nil {
		return MigrationResult{}, err
	}
	d.header = newHeader
	return MigrationResult{AppliedSteps: plan.Steps}, nil
}

// UnlockEncryption activates masterKey so encrypted blocks can be written
// and read. Required before any import/read on a database opened with
// Encryption configured, unless MasterKeyHex was supplied to Open. The
// first successful unlock of a database persists its TypeKeyManager block
// so a later reopen can verify the master key instead of trusting it.
func (d *DB) UnlockEncryption(masterKey []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.lastKeyVersion != 0 {
		err = d.keys.UnlockAt(masterKey, d.lastKeyVersion)
	} else {
		err = d.keys.Unlock(masterKey)
	}
	if err != nil {
		return mapErr(err)
	}
	if d.keyManagerBlockID == 0 {
		return d.commitKeyManager()
	}
	return nil
}

// LockEncryption discards all in-memory key material.
func (d *DB) LockEncryption() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keys.Lock()
}

// RotateEncryptionKey introduces a new master key generation,
// retiring but not discarding the previous one, and persists the result
// into a new TypeKeyManager block superseding the old one.
func (d *DB) RotateEncryptionKey(newMasterKey []byte) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	next, err := d.keys.Rotate(newMasterKey)
	if err != nil {
		return 0, mapErr(err)
	}
	if err := d.commitKeyManager(); err != nil {
		return 0, err
	}
	if _, err := d.commitMetadata(); err != nil {
		return 0, err
	}
	return next, nil
}

// VerifyHashChain walks the hash chain (if enabled) and confirms every
// link's self-hash, previous-hash linkage, and backing payload hash.
func (d *DB) VerifyHashChain() VerificationResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.chain.Entries()
	err := d.chain.Verify(func(blockID int64) ([]byte, bool) {
		payload, err := d.readBatchPayload(blockID)
		if err != nil {
			return nil, false
		}
		return payload, true
	})
	if err != nil {
		return VerificationResult{OK: false, EntriesChecked: len(entries), Error: err.Error()}
	}
	return VerificationResult{OK: true, EntriesChecked: len(entries)}
}

// RunMaintenance identifies reclaimable blocks and, if the superseded-bytes
// ratio has crossed the configured threshold, compacts the file in place.
// Unlike the fsync durability boundaries, this is never called
// automatically; the host process decides when to pay compaction's cost.
func (d *DB) RunMaintenance(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	superseded := d.maintMgr.IdentifySupersededBlocks()
	var supersededBytes int64
	locations := d.store.Locations()
	for _, r := range superseded {
		if loc, ok := locations[r.BlockID]; ok {
			supersededBytes += loc.Len
		}
	}
	if !d.maintMgr.ShouldCompact(supersededBytes, d.store.Size()) {
		return nil
	}

	hdrBlock, err := d.store.Read(block.HeaderReservedBlockID)
	if err != nil {
		return mapErr(err)
	}
	if err := d.maintMgr.Compact(ctx, hdrBlock); err != nil {
		return mapErr(err)
	}
	d.metricsSet.CompactionsRun.Inc()
	return nil
}

// Close flushes any in-flight batch and index segments, commits a final
// Metadata block, and releases the file lock.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	if err := d.flushBatchLocked(); err != nil {
		d.log.Warn("flush on close failed", zap.Error(err))
	}
	for _, name := range []string{index.MessageIDIndexName, index.EnvelopeHashIndexName, allEmailsIndexName, index.SearchTermIndexName, index.FolderMembershipIndexName} {
		if _, err := d.idx.Flush(name); err != nil {
			d.log.Warn("index flush failed", zap.String("index", name), zap.Error(err))
		}
	}
	if _, err := d.commitMetadata(); err != nil {
		d.log.Warn("final metadata commit failed", zap.Error(err))
	}

	if d.txlog != nil {
		_ = d.txlog.Append(time.Now(), maint.OpShutdown, "clean shutdown", nil)
		_ = d.txlog.Close()
	}

	storeErr := d.store.Close()
	if d.fileLock != nil {
		_ = d.fileLock.Unlock()
	}
	_ = d.log.Sync()
	return storeErr
}
