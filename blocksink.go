package emaildb

import (
	"context"
	"time"

	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/codec"
	"github.com/netninjacorp/emaildb/folder"
	"github.com/netninjacorp/emaildb/hashchain"
	"github.com/netninjacorp/emaildb/ids"
	"github.com/netninjacorp/emaildb/index"
	"github.com/netninjacorp/emaildb/keys"
)

// jsonBlockSink adapts *block.Store + *codec.Codec into the narrow
// persistence interfaces index.SegmentStore and folder.BlockSink expect,
// so neither package needs to know about block framing directly. Folder,
// metadata, hash-chain and key-manager entities round-trip as EncodingJSON
// payloads; index segments are stored as EncodingRawBytes (package index
// frames them itself), as are EmailBatch blocks (package batch frames
// those).
type jsonBlockSink struct {
	store *block.Store
	codec *codec.Codec
	gen   *ids.BlockIDGenerator
	fsync bool

	// onAppend, when set, is notified with every newly appended block id so
	// the façade can keep its reachable-block bookkeeping (used for
	// maint.LiveSetProvider) current without this package knowing anything
	// about supersession.
	onAppend func(int64)
}

func (s *jsonBlockSink) appendJSON(typ block.Type, v any) (int64, error) {
	id := s.gen.Next()
	now := time.Now().UnixMilli()

	enc, err := s.codec.Encode(codec.EncodeRequest{
		BlockID:   id,
		Type:      typ,
		Timestamp: now,
		Encoding:  block.EncodingJSON,
		Value:     v,
	})
	if err != nil {
		return 0, err
	}

	blk := &block.Block{
		Header: block.Header{
			Type:      typ,
			Encoding:  block.EncodingJSON,
			Timestamp: now,
			BlockID:   id,
			Flags:     enc.Flags,
		},
		Ext:     enc.Ext,
		Payload: enc.Payload,
	}
	if _, err := s.store.Append(context.Background(), blk, s.fsync); err != nil {
		return 0, err
	}
	if s.onAppend != nil {
		s.onAppend(id)
	}
	return id, nil
}

func (s *jsonBlockSink) readJSON(blockID int64, v any) error {
	blk, err := s.store.Read(blockID)
	if err != nil {
		return err
	}
	data, err := s.codec.Decode(codec.DecodeRequest{
		BlockID:   blockID,
		Type:      blk.Header.Type,
		Timestamp: blk.Header.Timestamp,
		Encoding:  blk.Header.Encoding,
		Flags:     blk.Header.Flags,
		Ext:       blk.Ext,
		Payload:   blk.Payload,
	})
	if err != nil {
		return err
	}
	return codec.UnmarshalJSON(data, v)
}

// index.SegmentStore

func (s *jsonBlockSink) AppendSegment(indexName string, segID int64, payload []byte) (int64, error) {
	id := s.gen.Next()
	now := time.Now().UnixMilli()

	enc, err := s.codec.Encode(codec.EncodeRequest{
		BlockID:   id,
		Type:      block.TypeZoneTreeSegmentKV,
		Timestamp: now,
		Encoding:  block.EncodingRawBytes,
		Raw:       payload,
	})
	if err != nil {
		return 0, err
	}
	blk := &block.Block{
		Header: block.Header{
			Type:      block.TypeZoneTreeSegmentKV,
			Encoding:  block.EncodingRawBytes,
			Timestamp: now,
			BlockID:   id,
			Flags:     enc.Flags,
		},
		Ext:     enc.Ext,
		Payload: enc.Payload,
	}
	if _, err := s.store.Append(context.Background(), blk, false); err != nil {
		return 0, err
	}
	if s.onAppend != nil {
		s.onAppend(id)
	}
	return id, nil
}

func (s *jsonBlockSink) ReadSegment(blockID int64) ([]byte, error) {
	blk, err := s.store.Read(blockID)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(codec.DecodeRequest{
		BlockID:   blockID,
		Type:      blk.Header.Type,
		Timestamp: blk.Header.Timestamp,
		Encoding:  blk.Header.Encoding,
		Flags:     blk.Header.Flags,
		Ext:       blk.Ext,
		Payload:   blk.Payload,
	})
}

var _ index.SegmentStore = (*jsonBlockSink)(nil)

// folder.BlockSink

func (s *jsonBlockSink) AppendFolderContent(c folder.Content) (int64, error) {
	return s.appendJSON(block.TypeFolder, c)
}

func (s *jsonBlockSink) AppendFolderEnvelope(e folder.FolderEnvelopeBlock) (int64, error) {
	return s.appendJSON(block.TypeFolderEnvelope, e)
}

func (s *jsonBlockSink) AppendFolderTree(t folder.Tree) (int64, error) {
	return s.appendJSON(block.TypeFolderTree, t)
}

// readFolderTree reads back a previously persisted FolderTree block, used
// only by the façade's reopen path (folder.Manager.Bootstrap); it isn't part
// of folder.BlockSink since Manager never needs to re-read its own tree.
func (s *jsonBlockSink) readFolderTree(blockID int64) (folder.Tree, error) {
	var t folder.Tree
	err := s.readJSON(blockID, &t)
	return t, err
}

func (s *jsonBlockSink) ReadFolderContent(blockID int64) (folder.Content, error) {
	var c folder.Content
	err := s.readJSON(blockID, &c)
	return c, err
}

func (s *jsonBlockSink) ReadFolderEnvelope(blockID int64) (folder.FolderEnvelopeBlock, error) {
	var e folder.FolderEnvelopeBlock
	err := s.readJSON(blockID, &e)
	return e, err
}

var _ folder.BlockSink = (*jsonBlockSink)(nil)

// indexSegmentRef identifies one persisted index segment so it can be
// reloaded on reopen without rescanning the whole file for its type.
type indexSegmentRef struct {
	SegmentID int64
	BlockID   int64
}

// metadataRecord is the logical content of the Metadata block:
// pointers to the current roots, never in-memory references. The
// façade appends a new one after every mutation that changes a root
// pointer; the newest one on disk is authoritative on reopen.
type metadataRecord struct {
	WALOffset          int64
	IndexRoots         map[string][]indexSegmentRef // index name -> segments, newest first
	FolderTreeBlock    int64
	HashChainHead      [32]byte
	ChainHeadBlockID   int64
	OrdinalNext        uint32
	OrdinalAssignments map[string]uint32
	TotalEmails        int64
	KeyVersion         uint32
	KeyManagerBlock    int64
}

func (s *jsonBlockSink) appendMetadata(m metadataRecord) (int64, error) {
	return s.appendJSON(block.TypeMetadata, m)
}

func (s *jsonBlockSink) readMetadata(blockID int64) (metadataRecord, error) {
	var m metadataRecord
	err := s.readJSON(blockID, &m)
	return m, err
}

// hashChainLink is one TypeHashChain block's payload: the entry itself plus
// the block id of the link before it, so the chain can be walked backward
// from the Metadata-referenced head on reopen without a separate index.
type hashChainLink struct {
	Entry           hashchain.Entry
	PreviousBlockID int64
}

func (s *jsonBlockSink) appendHashChainLink(l hashChainLink) (int64, error) {
	return s.appendJSON(block.TypeHashChain, l)
}

func (s *jsonBlockSink) readHashChainLink(blockID int64) (hashChainLink, error) {
	var l hashChainLink
	err := s.readJSON(blockID, &l)
	return l, err
}

// keyManagerRecord is one TypeKeyManager block's payload: keys.Manager's
// persisted check values and wrapped retained-key history.
type keyManagerRecord struct {
	Current  uint32
	Versions []keys.WrappedVersion
}

func (s *jsonBlockSink) appendKeyManager(r keyManagerRecord) (int64, error) {
	return s.appendJSON(block.TypeKeyManager, r)
}

func (s *jsonBlockSink) readKeyManager(blockID int64) (keyManagerRecord, error) {
	var r keyManagerRecord
	err := s.readJSON(blockID, &r)
	return r, err
}
