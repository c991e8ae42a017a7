// Package folder implements the folder tree, folder content, and folder
// envelope state machine. Every cross-reference (parent
// folder, previous envelope version, tree root) is a block id resolved
// through the store, never an in-memory pointer, so the whole structure
// stays append-only and acyclic.
package folder

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/netninjacorp/emaildb/ids"
)

var (
	ErrAlreadyExists = errors.New("folder: already exists")
	ErrNotFound      = errors.New("folder: not found")
	ErrNotEmpty      = errors.New("folder: not empty")
)

// Envelope is the cached header tuple used for fast listing, per the
// Glossary.
type Envelope struct {
	EmailID        string
	MessageID      string
	Subject        string
	From           string
	To             string
	Date           int64
	Size           int64
	HasAttachments bool
	Flags          uint32
	EnvelopeHash   [32]byte
}

// Content is one version of a folder's membership list.
type Content struct {
	FolderID       int64
	Name           string
	ParentFolderID int64 // 0 means root
	EmailIDs       []string
	Version        uint64
}

// FolderEnvelopeBlock is one version of a folder's cached-header listing,
// chained to its predecessor by block id.
type FolderEnvelopeBlock struct {
	FolderPath       string
	Version          uint64
	LastModified     int64
	Envelopes        []Envelope
	PreviousBlockID  int64
}

// Tree is the folder hierarchy root: name -> folder id, and folder id ->
// the block id of its latest Content and latest FolderEnvelope.
type Tree struct {
	RootFolderID int64
	NameToID     map[string]int64
	IDToContent  map[int64]int64 // folder id -> latest Content block id
	IDToEnvelope map[int64]int64 // folder id -> latest FolderEnvelope block id
}

// folder lifecycle: Absent -> Empty -> NonEmpty <-> NonEmpty' -> Deleted.
type folderState int

const (
	stateAbsent folderState = iota
	stateEmpty
	stateNonEmpty
	stateDeleted
)

// BlockSink is the narrow persistence interface Manager needs. The
// emaildb façade supplies an implementation backed by block.Store +
// codec.Codec + ids.BlockIDGenerator, JSON-encoding each logical entity.
type BlockSink interface {
	AppendFolderContent(c Content) (blockID int64, err error)
	AppendFolderEnvelope(e FolderEnvelopeBlock) (blockID int64, err error)
	AppendFolderTree(t Tree) (blockID int64, err error)
	ReadFolderContent(blockID int64) (Content, error)
	ReadFolderEnvelope(blockID int64) (FolderEnvelopeBlock, error)
}

// Superseded is reported for every block a mutation replaces, so the
// caller can hand it to maint.Tracker.
type Superseded struct {
	BlockID int64
	Reason  string
}

// Manager is the in-memory, block-id-addressed folder hierarchy.
type Manager struct {
	mu sync.Mutex

	sink BlockSink
	now  func() time.Time

	tree         Tree
	treeBlockID  int64
	contentHead  map[int64]int64 // folder id -> latest Content block id (mirrors tree.IDToContent, kept for quick access)
	envelopeHead map[int64]int64 // folder id -> latest FolderEnvelopeBlock id
	states       map[int64]folderState

	nextFolderID int64
}

func New(sink BlockSink, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sink:         sink,
		now:          now,
		tree:         Tree{NameToID: make(map[string]int64), IDToContent: make(map[int64]int64), IDToEnvelope: make(map[int64]int64)},
		contentHead:  make(map[int64]int64),
		envelopeHead: make(map[int64]int64),
		states:       make(map[int64]folderState),
	}
}

// CreateFolder registers a new, empty folder. Fails AlreadyExists if name
// is already registered.
func (m *Manager) CreateFolder(name string, parentFolderID int64) (int64, []Superseded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tree.NameToID[name]; ok {
		return 0, nil, errors.Wrapf(ErrAlreadyExists, "folder %q", name)
	}

	m.nextFolderID++
	folderID := m.nextFolderID

	content := Content{FolderID: folderID, Name: name, ParentFolderID: parentFolderID, Version: 1}
	contentBlockID, err := m.sink.AppendFolderContent(content)
	if err != nil {
		return 0, nil, err
	}

	m.tree.NameToID[name] = folderID
	m.tree.IDToContent[folderID] = contentBlockID
	m.contentHead[folderID] = contentBlockID
	m.states[folderID] = stateEmpty

	superseded, err := m.commitTreeAndMetadata()
	if err != nil {
		return 0, nil, err
	}
	return folderID, superseded, nil
}

// AddEmailToFolder appends email to the folder, writing new content,
// envelope, tree, and metadata versions and superseding the old ones.
func (m *Manager) AddEmailToFolder(folderName string, email ids.EmailId, env Envelope) ([]Superseded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addLocked(folderName, email, env)
}

func (m *Manager) addLocked(folderName string, email ids.EmailId, env Envelope) ([]Superseded, error) {
	folderID, ok := m.tree.NameToID[folderName]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "folder %q", folderName)
	}

	prevContentBlockID := m.contentHead[folderID]
	prevContent, err := m.sink.ReadFolderContent(prevContentBlockID)
	if err != nil {
		return nil, err
	}

	newContent := Content{
		FolderID:       folderID,
		Name:           prevContent.Name,
		ParentFolderID: prevContent.ParentFolderID,
		EmailIDs:       append(append([]string(nil), prevContent.EmailIDs...), email.String()),
		Version:        prevContent.Version + 1,
	}
	newContentBlockID, err := m.sink.AppendFolderContent(newContent)
	if err != nil {
		return nil, err
	}

	prevEnvBlockID := m.envelopeHead[folderID]
	var envelopes []Envelope
	if prevEnvBlockID != 0 {
		prevEnv, err := m.sink.ReadFolderEnvelope(prevEnvBlockID)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, prevEnv.Envelopes...)
	}
	envelopes = append(envelopes, env)

	newEnvBlock := FolderEnvelopeBlock{
		FolderPath:      folderName,
		Version:         newContent.Version,
		LastModified:    m.now().UnixMilli(),
		Envelopes:       envelopes,
		PreviousBlockID: prevEnvBlockID,
	}
	newEnvBlockID, err := m.sink.AppendFolderEnvelope(newEnvBlock)
	if err != nil {
		return nil, err
	}

	m.tree.IDToContent[folderID] = newContentBlockID
	m.tree.IDToEnvelope[folderID] = newEnvBlockID
	m.contentHead[folderID] = newContentBlockID
	m.envelopeHead[folderID] = newEnvBlockID
	m.states[folderID] = stateNonEmpty

	superseded := []Superseded{{BlockID: prevContentBlockID, Reason: "folder content superseded by new version"}}
	if prevEnvBlockID != 0 {
		superseded = append(superseded, Superseded{BlockID: prevEnvBlockID, Reason: "folder envelope superseded by new version"})
	}

	treeSuperseded, err := m.commitTreeAndMetadata()
	if err != nil {
		return nil, err
	}
	return append(superseded, treeSuperseded...), nil
}

// removeLocked performs the symmetric removal, used by both DeleteEmail
// and MoveEmail's "from" side.
func (m *Manager) removeLocked(folderName string, email ids.EmailId) ([]Superseded, error) {
	folderID, ok := m.tree.NameToID[folderName]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "folder %q", folderName)
	}

	prevContentBlockID := m.contentHead[folderID]
	prevContent, err := m.sink.ReadFolderContent(prevContentBlockID)
	if err != nil {
		return nil, err
	}

	target := email.String()
	kept := make([]string, 0, len(prevContent.EmailIDs))
	for _, id := range prevContent.EmailIDs {
		if id != target {
			kept = append(kept, id)
		}
	}

	newContent := Content{
		FolderID:       folderID,
		Name:           prevContent.Name,
		ParentFolderID: prevContent.ParentFolderID,
		EmailIDs:       kept,
		Version:        prevContent.Version + 1,
	}
	newContentBlockID, err := m.sink.AppendFolderContent(newContent)
	if err != nil {
		return nil, err
	}

	prevEnvBlockID := m.envelopeHead[folderID]
	var kept2 []Envelope
	if prevEnvBlockID != 0 {
		prevEnv, err := m.sink.ReadFolderEnvelope(prevEnvBlockID)
		if err != nil {
			return nil, err
		}
		for _, e := range prevEnv.Envelopes {
			if e.EmailID != target {
				kept2 = append(kept2, e)
			}
		}
	}
	newEnvBlock := FolderEnvelopeBlock{
		FolderPath:      folderName,
		Version:         newContent.Version,
		LastModified:    m.now().UnixMilli(),
		Envelopes:       kept2,
		PreviousBlockID: prevEnvBlockID,
	}
	newEnvBlockID, err := m.sink.AppendFolderEnvelope(newEnvBlock)
	if err != nil {
		return nil, err
	}

	m.tree.IDToContent[folderID] = newContentBlockID
	m.tree.IDToEnvelope[folderID] = newEnvBlockID
	m.contentHead[folderID] = newContentBlockID
	m.envelopeHead[folderID] = newEnvBlockID
	if len(kept) == 0 {
		m.states[folderID] = stateEmpty
	}

	superseded := []Superseded{{BlockID: prevContentBlockID, Reason: "folder content superseded by removal"}}
	if prevEnvBlockID != 0 {
		superseded = append(superseded, Superseded{BlockID: prevEnvBlockID, Reason: "folder envelope superseded by removal"})
	}
	treeSuperseded, err := m.commitTreeAndMetadata()
	if err != nil {
		return nil, err
	}
	return append(superseded, treeSuperseded...), nil
}

// DeleteEmail removes email from folderName.
func (m *Manager) DeleteEmail(folderName string, email ids.EmailId) ([]Superseded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(folderName, email)
}

// MoveEmail removes email from "from" and adds it to "to" as a single
// logical operation.
func (m *Manager) MoveEmail(email ids.EmailId, env Envelope, from, to string) ([]Superseded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	added, err := m.addLocked(to, email, env)
	if err != nil {
		return nil, err
	}
	removed, err := m.removeLocked(from, email)
	if err != nil {
		return nil, err
	}
	return append(added, removed...), nil
}

// ListFolder returns the envelopes visible in the folder's head
// FolderEnvelope block.
func (m *Manager) ListFolder(folderName string) ([]Envelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	folderID, ok := m.tree.NameToID[folderName]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "folder %q", folderName)
	}
	envBlockID := m.envelopeHead[folderID]
	if envBlockID == 0 {
		return nil, nil
	}
	env, err := m.sink.ReadFolderEnvelope(envBlockID)
	if err != nil {
		return nil, err
	}
	return env.Envelopes, nil
}

// commitTreeAndMetadata appends a new FolderTree block reflecting the
// current in-memory tree and reports the previous one as superseded. The
// façade is responsible for the Metadata block itself (it also tracks the
// index roots), so this only handles the FolderTree layer.
func (m *Manager) commitTreeAndMetadata() ([]Superseded, error) {
	newTreeBlockID, err := m.sink.AppendFolderTree(m.tree)
	if err != nil {
		return nil, err
	}
	var superseded []Superseded
	if m.treeBlockID != 0 {
		superseded = append(superseded, Superseded{BlockID: m.treeBlockID, Reason: "folder tree superseded by new version"})
	}
	m.treeBlockID = newTreeBlockID
	return superseded, nil
}

// TreeBlockID returns the current head FolderTree block id, for Metadata
// construction by the façade.
func (m *Manager) TreeBlockID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.treeBlockID
}

// CurrentTree returns a copy of the in-memory folder tree, for façade-level
// reachable-block computation (every folder's current Content/Envelope head
// is live; everything older is an orphan candidate).
func (m *Manager) CurrentTree() Tree {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Tree{
		RootFolderID: m.tree.RootFolderID,
		NameToID:     make(map[string]int64, len(m.tree.NameToID)),
		IDToContent:  make(map[int64]int64, len(m.tree.IDToContent)),
		IDToEnvelope: make(map[int64]int64, len(m.tree.IDToEnvelope)),
	}
	for k, v := range m.tree.NameToID {
		out.NameToID[k] = v
	}
	for k, v := range m.tree.IDToContent {
		out.IDToContent[k] = v
	}
	for k, v := range m.tree.IDToEnvelope {
		out.IDToEnvelope[k] = v
	}
	return out
}

// Bootstrap rehydrates an in-memory Manager from a previously persisted
// Tree, used when reopening a database. contentHead/envelopeHead are
// derived directly from the tree's own maps since the chain never
// needs anything older than the head to answer reads.
func (m *Manager) Bootstrap(tree Tree, treeBlockID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tree = tree
	if m.tree.NameToID == nil {
		m.tree.NameToID = make(map[string]int64)
	}
	if m.tree.IDToContent == nil {
		m.tree.IDToContent = make(map[int64]int64)
	}
	if m.tree.IDToEnvelope == nil {
		m.tree.IDToEnvelope = make(map[int64]int64)
	}
	m.treeBlockID = treeBlockID
	m.contentHead = make(map[int64]int64, len(tree.IDToContent))
	m.envelopeHead = make(map[int64]int64, len(tree.IDToEnvelope))
	m.states = make(map[int64]folderState, len(tree.NameToID))

	for name, id := range tree.NameToID {
		_ = name
		if id > m.nextFolderID {
			m.nextFolderID = id
		}
		m.contentHead[id] = tree.IDToContent[id]
		m.envelopeHead[id] = tree.IDToEnvelope[id]
		m.states[id] = stateNonEmpty
	}
}

// FolderNames lists all registered folder names.
func (m *Manager) FolderNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tree.NameToID))
	for name := range m.tree.NameToID {
		out = append(out, name)
	}
	return out
}
