package index

import (
	"strings"
	"sync"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// MessageIDIndexName / EnvelopeHashIndexName / FolderMembershipIndexName /
// SearchTermIndexName are the four fixed index names.
const (
	MessageIDIndexName       = "message-id"
	EnvelopeHashIndexName    = "envelope-hash"
	FolderMembershipIndexName = "folder-membership"
	SearchTermIndexName      = "search-term"
)

// Ordinals assigns a dense uint32 ordinal to every EmailId so roaring
// bitmaps (which operate on uint32) can serve as the postings value type
// for folder-membership and search-term entries. The ordinal is purely an
// IndexStore-internal detail; callers outside this package never see it.
type Ordinals struct {
	mu      sync.RWMutex
	toID    map[uint32]string // ordinal -> EmailId string form
	fromID  map[string]uint32
	next    uint32
}

func NewOrdinals() *Ordinals {
	return &Ordinals{toID: make(map[uint32]string), fromID: make(map[string]uint32)}
}

// Assign returns the existing ordinal for emailID if known, or allocates a
// new one.
func (o *Ordinals) Assign(emailID string) uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ord, ok := o.fromID[emailID]; ok {
		return ord
	}
	ord := o.next
	o.next++
	o.fromID[emailID] = ord
	o.toID[ord] = emailID
	return ord
}

func (o *Ordinals) Resolve(ord uint32) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.toID[ord]
	return id, ok
}

// Snapshot returns the current emailID->ordinal assignments and the next
// ordinal to allocate, so the façade can persist them in the Metadata block.
func (o *Ordinals) Snapshot() (assignments map[string]uint32, next uint32) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]uint32, len(o.fromID))
	for id, ord := range o.fromID {
		out[id] = ord
	}
	return out, o.next
}

// Load replaces the current assignments wholesale, used when reopening a
// database so ordinals stay stable across restarts.
func (o *Ordinals) Load(assignments map[string]uint32, next uint32) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fromID = make(map[string]uint32, len(assignments))
	o.toID = make(map[uint32]string, len(assignments))
	for id, ord := range assignments {
		o.fromID[id] = ord
		o.toID[ord] = id
	}
	o.next = next
}

var ErrEmptyQuery = errors.New("index: empty query")

// AddToPostings loads the roaring bitmap stored at key in indexName
// (creating an empty one if absent), adds ordinal, and writes it back. It
// also bumps ordinal's occurrence count for key, so repeated calls for the
// same (key, ordinal) pair, once per token occurrence as indexNewEmail
// does, build up the per-document term frequency the ranking
// formula needs; the presence bitmap alone only answers "does it match".
func (s *Store) AddToPostings(indexName, key string, ordinal uint32) error {
	bm, err := s.loadBitmap(indexName, key)
	if err != nil {
		return err
	}
	bm.Add(ordinal)
	if err := s.storeBitmap(indexName, key, bm); err != nil {
		return err
	}

	freq, err := s.loadFreq(indexName, key)
	if err != nil {
		return err
	}
	freq[ordinal]++
	return s.storeFreq(indexName, key, freq)
}

// TermFrequency returns how many times ordinal's document matched key in
// indexName. Zero, nil error if the term was never
// recorded against ordinal.
func (s *Store) TermFrequency(indexName, key string, ordinal uint32) (uint32, error) {
	freq, err := s.loadFreq(indexName, key)
	if err != nil {
		return 0, err
	}
	return freq[ordinal], nil
}

// RemoveFromPostings clears ordinal from the bitmap at key, if present.
func (s *Store) RemoveFromPostings(indexName, key string, ordinal uint32) error {
	bm, err := s.loadBitmap(indexName, key)
	if err != nil {
		return err
	}
	bm.Remove(ordinal)
	return s.storeBitmap(indexName, key, bm)
}

// Postings returns the roaring bitmap stored at key, or an empty one if
// absent.
func (s *Store) Postings(indexName, key string) (*roaring.Bitmap, error) {
	return s.loadBitmap(indexName, key)
}

func (s *Store) loadBitmap(indexName, key string) (*roaring.Bitmap, error) {
	v, err := s.Get(indexName, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return roaring.New(), nil
		}
		return nil, err
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(v); err != nil {
		return nil, errors.Wrap(ErrKeyTypeMismatch, err.Error())
	}
	return bm, nil
}

func (s *Store) storeBitmap(indexName, key string, bm *roaring.Bitmap) error {
	bm.RunOptimize()
	buf, err := bm.ToBytes()
	if err != nil {
		return errors.Wrap(err, "serialize postings bitmap")
	}
	s.Upsert(indexName, key, buf)
	return nil
}

// freqKey separates a term's frequency-table entry from its presence bitmap
// in the same indexName tree; \x00 can't appear in a tokenized term.
func freqKey(key string) string {
	return "\x00tf\x00" + key
}

func (s *Store) loadFreq(indexName, key string) (map[uint32]uint32, error) {
	v, err := s.Get(indexName, freqKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[uint32]uint32{}, nil
		}
		return nil, err
	}
	m := make(map[uint32]uint32)
	if err := json.Unmarshal(v, &m); err != nil {
		return nil, errors.Wrap(ErrKeyTypeMismatch, err.Error())
	}
	return m, nil
}

func (s *Store) storeFreq(indexName, key string, m map[uint32]uint32) error {
	buf, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "serialize postings term frequency table")
	}
	s.Upsert(indexName, freqKey(key), buf)
	return nil
}

// Tokenize is the minimum word-splitting the search index uses: lowercase, then
// split on any non-alphanumeric rune.
func Tokenize(s string) []string {
	lower := strings.ToLower(s)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
