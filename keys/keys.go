// Package keys implements per-block key derivation and the wrapped master
// key lifecycle: a database is opened locked (no
// master key in memory) and must be explicitly unlocked before any
// encrypted block can be written or read.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrNotUnlocked     = errors.New("keys: database not unlocked")
	ErrWrongKey        = errors.New("keys: wrong master key")
	ErrAlreadyLocked   = errors.New("keys: already locked")
	ErrKeyTypeMismatch = errors.New("keys: key type mismatch")
	ErrUnknownVersion  = errors.New("keys: unknown key version")
)

// MasterKeyLen is the size of a master key in bytes (256 bits).
const MasterKeyLen = 32

// DerivedKeyLen is the size of a per-block derived key in bytes for the AEAD
// ciphers (AES256_GCM, ChaCha20_Poly1305).
const DerivedKeyLen = 32

// CBCHMACKeyLen is the size of a per-block derived key in bytes for
// AES256_CBC_HMAC: a 32-byte encryption key and a 32-byte MAC key, combined.
const CBCHMACKeyLen = 64

// historyDepth bounds how many master key generations, the current one
// included, are retained so that blocks encrypted before recent rotations
// remain readable.
const historyDepth = 5

// version holds one generation of master key, active or retired.
type version struct {
	id  uint32
	key [MasterKeyLen]byte
}

// WrappedVersion is one retained master key generation as it is persisted
// into a TypeKeyManager block: never the raw key itself. For
// the current generation only a check value is stored, so the caller's
// supplied master key can be verified without ever having been written to
// disk. Every other retained generation's raw key is additionally wrapped
// (AES-256-GCM) under the current generation's raw key, so unlocking with
// just the current master key recovers the whole retained chain.
type WrappedVersion struct {
	Version    uint32
	CheckValue [32]byte
	WrappedKey []byte // nil for the current generation
	Nonce      []byte // nil for the current generation
}

// Manager is the in-memory KeyManager block: it never persists raw key
// material itself, only wrapped/derived artifacts the caller is responsible
// for storing (the persisted KeyManager block carries wrapped keys, not
// plaintext). Snapshot/LoadSnapshot are the two halves of that persistence
// contract; this package has no I/O of its own.
type Manager struct {
	mu       sync.RWMutex
	unlocked bool
	current  uint32
	history  map[uint32]*version

	// pending holds a KeyManager block loaded via LoadSnapshot before the
	// database has been unlocked; Unlock/UnlockAt consult it instead of
	// guessing generation 1, and clear it once consumed.
	pendingLoaded  bool
	pendingCurrent uint32
	pendingVersions []WrappedVersion

	log *zap.Logger
}

func New(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{history: make(map[uint32]*version), log: log.Named("keys")}
}

// Unlock activates masterKey as the current key generation. If a
// KeyManager block was loaded via LoadSnapshot, this verifies masterKey
// against it and recovers the whole retained history instead of assuming
// generation 1.
func (m *Manager) Unlock(masterKey []byte) error {
	m.mu.RLock()
	hasPending := m.pendingLoaded
	pendingCurrent := m.pendingCurrent
	m.mu.RUnlock()
	if hasPending {
		return m.UnlockAt(masterKey, pendingCurrent)
	}

	if len(masterKey) != MasterKeyLen {
		return errors.Wrapf(ErrKeyTypeMismatch, "want %d bytes, got %d", MasterKeyLen, len(masterKey))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	v := &version{}
	copy(v.key[:], masterKey)
	if len(m.history) == 0 {
		v.id = 1
		m.current = 1
	} else {
		v.id = m.current
		// Re-unlocking with what should be the same current generation;
		// overwrite in place so Lock/Unlock cycles are idempotent.
	}
	m.history[v.id] = v
	m.unlocked = true
	return nil
}

// UnlockAt activates masterKey as a specific generation id, used when
// reopening a database whose KeyManager block recorded which version was
// current at last close. When a KeyManager snapshot was loaded via
// LoadSnapshot, masterKey is verified against that version's check value
// and rejected with ErrWrongKey on mismatch, and every other retained
// generation's raw key is unwrapped and restored to history so blocks
// written before the last rotation stay decryptable.
func (m *Manager) UnlockAt(masterKey []byte, keyVersion uint32) error {
	if len(masterKey) != MasterKeyLen {
		return errors.Wrapf(ErrKeyTypeMismatch, "want %d bytes, got %d", MasterKeyLen, len(masterKey))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pendingLoaded {
		return m.unlockFromPendingLocked(masterKey, keyVersion)
	}

	v := &version{id: keyVersion}
	copy(v.key[:], masterKey)
	m.history[keyVersion] = v
	m.current = keyVersion
	m.unlocked = true
	return nil
}

func (m *Manager) unlockFromPendingLocked(masterKey []byte, keyVersion uint32) error {
	var target *WrappedVersion
	for i := range m.pendingVersions {
		if m.pendingVersions[i].Version == keyVersion {
			target = &m.pendingVersions[i]
			break
		}
	}
	if target == nil {
		return errors.Wrapf(ErrUnknownVersion, "version %d", keyVersion)
	}
	if checkValue(masterKey, keyVersion) != target.CheckValue {
		return ErrWrongKey
	}

	history := make(map[uint32]*version, len(m.pendingVersions))
	cur := &version{id: keyVersion}
	copy(cur.key[:], masterKey)
	history[keyVersion] = cur

	for _, wv := range m.pendingVersions {
		if wv.Version == keyVersion {
			continue
		}
		raw, err := unwrapKey(masterKey, wv.Nonce, wv.WrappedKey)
		if err != nil {
			m.log.Warn("could not unwrap retained key version, it will not be readable", zap.Uint32("version", wv.Version), zap.Error(err))
			continue
		}
		hv := &version{id: wv.Version}
		copy(hv.key[:], raw)
		history[wv.Version] = hv
	}

	m.history = history
	m.current = keyVersion
	m.unlocked = true
	m.pendingLoaded = false
	m.pendingVersions = nil
	return nil
}

// Rotate introduces a new master key generation, retiring but not
// discarding the previous one (up to historyDepth generations are kept so
// older blocks stay decryptable).
func (m *Manager) Rotate(newMasterKey []byte) (uint32, error) {
	if len(newMasterKey) != MasterKeyLen {
		return 0, errors.Wrapf(ErrKeyTypeMismatch, "want %d bytes, got %d", MasterKeyLen, len(newMasterKey))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return 0, ErrNotUnlocked
	}

	next := m.current + 1
	v := &version{id: next}
	copy(v.key[:], newMasterKey)
	m.history[next] = v
	m.current = next

	if len(m.history) > historyDepth {
		m.pruneOldestLocked()
	}
	m.log.Info("master key rotated", zap.Uint32("version", next))
	return next, nil
}

func (m *Manager) pruneOldestLocked() {
	var oldest uint32 = ^uint32(0)
	for id := range m.history {
		if id < oldest && id != m.current {
			oldest = id
		}
	}
	if oldest != ^uint32(0) {
		delete(m.history, oldest)
	}
}

// Lock discards all in-memory key material. Subsequent Derive calls fail
// until Unlock is called again.
func (m *Manager) Lock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, v := range m.history {
		zeroize(v.key[:])
		delete(m.history, id)
	}
	m.unlocked = false
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CurrentVersion returns the active master key generation id.
func (m *Manager) CurrentVersion() (uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return 0, ErrNotUnlocked
	}
	return m.current, nil
}

// Derive computes the per-block key for (blockID, keyVersion) via HKDF-
// SHA256, salted with the block id so that no two blocks ever share a key
// even under master key reuse. length is the number of key
// bytes the requesting cipher needs (32 for the AEAD ciphers, 64 for
// AES256_CBC_HMAC's combined enc+mac key).
func (m *Manager) Derive(blockID int64, keyVersion uint32, length int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return nil, ErrNotUnlocked
	}
	v, ok := m.history[keyVersion]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVersion, "version %d", keyVersion)
	}

	salt := make([]byte, 8)
	binary.BigEndian.PutUint64(salt, uint64(blockID))

	r := hkdf.New(sha256.New, v.key[:], salt, []byte("emaildb-block-key"))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return out, nil
}

// GenerateMasterKey returns a fresh random master key, for first-time
// database creation or explicit rotation.
func GenerateMasterKey() ([]byte, error) {
	b := make([]byte, MasterKeyLen)
	if _, err := rand.Read(b); err != nil {
		return nil, errors.Wrap(err, "generate master key")
	}
	return b, nil
}

// IsUnlocked reports whether the manager currently holds key material.
func (m *Manager) IsUnlocked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.unlocked
}

// Snapshot renders the current, unlocked history as the payload a
// TypeKeyManager block persists: a check value for every retained
// generation plus, for every generation other than the current one, its
// raw key wrapped under the current generation's raw key.
func (m *Manager) Snapshot() (current uint32, versions []WrappedVersion, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.unlocked {
		return 0, nil, ErrNotUnlocked
	}
	curKey := m.history[m.current].key[:]

	out := make([]WrappedVersion, 0, len(m.history))
	for id, v := range m.history {
		wv := WrappedVersion{Version: id, CheckValue: checkValue(v.key[:], id)}
		if id != m.current {
			nonce, wrapped, werr := wrapKey(curKey, v.key[:])
			if werr != nil {
				return 0, nil, errors.Wrap(werr, "wrap retained key version")
			}
			wv.Nonce, wv.WrappedKey = nonce, wrapped
		}
		out = append(out, wv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return m.current, out, nil
}

// LoadSnapshot restores a previously persisted TypeKeyManager block so the
// next Unlock/UnlockAt can verify the supplied master key and recover the
// retained history, instead of blindly trusting whatever generation id the
// caller passes. It does not itself unlock the manager.
func (m *Manager) LoadSnapshot(current uint32, versions []WrappedVersion) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingLoaded = true
	m.pendingCurrent = current
	m.pendingVersions = append([]WrappedVersion(nil), versions...)
}

// checkValue is a one-way commitment to a master key generation, stored in
// place of the raw key so a supplied key can be verified without ever
// having been written to disk.
func checkValue(key []byte, versionID uint32) [32]byte {
	h := sha256.New()
	h.Write(key)
	var idBuf [4]byte
	binary.BigEndian.PutUint32(idBuf[:], versionID)
	h.Write(idBuf[:])
	h.Write([]byte("emaildb-key-check"))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// wrapKey/unwrapKey envelope-encrypt a retired master key generation under
// the current one (AES-256-GCM, no additional data) so the KeyManager
// block never carries raw key material for more than the single active
// generation.
func wrapKey(kek, plaintext []byte) (nonce, ciphertext []byte, err error) {
	a, err := newKeyWrapAEAD(kek)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, errors.Wrap(err, "generate key-wrap nonce")
	}
	return nonce, a.Seal(nil, nonce, plaintext, nil), nil
}

func unwrapKey(kek, nonce, ciphertext []byte) ([]byte, error) {
	a, err := newKeyWrapAEAD(kek)
	if err != nil {
		return nil, err
	}
	out, err := a.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(ErrWrongKey, "unwrap retained key version: "+err.Error())
	}
	return out, nil
}

func newKeyWrapAEAD(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "key-wrap cipher")
	}
	return cipher.NewGCM(blk)
}
