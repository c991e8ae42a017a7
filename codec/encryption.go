package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/netninjacorp/emaildb/block"
)

var (
	ErrAuthenticationFailed = errors.New("codec: authentication failed")
	ErrWrongKey             = errors.New("codec: wrong key")
)

// keySizeForAlgo returns the key length in bytes a cipher needs: 32 bytes for the AEAD ciphers, 64 for AES256_CBC_HMAC's combined
// encryption+MAC key.
func keySizeForAlgo(algo block.EncryptionAlgo) int {
	if algo == block.EncryptionAES256CBCHMAC {
		return 64
	}
	return 32
}

// aad builds the additional authenticated data every cipher binds to:
// block_id || type || timestamp, each big-endian.
func aad(blockID int64, typ block.Type, timestamp int64) []byte {
	buf := make([]byte, 8+1+8)
	binary.BigEndian.PutUint64(buf[0:8], uint64(blockID))
	buf[8] = byte(typ)
	binary.BigEndian.PutUint64(buf[9:17], uint64(timestamp))
	return buf
}

// encryptResult carries the ciphertext plus the fields the caller must
// stash in the block's extended header to decrypt later.
type encryptResult struct {
	ciphertext []byte
	iv         []byte
	authTag    []byte
}

func encrypt(algo block.EncryptionAlgo, key, plaintext []byte, blockID int64, typ block.Type, timestamp int64) (encryptResult, error) {
	ad := aad(blockID, typ, timestamp)
	switch algo {
	case block.EncryptionNone:
		return encryptResult{ciphertext: plaintext}, nil
	case block.EncryptionAES256GCM:
		return aeadEncrypt(newAESGCM, key, plaintext, ad)
	case block.EncryptionChaCha20Poly1305:
		return aeadEncrypt(chacha20poly1305.New, key, plaintext, ad)
	case block.EncryptionAES256CBCHMAC:
		return cbcHMACEncrypt(key, plaintext, ad)
	default:
		return encryptResult{}, errors.Wrapf(ErrWrongKey, "unknown encryption algo %d", algo)
	}
}

func decrypt(algo block.EncryptionAlgo, key, ciphertext, iv, authTag []byte, blockID int64, typ block.Type, timestamp int64) ([]byte, error) {
	ad := aad(blockID, typ, timestamp)
	switch algo {
	case block.EncryptionNone:
		return ciphertext, nil
	case block.EncryptionAES256GCM:
		return aeadDecrypt(newAESGCM, key, ciphertext, iv, authTag, ad)
	case block.EncryptionChaCha20Poly1305:
		return aeadDecrypt(chacha20poly1305.New, key, ciphertext, iv, authTag, ad)
	case block.EncryptionAES256CBCHMAC:
		return cbcHMACDecrypt(key, ciphertext, iv, authTag, ad)
	default:
		return nil, errors.Wrapf(ErrWrongKey, "unknown encryption algo %d", algo)
	}
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

func aeadEncrypt(newAEAD func([]byte) (cipher.AEAD, error), key, plaintext, ad []byte) (encryptResult, error) {
	a, err := newAEAD(key)
	if err != nil {
		return encryptResult{}, errors.Wrap(ErrWrongKey, err.Error())
	}
	nonce := make([]byte, a.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return encryptResult{}, errors.Wrap(err, "generate nonce")
	}
	sealed := a.Seal(nil, nonce, plaintext, ad)
	ctLen := len(sealed) - a.Overhead()
	return encryptResult{
		ciphertext: sealed[:ctLen],
		iv:         nonce,
		authTag:    sealed[ctLen:],
	}, nil
}

func aeadDecrypt(newAEAD func([]byte) (cipher.AEAD, error), key, ciphertext, nonce, authTag, ad []byte) ([]byte, error) {
	a, err := newAEAD(key)
	if err != nil {
		return nil, errors.Wrap(ErrWrongKey, err.Error())
	}
	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	out, err := a.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, errors.Wrap(ErrAuthenticationFailed, err.Error())
	}
	return out, nil
}

// cbcHMACEncrypt implements AES-256-CBC with an HMAC-SHA256 tag computed
// over iv||ciphertext||ad (encrypt-then-MAC), the one
// EncryptionAlgo that is not a native AEAD cipher.
func cbcHMACEncrypt(key, plaintext, ad []byte) (encryptResult, error) {
	if len(key) < 64 {
		return encryptResult{}, errors.Wrap(ErrWrongKey, "cbc+hmac requires a 64-byte key (32 enc + 32 mac)")
	}
	encKey, macKey := key[:32], key[32:64]

	blk, err := aes.NewCipher(encKey)
	if err != nil {
		return encryptResult{}, errors.Wrap(ErrWrongKey, err.Error())
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return encryptResult{}, errors.Wrap(err, "generate iv")
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(blk, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(ad)
	tag := mac.Sum(nil)

	return encryptResult{ciphertext: ciphertext, iv: iv, authTag: tag}, nil
}

func cbcHMACDecrypt(key, ciphertext, iv, authTag, ad []byte) ([]byte, error) {
	if len(key) < 64 {
		return nil, errors.Wrap(ErrWrongKey, "cbc+hmac requires a 64-byte key (32 enc + 32 mac)")
	}
	encKey, macKey := key[:32], key[32:64]

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(ad)
	want := mac.Sum(nil)
	if !hmac.Equal(want, authTag) {
		return nil, errors.Wrap(ErrAuthenticationFailed, "hmac mismatch")
	}

	blk, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(ErrWrongKey, err.Error())
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrAuthenticationFailed, "ciphertext not block aligned")
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(blk, iv).CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded)
}

func pkcs7Pad(in []byte, blockSize int) []byte {
	padLen := blockSize - len(in)%blockSize
	out := make([]byte, len(in)+padLen)
	copy(out, in)
	for i := len(in); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(in []byte) ([]byte, error) {
	if len(in) == 0 {
		return nil, errors.Wrap(ErrAuthenticationFailed, "empty padded buffer")
	}
	padLen := int(in[len(in)-1])
	if padLen == 0 || padLen > len(in) {
		return nil, errors.Wrap(ErrAuthenticationFailed, "invalid pkcs7 padding")
	}
	return in[:len(in)-padLen], nil
}
