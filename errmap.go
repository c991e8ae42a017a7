package emaildb

import (
	stderrors "errors"

	"github.com/netninjacorp/emaildb/batch"
	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/codec"
	"github.com/netninjacorp/emaildb/folder"
	"github.com/netninjacorp/emaildb/hashchain"
	"github.com/netninjacorp/emaildb/ids"
	"github.com/netninjacorp/emaildb/index"
	"github.com/netninjacorp/emaildb/keys"
	"github.com/netninjacorp/emaildb/parsemail"
)

// mapErr translates a subsystem-specific sentinel into the wire-visible
// taxonomy this package exports, preserving the original error as the wrapped
// cause so errors.Is still sees through to it for callers that want the
// finer-grained reason.
func mapErr(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case stderrors.Is(err, block.ErrNotFound), stderrors.Is(err, index.ErrNotFound), stderrors.Is(err, folder.ErrNotFound):
		return wrapCause(ErrNotFound, err)
	case stderrors.Is(err, folder.ErrAlreadyExists):
		return wrapCause(ErrAlreadyExists, err)
	case stderrors.Is(err, block.ErrCorruptHeader):
		return wrapCause(ErrCorruptHeader, err)
	case stderrors.Is(err, block.ErrCorruptPayload), stderrors.Is(err, batch.ErrCorruptBatch), stderrors.Is(err, index.ErrCorruptSegment):
		return wrapCause(ErrCorruptPayload, err)
	case stderrors.Is(err, block.ErrIOError):
		return wrapCause(ErrIO, err)
	case stderrors.Is(err, block.ErrInvalidArgument), stderrors.Is(err, ids.ErrInvalidArgument),
		stderrors.Is(err, batch.ErrLocalIDRange), stderrors.Is(err, batch.ErrBatchTooLarge), stderrors.Is(err, folder.ErrNotEmpty):
		return wrapCause(ErrInvalidArgument, err)
	case stderrors.Is(err, block.ErrCancelled):
		return wrapCause(ErrCancelled, err)
	case stderrors.Is(err, codec.ErrCompressionFailed):
		return wrapCause(ErrCompressionFailed, err)
	case stderrors.Is(err, codec.ErrDecompressionFailed):
		return wrapCause(ErrDecompressionFailed, err)
	case stderrors.Is(err, codec.ErrAuthenticationFailed):
		return wrapCause(ErrAuthenticationFailed, err)
	case stderrors.Is(err, codec.ErrUnsupportedEncoding):
		return wrapCause(ErrUnsupportedEncoding, err)
	case stderrors.Is(err, codec.ErrEncodingMismatch):
		return wrapCause(ErrEncodingMismatch, err)
	case stderrors.Is(err, codec.ErrWrongKey), stderrors.Is(err, keys.ErrWrongKey):
		return wrapCause(ErrWrongKey, err)
	case stderrors.Is(err, keys.ErrNotUnlocked):
		return wrapCause(ErrNotUnlocked, err)
	case stderrors.Is(err, keys.ErrAlreadyLocked):
		return wrapCause(ErrAlreadyLocked, err)
	case stderrors.Is(err, keys.ErrKeyTypeMismatch), stderrors.Is(err, index.ErrKeyTypeMismatch):
		return wrapCause(ErrKeyTypeMismatch, err)
	case stderrors.Is(err, hashchain.ErrChainBroken), stderrors.Is(err, hashchain.ErrEmptyChain):
		return err
	case stderrors.Is(err, parsemail.ErrParseFailed):
		return wrapCause(ErrInvalidArgument, err)
	default:
		return err
	}
}

// wrapCause pairs a wire-visible sentinel with the underlying cause so
// errors.Is(result, sentinel) and errors.Is(result, cause) both hold.
func wrapCause(sentinel, cause error) error {
	return &mappedError{sentinel: sentinel, cause: cause}
}

type mappedError struct {
	sentinel error
	cause    error
}

func (e *mappedError) Error() string { return e.sentinel.Error() + ": " + e.cause.Error() }
func (e *mappedError) Unwrap() []error { return []error{e.sentinel, e.cause} }
