package emaildb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/netninjacorp/emaildb/block"
	"github.com/netninjacorp/emaildb/codec"
	"github.com/netninjacorp/emaildb/folder"
	"github.com/netninjacorp/emaildb/hashchain"
	"github.com/netninjacorp/emaildb/keys"
	"github.com/netninjacorp/emaildb/parsemail"
)

func TestMapErrNilIsNil(t *testing.T) {
	require.NoError(t, mapErr(nil))
}

func TestMapErrTranslatesNotFoundVariants(t *testing.T) {
	for _, src := range []error{block.ErrNotFound, folder.ErrNotFound} {
		got := mapErr(src)
		require.ErrorIs(t, got, ErrNotFound)
		require.ErrorIs(t, got, src)
	}
}

func TestMapErrPreservesCauseForErrorsIs(t *testing.T) {
	got := mapErr(folder.ErrAlreadyExists)
	require.ErrorIs(t, got, ErrAlreadyExists)
	require.ErrorIs(t, got, folder.ErrAlreadyExists)
}

func TestMapErrCorruptPayloadVariants(t *testing.T) {
	got := mapErr(block.ErrCorruptPayload)
	require.ErrorIs(t, got, ErrCorruptPayload)
}

func TestMapErrWrongKeyFromEitherSubsystem(t *testing.T) {
	require.ErrorIs(t, mapErr(codec.ErrWrongKey), ErrWrongKey)
	require.ErrorIs(t, mapErr(keys.ErrWrongKey), ErrWrongKey)
}

func TestMapErrHashChainErrorsPassThroughUnmapped(t *testing.T) {
	got := mapErr(hashchain.ErrChainBroken)
	require.ErrorIs(t, got, hashchain.ErrChainBroken)
}

func TestMapErrParseFailedBecomesInvalidArgument(t *testing.T) {
	got := mapErr(parsemail.ErrParseFailed)
	require.ErrorIs(t, got, ErrInvalidArgument)
}

func TestMapErrUnknownErrorPassesThroughUnchanged(t *testing.T) {
	custom := errors.New("some other package's error")
	require.Same(t, custom, mapErr(custom))
}

func TestMapErrWrappedErrorStillMatchesSentinelAndCause(t *testing.T) {
	wrapped := wrapCause(ErrNotFound, block.ErrNotFound)
	require.ErrorIs(t, wrapped, ErrNotFound)
	require.ErrorIs(t, wrapped, block.ErrNotFound)
	require.Contains(t, wrapped.Error(), ErrNotFound.Error())
}
