package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestRecordWriterAndParseRecordRoundTrip(t *testing.T) {
	w := NewRecordWriter()
	w.PutString(1, "hello")
	w.PutBytes(2, []byte{1, 2, 3})
	w.PutInt64(3, -42)
	w.PutUint64(4, 7)
	w.PutBool(5, true)
	w.PutBool(6, false)

	fields, err := ParseRecord(w.Bytes())
	require.NoError(t, err)
	require.Len(t, fields, 6)

	require.Equal(t, protowire.Number(1), fields[0].Number)
	require.Equal(t, "hello", string(fields[0].Bytes))

	require.Equal(t, protowire.Number(2), fields[1].Number)
	require.Equal(t, []byte{1, 2, 3}, fields[1].Bytes)

	require.Equal(t, protowire.Number(3), fields[2].Number)
	require.Equal(t, int64(-42), DecodeZigZagInt64(fields[2].Uint))

	require.Equal(t, protowire.Number(4), fields[3].Number)
	require.Equal(t, uint64(7), fields[3].Uint)

	require.Equal(t, protowire.Number(5), fields[4].Number)
	require.Equal(t, uint64(1), fields[4].Uint)

	require.Equal(t, protowire.Number(6), fields[5].Number)
	require.Equal(t, uint64(0), fields[5].Uint)
}

func TestParseRecordRepeatedFieldNumbersPreserveOrder(t *testing.T) {
	w := NewRecordWriter()
	w.PutString(1, "a")
	w.PutString(1, "b")

	fields, err := ParseRecord(w.Bytes())
	require.NoError(t, err)
	require.Len(t, fields, 2)
	require.Equal(t, "a", string(fields[0].Bytes))
	require.Equal(t, "b", string(fields[1].Bytes))
}

func TestParseRecordRejectsTruncatedTag(t *testing.T) {
	_, err := ParseRecord([]byte{0xFF})
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestParseRecordRejectsTruncatedBytesPayload(t *testing.T) {
	w := NewRecordWriter()
	w.PutString(1, "complete-value")
	buf := w.Bytes()
	_, err := ParseRecord(buf[:len(buf)-3])
	require.ErrorIs(t, err, ErrMalformedRecord)
}
