package codec

import (
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

var ErrEncodingMismatch = errors.New("codec: encoding mismatch")

// ErrUnsupportedEncoding is returned for a block.Encoding this codec has no
// serializer for: today that's EncodingCapnProto, reserved but
// never implemented, plus any encoding byte outside the known set.
var ErrUnsupportedEncoding = errors.New("codec: unsupported encoding")

// marshalJSON encodes v using goccy/go-json, a drop-in for encoding/json
// chosen for its reduced allocation count on the repeated small envelope/
// metadata structs this store serializes.
func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json")
	}
	return b, nil
}

func unmarshalJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(ErrEncodingMismatch, err.Error())
	}
	return nil
}
