package records

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/pkg/errors"
)

var msgpackHandle = &codec.MsgpackHandle{WriteExt: true}

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(v); err != nil {
		return nil, errors.Wrap(err, "failed to encode record")
	}
	return buf, nil
}

func decode(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return errors.Wrap(err, "failed to decode record")
	}
	return nil
}
