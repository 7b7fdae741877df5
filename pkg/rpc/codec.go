package rpc

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec converts messages to and from the frames carried by a Connection.
type Codec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// MsgpackCodec encodes any msgpack serializable type.
type MsgpackCodec[T any] struct{}

func (MsgpackCodec[T]) Encode(v T) ([]byte, error) {
	bs, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return bs, nil
}

func (MsgpackCodec[T]) Decode(bs []byte) (T, error) {
	var v T
	if err := msgpack.Unmarshal(bs, &v); err != nil {
		return v, errors.Wrap(err, "failed to decode message")
	}
	return v, nil
}

// StringCodec sends strings as raw frames.
type StringCodec struct{}

func (StringCodec) Encode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (StringCodec) Decode(bs []byte) (string, error) {
	return string(bs), nil
}
