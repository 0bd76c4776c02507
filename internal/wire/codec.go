package wire

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	// Name returns the codec identifier, e.g. "json" or "msgpack".
	Name() string
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec called name. The empty name selects JSON.
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }

// MsgpackCodec encodes messages as MessagePack.
type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
