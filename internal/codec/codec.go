// Package codec is the JSON encoding shared by envelopes, snapshots and recovery bags.
package codec

import (
	jsoniter "github.com/json-iterator/go"
)

type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Valid(data []byte) bool
}

var api = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)   { return api.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return api.Unmarshal(b, v) }
func (jsonCodec) Valid(b []byte) bool             { return api.Valid(b) }

// JSON is the default codec.
var JSON Codec = jsonCodec{}

func Marshal(v any) ([]byte, error)   { return JSON.Marshal(v) }
func Unmarshal(b []byte, v any) error { return JSON.Unmarshal(b, v) }
