package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Codec serializes action arguments and results. The exchange treats
// payloads as opaque bytes, so callers and agents only need to agree on
// the codec per action.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// JSON is the default codec.
var JSON Codec = jsonCodec{}

// Typed adapts a typed handler into an ActionFunc using the JSON codec.
//
//	"add": agent.Typed(func(ctx context.Context, req AddRequest) (int, error) {
//	    return req.A + req.B, nil
//	})
func Typed[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) ActionFunc {
	return TypedCodec(JSON, fn)
}

// TypedCodec is Typed with an explicit codec.
func TypedCodec[Req, Resp any](codec Codec, fn func(ctx context.Context, req Req) (Resp, error)) ActionFunc {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := codec.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		out, err := codec.Marshal(resp)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		return out, nil
	}
}
