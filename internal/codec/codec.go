// Package codec serializes status and telemetry payloads once into both wire formats
// so fan-out to many clients never re-encodes.
package codec

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Serialized holds one payload in both formats
type Serialized struct {
	Kind     string
	JSON     []byte // JSON object
	Protobuf []byte // google.protobuf.Struct wire bytes
}

// maxExactInt is the largest integer a Struct number (a double) holds exactly
const maxExactInt = 1 << 53

// Encode renders v, which must marshal to a JSON object, and tags it with kind.
// The protobuf form is a google.protobuf.Struct with the same fields; integers beyond
// ±2^53 are carried there as decimal strings. The JSON form keeps every number exact.
func Encode(kind string, v any) (*Serialized, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal %s: %w", kind, err)
	}
	var fields map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%s is not a JSON object: %w", kind, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%s is not a JSON object: null", kind)
	}
	if kind != "" {
		fields["kind"] = kind
		if raw, err = json.Marshal(fields); err != nil {
			return nil, fmt.Errorf("json marshal %s: %w", kind, err)
		}
	}

	st, err := structpb.NewStruct(structFields(fields).(map[string]any))
	if err != nil {
		return nil, fmt.Errorf("protobuf struct %s: %w", kind, err)
	}
	pb, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal %s: %w", kind, err)
	}
	return &Serialized{Kind: kind, JSON: raw, Protobuf: pb}, nil
}

// structFields converts json.Number leaves into values a Struct can hold without loss
func structFields(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = structFields(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = structFields(e)
		}
		return out
	case json.Number:
		return structNumber(v)
	default:
		return v
	}
}

func structNumber(n json.Number) any {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		if i > maxExactInt || i < -maxExactInt {
			return string(n)
		}
		return float64(i)
	}
	if _, err := strconv.ParseUint(string(n), 10, 64); err == nil {
		return string(n)
	}
	f, err := n.Float64()
	if err != nil {
		return string(n)
	}
	return f
}

// ProtobufBase64 returns the protobuf form encoded for text transports such as SSE
func (s *Serialized) ProtobufBase64() []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(s.Protobuf)))
	base64.StdEncoding.Encode(out, s.Protobuf)
	return out
}

// Decode parses protobuf bytes produced by Encode back into a generic map
func Decode(pb []byte) (map[string]any, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(pb, &st); err != nil {
		return nil, err
	}
	return st.AsMap(), nil
}
