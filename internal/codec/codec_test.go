package codec

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

type sample struct {
	Tick    uint64 `json:"tick"`
	Phase   string `json:"phase"`
	DriftNs int64  `json:"drift_ns"`
}

func TestEncodeBothFormats(t *testing.T) {
	s, err := Encode("tick", sample{Tick: 7, Phase: "capture", DriftNs: -1200})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var fromJSON map[string]any
	if err := json.Unmarshal(s.JSON, &fromJSON); err != nil {
		t.Fatalf("JSON output invalid: %v", err)
	}
	fromPB, err := Decode(s.Protobuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	for _, m := range []map[string]any{fromJSON, fromPB} {
		if m["kind"] != "tick" || m["phase"] != "capture" {
			t.Fatalf("fields = %v", m)
		}
		if m["tick"].(float64) != 7 || m["drift_ns"].(float64) != -1200 {
			t.Fatalf("numeric fields = %v", m)
		}
	}

	dec, err := base64.StdEncoding.DecodeString(string(s.ProtobufBase64()))
	if err != nil || string(dec) != string(s.Protobuf) {
		t.Fatalf("base64 form does not round to protobuf bytes: %v", err)
	}
}

func TestEncodeRejectsNonObject(t *testing.T) {
	if _, err := Encode("x", []int{1, 2}); err == nil {
		t.Fatal("expected error for a JSON array")
	}
	if _, err := Encode("x", nil); err == nil {
		t.Fatal("expected error for null")
	}
}

type stamped struct {
	Seq         uint64  `json:"seq"`
	TimestampNs int64   `json:"timestamp_ns"`
	Ratio       float64 `json:"ratio"`
}

func TestEncodeKeepsLargeIntegers(t *testing.T) {
	const seq = uint64(1<<60 + 1)
	const ts = int64(-(1<<54 + 3))
	s, err := Encode("status", stamped{Seq: seq, TimestampNs: ts, Ratio: 1.5})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var fromJSON struct {
		Seq         uint64 `json:"seq"`
		TimestampNs int64  `json:"timestamp_ns"`
	}
	if err := json.Unmarshal(s.JSON, &fromJSON); err != nil {
		t.Fatalf("JSON output invalid: %v", err)
	}
	if fromJSON.Seq != seq || fromJSON.TimestampNs != ts {
		t.Fatalf("JSON integers = %d, %d; want %d, %d", fromJSON.Seq, fromJSON.TimestampNs, seq, ts)
	}

	fromPB, err := Decode(s.Protobuf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if fromPB["seq"] != "1152921504606846977" || fromPB["timestamp_ns"] != "-18014398509481987" {
		t.Fatalf("protobuf large integers = %v, %v", fromPB["seq"], fromPB["timestamp_ns"])
	}
	if fromPB["ratio"] != 1.5 {
		t.Fatalf("protobuf ratio = %v", fromPB["ratio"])
	}
}
