package digest

import (
	"encoding/json"
	"testing"
)

func TestComputeAndString(t *testing.T) {
	d := Compute([]byte("hello"))
	s := d.String()
	if len(s) != Size*2 {
		t.Fatalf("expected %d hex chars, got %d (%s)", Size*2, len(s), s)
	}
	back, err := Parse(s)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if back != d {
		t.Errorf("roundtrip mismatch: %v != %v", back, d)
	}
}

func TestParseInvalidLength(t *testing.T) {
	if _, err := Parse("deadbeef"); err == nil {
		t.Fatal("expected error for short hex string")
	}
}

func TestFromBytes(t *testing.T) {
	raw := make([]byte, Size)
	raw[0] = 0xAB
	d, err := FromBytes(raw)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if d[0] != 0xAB {
		t.Errorf("expected first byte 0xAB, got 0x%02x", d[0])
	}
	if _, err := FromBytes(raw[:Size-1]); err == nil {
		t.Fatal("expected error for wrong length")
	}
}

func TestZero(t *testing.T) {
	var d Digest
	if !d.Zero() {
		t.Error("expected zero digest to report Zero()==true")
	}
	d2 := Compute([]byte("x"))
	if d2.Zero() {
		t.Error("non-zero digest reported Zero()==true")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		D Digest `json:"d"`
	}
	w := wrapper{D: Compute([]byte("payload"))}
	b, err := json.Marshal(w)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var w2 wrapper
	if err := json.Unmarshal(b, &w2); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if w2.D != w.D {
		t.Errorf("JSON roundtrip mismatch: %v != %v", w2.D, w.D)
	}
}

func TestShardDir(t *testing.T) {
	d := Compute([]byte("shard-me"))
	if got := d.ShardDir(); len(got) != 4 {
		t.Errorf("expected 4-char shard dir, got %q", got)
	}
	if got := d.Name(); len(got) != Size*2 {
		t.Errorf("expected %d-char name, got %q", Size*2, got)
	}
}
