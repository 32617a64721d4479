// Copyright 2026 The Tebako Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

// sampleInode mirrors the shape of an image inode record.
type sampleInode struct {
	Mode   uint32 `cbor:"mode"`
	Target string `cbor:"target,omitempty"`
	Size   uint64 `cbor:"size"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := sampleInode{Mode: 0o120777, Target: "../lib/ruby", Size: 11}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded sampleInode
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	table := map[string]uint32{"zeta": 3, "alpha": 1, "mid": 2}

	first, err := Marshal(table)
	if err != nil {
		t.Fatalf("first Marshal: %v", err)
	}
	second, err := Marshal(table)
	if err != nil {
		t.Fatalf("second Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("deterministic encoding violated: %x != %x", first, second)
	}
}

func TestOmitemptyRespected(t *testing.T) {
	withTarget, err := Marshal(sampleInode{Mode: 1, Target: "x"})
	if err != nil {
		t.Fatal(err)
	}
	withoutTarget, err := Marshal(sampleInode{Mode: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(withoutTarget) >= len(withTarget) {
		t.Errorf("omitempty not effective: without=%d bytes, with=%d bytes",
			len(withoutTarget), len(withTarget))
	}
}

func TestUnmarshalInvalidCBOR(t *testing.T) {
	var inode sampleInode
	if err := Unmarshal([]byte{0xFF, 0xFE, 0xFD}, &inode); err == nil {
		t.Error("Unmarshal should reject invalid CBOR")
	}
}

func TestUnmarshalLargeArray(t *testing.T) {
	// Larger than the fxamacker default of 131072 elements.
	large := make([]uint8, 200000)
	data, err := Marshal(large)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded []uint8
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(decoded) != len(large) {
		t.Errorf("decoded %d elements, want %d", len(decoded), len(large))
	}
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]any{"target": "bin/ruby"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if !strings.Contains(notation, `"bin/ruby"`) {
		t.Errorf("notation %q does not contain \"bin/ruby\"", notation)
	}
}
