package util

import (
	"encoding/hex"
	"math/big"
	"testing"
)

func TestDoubleSHA256(t *testing.T) {
	// Known double-SHA256 of "hello"
	hash := DoubleSHA256([]byte("hello"))
	got := hex.EncodeToString(hash[:])
	want := "9595c9df90075148eb06860365df33584b75bff782a510c6cd4883a419833d50"
	if got != want {
		t.Errorf("DoubleSHA256(\"hello\") = %s, want %s", got, want)
	}
}

func TestHashHexRoundTrip(t *testing.T) {
	var h [32]byte
	for i := range h {
		h[i] = byte(i)
	}

	s := HashToHex(h)
	if len(s) != 64 {
		t.Fatalf("hex length = %d, want 64", len(s))
	}

	back, err := HexToHash(s)
	if err != nil {
		t.Fatalf("HexToHash: %v", err)
	}
	if back != h {
		t.Error("round-trip through display hex changed the hash")
	}
}

func TestHexToHashErrors(t *testing.T) {
	if _, err := HexToHash("abcd"); err == nil {
		t.Error("HexToHash should fail on short input")
	}
	if _, err := HexToHash("zz"); err == nil {
		t.Error("HexToHash should fail on invalid hex")
	}
}

func TestCompactToTarget(t *testing.T) {
	tests := []struct {
		name    string
		compact uint32
		want    string // hex of target
	}{
		{"difficulty 1", 0x1d00ffff, "ffff0000000000000000000000000000000000000000000000000000"},
		{"zero", 0x00000000, "0"},
		{"small exponent", 0x03123456, "123456"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := CompactToTarget(tt.compact)
			if got := target.Text(16); got != tt.want {
				t.Errorf("CompactToTarget(%#08x) = %s, want %s", tt.compact, got, tt.want)
			}
		})
	}
}

func TestDifficultyTargetConversion(t *testing.T) {
	maxTarget := CompactToTarget(0x1d00ffff)

	if diff := TargetToDifficulty(maxTarget, maxTarget); diff != 1.0 {
		t.Errorf("difficulty of max target = %f, want 1.0", diff)
	}

	halfTarget := new(big.Int).Div(maxTarget, big.NewInt(2))
	if diff := TargetToDifficulty(halfTarget, maxTarget); diff < 1.99 || diff > 2.01 {
		t.Errorf("difficulty of half target = %f, want ~2.0", diff)
	}

	if target := DifficultyToTarget(1.0, maxTarget); target.Cmp(maxTarget) != 0 {
		t.Error("DifficultyToTarget(1.0) should equal maxTarget")
	}

	// Higher difficulty means lower target
	hard := DifficultyToTarget(1024, maxTarget)
	if hard.Cmp(maxTarget) >= 0 {
		t.Error("difficulty 1024 target should be below max target")
	}
}

func TestHashMeetsTarget(t *testing.T) {
	target := CompactToTarget(0x1d00ffff)

	var zeroHash [32]byte
	if !HashMeetsTarget(zeroHash, target) {
		t.Error("zero hash should meet any positive target")
	}

	var maxHash [32]byte
	for i := range maxHash {
		maxHash[i] = 0xff
	}
	if HashMeetsTarget(maxHash, target) {
		t.Error("max hash should not meet target")
	}
}
