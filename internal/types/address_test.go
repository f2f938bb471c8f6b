package types

import (
	"encoding/hex"
	"testing"
)

func TestPayToAddrScript_P2WPKH(t *testing.T) {
	// BIP173 test vector: witness v0, 20-byte program
	script, err := PayToAddrScript("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "mainnet")
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	want := "0014751e76e8199196d454941c45d1b3a323f1433bd6"
	if hex.EncodeToString(script) != want {
		t.Errorf("script = %x, want %s", script, want)
	}
}

func TestPayToAddrScript_Taproot(t *testing.T) {
	// BIP350 test vector: witness v1, 32-byte program, bech32m
	script, err := PayToAddrScript(
		"bc1p0xlxvlhemja6c4dqv22uapctqupfhlxm9h8z3k2e72q4k9hcz7vqzk5jj0", "mainnet")
	if err != nil {
		t.Fatalf("PayToAddrScript: %v", err)
	}
	if script[0] != 0x51 {
		t.Errorf("script opcode = %#x, want OP_1", script[0])
	}
	if len(script) != 34 {
		t.Errorf("script length = %d, want 34", len(script))
	}
}

func TestPayToAddrScript_NetworkMismatch(t *testing.T) {
	_, err := PayToAddrScript("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "testnet")
	if err == nil {
		t.Error("mainnet address should be rejected on testnet")
	}
}

func TestValidateAddress(t *testing.T) {
	valid := []struct{ addr, network string }{
		{"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "testnet"},
		{"bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "mainnet"},
	}
	for _, tt := range valid {
		if err := ValidateAddress(tt.addr, tt.network); err != nil {
			t.Errorf("ValidateAddress(%s, %s): %v", tt.addr, tt.network, err)
		}
	}

	invalid := []string{
		"",
		"tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsy", // bad checksum
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",         // base58, not bech32
		"tb1qW508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", // mixed case
	}
	for _, addr := range invalid {
		if err := ValidateAddress(addr, "testnet"); err == nil {
			t.Errorf("ValidateAddress(%q) should fail", addr)
		}
	}
}

func TestNetworkHRP(t *testing.T) {
	if _, err := NetworkHRP("nonsense"); err == nil {
		t.Error("unknown network should be rejected")
	}
	hrp, err := NetworkHRP("regtest")
	if err != nil || hrp != "bcrt" {
		t.Errorf("regtest hrp = %q, %v", hrp, err)
	}
}
