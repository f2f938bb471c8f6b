package types

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/djkazic/stratumd/pkg/util"
)

// coinbaseTag appears in every coinbase scriptSig built by this pool.
const coinbaseTag = "/stratumd/"

// maxScriptSigLen is the consensus limit on coinbase scriptSig size.
const maxScriptSigLen = 100

// CoinbaseBuilder assembles coinbase transactions for mining jobs.
type CoinbaseBuilder struct {
	network string
}

// NewCoinbaseBuilder creates a builder for the given network.
func NewCoinbaseBuilder(network string) *CoinbaseBuilder {
	return &CoinbaseBuilder{network: network}
}

// BuildCoinbase serializes a non-witness coinbase transaction paying the
// given outputs, with extranonceSize placeholder bytes in the scriptSig
// where the server's extranonce1 and the miner's extranonce2 will go.
// Returns the serialized tx and the byte offset of the placeholder.
func (b *CoinbaseBuilder) BuildCoinbase(
	height int64,
	payouts []PayoutEntry,
	witnessCommitment string,
	extranonceSize int,
) ([]byte, int, error) {
	if len(payouts) == 0 {
		return nil, 0, fmt.Errorf("no payout outputs")
	}

	// scriptSig: BIP34 height push, pool tag, extranonce placeholder
	heightPush := encodeHeightPush(height)
	tag := []byte(coinbaseTag)

	scriptSig := make([]byte, 0, len(heightPush)+1+len(tag)+extranonceSize)
	scriptSig = append(scriptSig, heightPush...)
	scriptSig = append(scriptSig, util.WriteScriptLen(len(tag))...)
	scriptSig = append(scriptSig, tag...)
	extranonceInScript := len(scriptSig)
	scriptSig = append(scriptSig, make([]byte, extranonceSize)...)

	if len(scriptSig) > maxScriptSigLen {
		return nil, 0, fmt.Errorf("coinbase scriptSig too long: %d bytes", len(scriptSig))
	}

	var buf bytes.Buffer
	buf.Write(util.Uint32LE(2)) // tx version

	// Single input spending the null prevout
	buf.Write(util.WriteVarInt(1))
	buf.Write(make([]byte, 32))
	buf.Write(util.Uint32LE(0xffffffff))
	buf.Write(util.WriteVarInt(uint64(len(scriptSig))))
	scriptSigStart := buf.Len()
	buf.Write(scriptSig)
	buf.Write(util.Uint32LE(0xffffffff)) // sequence

	extranonceOffset := scriptSigStart + extranonceInScript

	// Outputs: payouts, then the witness commitment if the template has one
	outputCount := len(payouts)
	var commitScript []byte
	if witnessCommitment != "" {
		var err error
		commitScript, err = hex.DecodeString(witnessCommitment)
		if err != nil {
			return nil, 0, fmt.Errorf("decode witness commitment: %w", err)
		}
		outputCount++
	}

	buf.Write(util.WriteVarInt(uint64(outputCount)))
	for _, p := range payouts {
		script, err := PayToAddrScript(p.Address, b.network)
		if err != nil {
			return nil, 0, fmt.Errorf("payout to %s: %w", p.Address, err)
		}
		writeUint64LE(&buf, uint64(p.Amount))
		buf.Write(util.WriteVarInt(uint64(len(script))))
		buf.Write(script)
	}
	if commitScript != nil {
		writeUint64LE(&buf, 0)
		buf.Write(util.WriteVarInt(uint64(len(commitScript))))
		buf.Write(commitScript)
	}

	buf.Write(util.Uint32LE(0)) // locktime

	return buf.Bytes(), extranonceOffset, nil
}

// AddCoinbaseWitness wraps a non-witness coinbase with the segwit marker,
// flag, and the single all-zero witness item (the witness reserved value)
// required for block submission.
func AddCoinbaseWitness(coinbase []byte) []byte {
	if len(coinbase) < 8 {
		return coinbase
	}

	out := make([]byte, 0, len(coinbase)+2+34)
	out = append(out, coinbase[:4]...)   // version
	out = append(out, 0x00, 0x01)        // segwit marker + flag
	body := coinbase[4 : len(coinbase)-4]
	out = append(out, body...)           // inputs + outputs

	// Witness stack for the one input: one 32-byte zero item
	out = append(out, 0x01, 0x20)
	out = append(out, make([]byte, 32)...)

	out = append(out, coinbase[len(coinbase)-4:]...) // locktime
	return out
}

// encodeHeightPush encodes a block height as the BIP34 scriptSig push:
// a minimal little-endian integer preceded by its length byte.
func encodeHeightPush(height int64) []byte {
	if height == 0 {
		return []byte{0x00} // OP_0
	}

	var le []byte
	for v := height; v > 0; v >>= 8 {
		le = append(le, byte(v&0xff))
	}
	// A set high bit would flip the script-number sign
	if le[len(le)-1]&0x80 != 0 {
		le = append(le, 0x00)
	}

	out := make([]byte, 0, len(le)+1)
	out = append(out, byte(len(le)))
	out = append(out, le...)
	return out
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	buf.Write(b)
}
