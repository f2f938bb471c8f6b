package types

import (
	"fmt"
	"strings"

	"github.com/djkazic/stratumd/pkg/util"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

const (
	bech32Const  = 1
	bech32mConst = 0x2bc830a3
)

// NetworkHRP returns the bech32 human-readable prefix for a network name.
func NetworkHRP(network string) (string, error) {
	switch network {
	case "mainnet":
		return "bc", nil
	case "testnet", "testnet3", "testnet4", "signet":
		return "tb", nil
	case "regtest":
		return "bcrt", nil
	default:
		return "", fmt.Errorf("unknown network %q", network)
	}
}

func bech32Polymod(values []byte) uint32 {
	gen := [5]uint32{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := uint32(1)
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ uint32(v)
		for i := 0; i < 5; i++ {
			if (top>>uint(i))&1 == 1 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HRPExpand(hrp string) []byte {
	out := make([]byte, 0, len(hrp)*2+1)
	for _, c := range hrp {
		out = append(out, byte(c)>>5)
	}
	out = append(out, 0)
	for _, c := range hrp {
		out = append(out, byte(c)&0x1f)
	}
	return out
}

// bech32Decode splits and checksum-verifies a bech32/bech32m string,
// returning the hrp, the 5-bit data values (checksum stripped), and the
// checksum constant that verified (bech32 or bech32m).
func bech32Decode(addr string) (string, []byte, uint32, error) {
	if strings.ToLower(addr) != addr && strings.ToUpper(addr) != addr {
		return "", nil, 0, fmt.Errorf("mixed-case address")
	}
	addr = strings.ToLower(addr)

	sep := strings.LastIndexByte(addr, '1')
	if sep < 1 || sep+7 > len(addr) {
		return "", nil, 0, fmt.Errorf("missing or misplaced separator")
	}
	hrp, dataPart := addr[:sep], addr[sep+1:]

	data := make([]byte, len(dataPart))
	for i, c := range dataPart {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return "", nil, 0, fmt.Errorf("invalid character %q", c)
		}
		data[i] = byte(idx)
	}

	chk := bech32Polymod(append(bech32HRPExpand(hrp), data...))
	if chk != bech32Const && chk != bech32mConst {
		return "", nil, 0, fmt.Errorf("checksum mismatch")
	}

	return hrp, data[:len(data)-6], chk, nil
}

// convertBits regroups 5-bit values into 8-bit bytes, rejecting any
// incomplete or non-zero padding.
func convertBits(data []byte) ([]byte, error) {
	var acc, bits uint
	out := make([]byte, 0, len(data)*5/8)
	for _, v := range data {
		acc = acc<<5 | uint(v)
		bits += 5
		for bits >= 8 {
			bits -= 8
			out = append(out, byte(acc>>bits))
		}
	}
	if bits >= 5 || (acc<<(8-bits))&0xff != 0 {
		return nil, fmt.Errorf("invalid padding")
	}
	return out, nil
}

// PayToAddrScript builds the scriptPubKey for a segwit address on the given
// network. Witness v0 must be a 20-byte P2WPKH or 32-byte P2WSH program
// with a bech32 checksum; v1+ (taproot) requires bech32m.
func PayToAddrScript(addr, network string) ([]byte, error) {
	wantHRP, err := NetworkHRP(network)
	if err != nil {
		return nil, err
	}

	hrp, data, chk, err := bech32Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("address prefix %q does not match network %s", hrp, network)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty witness program")
	}

	version := data[0]
	program, err := convertBits(data[1:])
	if err != nil {
		return nil, fmt.Errorf("decode witness program: %w", err)
	}

	switch {
	case version > 16:
		return nil, fmt.Errorf("invalid witness version %d", version)
	case version == 0:
		if chk != bech32Const {
			return nil, fmt.Errorf("witness v0 requires bech32 checksum")
		}
		if len(program) != 20 && len(program) != 32 {
			return nil, fmt.Errorf("invalid v0 program length %d", len(program))
		}
	default:
		if chk != bech32mConst {
			return nil, fmt.Errorf("witness v%d requires bech32m checksum", version)
		}
		if len(program) < 2 || len(program) > 40 {
			return nil, fmt.Errorf("invalid program length %d", len(program))
		}
	}

	script := make([]byte, 0, 2+len(program))
	if version == 0 {
		script = append(script, 0x00)
	} else {
		script = append(script, 0x50+version)
	}
	script = append(script, util.WriteScriptLen(len(program))...)
	script = append(script, program...)
	return script, nil
}

// ValidateAddress reports whether addr is a well-formed segwit address for
// the given network.
func ValidateAddress(addr, network string) error {
	_, err := PayToAddrScript(addr, network)
	return err
}
