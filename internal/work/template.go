package work

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/djkazic/stratumd/internal/bitcoin"
	"github.com/djkazic/stratumd/internal/types"
	"github.com/djkazic/stratumd/pkg/util"
)

// JobData is a full mining job, including internal fields never sent to
// miners.
type JobData struct {
	ID               string
	Seq              uint64
	PrevBlockHash    string // stratum v1 format
	Coinbase1        string
	Coinbase2        string
	CoinbaseTx       []byte
	ExtranonceOffset int
	MerkleBranches   []string
	Version          string
	NBits            string
	NTime            string
	Height           int64
	CleanJobs        bool
	Template         *bitcoin.BlockTemplate
}

// SplitCoinbase splits a serialized coinbase at the extranonce position,
// returning the hex halves sent to miners as coinb1/coinb2.
func SplitCoinbase(coinbaseTx []byte, extranonceOffset, extranonceSize int) (string, string) {
	coinbase1 := hex.EncodeToString(coinbaseTx[:extranonceOffset])
	coinbase2 := hex.EncodeToString(coinbaseTx[extranonceOffset+extranonceSize:])
	return coinbase1, coinbase2
}

// ComputeMerkleBranches computes the stratum merkle branches: the sibling
// path from the coinbase leaf to the root. txHashes are the non-coinbase
// transaction hashes in internal byte order (hex).
func ComputeMerkleBranches(txHashes []string) ([]string, error) {
	if len(txHashes) == 0 {
		return []string{}, nil
	}

	hashes := make([][]byte, len(txHashes))
	for i, h := range txHashes {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid tx hash at index %d: %w", i, err)
		}
		hashes[i] = b
	}

	// At each level, hashes[0] is the sibling of the coinbase-path node;
	// the rest pair up for the next level.
	var branches []string
	for len(hashes) > 0 {
		branches = append(branches, hex.EncodeToString(hashes[0]))
		if len(hashes) == 1 {
			break
		}

		remaining := hashes[1:]
		var newHashes [][]byte
		for i := 0; i < len(remaining); i += 2 {
			left := remaining[i]
			var right []byte
			if i+1 < len(remaining) {
				right = remaining[i+1]
			} else {
				right = left // duplicate last element for odd count
			}
			combined := append(left, right...)
			hash := util.DoubleSHA256(combined)
			newHashes = append(newHashes, hash[:])
		}
		hashes = newHashes
	}

	return branches, nil
}

// ComputeMerkleRoot folds the coinbase hash through the branches. This is
// the computation miners perform; the pool repeats it to reconstruct
// submitted headers.
func ComputeMerkleRoot(coinbaseHash []byte, branches []string) ([]byte, error) {
	current := make([]byte, len(coinbaseHash))
	copy(current, coinbaseHash)

	for _, branch := range branches {
		branchBytes, err := hex.DecodeString(branch)
		if err != nil {
			return nil, fmt.Errorf("invalid branch hash: %w", err)
		}
		combined := append(current, branchBytes...)
		hash := util.DoubleSHA256(combined)
		current = hash[:]
	}

	return current, nil
}

// BuildJobFromTemplate creates a stratum job from a block template. The
// coinbase pays the given outputs and leaves extranonceSize bytes of
// placeholder in the scriptSig.
func BuildJobFromTemplate(
	jobID string,
	tmpl *types.BlockTemplateData,
	payouts []types.PayoutEntry,
	extranonceSize int,
) (*JobData, error) {
	builder := types.NewCoinbaseBuilder(tmpl.Network)

	coinbaseTx, extranonceOffset, err := builder.BuildCoinbase(
		tmpl.Height,
		payouts,
		tmpl.WitnessCommitment,
		extranonceSize,
	)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	coinbase1, coinbase2 := SplitCoinbase(coinbaseTx, extranonceOffset, extranonceSize)

	branches, err := ComputeMerkleBranches(tmpl.TxHashes)
	if err != nil {
		return nil, fmt.Errorf("compute merkle branches: %w", err)
	}

	prevHashStratum, err := displayToStratumPrevHash(tmpl.PrevBlockHash)
	if err != nil {
		return nil, fmt.Errorf("convert prevhash to stratum format: %w", err)
	}

	return &JobData{
		ID:               jobID,
		PrevBlockHash:    prevHashStratum,
		Coinbase1:        coinbase1,
		Coinbase2:        coinbase2,
		CoinbaseTx:       coinbaseTx,
		ExtranonceOffset: extranonceOffset,
		MerkleBranches:   branches,
		Version:          tmpl.Version,
		NBits:            tmpl.Bits,
		NTime:            tmpl.CurTime,
		Height:           tmpl.Height,
	}, nil
}

// ReconstructHeader rebuilds the 80-byte block header and full coinbase
// from a job and a miner's submission parameters. The 4-byte fields arrive
// as big-endian hex and are reversed into the header; the prevhash is in
// stratum v1 word-swapped order.
func ReconstructHeader(job *JobData, extranonce1, extranonce2, ntime, nonce string) ([]byte, []byte, error) {
	coinbaseHex := job.Coinbase1 + extranonce1 + extranonce2 + job.Coinbase2
	coinbaseBytes, err := hex.DecodeString(coinbaseHex)
	if err != nil {
		return nil, nil, fmt.Errorf("decode coinbase hex: %w", err)
	}

	coinbaseHash := util.DoubleSHA256(coinbaseBytes)

	merkleRoot, err := ComputeMerkleRoot(coinbaseHash[:], job.MerkleBranches)
	if err != nil {
		return nil, nil, fmt.Errorf("compute merkle root: %w", err)
	}

	versionBytes, err := util.HexBEToLE(job.Version, 4)
	if err != nil {
		return nil, nil, fmt.Errorf("decode version: %w", err)
	}

	prevHashBytes, err := stratumPrevHashToInternal(job.PrevBlockHash)
	if err != nil {
		return nil, nil, fmt.Errorf("decode prevhash: %w", err)
	}

	ntimeBytes, err := util.HexBEToLE(ntime, 4)
	if err != nil {
		return nil, nil, fmt.Errorf("decode ntime: %w", err)
	}

	nbitsBytes, err := util.HexBEToLE(job.NBits, 4)
	if err != nil {
		return nil, nil, fmt.Errorf("decode nbits: %w", err)
	}

	nonceBytes, err := util.HexBEToLE(nonce, 4)
	if err != nil {
		return nil, nil, fmt.Errorf("decode nonce: %w", err)
	}

	header := make([]byte, 80)
	copy(header[0:4], versionBytes)
	copy(header[4:36], prevHashBytes)
	copy(header[36:68], merkleRoot)
	copy(header[68:72], ntimeBytes)
	copy(header[72:76], nbitsBytes)
	copy(header[76:80], nonceBytes)

	return header, coinbaseBytes, nil
}

// ReconstructBlock builds the full serialized block for submitblock:
// header, witness-wrapped coinbase, then every template transaction.
func ReconstructBlock(header []byte, coinbase []byte, tmpl *bitcoin.BlockTemplate) (string, error) {
	var buf bytes.Buffer

	buf.Write(header)

	txCount := 1 + len(tmpl.Transactions)
	buf.Write(util.WriteVarInt(uint64(txCount)))

	buf.Write(types.AddCoinbaseWitness(coinbase))

	for _, tx := range tmpl.Transactions {
		txBytes, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("decode template tx %s: %w", tx.TxID, err)
		}
		buf.Write(txBytes)
	}

	return hex.EncodeToString(buf.Bytes()), nil
}

// VerifyMerkleRoot recomputes the merkle root from the non-witness
// coinbase and template transactions and checks it against the header.
// Used as a sanity check before block submission.
func VerifyMerkleRoot(header []byte, coinbase []byte, tmpl *bitcoin.BlockTemplate) error {
	if len(header) < 68 {
		return fmt.Errorf("header too short: %d bytes", len(header))
	}

	headerMerkleRoot := header[36:68]

	cbHash := util.DoubleSHA256(coinbase)
	txids := make([][]byte, 1+len(tmpl.Transactions))
	txids[0] = cbHash[:]

	for i, tx := range tmpl.Transactions {
		b, err := hex.DecodeString(tx.TxID)
		if err != nil {
			return fmt.Errorf("invalid txid at index %d: %w", i, err)
		}
		// getblocktemplate txids are display order; internal order needed
		txids[i+1] = util.ReverseBytes(b)
	}

	expectedRoot := computeFullMerkleRoot(txids)

	if !bytes.Equal(headerMerkleRoot, expectedRoot) {
		return fmt.Errorf(
			"merkle root mismatch: header=%s expected=%s tx_count=%d",
			hex.EncodeToString(headerMerkleRoot),
			hex.EncodeToString(expectedRoot),
			len(tmpl.Transactions),
		)
	}

	return nil
}

// computeFullMerkleRoot builds the root from all txids (internal byte
// order) with the standard pair-and-duplicate algorithm.
func computeFullMerkleRoot(txids [][]byte) []byte {
	if len(txids) == 0 {
		return nil
	}

	hashes := make([][]byte, len(txids))
	for i, h := range txids {
		c := make([]byte, len(h))
		copy(c, h)
		hashes[i] = c
	}

	for len(hashes) > 1 {
		if len(hashes)%2 != 0 {
			dup := make([]byte, len(hashes[len(hashes)-1]))
			copy(dup, hashes[len(hashes)-1])
			hashes = append(hashes, dup)
		}
		var newLevel [][]byte
		for i := 0; i < len(hashes); i += 2 {
			combined := append(hashes[i], hashes[i+1]...)
			h := util.DoubleSHA256(combined)
			newLevel = append(newLevel, h[:])
		}
		hashes = newLevel
	}

	return hashes[0]
}

// displayToStratumPrevHash converts a block hash from display order to
// stratum v1 prevhash format: internal byte order with each 4-byte word
// byte-swapped.
func displayToStratumPrevHash(displayHex string) (string, error) {
	b, err := hex.DecodeString(displayHex)
	if err != nil {
		return "", fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return "", fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	internal := util.ReverseBytes(b)
	swapWords4(internal)
	return hex.EncodeToString(internal), nil
}

// stratumPrevHashToInternal converts a stratum v1 prevhash back to the
// internal byte order used in the block header.
func stratumPrevHashToInternal(stratumHex string) ([]byte, error) {
	b, err := hex.DecodeString(stratumHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	swapWords4(b)
	return b, nil
}

// swapWords4 byte-swaps each 4-byte word in place.
func swapWords4(b []byte) {
	for i := 0; i < len(b)-3; i += 4 {
		b[i], b[i+3] = b[i+3], b[i]
		b[i+1], b[i+2] = b[i+2], b[i+1]
	}
}
