package testutil

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/djkazic/stratumd/internal/bitcoin"
	"github.com/djkazic/stratumd/internal/types"
	"github.com/djkazic/stratumd/internal/work"
)

// TestPoolAddress is a valid testnet bech32 address for fixtures.
const TestPoolAddress = "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"

// SampleBlockTemplate returns a minimal block template for testing.
func SampleBlockTemplate() *bitcoin.BlockTemplate {
	return &bitcoin.BlockTemplate{
		Version:           536870912,
		PreviousBlockHash: "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39",
		Transactions:      []bitcoin.TemplateTransaction{},
		CoinbaseValue:     5000000000,
		Target:            "00000000ffff0000000000000000000000000000000000000000000000000000",
		CurTime:           1700000000,
		Bits:              "1d00ffff",
		Height:            800000,
	}
}

// SampleTemplateData returns the stratum-side view of SampleBlockTemplate.
func SampleTemplateData() *types.BlockTemplateData {
	tmpl := SampleBlockTemplate()
	return &types.BlockTemplateData{
		Height:        tmpl.Height,
		PrevBlockHash: tmpl.PreviousBlockHash,
		Version:       fmt.Sprintf("%08x", tmpl.Version),
		Bits:          tmpl.Bits,
		CurTime:       fmt.Sprintf("%08x", tmpl.CurTime),
		CoinbaseValue: tmpl.CoinbaseValue,
		Network:       "testnet",
		TxHashes:      []string{},
	}
}

// SampleJob builds a complete mining job from the sample template.
func SampleJob(t *testing.T, jobID string) *work.JobData {
	t.Helper()
	tmplData := SampleTemplateData()
	payouts := []types.PayoutEntry{{Address: TestPoolAddress, Amount: tmplData.CoinbaseValue}}

	job, err := work.BuildJobFromTemplate(jobID, tmplData, payouts, 8)
	if err != nil {
		t.Fatalf("build sample job: %v", err)
	}
	job.Template = SampleBlockTemplate()
	return job
}

// SampleShare creates a share record for store tests.
func SampleShare(hash [32]byte, worker string, acceptedAt int64) *types.Share {
	return &types.Share{
		Hash:             hash,
		JobID:            "1",
		Worker:           worker,
		ExtraNonce1:      "08000000",
		ExtraNonce2:      "00000001",
		NTime:            "6553f100",
		Nonce:            "deadbeef",
		Difficulty:       1.0,
		ActualDifficulty: 2.5,
		Height:           800000,
		AcceptedAt:       acceptedAt,
	}
}

// EasyTarget returns a target every hash meets.
func EasyTarget() *big.Int {
	return new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
}
