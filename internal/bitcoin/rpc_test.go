package bitcoin

import (
	"context"
	"fmt"
	"testing"
)

func TestMockRPC_GetBlockTemplate(t *testing.T) {
	mock := NewMockRPC()

	tmpl, err := mock.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tmpl.Height != 800000 {
		t.Errorf("height = %d, want 800000", tmpl.Height)
	}
	if tmpl.CoinbaseValue != 5000000000 {
		t.Errorf("coinbase value = %d, want 5000000000", tmpl.CoinbaseValue)
	}
}

func TestMockRPC_GetBlockTemplate_ReturnsCopy(t *testing.T) {
	mock := NewMockRPC()

	before, err := mock.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Simulate chain movement the way generator tests do.
	mock.BlockTemplate.PreviousBlockHash = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72f8e4b19"
	mock.BlockTemplate.Height = 800001

	if before.PreviousBlockHash != "0000000000000003fa0d845513ea5014a7859d411f5f4a91eaab24eb47a18f39" {
		t.Error("earlier template mutated by later change to the mock")
	}

	after, err := mock.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if after.Height != 800001 || after.PreviousBlockHash == before.PreviousBlockHash {
		t.Error("later template did not pick up the change")
	}
}

func TestMockRPC_GetBlockTemplate_Error(t *testing.T) {
	mock := NewMockRPC()
	mock.GetBlockTemplateErr = fmt.Errorf("connection refused")

	if _, err := mock.GetBlockTemplate(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestMockRPC_SubmitBlock(t *testing.T) {
	mock := NewMockRPC()

	if err := mock.SubmitBlock(context.Background(), "deadbeef"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.SubmittedBlocks) != 1 || mock.SubmittedBlocks[0] != "deadbeef" {
		t.Error("block not recorded")
	}
}

func TestMockRPC_GetBlockCount(t *testing.T) {
	mock := NewMockRPC()

	count, err := mock.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 799999 {
		t.Errorf("block count = %d, want 799999", count)
	}
}

func TestRPCError(t *testing.T) {
	err := &RPCError{Code: -1, Message: "test error"}
	if err.Error() != "RPC error -1: test error" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}

func TestBlockRejectedError(t *testing.T) {
	err := &BlockRejectedError{Reason: "high-hash"}
	if err.Error() != "block rejected: high-hash" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}
