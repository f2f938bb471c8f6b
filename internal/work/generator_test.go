package work

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/djkazic/stratumd/internal/bitcoin"

	"go.uber.org/zap"
)

func testGenerator() (*Generator, *bitcoin.MockRPC) {
	mock := bitcoin.NewMockRPC()
	logger, _ := zap.NewDevelopment()
	g := NewGenerator(mock, "testnet", testPoolAddr, 8, logger)
	return g, mock
}

func TestGenerator_GenerateJob(t *testing.T) {
	g, _ := testGenerator()

	// No template yet
	if _, err := g.GenerateJob(); err == nil {
		t.Error("expected error before first template fetch")
	}

	if err := g.fetchTemplate(context.Background()); err != nil {
		t.Fatalf("fetchTemplate: %v", err)
	}

	job, err := g.GenerateJob()
	if err != nil {
		t.Fatalf("GenerateJob: %v", err)
	}
	if job.Height != 800000 {
		t.Errorf("job height = %d, want 800000", job.Height)
	}
	if !g.HasJob(job.ID) {
		t.Error("generated job not retrievable by id")
	}
	if g.GetJob("nonexistent") != nil {
		t.Error("unknown job id should return nil")
	}
}

func TestGenerator_JobIDsIncrement(t *testing.T) {
	g, _ := testGenerator()
	_ = g.fetchTemplate(context.Background())

	j1, _ := g.GenerateJob()
	j2, _ := g.GenerateJob()
	if j1.ID == j2.ID {
		t.Error("consecutive jobs share an id")
	}
	if j2.Seq != j1.Seq+1 {
		t.Errorf("seq did not increment: %d then %d", j1.Seq, j2.Seq)
	}
}

func TestGenerator_JobEviction(t *testing.T) {
	g, _ := testGenerator()
	_ = g.fetchTemplate(context.Background())

	first, _ := g.GenerateJob()
	for i := 0; i < maxStoredJobs+5; i++ {
		if _, err := g.GenerateJob(); err != nil {
			t.Fatalf("GenerateJob %d: %v", i, err)
		}
	}

	if g.HasJob(first.ID) {
		t.Error("oldest job should have been evicted")
	}
}

func TestGenerator_EmitsCleanJobOnNewBlock(t *testing.T) {
	g, mock := testGenerator()

	if err := g.fetchTemplate(context.Background()); err != nil {
		t.Fatalf("fetchTemplate: %v", err)
	}

	select {
	case job := <-g.JobChannel():
		if !job.CleanJobs {
			t.Error("first job after a new template should be clean")
		}
	case <-time.After(time.Second):
		t.Fatal("no job emitted for new template")
	}

	// Same prevhash again: no new block, no refresh due yet
	if err := g.fetchTemplate(context.Background()); err != nil {
		t.Fatalf("fetchTemplate: %v", err)
	}
	select {
	case <-g.JobChannel():
		t.Error("unchanged template should not emit a job")
	default:
	}

	// New prevhash: clean job again
	mock.BlockTemplate.PreviousBlockHash = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72f8e4b19"
	mock.BlockTemplate.Height = 800001
	if err := g.fetchTemplate(context.Background()); err != nil {
		t.Fatalf("fetchTemplate: %v", err)
	}
	select {
	case job := <-g.JobChannel():
		if !job.CleanJobs {
			t.Error("new-block job should be clean")
		}
		if job.Height != 800001 {
			t.Errorf("job height = %d, want 800001", job.Height)
		}
	case <-time.After(time.Second):
		t.Fatal("no job emitted for new block")
	}
}

func TestBackoffDuration(t *testing.T) {
	if backoffDuration(0) != PollInterval {
		t.Error("no failures should use the poll interval")
	}
	if backoffDuration(1) != PollInterval {
		t.Error("first failure should use the poll interval")
	}
	if backoffDuration(2) != 2*PollInterval {
		t.Error("second failure should double")
	}
	if backoffDuration(100) != 60*time.Second {
		t.Error("backoff should cap at 60s")
	}
}

func TestGenerator_FetchError(t *testing.T) {
	g, mock := testGenerator()
	mock.GetBlockTemplateErr = fmt.Errorf("connection refused")

	if err := g.fetchTemplate(context.Background()); err == nil {
		t.Error("expected fetch error")
	}
	if g.CurrentTemplate() != nil {
		t.Error("failed fetch should not install a template")
	}
}
