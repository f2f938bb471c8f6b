package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/djkazic/stratumd/internal/bitcoin"
	"github.com/djkazic/stratumd/internal/metrics"
	"github.com/djkazic/stratumd/internal/shares"
	"github.com/djkazic/stratumd/internal/stratum"
	"github.com/djkazic/stratumd/internal/types"
	"github.com/djkazic/stratumd/internal/work"

	"go.uber.org/zap"
)

// Config holds node-level settings.
type Config struct {
	StratumAddr       string
	Network           string
	PoolAddress       string
	InitialDifficulty float64
	SharesDBPath      string
}

// Node wires the work generator, stratum server, share validator and
// share log together.
type Node struct {
	cfg    Config
	logger *zap.Logger

	rpc       bitcoin.BitcoinRPC
	server    *stratum.Server
	generator *work.Generator
	validator *shares.Validator
	store     *shares.BoltStore

	events chan interface{}

	startTime   time.Time
	blocksFound atomic.Uint64
}

// NewNode builds a node. The pool address is validated up front; a typo
// here would burn every block reward.
func NewNode(cfg Config, rpc bitcoin.BitcoinRPC, logger *zap.Logger) (*Node, error) {
	if err := types.ValidateAddress(cfg.PoolAddress, cfg.Network); err != nil {
		return nil, fmt.Errorf("pool address: %w", err)
	}

	store, err := shares.NewBoltStore(cfg.SharesDBPath, logger)
	if err != nil {
		return nil, err
	}

	extranonceSize := stratum.ExtraNonce1Size + stratum.ExtraNonce2Size
	generator := work.NewGenerator(rpc, cfg.Network, cfg.PoolAddress, extranonceSize, logger)

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		rpc:       rpc,
		server:    stratum.NewServer(cfg.InitialDifficulty, logger),
		generator: generator,
		validator: shares.NewValidator(generator),
		store:     store,
		events:    make(chan interface{}, 64),
	}

	n.server.SetSubmitHandler(n.handleSubmit)
	n.server.SetHTTPHandler(n.httpHandler())
	return n, nil
}

// SetAuthenticator installs the worker credential checker.
func (n *Node) SetAuthenticator(a stratum.Authenticator) {
	n.server.SetAuthenticator(a)
}

// Events returns the node's event channel.
func (n *Node) Events() <-chan interface{} {
	return n.events
}

// Run starts the node and blocks until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	n.startTime = time.Now()

	if err := n.server.Start(n.cfg.StratumAddr); err != nil {
		return fmt.Errorf("start stratum server: %w", err)
	}
	defer n.server.Stop()
	defer n.store.Close()

	n.generator.Start(ctx)

	statsTicker := time.NewTicker(15 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.logger.Info("node shutting down")
			return nil
		case job := <-n.generator.JobChannel():
			n.broadcastJob(job)
		case <-statsTicker.C:
			n.updateStats()
		}
	}
}

func (n *Node) broadcastJob(job *work.JobData) {
	n.server.BroadcastJob(&stratum.Job{
		ID:             job.ID,
		PrevHash:       job.PrevBlockHash,
		Coinbase1:      job.Coinbase1,
		Coinbase2:      job.Coinbase2,
		MerkleBranches: job.MerkleBranches,
		Version:        job.Version,
		NBits:          job.NBits,
		NTime:          job.NTime,
		CleanJobs:      job.CleanJobs,
	})
	metrics.JobHeight.Set(float64(job.Height))
	n.publish(NewJobEvent{Job: job})
}

// handleSubmit is the server's submit callback. A validation failure
// propagates as the RejectError the server reports; storage trouble is
// logged but never turns an accepted share into a rejection.
func (n *Node) handleSubmit(sub *stratum.ShareSubmission) error {
	share, err := n.validator.Validate(sub, time.Now())
	if err != nil {
		return err
	}

	if err := n.store.Add(share); err != nil {
		n.logger.Error("share log write failed",
			zap.String("share", share.HashHex()),
			zap.Error(err),
		)
	}

	n.logger.Debug("share accepted",
		zap.String("worker", share.Worker),
		zap.String("hash", share.HashHex()),
		zap.Float64("difficulty", share.Difficulty),
		zap.Float64("actual", share.ActualDifficulty),
	)
	n.publish(ShareAcceptedEvent{Share: share})

	if share.IsBlock {
		n.submitBlock(share, sub)
	}
	return nil
}

// submitBlock reconstructs and submits a block-solving share. The merkle
// root is re-verified against the full template first; submitting a
// malformed block wastes the find.
func (n *Node) submitBlock(share *types.Share, sub *stratum.ShareSubmission) {
	n.logger.Info("block found",
		zap.String("hash", share.HashHex()),
		zap.Int64("height", share.Height),
		zap.String("worker", share.Worker),
	)
	metrics.BlocksFound.Inc()

	job := n.generator.GetJob(share.JobID)
	if job == nil || job.Template == nil {
		n.logger.Error("block-solving job evicted before submission",
			zap.String("job_id", share.JobID),
		)
		metrics.BlockSubmissions.WithLabelValues("lost").Inc()
		return
	}

	header, coinbase, err := work.ReconstructHeader(job, sub.ExtraNonce1, sub.ExtraNonce2, sub.NTime, sub.Nonce)
	if err != nil {
		n.logger.Error("block reconstruction failed", zap.Error(err))
		metrics.BlockSubmissions.WithLabelValues("error").Inc()
		return
	}

	if err := work.VerifyMerkleRoot(header, coinbase, job.Template); err != nil {
		n.logger.Error("block merkle verification failed", zap.Error(err))
		metrics.BlockSubmissions.WithLabelValues("error").Inc()
		return
	}

	blockHex, err := work.ReconstructBlock(header, coinbase, job.Template)
	if err != nil {
		n.logger.Error("block serialization failed", zap.Error(err))
		metrics.BlockSubmissions.WithLabelValues("error").Inc()
		return
	}

	accepted := true
	if err := n.rpc.SubmitBlock(context.Background(), blockHex); err != nil {
		accepted = false
		n.logger.Error("block submission rejected",
			zap.String("hash", share.HashHex()),
			zap.Error(err),
		)
		metrics.BlockSubmissions.WithLabelValues("rejected").Inc()
	} else {
		n.blocksFound.Add(1)
		n.logger.Info("block accepted by network",
			zap.String("hash", share.HashHex()),
			zap.Int64("height", share.Height),
		)
		metrics.BlockSubmissions.WithLabelValues("accepted").Inc()
	}
	n.publish(BlockFoundEvent{Share: share, Accepted: accepted})
}

func (n *Node) publish(event interface{}) {
	select {
	case n.events <- event:
	default:
	}
}

func (n *Node) updateStats() {
	metrics.SessionsConnected.Set(float64(n.server.SessionCount()))
	metrics.PoolHashrate.Set(n.estimateHashrate())
	metrics.UptimeSeconds.Set(time.Since(n.startTime).Seconds())
}

// estimateHashrate derives pool hashrate from the share log: each share
// of difficulty D represents D * 2^32 expected hashes.
func (n *Node) estimateHashrate() float64 {
	const window = 10 * time.Minute

	recent := n.store.SharesSince(time.Now().Add(-window))
	if len(recent) == 0 {
		return 0
	}

	var workDone float64
	for _, s := range recent {
		workDone += s.Difficulty * 4294967296
	}
	return workDone / window.Seconds()
}
