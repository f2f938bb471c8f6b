package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/djkazic/stratumd/internal/auth"
	"github.com/djkazic/stratumd/internal/bitcoin"
	"github.com/djkazic/stratumd/internal/node"

	"go.uber.org/zap"
)

func main() {
	var (
		listenAddr  = flag.String("listen", "0.0.0.0:3333", "stratum listen address (also serves /metrics and /api/stats)")
		network     = flag.String("network", "mainnet", "bitcoin network: mainnet, testnet, signet, regtest")
		poolAddress = flag.String("pool-address", "", "bech32 address paid by generated coinbases (required)")
		bitcoindURL = flag.String("bitcoind-url", "http://127.0.0.1:8332", "bitcoind JSON-RPC URL")
		rpcUser     = flag.String("rpc-user", "", "bitcoind RPC username")
		rpcPass     = flag.String("rpc-pass", "", "bitcoind RPC password")
		dataDir     = flag.String("datadir", defaultDataDir(), "data directory for the share log")
		initialDiff = flag.Float64("difficulty", 1.0, "initial per-session share difficulty")
		authFile    = flag.String("auth-file", "", "worker credentials file (username:password per line); empty allows all workers")
		debug       = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer logger.Sync()

	if *poolAddress == "" {
		fmt.Fprintln(os.Stderr, "error: -pool-address is required")
		flag.Usage()
		os.Exit(1)
	}

	if err := os.MkdirAll(*dataDir, 0700); err != nil {
		logger.Fatal("cannot create data directory", zap.Error(err))
	}

	rpc := bitcoin.NewClient(*bitcoindURL, *rpcUser, *rpcPass)

	n, err := node.NewNode(node.Config{
		StratumAddr:       *listenAddr,
		Network:           *network,
		PoolAddress:       *poolAddress,
		InitialDifficulty: *initialDiff,
		SharesDBPath:      filepath.Join(*dataDir, "shares.db"),
	}, rpc, logger)
	if err != nil {
		logger.Fatal("node init failed", zap.Error(err))
	}

	if *authFile != "" {
		authenticator, err := auth.NewFileAuthenticator(*authFile, logger)
		if err != nil {
			logger.Fatal("auth init failed", zap.Error(err))
		}
		n.SetAuthenticator(authenticator)

		// SIGHUP reloads worker credentials without a restart.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		go func() {
			for range hup {
				if err := authenticator.Reload(); err != nil {
					logger.Error("credentials reload failed", zap.Error(err))
				}
			}
		}()
	} else {
		n.SetAuthenticator(auth.AllowAll{})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stratumd",
		zap.String("listen", *listenAddr),
		zap.String("network", *network),
		zap.String("pool_address", *poolAddress),
	)

	if err := n.Run(ctx); err != nil {
		logger.Fatal("node exited", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stratumd"
	}
	return filepath.Join(home, ".stratumd")
}
