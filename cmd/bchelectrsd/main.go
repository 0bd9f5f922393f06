// Command bchelectrsd is the server binary: it loads configuration, wires
// every core component (store, daemon client, header chain, indexer,
// mempool, caches, query, subscriptions, metrics, rpcserver), then runs
// until interrupted. Generalized from the teacher's single `main.go`
// wiring point into a cobra root command the way orbas1-Synnergy's
// cmd/ packages wire cobra commands to long-running services.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/cache"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/config"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/headerchain"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/indexer"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/mempool"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/metrics"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/query"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcclient"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/rpcserver"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/store"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/subscribe"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/txdecode"
)

var log = logrus.WithField("component", "main")

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:   "bchelectrsd",
		Short: "Electrum-protocol indexing server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath)
		},
	}
	root.Flags().StringVar(&cfgPath, "config", "", "path to a config file (TOML/YAML/JSON)")

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("exiting")
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBDir)
	if err != nil {
		return err
	}
	defer st.Close()

	var daemonOpts []rpcclient.Option
	if cfg.DaemonCookiePath != "" {
		daemonOpts = append(daemonOpts, rpcclient.WithCookieFile(cfg.DaemonCookiePath))
	} else if cfg.DaemonUser != "" {
		daemonOpts = append(daemonOpts, rpcclient.WithBasicAuth(cfg.DaemonUser, cfg.DaemonPassword))
	}
	daemon := rpcclient.New(cfg.DaemonRPCURL, daemonOpts...)

	decoder := txdecode.New()

	chain := headerchain.New(daemon, 0, cfg.ReorgDepthLimit)
	seedHeaders, err := indexer.LoadHeaders(ctx, st)
	if err != nil {
		return err
	}
	chain.Seed(seedHeaders)

	subs := subscribe.New(nil) // StatusHasher wired in below, once Query exists
	metricsReg := metrics.New()
	subs.OnNotificationDropped(metricsReg.IncNotificationsDropped)

	mp := mempool.New(daemon, decoder, subs)

	txCache, err := cache.NewTxCache(cfg.TxCacheBytes)
	if err != nil {
		return err
	}
	blockTxidsCache, err := cache.NewBlockTxidsCache(cfg.BlockTxidsCacheBytes)
	if err != nil {
		return err
	}
	statusCache := cache.NewStatusHashCache(cfg.StatusHashCacheCount)

	q := query.New(st, mp, chain, daemon, decoder, decoder, txCache, blockTxidsCache, statusCache)
	subs.SetHasher(q)

	var blockSource indexer.BlockSource = daemon
	if cfg.DaemonBlocksDir != "" {
		reader, err := rpcclient.NewBlockFileReader(cfg.DaemonBlocksDir)
		if err != nil {
			return err
		}
		index, err := reader.BuildIndex()
		if err != nil {
			return err
		}
		log.WithField("dir", cfg.DaemonBlocksDir).Info("bulk sync will read blocks from local blk*.dat files")
		blockSource = index
	}

	ix := indexer.New(st, blockSource, decoder, chain, subs, indexer.Config{
		BulkIndexThreads:            cfg.BulkIndexThreads,
		IndexBatchSize:              cfg.IndexBatchSize,
		CashAccountActivationHeight: cfg.CashAccountActivationHeight,
	})

	srv := rpcserver.New(cfg, q, chain, mp, subs, daemon, metricsReg)

	var wg sync.WaitGroup
	runBackground(&wg, func() error { return srv.ListenAndServeTCP(ctx) }, "rpc_tcp")
	runBackground(&wg, func() error { return srv.ListenAndServeWS(ctx) }, "rpc_ws")
	runBackground(&wg, func() error { return srv.ServeMonitor(ctx) }, "monitor")

	delta, err := chain.Refresh()
	if err != nil {
		log.WithError(err).Warn("initial header refresh failed")
	}
	if len(delta.Removed) > 0 {
		log.WithField("count", len(delta.Removed)).Warn("rolling back blocks indexed before a restart-time reorg")
		if err := ix.Rollback(delta.Removed); err != nil {
			return err
		}
	}
	if len(delta.Added) > 0 {
		log.WithField("count", len(delta.Added)).Info("bulk indexing catch-up range")
		if err := ix.BulkIndex(ctx, delta.Added); err != nil {
			return err
		}
		chain.Commit(delta)
	}

	runBackground(&wg, func() error { return incrementalLoop(ctx, ix, mp, cfg) }, "incremental_index")
	runBackground(&wg, func() error { return reportLoop(ctx, metricsReg, st, chain, daemon, mp, subs, txCache, blockTxidsCache, statusCache) }, "metrics_report")

	waitForSignal(cancel)
	wg.Wait()
	return nil
}

// incrementalLoop drives Indexer.Incremental on wait_duration_secs and on
// SIGUSR1 (spec §4.5 "wakes on a timer/signal/broadcast"), and keeps the
// mempool shadow fresh on the same cadence.
func incrementalLoop(ctx context.Context, ix *indexer.Indexer, mp *mempool.Mempool, cfg config.Config) error {
	wait := time.Duration(cfg.WaitDurationSecs) * time.Second
	if wait <= 0 {
		wait = 10 * time.Second
	}
	ticker := time.NewTicker(wait)
	defer ticker.Stop()

	force := make(chan os.Signal, 1)
	signal.Notify(force, syscall.SIGUSR1)
	defer signal.Stop(force)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-force:
			log.Info("forced refresh requested (SIGUSR1)")
		}
		if err := ix.Incremental(ctx); err != nil {
			log.WithError(err).Warn("incremental index failed")
		}
		if err := mp.Poll(); err != nil {
			log.WithError(err).Warn("mempool poll failed")
		}
	}
}

// reportLoop periodically snapshots cache/indexer/mempool/subscription
// state into the metrics registry (spec §4.1/§4.7 memory-usage logging).
func reportLoop(ctx context.Context, m *metrics.Metrics, st *store.Store, chain *headerchain.Chain, daemon *rpcclient.Client, mp *mempool.Mempool, subs *subscribe.Manager, txCache *cache.TxCache, blockTxidsCache *cache.BlockTxidsCache, statusCache *cache.StatusHashCache) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		tip, _ := chain.Tip()
		m.SetIndexedHeight(tip.Height)
		if info, err := daemon.GetBlockchainInfo(); err == nil {
			m.SetDaemonTipHeight(int32(info.TipHeight))
			m.RefreshLag(tip.Height, int32(info.TipHeight))
		}
		m.SetMempoolSize(mp.Len())
		m.SetSubscriptionsActive(subs.ConnectionCount())
		m.RecordCacheCounters("tx", txCache.Counters())
		m.RecordCacheCounters("block_txids", blockTxidsCache.Counters())
		m.RecordCacheCounters("status_hash", statusCache.Counters())

		usage := st.MemoryUsage()
		log.WithField("store_memory", usage).Debug("memory usage snapshot")
	}
}

func runBackground(wg *sync.WaitGroup, fn func() error, name string) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := fn(); err != nil {
			log.WithError(err).WithField("component", name).Error("background task stopped")
		}
	}()
}

func waitForSignal(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
}
