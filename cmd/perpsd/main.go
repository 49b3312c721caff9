// perpsd runs the perps engine as a standalone node: JSON-RPC for
// trading, a websocket feed, optional NATS mirroring, Prometheus
// metrics, and the cranker loops that keep markets current.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"

	"github.com/luxfi/perps/pkg/api"
	"github.com/luxfi/perps/pkg/feed"
	"github.com/luxfi/perps/pkg/metrics"
	"github.com/luxfi/perps/pkg/perps"
	"github.com/luxfi/perps/pkg/store"
)

const (
	defaultDataDir     = ".perpsd"
	defaultRPCPort     = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
)

type Config struct {
	// Paths
	DataDir     string
	GenesisPath string
	LogLevel    string

	// Network
	RPCPort     int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Identities
	Admin   string
	Cranker string

	// Cranker cadence
	MatchInterval     time.Duration
	FundingInterval   time.Duration
	LiquidateInterval time.Duration
	MatchBudget       int
	SettleBudget      int

	EnableMetrics bool
}

// Genesis seeds the pool, oracles, and markets at startup.
type Genesis struct {
	Tokens []struct {
		Token     string `json:"token"`
		Liquidity uint64 `json:"liquidity"`
		TvlUsd    uint64 `json:"tvlUsd"`
	} `json:"tokens"`
	Oracles []struct {
		ID       string `json:"id"`
		Price    uint64 `json:"price"`
		Decimals uint64 `json:"decimals"`
	} `json:"oracles"`
	Markets []struct {
		ID                 string `json:"id"`
		LpToken            string `json:"lpToken"`
		QuoteToken         string `json:"quoteToken"`
		ProtocolFeeShareBp uint64 `json:"protocolFeeShareBp"`
		Symbols            []struct {
			Symbol             string             `json:"symbol"`
			BaseToken          string             `json:"baseToken"`
			CollateralToken    string             `json:"collateralToken"`
			CollateralDecimals uint64             `json:"collateralDecimals"`
			SizeDecimals       uint64             `json:"sizeDecimals"`
			Config             perps.MarketConfig `json:"config"`
		} `json:"symbols"`
	} `json:"markets"`
}

type Node struct {
	config *Config
	logger log.Logger

	db       database.Database
	journal  *store.Store
	registry *perps.Registry
	oracles  map[string]*perps.StaticOracle
	sink     *perps.ChanSink

	hub     *feed.Hub
	nats    *feed.NATSPublisher
	pump    *feed.Pump
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(config *Config) (*Node, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing perpsd node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.Open(dataPath, "perpsd", logger)
	if err != nil {
		return nil, err
	}
	journal, err := store.New(db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("Event journal ready", "nextSeq", journal.NextSeq())

	pool := perps.NewInMemoryPool()
	custody := perps.NewInMemoryCustody()
	vault := perps.NewInMemoryVault()
	sink := perps.NewChanSink(4096)

	registry := perps.NewRegistry(pool, perps.RegistryConfig{
		Admin:   config.Admin,
		Custody: custody,
		Vault:   vault,
		Sink:    sink,
	})
	if err := registry.SetRole(config.Admin, config.Cranker, perps.RoleCranker); err != nil {
		return nil, fmt.Errorf("grant cranker role: %w", err)
	}

	node := &Node{
		config:   config,
		logger:   logger,
		db:       db,
		journal:  journal,
		registry: registry,
		oracles:  make(map[string]*perps.StaticOracle),
		sink:     sink,
	}

	if config.GenesisPath != "" {
		if err := node.loadGenesis(pool, config.GenesisPath); err != nil {
			return nil, fmt.Errorf("load genesis: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	node.ctx = ctx
	node.cancel = cancel
	return node, nil
}

func (n *Node) loadGenesis(pool *perps.InMemoryPool, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var gen Genesis
	if err := json.Unmarshal(raw, &gen); err != nil {
		return err
	}

	for _, tok := range gen.Tokens {
		pool.AddToken(tok.Token, tok.Liquidity, tok.TvlUsd)
	}
	for _, o := range gen.Oracles {
		oracle := perps.NewStaticOracle(o.ID, o.Price, o.Decimals)
		if err := n.registry.RegisterOracle(n.config.Admin, oracle); err != nil {
			return err
		}
		n.oracles[o.ID] = oracle
	}
	for _, m := range gen.Markets {
		if err := n.registry.CreateMarket(n.config.Admin, m.ID, m.LpToken, m.QuoteToken, m.ProtocolFeeShareBp); err != nil {
			return err
		}
		for _, s := range m.Symbols {
			err := n.registry.AddSymbol(n.config.Admin, m.ID, s.Symbol,
				s.BaseToken, s.CollateralToken, s.CollateralDecimals, s.SizeDecimals, s.Config)
			if err != nil {
				return err
			}
		}
	}

	n.logger.Info("Genesis applied",
		"tokens", len(gen.Tokens),
		"oracles", len(gen.Oracles),
		"markets", len(gen.Markets))
	return nil
}

func (n *Node) Start() error {
	n.logger.Info("Starting perpsd node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"rpcPort", n.config.RPCPort,
		"wsPort", n.config.WSPort)

	if n.config.EnableMetrics {
		n.metrics = metrics.New("perps", n.logger)
		n.metrics.StartServer(fmt.Sprintf("%d", n.config.MetricsPort))
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectSystemMetrics(n.ctx)
		}()
	}

	// Websocket feed.
	n.hub = feed.NewHub(n.logger, feed.DefaultConfig())
	n.hub.Run()
	n.wg.Add(1)
	go n.runWSServer()

	// Optional NATS mirroring.
	consumers := []feed.Consumer{feed.HubConsumer(n.hub), n.journalConsumer()}
	if n.config.NATSUrl != "" {
		pub, err := feed.ConnectNATS(n.config.NATSUrl, "perps.events")
		if err != nil {
			n.logger.Warn("NATS unavailable, feed disabled", "error", err)
		} else {
			n.nats = pub
			consumers = append(consumers, n.natsConsumer(pub))
			n.logger.Info("NATS feed connected", "url", n.config.NATSUrl)
		}
	}
	n.pump = feed.NewPump(n.logger, n.sink.C, consumers...)
	n.pump.Run()

	// Cranker loops.
	n.wg.Add(3)
	go n.runMatcher()
	go n.runFunding()
	go n.runLiquidator()

	// JSON-RPC server.
	n.wg.Add(1)
	go n.runJSONRPCServer()

	// Stats printer.
	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("perpsd node started successfully")
	return nil
}

func (n *Node) journalConsumer() feed.Consumer {
	return func(ev perps.Event) {
		if _, err := n.journal.AppendEvent(ev); err != nil {
			n.logger.Error("Failed to journal event", "type", ev.Type, "error", err)
		}
		if n.metrics == nil {
			return
		}
		switch ev.Type {
		case perps.EventOrderCreated:
			n.metrics.RecordOrderPlaced()
		case perps.EventOrderCanceled:
			n.metrics.RecordOrderCanceled()
		case perps.EventPositionLiquidated:
			n.metrics.RecordLiquidation()
		case perps.EventFundingUpdated:
			n.metrics.RecordFundingUpdate()
		}
	}
}

func (n *Node) natsConsumer(pub *feed.NATSPublisher) feed.Consumer {
	inner := feed.NATSConsumer(pub, n.logger)
	return func(ev perps.Event) {
		inner(ev)
		if n.metrics != nil {
			n.metrics.RecordNATSPublished()
		}
	}
}

func (n *Node) runWSServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/ws", n.hub)
	server := &http.Server{Addr: fmt.Sprintf(":%d", n.config.WSPort), Handler: mux}

	go func() {
		<-n.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	n.logger.Info("Websocket feed listening", "port", n.config.WSPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Websocket server failed", "error", err)
	}
}

func (n *Node) runJSONRPCServer() {
	defer n.wg.Done()

	err := api.StartJSONRPCServer(n.ctx, n.config.RPCPort, n.registry, n.logger)
	if err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server failed", "error", err)
	}
}

// runMatcher walks every resting trigger level of every bucket and asks
// the engine to fill what the oracle price allows.
func (n *Node) runMatcher() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.crankMatches()
		}
	}
}

func (n *Node) crankMatches() {
	nowMs := time.Now().UnixMilli()
	n.eachSymbol(func(marketID, symbol string) {
		for _, bucket := range perps.Buckets() {
			levels, err := n.registry.TriggerLevels(marketID, symbol, bucket)
			if err != nil || len(levels) == 0 {
				continue
			}
			start := time.Now()
			var filled int
			for _, level := range levels {
				got, err := n.registry.MatchOrders(n.config.Cranker, marketID, symbol,
					bucket, level, n.config.MatchBudget, nowMs)
				if err != nil {
					n.logger.Warn("MatchOrders failed",
						"market", marketID, "symbol", symbol,
						"bucket", bucket.String(), "error", err)
					break
				}
				filled += got
			}
			if n.metrics != nil {
				n.metrics.ObserveMatchLatency(time.Since(start))
				if filled > 0 {
					n.metrics.RecordOrdersMatched(filled)
				}
				if depth, err := n.registry.BucketDepth(marketID, symbol, bucket); err == nil {
					n.metrics.SetBucketDepth(marketID, symbol, bucket.String(), depth)
				}
			}
			if filled > 0 {
				n.logger.Debug("Matched resting orders",
					"market", marketID, "symbol", symbol,
					"bucket", bucket.String(), "filled", filled)
			}
		}
	})
}

func (n *Node) runFunding() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.FundingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			nowMs := time.Now().UnixMilli()
			n.eachSymbol(func(marketID, symbol string) {
				updated, err := n.registry.UpdateFunding(marketID, symbol, nowMs)
				if err != nil {
					n.logger.Warn("UpdateFunding failed",
						"market", marketID, "symbol", symbol, "error", err)
					return
				}
				if updated {
					n.logger.Debug("Funding updated", "market", marketID, "symbol", symbol)
				}
			})
		}
	}
}

// runLiquidator sweeps underwater positions and settles escrowed
// receipt claims as their receipts expire.
func (n *Node) runLiquidator() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.LiquidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.crankLiquidations()
		}
	}
}

func (n *Node) crankLiquidations() {
	nowMs := time.Now().UnixMilli()
	n.eachSymbol(func(marketID, symbol string) {
		meta, err := n.registry.SymbolMetaOf(marketID, symbol)
		if err != nil {
			return
		}
		ids, err := n.registry.GetLiquidationInfo(marketID, symbol, meta.CollateralToken, false, nowMs)
		if err != nil {
			n.logger.Warn("Liquidation scan failed",
				"market", marketID, "symbol", symbol, "error", err)
			return
		}
		for _, id := range ids {
			fee, err := n.registry.Liquidate(n.config.Cranker, marketID, symbol, id, nowMs)
			if err != nil {
				n.logger.Warn("Liquidate failed",
					"market", marketID, "symbol", symbol,
					"positionId", id, "error", err)
				continue
			}
			n.logger.Info("Position liquidated",
				"market", marketID, "symbol", symbol,
				"positionId", id, "liquidatorFee", fee)
		}

		settled, err := n.registry.SettleReceipts(marketID, symbol, n.config.SettleBudget, nowMs)
		if err != nil {
			n.logger.Warn("SettleReceipts failed",
				"market", marketID, "symbol", symbol, "error", err)
			return
		}
		if settled > 0 {
			if n.metrics != nil {
				n.metrics.RecordReceiptsSettled(settled)
			}
			n.logger.Info("Receipt claims settled",
				"market", marketID, "symbol", symbol, "count", settled)
		}
	})
}

func (n *Node) printStats() {
	defer n.wg.Done()

	startTime := time.Now()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.snapshotMarkets()
			clients := n.hub.ClientCount()
			if n.metrics != nil {
				n.metrics.SetWSClients(clients)
			}
			n.logger.Info("perpsd status",
				"uptime", fmt.Sprintf("%.0fs", time.Since(startTime).Seconds()),
				"markets", len(n.registry.Markets()),
				"wsClients", clients,
				"journalSeq", n.journal.NextSeq())
		}
	}
}

// snapshotMarkets persists the running counters of every symbol so a
// restarted node can report where the previous run left off.
func (n *Node) snapshotMarkets() {
	n.eachSymbol(func(marketID, symbol string) {
		info, err := n.registry.MarketInfo(marketID, symbol)
		if err != nil {
			return
		}
		if err := n.journal.PutMarketInfo(marketID, symbol, info); err != nil {
			n.logger.Error("Failed to snapshot market info",
				"market", marketID, "symbol", symbol, "error", err)
		}
	})
}

func (n *Node) eachSymbol(fn func(marketID, symbol string)) {
	for _, marketID := range n.registry.Markets() {
		symbols, err := n.registry.Symbols(marketID)
		if err != nil {
			continue
		}
		for _, symbol := range symbols {
			fn(marketID, symbol)
		}
	}
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down perpsd node...")

	n.cancel()
	n.wg.Wait()

	if n.pump != nil {
		n.pump.Stop()
	}
	if n.hub != nil {
		n.hub.Stop()
	}
	if n.nats != nil {
		n.nats.Close()
	}
	if n.journal != nil {
		n.journal.Close()
	}

	n.logger.Info("perpsd node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.GenesisPath, "genesis", "", "Genesis JSON seeding pool, oracles, and markets")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.RPCPort, "rpc-port", defaultRPCPort, "JSON-RPC port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket feed port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats-url", "", "NATS server URL (empty disables the NATS feed)")

	flag.StringVar(&config.Admin, "admin", "admin", "Admin identity")
	flag.StringVar(&config.Cranker, "cranker", "cranker", "Cranker identity for the maintenance loops")

	flag.DurationVar(&config.MatchInterval, "match-interval", 500*time.Millisecond, "Order matching cadence")
	flag.DurationVar(&config.FundingInterval, "funding-interval", 10*time.Second, "Funding update cadence")
	flag.DurationVar(&config.LiquidateInterval, "liquidate-interval", 2*time.Second, "Liquidation sweep cadence")
	flag.IntVar(&config.MatchBudget, "match-budget", 100, "Fills attempted per level per crank")
	flag.IntVar(&config.SettleBudget, "settle-budget", 50, "Receipt claims settled per crank")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("perpsd - perpetual futures node")
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
