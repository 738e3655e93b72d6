// Command server is the composition root: it loads Config, wires every
// component (C1-C12), starts the Scheduler's cron entries, and serves
// the command surface plus /health and /metrics over HTTP until it
// receives a shutdown signal.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"binrange-core/internal/boundary"
	"binrange-core/internal/config"
	"binrange-core/internal/domain"
	"binrange-core/internal/indicator"
	"binrange-core/internal/marketdata"
	"binrange-core/internal/observability"
	"binrange-core/internal/pool"
	"binrange-core/internal/position"
	"binrange-core/internal/rpcexec"
	"binrange-core/internal/solana"
	"binrange-core/internal/store"
	"binrange-core/internal/storage"
	"binrange-core/internal/storage/clickhouse"
	"binrange-core/internal/storage/filestore"
	"binrange-core/internal/storage/memory"
	"binrange-core/internal/storage/migrations"
	"binrange-core/internal/storage/postgres"
	"binrange-core/internal/scheduler"
	"binrange-core/internal/wallet"
)

func main() {
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Printf("config: %v", err)
		os.Exit(1)
	}
	cfgStore := config.NewStore(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	application, err := wireApp(ctx, cfgStore, logger)
	if err != nil {
		logger.Printf("init: %v", err)
		cancel()
		os.Exit(1)
	}

	if err := application.scheduler.Start(ctx); err != nil {
		logger.Printf("scheduler start: %v", err)
		cancel()
		os.Exit(1)
	}

	if application.blockhash != nil {
		go func() {
			if err := application.blockhash.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("blockhash cache: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: application.routes()}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	}()

	sig := <-sigCh
	logger.Printf("received %v, shutting down", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		srv.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Println("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Println("shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	case sig := <-sigCh:
		logger.Printf("received second signal %v, forcing immediate shutdown", sig)
		os.Exit(1)
	}
}

// app holds every wired component main needs to route HTTP requests
// and keep background work running.
type app struct {
	cfg       *config.Store
	adapter   *boundary.Adapter
	scheduler *scheduler.Scheduler
	blockhash *solana.BlockhashCache
}

// wireApp builds the full dependency graph: storage backend, on-chain
// transport, per-timeframe pool clients, and the services sitting on
// top of them. A failure to open storage or derive the wallet signer
// is fatal (§7 "Fatal" kind). Pool construction has no failure path:
// every enabled timeframe gets a pool.StubClient (see wirePools).
func wireApp(ctx context.Context, cfgStore *config.Store, logger *log.Logger) (*app, error) {
	cfg := cfgStore.Get()

	positionBackend, balanceBackend, err := openStorageBackends(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage backends: %w", err)
	}

	positionStore, err := store.Open(ctx, positionBackend)
	if err != nil {
		return nil, fmt.Errorf("open position store: %w", err)
	}

	signer, err := wallet.NewSignerFromMnemonic(cfg.WalletSeedPhrase)
	if err != nil {
		return nil, fmt.Errorf("derive wallet signer: %w", err)
	}

	rpcClient := solana.NewHTTPClient(cfg.RPCEndpoint)
	wsClient, err := solana.NewWSClient(ctx, cfg.WSEndpoint, nil)
	var blockhashCache *solana.BlockhashCache
	if err != nil {
		logger.Printf("ws client unavailable, blockhash cache will fall back to direct RPC reads: %v", err)
	} else {
		blockhashCache = solana.NewBlockhashCache(rpcClient, wsClient, logger)
	}

	exec := rpcexec.New(rpcClient, blockhashCache,
		rpcexec.WithLogger(log.New(log.Writer(), "[rpcexec] ", log.LstdFlags)))

	chainReader := wallet.NewRPCChainReader(exec, cfg.QuoteTokenDecimals)
	walletSvc := wallet.New(chainReader, balanceBackend, cfg.WalletOwner, cfg.QuoteTokenAccount,
		log.New(log.Writer(), "[wallet] ", log.LstdFlags))

	pools, descs := wirePools(cfg, exec, signer)

	posManager := position.New(pools, descs, walletSvc, positionStore,
		log.New(log.Writer(), "[position] ", log.LstdFlags))

	marketClient := marketdata.NewHTTPClient(cfg.MarketDataBaseURL,
		marketdata.WithLogger(log.New(log.Writer(), "[marketdata] ", log.LstdFlags)))

	indicatorOpts := []indicator.Option{indicator.WithLogger(log.New(log.Writer(), "[indicator] ", log.LstdFlags))}
	if archive, err := openArchive(ctx, cfg); err != nil {
		logger.Printf("timeseries archive unavailable, falling back to no-op: %v", err)
	} else if archive != nil {
		indicatorOpts = append(indicatorOpts, indicator.WithArchive(archive))
	}
	indicatorCache := indicator.New(marketClient, indicatorOpts...)

	sched := scheduler.New(cfgStore, positionStore, posManager, indicatorCache, walletSvc, cfg.TradingSymbol,
		log.New(log.Writer(), "[scheduler] ", log.LstdFlags))

	adapter := boundary.New(cfgStore, positionStore, posManager, walletSvc, indicatorCache)

	return &app{cfg: cfgStore, adapter: adapter, scheduler: sched, blockhash: blockhashCache}, nil
}

// wirePools builds one pool.Client per enabled timeframe. Every
// timeframe defaults to pool.StubClient: an on-chain pool.RPCClient
// additionally needs an InstructionBuilder that encodes and signs the
// AMM program's create/remove/claim/close instructions, which this
// module does not implement (see DESIGN.md) — operators pointing at a
// live pool must supply their own InstructionBuilder and swap the
// client construction below.
func wirePools(cfg config.Config, exec *rpcexec.Executor, signer wallet.TransactionSigner) (map[domain.Timeframe]pool.Client, map[domain.Timeframe]domain.PoolDescriptor) {
	pools := make(map[domain.Timeframe]pool.Client, len(cfg.EnabledTimeframes))
	descs := make(map[domain.Timeframe]domain.PoolDescriptor, len(cfg.EnabledTimeframes))

	for _, tf := range cfg.EnabledTimeframes {
		binStep := cfg.BinStep[tf]
		descs[tf] = domain.PoolDescriptor{
			Timeframe:    tf,
			PoolID:       cfg.PoolID[tf],
			BinStepBps:   binStep,
			BaseFeeBps:   cfg.BaseFee[tf],
			StrategyType: cfg.StrategyType[tf],
		}
		pools[tf] = pool.NewStubClient(0, 1.0, binStep)
	}
	return pools, descs
}

// openStorageBackends selects the PositionStore/BalanceHistoryStore
// backend per STORAGE_BACKEND: memory for tests/demos, filestore
// (default) for a single-node deployment, postgres for multi-instance
// durability with migrations applied on startup.
func openStorageBackends(ctx context.Context, cfg config.Config) (storage.PositionStore, storage.BalanceHistoryStore, error) {
	switch cfg.StorageBackend {
	case "memory":
		return memory.NewPositionStore(), memory.NewBalanceHistoryStore(), nil

	case "postgres":
		pgPool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pgPool); err != nil {
			return nil, nil, fmt.Errorf("run postgres migrations: %w", err)
		}
		return postgres.NewPositionStore(pgPool), postgres.NewBalanceHistoryStore(pgPool), nil

	case "filestore", "":
		positions, err := filestore.NewPositionStore(cfg.PositionsFilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open positions file: %w", err)
		}
		balances, err := filestore.NewBalanceHistoryStore(cfg.BalanceHistoryFilePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open balance history file: %w", err)
		}
		return positions, balances, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}
}

// openArchive connects the optional ClickHouse-backed indicator.Archive
// when CLICKHOUSE_DSN is set. Archive failures never fail startup: the
// caller falls back to indicator.NopArchive.
func openArchive(ctx context.Context, cfg config.Config) (indicator.Archive, error) {
	if cfg.ClickhouseDSN == "" {
		return nil, nil
	}
	conn, err := clickhouse.NewConn(ctx, cfg.ClickhouseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect clickhouse: %w", err)
	}
	if err := migrations.RunClickhouseMigrations(ctx, conn); err != nil {
		return nil, fmt.Errorf("run clickhouse migrations: %w", err)
	}
	return indicator.NewClickhouseArchive(conn), nil
}

// routes assembles the HTTP surface: /health and /metrics plus one
// handler per boundary.Adapter command.
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())

	mux.HandleFunc("/positions", a.handleGetPositions)
	mux.HandleFunc("/positions/create", a.handleCreatePosition)
	mux.HandleFunc("/positions/close", a.handleClosePosition)
	mux.HandleFunc("/positions/sync", a.handleSyncPositions)
	mux.HandleFunc("/balance", a.handleGetBalance)
	mux.HandleFunc("/balance/history", a.handleGetBalanceHistory)
	mux.HandleFunc("/rsi", a.handleGetRSI)
	mux.HandleFunc("/price", a.handleGetPrice)
	mux.HandleFunc("/config", a.handleConfig)

	return mux
}

func (a *app) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	order := r.URL.Query().Get("order")
	if order == "" {
		order = "desc"
	}
	writeResponse(w, a.adapter.GetPositions(limit, order))
}

func (a *app) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timeframe domain.Timeframe `json:"timeframe"`
		Side      domain.Side      `json:"side"`
		Amount    float64          `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResponse(w, a.adapter.CreatePosition(r.Context(), req.Timeframe, req.Side, req.Amount))
}

func (a *app) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	writeResponse(w, a.adapter.ClosePosition(r.Context(), id))
}

func (a *app) handleSyncPositions(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, a.adapter.SyncPositions(r.Context()))
}

func (a *app) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	writeResponse(w, a.adapter.GetBalance(r.Context()))
}

func (a *app) handleGetBalanceHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	hours, _ := strconv.Atoi(r.URL.Query().Get("hours"))
	writeResponse(w, a.adapter.GetBalanceHistory(r.Context(), limit, hours))
}

func (a *app) handleGetRSI(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Get()
	var tfPtr *domain.Timeframe
	if raw := r.URL.Query().Get("tf"); raw != "" {
		tf := domain.Timeframe(raw)
		tfPtr = &tf
	}
	writeResponse(w, a.adapter.GetRSI(r.Context(), cfg.TradingSymbol, tfPtr, cfg.EnabledTimeframes))
}

func (a *app) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	cfg := a.cfg.Get()
	writeResponse(w, a.adapter.GetPrice(r.Context(), cfg.TradingSymbol))
}

func (a *app) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeResponse(w, a.adapter.GetConfig())
		return
	}

	var patch config.Patch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResponse(w, a.adapter.UpdateConfig(patch))
}

func writeResponse(w http.ResponseWriter, resp boundary.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(boundary.HTTPStatus(resp))
	json.NewEncoder(w).Encode(resp)
}
