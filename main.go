package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradeflow/config"
	"tradeflow/internal/arbitrage"
	"tradeflow/internal/connector"
	"tradeflow/internal/connector/binance"
	"tradeflow/internal/connector/bybit"
	"tradeflow/internal/connector/kucoin"
	"tradeflow/internal/connector/okx"
	"tradeflow/internal/dashboard"
	"tradeflow/internal/events"
	"tradeflow/internal/framework"
	"tradeflow/internal/model"
	"tradeflow/internal/router"
	sig "tradeflow/internal/signal"
	"tradeflow/internal/store"
	"tradeflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tradeflow.Name,
		"version": cfg.Tradeflow.Version,
	}).Info("starting tradeflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	trades := store.NewMemoryStore()

	fleet := framework.New(framework.Config{
		MaxExchanges: cfg.Framework.MaxExchanges,
		QuoteAsset:   cfg.Framework.Portfolio.QuoteAsset,
		Bus:          bus,
		Log:          log,
	})

	registered := 0
	for _, ex := range cfg.Exchanges {
		if !ex.Enabled {
			continue
		}
		conn, err := buildConnector(ex, cfg, bus, log)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": ex.Profile.ExchangeID}).
				Error("failed to build connector")
			os.Exit(1)
		}
		if err := fleet.RegisterExchange(ctx, ex.Profile.ExchangeID, conn); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": ex.Profile.ExchangeID}).
				Warn("exchange registration failed; continuing without it")
			continue
		}
		registered++
	}
	if registered == 0 {
		log.Error("no exchange could be registered")
		os.Exit(1)
	}

	orderRouter := router.New(router.Config{
		Fleet:             fleet,
		Store:             trades,
		Log:               log,
		MaxSplits:         cfg.Router.MaxSplits,
		MinQuality:        cfg.Router.MinQuality,
		DepthTolerance:    cfg.Router.DepthTolerance,
		BookDepth:         cfg.Router.BookDepth,
		PartialFillPolicy: router.PartialFillPolicy(cfg.Router.PartialFillPolicy),
		RequestTimeout:    cfg.Router.RequestTimeout,
	})

	gate := sig.NewGate(
		sig.Policy(cfg.Signals.ConflictPolicy),
		cfg.Signals.ClaimWindow,
		[]sig.Origin{sig.OriginArbitrage, sig.OriginStrategy},
	)

	var executor arbitrage.Executor
	if cfg.Arbitrage.AutoExecute {
		executor = &gatedExecutor{gate: gate, router: orderRouter}
	}

	engine := arbitrage.New(arbitrage.Config{
		Source:           fleet,
		Log:              log,
		Symbols:          cfg.Arbitrage.Symbols,
		MinProfitPercent: cfg.Arbitrage.MinProfitPercent,
		PollInterval:     cfg.Arbitrage.PollInterval,
		OpportunityTTL:   cfg.Arbitrage.OpportunityTTL,
		Executor:         executor,
		MinConfidence:    cfg.Arbitrage.MinConfidence,
	})
	engine.Start(ctx)

	dash := dashboard.NewServer(dashboard.Config{
		Enabled:        cfg.Dashboard.Enabled,
		Address:        cfg.Dashboard.Address,
		SampleInterval: cfg.Dashboard.SampleInterval,
		History:        cfg.Dashboard.History,
	}, fleet, engine, orderRouter, trades, log)
	go func() {
		if err := dash.Run(ctx, cfg.Tradeflow.Name, cfg.Tradeflow.Version); err != nil {
			log.WithError(err).Error("dashboard server failed")
		}
	}()

	log.WithFields(logger.Fields{"exchanges": registered}).Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	s := <-sigChan
	log.WithFields(logger.Fields{"signal": s.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		engine.Stop()
		fleet.Cleanup()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	trades.Close()
	bus.Close()
	log.Info("tradeflow stopped")
}

// buildConnector assembles the connector for one configured exchange. The
// connector type is selected by the exchange id.
func buildConnector(ex config.ExchangeConfig, cfg *config.Config, bus *events.Bus, log *logger.Log) (connector.Connector, error) {
	ccfg := connector.Config{
		Profile:            ex.Profile,
		Bus:                bus,
		Log:                log,
		CacheTTL:           cfg.Framework.CacheTTL,
		StalenessWindow:    cfg.Framework.StalenessWindow,
		ExponentialBackoff: true,
	}

	switch ex.Profile.ExchangeID {
	case "binance":
		return binance.New(ccfg, ex.Auth.APIKey(), ex.Auth.APISecret()), nil
	case "bybit":
		return bybit.New(ccfg, bybit.NewSigner(ex.Auth.APIKey(), ex.Auth.APISecret())), nil
	case "okx":
		return okx.New(ccfg, okx.NewSigner(ex.Auth.APIKey(), ex.Auth.APISecret(), ex.Auth.Passphrase())), nil
	case "kucoin":
		return kucoin.New(ccfg, kucoin.NewSigner(ex.Auth.APIKey(), ex.Auth.APISecret(), ex.Auth.Passphrase())), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", ex.Profile.ExchangeID)
	}
}

// gatedExecutor runs auto-executed opportunities through the signal gate so
// arbitrage orders and strategy orders cannot fight over one symbol.
type gatedExecutor struct {
	gate   *sig.Gate
	router *router.Router
}

func (g *gatedExecutor) ExecuteOpportunity(ctx context.Context, opp model.ArbitrageOpportunity) error {
	ok, err := g.gate.Submit(sig.Order{
		Origin:     sig.OriginArbitrage,
		Request:    model.OrderRequest{Symbol: opp.Symbol},
		ReceivedAt: time.Now(),
	})
	if !ok {
		return err
	}
	defer g.gate.Release(opp.Symbol)
	return g.router.ExecuteOpportunity(ctx, opp)
}
