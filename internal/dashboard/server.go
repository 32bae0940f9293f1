// Package dashboard exposes the running system over a small HTTP API:
// fleet status, performance metrics, live opportunities, portfolio and
// trade history. It is read-only and optional.
package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeflow/internal/arbitrage"
	"tradeflow/internal/framework"
	"tradeflow/internal/model"
	"tradeflow/internal/router"
	"tradeflow/internal/store"
	"tradeflow/logger"
)

// Config selects the listen address and sampling behaviour.
type Config struct {
	Enabled        bool
	Address        string
	SampleInterval time.Duration
	History        int
}

// FleetView is the slice of the framework the dashboard reads.
type FleetView interface {
	GetFrameworkMetrics() framework.Metrics
	GetRegisteredExchanges() []string
	GetActiveExchanges() []string
	GetRateLimitUsage() map[string]map[string]int
	GetCrossExchangePortfolio(ctx context.Context) (*model.Portfolio, error)
}

// EngineView exposes the arbitrage engine's observable state.
type EngineView interface {
	GetOpportunities() []model.ArbitrageOpportunity
	GetPerformanceMetrics() arbitrage.PerformanceMetrics
}

// RouterView exposes routing counters.
type RouterView interface {
	GetPerformanceMetrics() router.PerformanceMetrics
}

// Server hosts the status API. A nil server (dashboard disabled) is safe to
// Run.
type Server struct {
	cfg     Config
	log     *logger.Entry
	fleet   FleetView
	engine  EngineView
	router  RouterView
	trades  store.TradeStore
	sampler *resourceSampler

	httpServer *http.Server
	startedAt  time.Time
}

// NewServer builds the server, or returns nil when the dashboard is
// disabled.
func NewServer(cfg Config, fleet FleetView, engine EngineView, rtr RouterView, trades store.TradeStore, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	if log == nil {
		log = logger.GetLogger()
	}
	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Second
	}
	if cfg.History <= 0 {
		cfg.History = 200
	}
	return &Server{
		cfg:     cfg,
		log:     log.WithComponent("dashboard"),
		fleet:   fleet,
		engine:  engine,
		router:  rtr,
		trades:  trades,
		sampler: newResourceSampler(cfg.History, cfg.SampleInterval, log),
	}
}

// Run serves until the context is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context, appName, version string) error {
	if s == nil {
		return nil
	}
	s.startedAt = time.Now()
	s.sampler.start(ctx)
	defer s.sampler.stop()

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: s.buildRouter(appName, version),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithField("address", s.cfg.Address).Info("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) buildRouter(appName, version string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/api/status", func(c *gin.Context) {
		m := s.fleet.GetFrameworkMetrics()
		c.JSON(http.StatusOK, gin.H{
			"service":        appName,
			"version":        version,
			"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
			"registered":     s.fleet.GetRegisteredExchanges(),
			"active":         s.fleet.GetActiveExchanges(),
			"events_dropped": m.EventsDropped,
		})
	})

	r.GET("/api/metrics", func(c *gin.Context) {
		fm := s.fleet.GetFrameworkMetrics()
		em := s.engine.GetPerformanceMetrics()
		rm := s.router.GetPerformanceMetrics()
		c.JSON(http.StatusOK, gin.H{
			"framework": gin.H{
				"total_exchanges":  fm.TotalExchanges,
				"active_exchanges": fm.ActiveExchanges,
				"events_dropped":   fm.EventsDropped,
			},
			"arbitrage": gin.H{
				"detected":   em.Detected,
				"executed":   em.Executed,
				"cycles":     em.Cycles,
				"last_cycle": em.LastCycle.Format(time.RFC3339Nano),
			},
			"routing": gin.H{
				"recommendations": rm.Recommendations,
				"single_routes":   rm.SingleRoutes,
				"split_routes":    rm.SplitRoutes,
				"waits":           rm.Waits,
				"failures":        rm.Failures,
			},
			"rate_limits": s.fleet.GetRateLimitUsage(),
		})
	})

	r.GET("/api/opportunities", func(c *gin.Context) {
		opps := s.engine.GetOpportunities()
		payload := make([]gin.H, 0, len(opps))
		for _, o := range opps {
			payload = append(payload, gin.H{
				"id":               o.ID,
				"symbol":           o.Symbol,
				"buy_exchange":     o.BuyExchange,
				"sell_exchange":    o.SellExchange,
				"spread_percent":   o.SpreadPercent,
				"max_volume":       o.MaxVolume,
				"estimated_profit": o.EstimatedProfit,
				"confidence":       o.Confidence,
				"expires_at":       o.ExpiresAt.Format(time.RFC3339Nano),
			})
		}
		c.JSON(http.StatusOK, gin.H{"opportunities": payload})
	})

	r.GET("/api/portfolio", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
		defer cancel()
		p, err := s.fleet.GetCrossExchangePortfolio(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		positions := make([]gin.H, 0, len(p.Positions))
		for _, pos := range p.Positions {
			positions = append(positions, gin.H{
				"asset":    pos.Asset,
				"quantity": pos.Quantity.String(),
				"value":    pos.Value.String(),
			})
		}
		byExchange := make(gin.H, len(p.ByExchange))
		for id, v := range p.ByExchange {
			byExchange[id] = v.String()
		}
		c.JSON(http.StatusOK, gin.H{
			"quote_asset": p.QuoteAsset,
			"total_value": p.TotalValue.String(),
			"daily_pnl":   p.DailyPnL.String(),
			"risk":        string(p.Risk),
			"positions":   positions,
			"by_exchange": byExchange,
		})
	})

	r.GET("/api/trades", func(c *gin.Context) {
		sum, err := s.trades.PerformanceSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total_trades":   sum.TotalTrades,
			"open_trades":    sum.OpenTrades,
			"winning_trades": sum.WinningTrades,
			"total_pnl":      sum.TotalPnL.String(),
		})
	})

	r.GET("/api/resources", func(c *gin.Context) {
		samples := s.sampler.snapshot()
		payload := make([]gin.H, 0, len(samples))
		for _, snap := range samples {
			payload = append(payload, gin.H{
				"timestamp":      snap.Timestamp.Format(time.RFC3339Nano),
				"cpu_percent":    snap.CPUPercent,
				"memory_percent": snap.MemoryPct,
				"memory_used":    snap.MemoryUsed,
				"memory_total":   snap.MemoryTotal,
			})
		}
		c.JSON(http.StatusOK, gin.H{"resources": payload})
	})

	return r
}

// Address reports the normalized listen address.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	return net.JoinHostPort(addr, "8080")
}
