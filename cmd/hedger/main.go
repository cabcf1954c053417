// Command hedger executes one delta-neutral hedge trade interactively: a
// chunked post-only spot buy hedged by a perp sell, managed until both legs
// fill. Credentials come from the environment (a .env file is honored);
// everything else from the YAML config.
//
// Exit codes: 0 trade completed or cancelled at a prompt, 1 fatal error,
// 130 stopped by the user (SIGINT).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/basisflow/hedge-engine/core/config"
	"github.com/basisflow/hedge-engine/core/engine"
	"github.com/basisflow/hedge-engine/core/logging"
	"github.com/basisflow/hedge-engine/core/oracle"
	"github.com/basisflow/hedge-engine/core/precision"
	"github.com/basisflow/hedge-engine/core/store"
	"github.com/basisflow/hedge-engine/core/types"
	"github.com/basisflow/hedge-engine/core/venue"
)

// precisionCachePath persists live-fetched instrument precision between runs.
const precisionCachePath = "config/instrument_precision.json"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Credentials may live in a .env next to the binary; absence is fine.
	if err := godotenv.Load(); err != nil {
		logging.Logger.Debug("no .env file loaded", zap.Error(err))
	}
	defer func() { _ = logging.Logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		return 1
	}
	defer svc.close()

	svc.start(ctx)

	sess := &session{
		symbols: svc.symbols,
		oracle:  svc.oracle,
		eng:     svc.engine,
		console: newConsole(os.Stdin),
	}

	err = sess.runTrade(ctx)
	switch {
	case ctx.Err() != nil:
		fmt.Println("\nStopped by user")
		return 130
	case errors.Is(err, errInputClosed):
		fmt.Println("\nInput closed")
		return 130
	case errors.Is(err, errTradeCancelled):
		fmt.Println("\nTrade cancelled")
		return 0
	case err != nil:
		fmt.Fprintf(os.Stderr, "\nTrade failed: %v\n", err)
		return 1
	}
	return 0
}

// services holds everything the interactive session runs on.
type services struct {
	store     *store.Store
	redis     *redis.Client
	symbols   *config.SymbolTable
	oracle    *oracle.Oracle
	streams   []types.VenueStream
	ingestors []*venue.Ingestor
	refresher *precision.Refresher
	engine    *engine.Engine
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	fmt.Println("Connecting order store...")
	st, err := store.NewStore(ctx, store.NewStoreOptions{
		DSN:              cfg.Database.DSN,
		StatusRetries:    cfg.Engine.StatusRetries,
		StatusRetryDelay: cfg.Engine.StatusRetryDelay,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting order store")
	}
	if err := st.EnsureSchema(ctx); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "ensuring schema")
	}
	// Fresh session: clear current order state, keep lifecycle and venue
	// event history for reconciliation and audits.
	if err := st.TruncateOrders(ctx); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "resetting orders table")
	}
	fmt.Println("Orders table reset (event history preserved)")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	symbols := config.DefaultSymbols()

	orc, err := oracle.NewOracle(ctx, oracle.NewOracleOptions{
		Client:    rdb,
		Symbols:   symbols,
		Freshness: cfg.Engine.PriceFreshness,
		MaxSpread: cfg.Engine.MaxSpreadPercent,
		Sanity:    cfg.Engine.SpreadSanityPercent,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "connecting price cache")
	}

	spotGW, err := venue.NewSpotGateway(venue.NewSpotGatewayOptions{
		BaseURL:           cfg.Spot.BaseURL,
		APIKey:            cfg.Spot.APIKey,
		APISecret:         cfg.Spot.APISecret,
		RequestsPerSecond: cfg.Spot.RequestsPerSecond,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building spot gateway")
	}
	perpGW, err := venue.NewPerpGateway(venue.NewPerpGatewayOptions{
		BaseURL:           cfg.Perp.BaseURL,
		APIKey:            cfg.Perp.APIKey,
		APISecret:         cfg.Perp.APISecret,
		RequestsPerSecond: cfg.Perp.RequestsPerSecond,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building perp gateway")
	}

	spotStream, err := venue.NewSpotStream(venue.NewSpotStreamOptions{
		WSURL:     cfg.Spot.WSURL,
		APIKey:    cfg.Spot.APIKey,
		APISecret: cfg.Spot.APISecret,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building spot stream")
	}
	perpStream, err := venue.NewPerpStream(venue.NewPerpStreamOptions{
		WSURL:     cfg.Perp.WSURL,
		APIKey:    cfg.Perp.APIKey,
		APISecret: cfg.Perp.APISecret,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building perp stream")
	}

	rejections := venue.NewRejectionCache()
	var ingestors []*venue.Ingestor
	for _, s := range []types.VenueStream{spotStream, perpStream} {
		ing, err := venue.NewIngestor(venue.NewIngestorOptions{
			Stream:     s,
			Events:     st.Events(),
			Orders:     st,
			Lifecycle:  st.Lifecycle(),
			Resolver:   st,
			Rejections: rejections,
		})
		if err != nil {
			st.Close()
			rdb.Close()
			return nil, errors.Wrapf(err, "building %s ingestor", s.Venue())
		}
		ingestors = append(ingestors, ing)
	}

	refresher, err := precision.NewRefresher(precision.NewRefresherOptions{
		SpotGateway: spotGW,
		PerpGateway: perpGW,
		Symbols:     symbols,
		CachePath:   precisionCachePath,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building precision refresher")
	}

	eng, err := engine.NewEngine(engine.NewEngineOptions{
		SpotGateway:    spotGW,
		PerpGateway:    perpGW,
		Oracle:         orc,
		Orders:         st,
		Lifecycle:      st.Lifecycle(),
		Events:         st.Events(),
		Reconciliation: st.Reconciliation(),
		Spreads:        st,
		Balances:       spotGW,
		Rejections:     rejections,
		Params:         cfg.Engine,
	})
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, errors.Wrap(err, "building engine")
	}

	return &services{
		store:     st,
		redis:     rdb,
		symbols:   symbols,
		oracle:    orc,
		streams:   []types.VenueStream{spotStream, perpStream},
		ingestors: ingestors,
		refresher: refresher,
		engine:    eng,
	}, nil
}

// start launches the background tasks: venue streams, their ingestors, the
// precision refresh, and the optional metrics listener.
func (s *services) start(ctx context.Context) {
	for _, stream := range s.streams {
		stream := stream
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Logger.Error("venue stream stopped",
					zap.String("venue", string(stream.Venue())),
					zap.Error(err))
			}
		}()
	}
	for _, ing := range s.ingestors {
		ing := ing
		go func() {
			if err := ing.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Logger.Error("event ingestor stopped", zap.Error(err))
			}
		}()
	}

	fmt.Println("Refreshing instrument precision...")
	if err := s.refresher.Refresh(ctx); err != nil {
		logging.Logger.Warn("precision refresh unavailable, static table values stand",
			zap.Error(err))
	}

	if addr := os.Getenv("HEDGE_METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				logging.Logger.Warn("metrics listener stopped", zap.Error(err))
			}
		}()
	}
}

func (s *services) close() {
	if err := s.store.Close(); err != nil {
		logging.Logger.Warn("closing order store", zap.Error(err))
	}
	if err := s.redis.Close(); err != nil {
		logging.Logger.Warn("closing price cache", zap.Error(err))
	}
}
